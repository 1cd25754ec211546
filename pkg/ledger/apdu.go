package ledger

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Instruction codes of the Bitcoin app, class 0xE0.
const (
	claGeneral byte = 0xe0

	insGetOperationMode   byte = 0x24
	insSetOperationMode   byte = 0x26
	insGetWalletPublicKey byte = 0x40
	insGetTrustedInput    byte = 0x42
	insHashInputStart     byte = 0x44
	insHashSign           byte = 0x48
	insHashInputFinalize  byte = 0x4a
	insSignMessage        byte = 0x4e
	insGetRandom          byte = 0xc0
	insGetFirmwareVersion byte = 0xc4
)

// p1/p2 values encode the protocol sub-state of multi exchange
// instructions. The bit patterns are part of the wire contract.
const (
	p1First    byte = 0x00 // first chunk of a streamed payload
	p1Continue byte = 0x80 // continuation chunk

	p1More  byte = 0x00 // finalize: more data follows
	p1Final byte = 0x80 // finalize: last chunk

	p2StartNewLegacy  byte = 0x00 // hash start: new session, legacy inputs
	p2StartNewWitness byte = 0x02 // hash start: new session, witness inputs
	p2StartContinueTX byte = 0x80 // hash start: continuing an open session

	p1MessagePrepare byte = 0x00 // sign message: stream path and message
	p1MessageSign    byte = 0x80 // sign message: return the signature

	p2MessageFirst  byte = 0x01 // prepare: first chunk
	p2MessageNext   byte = 0x80 // prepare: continuation chunk
	p2MessageLegacy byte = 0x00 // prepare: legacy single shot protocol

	p1ShowAddress byte = 0x01 // wallet public key: confirm on screen
)

// AddressType selects the address format returned alongside a wallet
// public key.
type AddressType byte

// Address formats understood by the device.
const (
	AddressLegacy        AddressType = 0x00 // base58 P2PKH
	AddressNestedWitness AddressType = 0x01 // P2WPKH nested in P2SH
	AddressWitness       AddressType = 0x02 // bech32 P2WPKH
)

// Operation mode bits reported and set through the operation mode
// instructions.
const (
	ModeWallet    byte = 0x01
	ModeRelaxed   byte = 0x02
	ModeServer    byte = 0x04
	ModeDeveloper byte = 0x08
)

// trustedInputSize is the length of the opaque attestation blob the
// device returns for a previous output.
const trustedInputSize = 56

// APDUCommand is one typed command before raw encoding. The raw layout
// is [cla, ins, p1, p2, len, data]; length prefix and body can each be
// omitted for special instructions such as the random bytes request.
type APDUCommand struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte

	// LE is the expected response length, advisory only.
	LE byte

	SkipLengthPrefix bool
	SkipBody         bool
}

// Bytes returns the raw instruction string.
func (c *APDUCommand) Bytes() []byte {
	raw := make([]byte, 4, 5+len(c.Data))
	raw[0], raw[1], raw[2], raw[3] = c.CLA, c.INS, c.P1, c.P2
	if !c.SkipLengthPrefix {
		raw = append(raw, byte(len(c.Data)))
	}
	if !c.SkipBody {
		raw = append(raw, c.Data...)
	}
	return raw
}

// decodeResponse splits a raw device reply into payload and status word
// and maps non-OK status words to APDU errors.
func decodeResponse(raw []byte) ([]byte, error) {
	if len(raw) < 2 {
		return nil, framingErrorf("response shorter than status word: %d bytes", len(raw))
	}
	status := binary.BigEndian.Uint16(raw[len(raw)-2:])
	if status != StatusOK {
		return nil, newAPDUError(status)
	}
	return raw[:len(raw)-2], nil
}

// FirmwareVersion describes the app running on the device.
//
// The version retrieval protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc
//	----+-----+----+----+---
//	 E0 | C4  | 00 | 00 | 00
//
// With no input data, and the output data being:
//
//	Description             | Length
//	------------------------+--------
//	Feature bitmask         | 1 byte
//	Application version     | 3 bytes (major, minor, patch)
//	Operation mode bitmask  | 1 byte
type FirmwareVersion struct {
	Features byte
	Major    byte
	Minor    byte
	Patch    byte
	Mode     byte
}

func (v *FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

func parseFirmwareVersion(data []byte) (*FirmwareVersion, error) {
	if len(data) < 5 {
		return nil, framingErrorf("firmware version reply too short: %d bytes", len(data))
	}
	return &FirmwareVersion{
		Features: data[0],
		Major:    data[1],
		Minor:    data[2],
		Patch:    data[3],
		Mode:     data[4],
	}, nil
}

// WalletPublicKey is the response to a wallet public key request.
//
// The derivation protocol is defined as follows:
//
//	CLA | INS | P1 | P2 | Lc
//	----+-----+----+----+----
//	 E0 | 40  | 00: return the key directly
//	            01: confirm on screen before returning
//	               | address type (00 legacy, 01 nested, 02 bech32)
//	                    | var
//
// Where the input data is the serialized derivation path and the output
// data is:
//
//	Description              | Length
//	-------------------------+--------
//	Public key length        | 1 byte
//	Uncompressed public key  | arbitrary
//	Address length           | 1 byte
//	Address (ascii)          | arbitrary
//	Chain code               | 32 bytes
type WalletPublicKey struct {
	PublicKey *btcec.PublicKey
	Address   string
	ChainCode [32]byte
}

func parseWalletPublicKey(data []byte) (*WalletPublicKey, error) {
	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return nil, framingErrorf("public key reply lacks key entry")
	}
	rawKey := data[1 : 1+int(data[0])]
	data = data[1+int(data[0]):]

	if len(data) < 1 || len(data) < 1+int(data[0]) {
		return nil, framingErrorf("public key reply lacks address entry")
	}
	addr := string(data[1 : 1+int(data[0])])
	data = data[1+int(data[0]):]

	if len(data) < 32 {
		return nil, framingErrorf("public key reply lacks chain code")
	}

	key, err := btcec.ParsePubKey(rawKey)
	if err != nil {
		return nil, err
	}

	wpk := &WalletPublicKey{PublicKey: key, Address: addr}
	copy(wpk.ChainCode[:], data[:32])
	return wpk, nil
}

// parseSignatureReply masks the flag bit the device sets in the first
// byte of a transaction signature and returns a copy of the DER bytes.
func parseSignatureReply(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, framingErrorf("empty signature reply")
	}
	der := make([]byte, len(data))
	copy(der, data)
	der[0] &= 0xfe
	return der, nil
}

// parseOutputFlags converts the finalize reply into per output
// "needs on-screen confirmation" flags.
func parseOutputFlags(data []byte) []bool {
	flags := make([]bool, len(data))
	for i, b := range data {
		flags[i] = b != 0
	}
	return flags
}
