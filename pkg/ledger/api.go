package ledger

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Chunk limits of the streaming instructions. Most instructions accept
// a full APDU body; the transaction skeleton streamer caps script
// chunks much lower to leave the device room for its own bookkeeping.
const (
	apduChunkSize   = 255
	scriptChunkSize = 50
)

// Input encodings used while streaming a transaction skeleton.
const (
	inputPlain   byte = 0x00 // bare previous outpoint
	inputTrusted byte = 0x01 // attested trusted input blob
	inputWitness byte = 0x02 // previous outpoint plus amount
)

// chunkBytes splits data into size limited chunks. Empty data yields a
// single empty chunk so streamed instructions still make one exchange.
func chunkBytes(data []byte, size int) [][]byte {
	var chunks [][]byte
	for len(data) > size {
		chunks = append(chunks, data[:size])
		data = data[size:]
	}
	return append(chunks, data)
}

func writeOutPoint(buf *bytes.Buffer, prevout *wire.OutPoint) {
	buf.Write(prevout.Hash[:])
	var index [4]byte
	binary.LittleEndian.PutUint32(index[:], prevout.Index)
	buf.Write(index[:])
}

// GetFirmwareVersion asks the app for its feature flags, version and
// operation mode.
func (l *Ledger) GetFirmwareVersion() (*FirmwareVersion, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getFirmwareVersion()
}

func (l *Ledger) getFirmwareVersion() (*FirmwareVersion, error) {
	reply, err := l.exchangeAPDU(&APDUCommand{CLA: claGeneral, INS: insGetFirmwareVersion})
	if err != nil {
		return nil, err
	}
	return parseFirmwareVersion(reply)
}

// GetOperationMode returns the current operation mode bitmask.
func (l *Ledger) GetOperationMode() (byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reply, err := l.exchangeAPDU(&APDUCommand{CLA: claGeneral, INS: insGetOperationMode})
	if err != nil {
		return 0, err
	}
	if len(reply) < 1 {
		return 0, framingErrorf("empty operation mode reply")
	}
	return reply[0], nil
}

// SetOperationMode changes the operation mode bitmask.
func (l *Ledger) SetOperationMode(mode byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insSetOperationMode,
		Data: []byte{mode},
	})
	return err
}

// GetRandom returns n bytes from the device's hardware rng. This
// instruction is the one oddity in the command set: the requested
// length rides in the length slot itself, with no body behind it.
func (l *Ledger) GetRandom(n byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reply, err := l.exchangeAPDU(&APDUCommand{
		CLA:              claGeneral,
		INS:              insGetRandom,
		Data:             []byte{n},
		SkipLengthPrefix: true,
	})
	if err != nil {
		return nil, err
	}
	if len(reply) != int(n) {
		return nil, framingErrorf("random reply: %d bytes, want %d", len(reply), n)
	}
	return reply, nil
}

// GetWalletPublicKey derives the key at path and returns it with its
// address and chain code. With confirm set the device shows the address
// on screen and waits for the user before replying.
func (l *Ledger) GetWalletPublicKey(path []uint32, confirm bool, addrType AddressType) (*WalletPublicKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getWalletPublicKey(path, confirm, addrType)
}

func (l *Ledger) getWalletPublicKey(path []uint32, confirm bool, addrType AddressType) (*WalletPublicKey, error) {
	data, err := pathData(path)
	if err != nil {
		return nil, err
	}
	p1 := p1First
	if confirm {
		p1 = p1ShowAddress
		promptConfirm("address")
	}
	reply, err := l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insGetWalletPublicKey,
		P1:   p1,
		P2:   byte(addrType),
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	return parseWalletPublicKey(reply)
}

// GetTrustedInput streams the whole funding transaction to the device
// and returns the attestation blob for output index, for later use as
// a spend authorization in a signing session.
func (l *Ledger) GetTrustedInput(prev *wire.MsgTx, index uint32) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getTrustedInput(prev, index)
}

func (l *Ledger) getTrustedInput(prev *wire.MsgTx, index uint32) ([]byte, error) {
	var stream bytes.Buffer
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	stream.Write(idx[:])
	if err := prev.SerializeNoWitness(&stream); err != nil {
		return nil, err
	}

	var reply []byte
	p1 := p1First
	for _, chunk := range chunkBytes(stream.Bytes(), apduChunkSize) {
		var err error
		reply, err = l.exchangeAPDU(&APDUCommand{
			CLA:  claGeneral,
			INS:  insGetTrustedInput,
			P1:   p1,
			Data: chunk,
		})
		if err != nil {
			return nil, err
		}
		p1 = p1Continue
	}
	if len(reply) != trustedInputSize {
		return nil, framingErrorf("trusted input reply: %d bytes, want %d", len(reply), trustedInputSize)
	}
	return reply, nil
}

// HashTransactionStart streams the signing skeleton of tx into the
// device hasher. Inputs present in trusted are sent as attestation
// blobs; in witness mode the rest are sent as outpoint plus amount
// looked up in coins; otherwise as bare outpoints. The scripts streamed
// are the ones currently in tx.TxIn, which the session layer nulls or
// substitutes per signing pass.
func (l *Ledger) HashTransactionStart(tx *wire.MsgTx, coins map[wire.OutPoint]*wire.TxOut,
	trusted map[wire.OutPoint][]byte, newSession, witness bool) error {

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hashTransactionStart(tx, coins, trusted, newSession, witness)
}

func (l *Ledger) hashTransactionStart(tx *wire.MsgTx, coins map[wire.OutPoint]*wire.TxOut,
	trusted map[wire.OutPoint][]byte, newSession, witness bool) error {

	p2 := p2StartContinueTX
	if newSession {
		p2 = p2StartNewLegacy
		if witness {
			p2 = p2StartNewWitness
		}
	}

	var head bytes.Buffer
	var version [4]byte
	binary.LittleEndian.PutUint32(version[:], uint32(tx.Version))
	head.Write(version[:])
	if err := wire.WriteVarInt(&head, 0, uint64(len(tx.TxIn))); err != nil {
		return err
	}
	if _, err := l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insHashInputStart,
		P1:   p1First,
		P2:   p2,
		Data: head.Bytes(),
	}); err != nil {
		return err
	}

	for _, txIn := range tx.TxIn {
		prevout := txIn.PreviousOutPoint

		var hdr bytes.Buffer
		if blob, ok := trusted[prevout]; ok {
			hdr.WriteByte(inputTrusted)
			hdr.WriteByte(byte(len(blob)))
			hdr.Write(blob)
		} else if witness {
			coin := coins[prevout]
			if coin == nil {
				return sessionErrorf("no coin for input %v", prevout)
			}
			hdr.WriteByte(inputWitness)
			writeOutPoint(&hdr, &prevout)
			var amount [8]byte
			binary.LittleEndian.PutUint64(amount[:], uint64(coin.Value))
			hdr.Write(amount[:])
		} else {
			hdr.WriteByte(inputPlain)
			writeOutPoint(&hdr, &prevout)
		}
		script := txIn.SignatureScript
		if err := wire.WriteVarInt(&hdr, 0, uint64(len(script))); err != nil {
			return err
		}
		if _, err := l.exchangeAPDU(&APDUCommand{
			CLA:  claGeneral,
			INS:  insHashInputStart,
			P1:   p1Continue,
			P2:   p2,
			Data: hdr.Bytes(),
		}); err != nil {
			return err
		}

		// The script streams in small chunks with the input's sequence
		// number riding behind the final one.
		var sequence [4]byte
		binary.LittleEndian.PutUint32(sequence[:], txIn.Sequence)
		chunks := chunkBytes(script, scriptChunkSize)
		for i, chunk := range chunks {
			if i == len(chunks)-1 {
				chunk = append(chunk[:len(chunk):len(chunk)], sequence[:]...)
			}
			if _, err := l.exchangeAPDU(&APDUCommand{
				CLA:  claGeneral,
				INS:  insHashInputStart,
				P1:   p1Continue,
				P2:   p2,
				Data: chunk,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// HashOutputFinalize streams the serialized outputs of tx into the open
// hashing session and returns, per output, whether the device wants an
// on-screen confirmation for it.
func (l *Ledger) HashOutputFinalize(tx *wire.MsgTx) ([]bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hashOutputFinalize(tx)
}

func (l *Ledger) hashOutputFinalize(tx *wire.MsgTx) ([]bool, error) {
	var stream bytes.Buffer
	if err := wire.WriteVarInt(&stream, 0, uint64(len(tx.TxOut))); err != nil {
		return nil, err
	}
	for _, out := range tx.TxOut {
		if err := wire.WriteTxOut(&stream, 0, 0, out); err != nil {
			return nil, err
		}
	}

	chunks := chunkBytes(stream.Bytes(), apduChunkSize)
	var reply []byte
	for i, chunk := range chunks {
		p1 := p1More
		if i == len(chunks)-1 {
			p1 = p1Final
		}
		var err error
		reply, err = l.exchangeAPDU(&APDUCommand{
			CLA:  claGeneral,
			INS:  insHashInputFinalize,
			P1:   p1,
			Data: chunk,
		})
		if err != nil {
			return nil, err
		}
	}
	return parseOutputFlags(reply), nil
}

// HashSign closes the hashing pass for one input and returns the DER
// signature under the key at path, with the device's marker bit already
// cleared. The sighash byte is not appended; the session layer does
// that when assembling the final script.
func (l *Ledger) HashSign(path []uint32, lockTime uint32, hashType txscript.SigHashType) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hashSign(path, lockTime, hashType)
}

func (l *Ledger) hashSign(path []uint32, lockTime uint32, hashType txscript.SigHashType) ([]byte, error) {
	data, err := pathData(path)
	if err != nil {
		return nil, err
	}
	data = append(data, 0x00)
	var lt [4]byte
	binary.BigEndian.PutUint32(lt[:], lockTime)
	data = append(data, lt[:]...)
	data = append(data, byte(hashType))

	reply, err := l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insHashSign,
		Data: data,
	})
	if err != nil {
		return nil, err
	}
	return parseSignatureReply(reply)
}

// SignMessage signs an arbitrary message under the key at path using
// the Bitcoin signed message scheme. The device shows the message and
// waits for user confirmation. Devices configured with a second factor
// reject the pinless attempt; the user is then prompted and the
// signing retried with the pin supplied.
func (l *Ledger) SignMessage(path []uint32, msg []byte) (*Signature, error) {
	sig, err := l.SignMessageWithPIN(path, msg, "")
	var apduErr *APDUError
	if errors.As(err, &apduErr) && apduErr.Code == StatusSecurityStatus {
		pin, perr := promptPIN()
		if perr != nil {
			return nil, err
		}
		return l.SignMessageWithPIN(path, msg, pin)
	}
	return sig, err
}

// SignMessageWithPIN is SignMessage with the second factor pin supplied
// up front. Apps too old for the chunked protocol reject its marker
// parameter; those get a transparent retry over the legacy single shot
// protocol.
func (l *Ledger) SignMessageWithPIN(path []uint32, msg []byte, pin string) (*Signature, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := l.signMessage(path, msg, pin, false)
	var apduErr *APDUError
	if errors.As(err, &apduErr) && apduErr.Code == StatusIncorrectParameters {
		l.log.Debugf("chunked message signing rejected with 0x%04x, retrying legacy protocol", apduErr.Code)
		raw, err = l.signMessage(path, msg, pin, true)
	}
	if err != nil {
		return nil, err
	}
	return ParseLedgerSignature(raw)
}

func (l *Ledger) signMessage(path []uint32, msg []byte, pin string, legacy bool) ([]byte, error) {
	data, err := pathData(path)
	if err != nil {
		return nil, err
	}

	var first bytes.Buffer
	first.Write(data)
	if legacy {
		if len(msg) > 0xff {
			return nil, fmt.Errorf("ledger: message of %d bytes too long for legacy signing", len(msg))
		}
		first.WriteByte(byte(len(msg)))
	} else {
		if len(msg) > 0xffff {
			return nil, fmt.Errorf("ledger: message of %d bytes too long", len(msg))
		}
		var size [2]byte
		binary.BigEndian.PutUint16(size[:], uint16(len(msg)))
		first.Write(size[:])
	}

	head := msg
	if room := apduChunkSize - first.Len(); len(head) > room {
		head = msg[:room]
	}
	first.Write(head)
	rest := msg[len(head):]

	p2 := p2MessageLegacy
	if !legacy {
		p2 = p2MessageFirst
	}
	if _, err := l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insSignMessage,
		P1:   p1MessagePrepare,
		P2:   p2,
		Data: first.Bytes(),
	}); err != nil {
		return nil, err
	}
	for len(rest) > 0 {
		chunk := rest
		if len(chunk) > apduChunkSize {
			chunk = rest[:apduChunkSize]
		}
		rest = rest[len(chunk):]

		if _, err := l.exchangeAPDU(&APDUCommand{
			CLA:  claGeneral,
			INS:  insSignMessage,
			P1:   p1MessagePrepare,
			P2:   p2MessageNext,
			Data: chunk,
		}); err != nil {
			return nil, err
		}
	}

	final := make([]byte, 0, 1+len(pin))
	final = append(final, byte(len(pin)))
	final = append(final, pin...)
	return l.exchangeAPDU(&APDUCommand{
		CLA:  claGeneral,
		INS:  insSignMessage,
		P1:   p1MessageSign,
		Data: final,
	})
}

// SignTransaction drives a complete signing session over the inputs
// and fills each input's unlocking data (scriptSig or witness) into
// tx in place. The device lock is held across the whole session so no
// other operation can interleave with the device's session state.
func (l *Ledger) SignTransaction(tx *wire.MsgTx, inputs []*TXInput) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	state, err := newTXState(tx, inputs)
	if err != nil {
		return err
	}
	defer state.destroy()

	if err := state.collectPublicKeys(l); err != nil {
		return err
	}
	if err := state.collectTrustedInputs(l); err != nil {
		return err
	}
	if err := state.cacheWitnessInputs(l); err != nil {
		return err
	}
	for _, in := range inputs {
		sig, err := state.getSignature(l, in)
		if err != nil {
			return err
		}
		if err := applySignature(tx, state, in, sig); err != nil {
			return err
		}
	}
	return nil
}
