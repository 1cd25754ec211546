package ledger

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// messageMagic prefixes every signed message before hashing, matching
// the Bitcoin Core convention.
const messageMagic = "Bitcoin Signed Message:\n"

// Signature is an ECDSA signature with an optional recovery id. R and S
// are fixed width 32 byte big endian unsigned integers.
type Signature struct {
	r [32]byte
	s [32]byte

	recID    byte
	hasRecID bool
}

// NewSignature returns a signature from its R and S components with no
// recovery id set.
func NewSignature(r, s [32]byte) *Signature {
	return &Signature{r: r, s: s}
}

// R returns the 32 byte big endian R component.
func (sig *Signature) R() [32]byte { return sig.r }

// S returns the 32 byte big endian S component.
func (sig *Signature) S() [32]byte { return sig.s }

// RecoveryID returns the recovery id and whether one has been set.
func (sig *Signature) RecoveryID() (byte, bool) {
	return sig.recID, sig.hasRecID
}

// SetRecoveryID sets the recovery id. Only 0 through 3 are valid.
func (sig *Signature) SetRecoveryID(id byte) error {
	if id > 3 {
		return fmt.Errorf("ledger: recovery id %d out of range", id)
	}
	sig.recID = id
	sig.hasRecID = true
	return nil
}

// ParseSignature parses the raw 64 byte R||S form. The recovery id is
// not part of this encoding and is left unset.
func ParseSignature(raw []byte) (*Signature, error) {
	if len(raw) != 64 {
		return nil, fmt.Errorf("ledger: signature must be 64 bytes, got %d", len(raw))
	}
	sig := new(Signature)
	copy(sig.r[:], raw[:32])
	copy(sig.s[:], raw[32:])
	return sig, nil
}

// Serialize returns the raw 64 byte R||S form.
func (sig *Signature) Serialize() []byte {
	raw := make([]byte, 64)
	copy(raw[:32], sig.r[:])
	copy(raw[32:], sig.s[:])
	return raw
}

// ParseDERSignature parses a strict DER signature. DER carries no
// recovery id, so it is left unset.
func ParseDERSignature(der []byte) (*Signature, error) {
	esig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return nil, err
	}
	r, s := esig.R(), esig.S()
	sig := new(Signature)
	sig.r = r.Bytes()
	sig.s = s.Bytes()
	return sig, nil
}

// ToDER returns the strict DER encoding.
func (sig *Signature) ToDER() []byte {
	var r, s secp256k1.ModNScalar
	r.SetByteSlice(sig.r[:])
	s.SetByteSlice(sig.s[:])
	return ecdsa.NewSignature(&r, &s).Serialize()
}

// ParseLedgerSignature parses the device's almost-DER form: DER with
// the recovery id XORed into the first byte. The input buffer is never
// modified.
func ParseLedgerSignature(raw []byte) (*Signature, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("ledger: empty signature")
	}
	recID := raw[0] ^ 0x30
	if recID > 3 {
		return nil, fmt.Errorf("ledger: malformed signature header 0x%02x", raw[0])
	}

	der := make([]byte, len(raw))
	copy(der, raw)
	der[0] = 0x30

	sig, err := ParseDERSignature(der)
	if err != nil {
		return nil, err
	}
	sig.recID = recID
	sig.hasRecID = true
	return sig, nil
}

// ToLedgerSignature returns the DER encoding with the recovery id XORed
// into the first byte.
func (sig *Signature) ToLedgerSignature() ([]byte, error) {
	if !sig.hasRecID {
		return nil, fmt.Errorf("ledger: recovery id not set")
	}
	der := sig.ToDER()
	der[0] ^= sig.recID
	return der, nil
}

// ParseCoreSignature parses Bitcoin Core's 65 byte compact message
// signature format: [27 + recid (+4 if compressed)] || R || S. It
// returns the signature and the compressed key flag.
func ParseCoreSignature(raw []byte) (*Signature, bool, error) {
	if len(raw) != 65 {
		return nil, false, fmt.Errorf("ledger: compact signature must be 65 bytes, got %d", len(raw))
	}
	if raw[0] < 27 || raw[0] > 34 {
		return nil, false, fmt.Errorf("ledger: invalid compact signature header 0x%02x", raw[0])
	}
	header := raw[0] - 27
	sig := new(Signature)
	copy(sig.r[:], raw[1:33])
	copy(sig.s[:], raw[33:65])
	sig.recID = header & 3
	sig.hasRecID = true
	return sig, header&4 != 0, nil
}

// ToCoreSignature returns the 65 byte compact message signature format.
func (sig *Signature) ToCoreSignature(compressed bool) ([]byte, error) {
	if !sig.hasRecID {
		return nil, fmt.Errorf("ledger: recovery id not set")
	}
	header := 27 + sig.recID
	if compressed {
		header += 4
	}
	raw := make([]byte, 65)
	raw[0] = header
	copy(raw[1:33], sig.r[:])
	copy(raw[33:65], sig.s[:])
	return raw, nil
}

// Recover returns the public key that produced this signature over
// hash, in compressed or uncompressed form. The result is nil when no
// recovery id is set.
func (sig *Signature) Recover(hash []byte, compressed bool) (*btcec.PublicKey, error) {
	if !sig.hasRecID {
		return nil, nil
	}
	raw, err := sig.ToCoreSignature(compressed)
	if err != nil {
		return nil, err
	}
	key, _, err := ecdsa.RecoverCompact(raw, hash)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// Verify reports whether the signature is valid for hash under key.
func (sig *Signature) Verify(hash []byte, key *btcec.PublicKey) bool {
	var r, s secp256k1.ModNScalar
	r.SetByteSlice(sig.r[:])
	s.SetByteSlice(sig.s[:])
	return ecdsa.NewSignature(&r, &s).Verify(hash, key)
}

// MessageHash returns the double SHA256 of msg under the signed message
// magic prefix.
func MessageHash(msg []byte) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarInt(&buf, 0, uint64(len(msg)))
	buf.Write(msg)
	return chainhash.DoubleHashB(buf.Bytes())
}

// RecoverMessage recovers the public key from a signature over msg
// hashed with the signed message scheme.
func (sig *Signature) RecoverMessage(msg []byte, compressed bool) (*btcec.PublicKey, error) {
	return sig.Recover(MessageHash(msg), compressed)
}

// VerifyMessage reports whether the signature is valid for msg, hashed
// with the signed message scheme, under key.
func (sig *Signature) VerifyMessage(msg []byte, key *btcec.PublicKey) bool {
	return sig.Verify(MessageHash(msg), key)
}
