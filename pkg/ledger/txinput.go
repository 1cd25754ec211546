package ledger

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TXInput describes one input to be signed by the device. PrevTx is
// only required for inputs that need a trusted input attestation, that
// is legacy inputs spent without an explicit redeem script.
type TXInput struct {
	// Path is the derivation path of the signing key.
	Path []uint32

	// PrevOut is the outpoint being spent.
	PrevOut wire.OutPoint

	// Coin is the output being spent.
	Coin *wire.TxOut

	// Witness marks the input as segwit, signed with the amount
	// committing sighash.
	Witness bool

	// Redeem overrides the script signed for this input. Required when
	// spending a P2SH or P2WSH output other than nested P2WPKH.
	Redeem []byte

	// SighashType defaults to SigHashAll.
	SighashType txscript.SigHashType

	// PrevTx is the full funding transaction, needed to obtain a
	// trusted input for legacy spends.
	PrevTx *wire.MsgTx

	// Session populated caches.
	publicKey []byte
	trusted   []byte
}

// NewTXInput returns an input spending prevOut's coin with the key at
// path, signing with SigHashAll.
func NewTXInput(path []uint32, prevOut wire.OutPoint, coin *wire.TxOut) *TXInput {
	return &TXInput{
		Path:        path,
		PrevOut:     prevOut,
		Coin:        coin,
		SighashType: txscript.SigHashAll,
	}
}

// PublicKey returns the compressed signing key cached by the session,
// nil before the key collection step ran.
func (in *TXInput) PublicKey() []byte { return in.publicKey }

// TrustedInput returns the attestation blob cached by the session, nil
// when the input does not need one or the collection step has not run.
func (in *TXInput) TrustedInput() []byte { return in.trusted }

// needsTrustedInput reports whether the device will demand an
// attestation blob for this input. Witness spends commit to the amount
// instead, and explicit redeem spends carry their own authorization.
func (in *TXInput) needsTrustedInput() bool {
	return !in.Witness && in.Redeem == nil
}

// spendScript returns the script the device must hash for this input's
// signature.
func (in *TXInput) spendScript() ([]byte, error) {
	script := in.Coin.PkScript
	switch {
	case txscript.IsPayToScriptHash(script) && in.Witness && in.Redeem == nil:
		// Nested P2WPKH signs the p2pkh script implied by the key.
		return p2pkhScript(btcutil.Hash160(in.publicKey))

	case txscript.IsPayToScriptHash(script) || txscript.IsPayToWitnessScriptHash(script):
		if in.Redeem == nil {
			return nil, fmt.Errorf("ledger: input %v spends a script hash without a redeem script", in.PrevOut)
		}
		return in.Redeem, nil

	case !in.Witness:
		// Legacy spends sign the previous output script as is.
		return script, nil

	case txscript.IsPayToWitnessPubKeyHash(script):
		return p2pkhScript(script[2:22])
	}
	return nil, fmt.Errorf("ledger: unsupported output script for input %v", in.PrevOut)
}

func p2pkhScript(keyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(keyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}
