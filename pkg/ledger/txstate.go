package ledger

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// TXState tracks one device signing session across its protocol
// phases: key collection, trusted input attestation, the witness
// caching pass and the per input signature passes. The collection
// phases are idempotent so a caller retrying a failed session can
// rerun them without repeating device round trips that succeeded.
type TXState struct {
	tx     *wire.MsgTx
	order  []*TXInput
	inputs map[wire.OutPoint]*TXInput

	coins   map[wire.OutPoint]*wire.TxOut
	trusted map[wire.OutPoint][]byte

	// witness marks a session with at least one segwit input; such
	// sessions run the amount caching pass and sign each input in a
	// single input skeleton.
	witness bool

	// fresh is consumed by the first hashing pass; later passes tell
	// the device they continue the same session.
	fresh bool

	keysDone    bool
	trustedDone bool
	witnessDone bool
	destroyed   bool
}

func newTXState(tx *wire.MsgTx, inputs []*TXInput) (*TXState, error) {
	state := &TXState{
		tx:      tx,
		order:   inputs,
		inputs:  make(map[wire.OutPoint]*TXInput, len(inputs)),
		coins:   make(map[wire.OutPoint]*wire.TxOut, len(inputs)),
		trusted: make(map[wire.OutPoint][]byte),
		fresh:   true,
	}
	for _, in := range inputs {
		if _, ok := state.inputs[in.PrevOut]; ok {
			return nil, sessionErrorf("duplicate input %v", in.PrevOut)
		}
		if in.Coin == nil {
			return nil, sessionErrorf("input %v carries no coin", in.PrevOut)
		}
		if in.SighashType == 0 {
			in.SighashType = txscript.SigHashAll
		}
		state.inputs[in.PrevOut] = in
		state.coins[in.PrevOut] = in.Coin
		if in.Witness {
			state.witness = true
		}
	}
	return state, nil
}

// getIndex returns the position of in within the transaction's inputs.
func (s *TXState) getIndex(in *TXInput) (int, error) {
	for i, txIn := range s.tx.TxIn {
		if txIn.PreviousOutPoint == in.PrevOut {
			return i, nil
		}
	}
	return 0, sessionErrorf("input %v is not part of the transaction", in.PrevOut)
}

// collectPublicKeys caches the compressed signing key of every input.
func (s *TXState) collectPublicKeys(l *Ledger) error {
	if s.destroyed {
		return sessionErrorf("session already destroyed")
	}
	if s.keysDone {
		return nil
	}
	for _, in := range s.order {
		wpk, err := l.getWalletPublicKey(in.Path, false, AddressLegacy)
		if err != nil {
			return err
		}
		in.publicKey = wpk.PublicKey.SerializeCompressed()
	}
	s.keysDone = true
	return nil
}

// collectTrustedInputs fetches an attestation blob for every input that
// needs one.
func (s *TXState) collectTrustedInputs(l *Ledger) error {
	if s.destroyed {
		return sessionErrorf("session already destroyed")
	}
	if s.trustedDone {
		return nil
	}
	for _, in := range s.order {
		if !in.needsTrustedInput() {
			continue
		}
		if in.PrevTx == nil {
			return sessionErrorf("input %v needs its funding transaction for attestation", in.PrevOut)
		}
		if hash := in.PrevTx.TxHash(); hash != in.PrevOut.Hash {
			return sessionErrorf("funding transaction %v does not match outpoint %v", hash, in.PrevOut)
		}
		blob, err := l.getTrustedInput(in.PrevTx, in.PrevOut.Index)
		if err != nil {
			return err
		}
		in.trusted = blob
		s.trusted[in.PrevOut] = blob
	}
	s.trustedDone = true
	return nil
}

// cacheWitnessInputs runs the opening pass of a witness session: the
// whole skeleton with null scripts followed by the real outputs, so the
// device commits to every amount before signing starts.
func (s *TXState) cacheWitnessInputs(l *Ledger) error {
	if s.destroyed {
		return sessionErrorf("session already destroyed")
	}
	if !s.witness || s.witnessDone {
		return nil
	}
	if err := l.hashTransactionStart(s.skeleton(nil, nil, false), s.coins, s.trusted, s.fresh, true); err != nil {
		return err
	}
	s.fresh = false
	if _, err := l.hashOutputFinalize(s.tx); err != nil {
		return err
	}
	s.witnessDone = true
	return nil
}

// getSignature runs one signature pass for in and returns the DER
// signature with the sighash byte appended, ready to splice into a
// script.
func (s *TXState) getSignature(l *Ledger, in *TXInput) ([]byte, error) {
	if s.destroyed {
		return nil, sessionErrorf("session already destroyed")
	}
	if _, err := s.getIndex(in); err != nil {
		return nil, err
	}
	script, err := in.spendScript()
	if err != nil {
		return nil, err
	}

	if in.Witness {
		// Witness signatures hash a skeleton holding only this input;
		// the outputs were committed by the caching pass.
		if err := l.hashTransactionStart(s.skeleton(in, script, true), s.coins, s.trusted, s.fresh, true); err != nil {
			return nil, err
		}
		s.fresh = false
	} else {
		if err := l.hashTransactionStart(s.skeleton(in, script, false), s.coins, s.trusted, s.fresh, false); err != nil {
			return nil, err
		}
		s.fresh = false
		if _, err := l.hashOutputFinalize(s.tx); err != nil {
			return nil, err
		}
	}

	sig, err := l.hashSign(in.Path, s.tx.LockTime, in.SighashType)
	if err != nil {
		return nil, err
	}
	return append(sig, byte(in.SighashType)), nil
}

// skeleton returns a signing frame of the transaction: same version,
// locktime and input ordering, with target's input carrying script and
// every other input a null script. With single set, only the target
// input is included.
func (s *TXState) skeleton(target *TXInput, script []byte, single bool) *wire.MsgTx {
	frame := wire.NewMsgTx(s.tx.Version)
	frame.LockTime = s.tx.LockTime
	for _, txIn := range s.tx.TxIn {
		isTarget := target != nil && txIn.PreviousOutPoint == target.PrevOut
		if single && !isTarget {
			continue
		}
		var sigScript []byte
		if isTarget {
			sigScript = script
		}
		prevOut := txIn.PreviousOutPoint
		in := wire.NewTxIn(&prevOut, sigScript, nil)
		in.Sequence = txIn.Sequence
		frame.AddTxIn(in)
	}
	return frame
}

// destroy drops the session caches. A destroyed session rejects every
// further operation.
func (s *TXState) destroy() {
	for _, in := range s.order {
		in.publicKey = nil
		in.trusted = nil
	}
	s.inputs = nil
	s.coins = nil
	s.trusted = nil
	s.destroyed = true
}

// applySignature splices a finished signature into the transaction as
// the scriptSig or witness matching the spent output's type.
func applySignature(tx *wire.MsgTx, state *TXState, in *TXInput, sig []byte) error {
	idx, err := state.getIndex(in)
	if err != nil {
		return err
	}
	txIn := tx.TxIn[idx]
	script := in.Coin.PkScript

	switch {
	case in.Redeem != nil && in.Witness:
		// Witness script spend, checkmultisig style with the empty
		// element eating the CHECKMULTISIG pop.
		txIn.Witness = wire.TxWitness{nil, sig, in.Redeem}

	case in.Redeem != nil:
		unlock, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(sig).
			AddData(in.Redeem).
			Script()
		if err != nil {
			return err
		}
		txIn.SignatureScript = unlock

	case in.Witness && txscript.IsPayToScriptHash(script):
		// Nested P2WPKH reveals the witness program in the scriptSig.
		program, err := txscript.NewScriptBuilder().
			AddOp(txscript.OP_0).
			AddData(btcutil.Hash160(in.publicKey)).
			Script()
		if err != nil {
			return err
		}
		unlock, err := txscript.NewScriptBuilder().AddData(program).Script()
		if err != nil {
			return err
		}
		txIn.SignatureScript = unlock
		txIn.Witness = wire.TxWitness{sig, in.publicKey}

	case in.Witness:
		txIn.Witness = wire.TxWitness{sig, in.publicKey}

	default:
		unlock, err := txscript.NewScriptBuilder().
			AddData(sig).
			AddData(in.publicKey).
			Script()
		if err != nil {
			return err
		}
		txIn.SignatureScript = unlock
	}
	return nil
}
