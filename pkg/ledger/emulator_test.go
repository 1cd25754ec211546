package ledger

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// emulator is a scripted device speaking the APDU protocol at the
// Transport level. It holds real keys, reconstructs the transactions
// streamed into it and produces real signatures, so the host side can
// be verified end to end with the script engine.
type emulator struct {
	t *testing.T

	open      bool
	exchanges int

	// legacyMessageOnly rejects the chunked message protocol the way
	// apps predating it do.
	legacyMessageOnly bool

	// pin is the expected second factor for message signing, empty for
	// devices without one.
	pin string

	seed []byte
	mode byte

	ti  []byte
	msg *emuMsgSession
	tx  *emuTXSession
}

func newEmulator(t *testing.T) *emulator {
	return &emulator{t: t, seed: []byte("emulator seed"), mode: ModeWallet}
}

func (e *emulator) Open() error {
	if e.open {
		return ErrDeviceOpen
	}
	e.open = true
	return nil
}

func (e *emulator) Close() error {
	if !e.open {
		return ErrDeviceClosed
	}
	e.open = false
	return nil
}

// keyForPath deterministically derives the signing key for a
// serialized path.
func (e *emulator) keyForPath(pathData []byte) *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(chainhash.HashB(append(e.seed, pathData...)))
	return priv
}

func (e *emulator) ok(payload []byte) []byte {
	return append(payload[:len(payload):len(payload)], 0x90, 0x00)
}

func (e *emulator) fail(code uint16) []byte {
	return []byte{byte(code >> 8), byte(code)}
}

func (e *emulator) Exchange(apdu []byte) ([]byte, error) {
	if !e.open {
		return nil, ErrDeviceClosed
	}
	e.exchanges++

	if len(apdu) < 5 {
		return e.fail(StatusIncorrectLength), nil
	}
	cla, ins, p1, p2 := apdu[0], apdu[1], apdu[2], apdu[3]
	if cla != claGeneral {
		return e.fail(StatusInsNotSupported), nil
	}

	if ins == insGetRandom {
		buf := make([]byte, int(apdu[4]))
		for i := range buf {
			buf[i] = byte(i * 7)
		}
		return e.ok(buf), nil
	}

	data := apdu[5:]
	if int(apdu[4]) != len(data) {
		return e.fail(StatusIncorrectLength), nil
	}

	switch ins {
	case insGetFirmwareVersion:
		return e.ok([]byte{0x01, 0x01, 0x06, 0x01, e.mode}), nil
	case insGetOperationMode:
		return e.ok([]byte{e.mode}), nil
	case insSetOperationMode:
		if len(data) != 1 {
			return e.fail(StatusIncorrectLength), nil
		}
		e.mode = data[0]
		return e.ok(nil), nil
	case insGetWalletPublicKey:
		return e.walletPublicKey(data), nil
	case insGetTrustedInput:
		return e.trustedInput(p1, data), nil
	case insHashInputStart:
		return e.hashInputStart(p1, p2, data), nil
	case insHashInputFinalize:
		return e.hashInputFinalize(p1, data), nil
	case insHashSign:
		return e.hashSign(data), nil
	case insSignMessage:
		return e.signMessage(p1, p2, data), nil
	}
	return e.fail(StatusInsNotSupported), nil
}

func (e *emulator) walletPublicKey(data []byte) []byte {
	if len(data) < 1 || len(data) != 1+4*int(data[0]) {
		return e.fail(StatusInvalidData)
	}
	priv := e.keyForPath(data)
	pub := priv.PubKey().SerializeUncompressed()

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.MainNetParams)
	if err != nil {
		return e.fail(StatusInvalidData)
	}
	encoded := addr.EncodeAddress()

	reply := []byte{byte(len(pub))}
	reply = append(reply, pub...)
	reply = append(reply, byte(len(encoded)))
	reply = append(reply, encoded...)
	reply = append(reply, chainhash.HashB(append([]byte("chain code"), data...))...)
	return e.ok(reply)
}

func (e *emulator) trustedInput(p1 byte, data []byte) []byte {
	if p1 == p1First {
		e.ti = nil
	} else if e.ti == nil {
		return e.fail(StatusConditionsNotSatisfied)
	}
	e.ti = append(e.ti, data...)
	if len(e.ti) < 4 {
		return e.ok(nil)
	}

	var prev wire.MsgTx
	r := bytes.NewReader(e.ti[4:])
	if err := prev.Deserialize(r); err != nil || r.Len() != 0 {
		// still streaming
		return e.ok(nil)
	}
	index := binary.BigEndian.Uint32(e.ti[:4])
	if int(index) >= len(prev.TxOut) {
		return e.fail(StatusInvalidData)
	}
	return e.ok(trustedBlob(prev.TxHash(), index, prev.TxOut[index].Value))
}

func trustedBlob(txid chainhash.Hash, index uint32, amount int64) []byte {
	blob := make([]byte, trustedInputSize)
	blob[0] = 0x32
	blob[2], blob[3] = 0xca, 0xfe
	copy(blob[4:36], txid[:])
	binary.LittleEndian.PutUint32(blob[36:40], index)
	binary.LittleEndian.PutUint64(blob[40:48], uint64(amount))
	copy(blob[48:56], []byte("hmachmac"))
	return blob
}

type emuTXSession struct {
	witness bool
	passBuf []byte
	outBuf  []byte
	outputs []*wire.TxOut
	full    *wire.MsgTx
	coins   map[wire.OutPoint]*wire.TxOut
}

func (e *emulator) hashInputStart(p1, p2 byte, data []byte) []byte {
	if p1 == p1First {
		switch p2 {
		case p2StartNewLegacy:
			e.tx = &emuTXSession{coins: make(map[wire.OutPoint]*wire.TxOut)}
		case p2StartNewWitness:
			e.tx = &emuTXSession{witness: true, coins: make(map[wire.OutPoint]*wire.TxOut)}
		case p2StartContinueTX:
			if e.tx == nil {
				return e.fail(StatusConditionsNotSatisfied)
			}
		default:
			return e.fail(StatusIncorrectParameters)
		}
		e.tx.passBuf = nil
	} else if e.tx == nil {
		return e.fail(StatusConditionsNotSatisfied)
	}
	e.tx.passBuf = append(e.tx.passBuf, data...)
	return e.ok(nil)
}

// emuInput is one input recovered from a streamed skeleton pass.
type emuInput struct {
	prevOut   wire.OutPoint
	script    []byte
	sequence  uint32
	amount    int64
	hasAmount bool
}

func parsePass(buf []byte) (int32, []emuInput, error) {
	r := bytes.NewReader(buf)

	var raw [4]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return 0, nil, err
	}
	version := int32(binary.LittleEndian.Uint32(raw[:]))

	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return 0, nil, err
	}
	inputs := make([]emuInput, 0, count)
	for i := uint64(0); i < count; i++ {
		marker, err := r.ReadByte()
		if err != nil {
			return 0, nil, err
		}
		var in emuInput
		switch marker {
		case inputTrusted:
			size, err := r.ReadByte()
			if err != nil {
				return 0, nil, err
			}
			blob := make([]byte, size)
			if _, err := io.ReadFull(r, blob); err != nil {
				return 0, nil, err
			}
			if len(blob) != trustedInputSize {
				return 0, nil, framingErrorf("bad trusted blob size %d", len(blob))
			}
			copy(in.prevOut.Hash[:], blob[4:36])
			in.prevOut.Index = binary.LittleEndian.Uint32(blob[36:40])
			in.amount = int64(binary.LittleEndian.Uint64(blob[40:48]))
			in.hasAmount = true

		case inputWitness:
			if err := readEmuOutPoint(r, &in.prevOut); err != nil {
				return 0, nil, err
			}
			var amount [8]byte
			if _, err := io.ReadFull(r, amount[:]); err != nil {
				return 0, nil, err
			}
			in.amount = int64(binary.LittleEndian.Uint64(amount[:]))
			in.hasAmount = true

		case inputPlain:
			if err := readEmuOutPoint(r, &in.prevOut); err != nil {
				return 0, nil, err
			}

		default:
			return 0, nil, framingErrorf("unknown input marker 0x%02x", marker)
		}

		scriptLen, err := wire.ReadVarInt(r, 0)
		if err != nil {
			return 0, nil, err
		}
		if scriptLen > 0 {
			in.script = make([]byte, scriptLen)
			if _, err := io.ReadFull(r, in.script); err != nil {
				return 0, nil, err
			}
		}
		var sequence [4]byte
		if _, err := io.ReadFull(r, sequence[:]); err != nil {
			return 0, nil, err
		}
		in.sequence = binary.LittleEndian.Uint32(sequence[:])
		inputs = append(inputs, in)
	}
	if r.Len() != 0 {
		return 0, nil, framingErrorf("%d trailing bytes after skeleton", r.Len())
	}
	return version, inputs, nil
}

func readEmuOutPoint(r *bytes.Reader, prevOut *wire.OutPoint) error {
	if _, err := io.ReadFull(r, prevOut.Hash[:]); err != nil {
		return err
	}
	var index [4]byte
	if _, err := io.ReadFull(r, index[:]); err != nil {
		return err
	}
	prevOut.Index = binary.LittleEndian.Uint32(index[:])
	return nil
}

func (e *emulator) hashInputFinalize(p1 byte, data []byte) []byte {
	if e.tx == nil {
		return e.fail(StatusConditionsNotSatisfied)
	}
	e.tx.outBuf = append(e.tx.outBuf, data...)
	if p1 != p1Final {
		return e.ok(nil)
	}

	r := bytes.NewReader(e.tx.outBuf)
	count, err := wire.ReadVarInt(r, 0)
	if err != nil {
		return e.fail(StatusInvalidData)
	}
	outputs := make([]*wire.TxOut, 0, count)
	for i := uint64(0); i < count; i++ {
		out := &wire.TxOut{}
		if err := wire.ReadTxOut(r, 0, 0, out); err != nil {
			return e.fail(StatusInvalidData)
		}
		outputs = append(outputs, out)
	}
	if r.Len() != 0 {
		return e.fail(StatusInvalidData)
	}
	e.tx.outBuf = nil
	e.tx.outputs = outputs

	// The first finalize of a witness session closes the caching pass;
	// remember the whole frame for the later signature passes.
	if e.tx.witness && e.tx.full == nil {
		version, inputs, err := parsePass(e.tx.passBuf)
		if err != nil {
			return e.fail(StatusInvalidData)
		}
		full := wire.NewMsgTx(version)
		for _, in := range inputs {
			prevOut := in.prevOut
			txIn := wire.NewTxIn(&prevOut, nil, nil)
			txIn.Sequence = in.sequence
			full.AddTxIn(txIn)
			if in.hasAmount {
				e.tx.coins[prevOut] = &wire.TxOut{Value: in.amount}
			}
		}
		for _, out := range outputs {
			full.AddTxOut(out)
		}
		e.tx.full = full
	}

	return e.ok(make([]byte, count))
}

func (e *emulator) hashSign(data []byte) []byte {
	if e.tx == nil {
		return e.fail(StatusConditionsNotSatisfied)
	}
	if len(data) < 1 {
		return e.fail(StatusInvalidData)
	}
	pathLen := 1 + 4*int(data[0])
	if len(data) != pathLen+6 || data[pathLen] != 0x00 {
		return e.fail(StatusInvalidData)
	}
	pathData := data[:pathLen]
	lockTime := binary.BigEndian.Uint32(data[pathLen+1 : pathLen+5])
	hashType := txscript.SigHashType(data[pathLen+5])

	version, inputs, err := parsePass(e.tx.passBuf)
	if err != nil {
		return e.fail(StatusInvalidData)
	}
	target := -1
	for i, in := range inputs {
		if in.script != nil {
			if target >= 0 {
				return e.fail(StatusInvalidData)
			}
			target = i
		}
	}
	if target < 0 {
		return e.fail(StatusConditionsNotSatisfied)
	}

	var sighash []byte
	if e.tx.witness && len(inputs) == 1 {
		full := e.tx.full
		if full == nil {
			return e.fail(StatusConditionsNotSatisfied)
		}
		full.LockTime = lockTime
		idx := -1
		for i, txIn := range full.TxIn {
			if txIn.PreviousOutPoint == inputs[0].prevOut {
				idx = i
				break
			}
		}
		coin := e.tx.coins[inputs[0].prevOut]
		if idx < 0 || coin == nil {
			return e.fail(StatusInvalidData)
		}
		fetcher := txscript.NewMultiPrevOutFetcher(e.tx.coins)
		sighash, err = txscript.CalcWitnessSigHash(inputs[0].script,
			txscript.NewTxSigHashes(full, fetcher), hashType, full, idx, coin.Value)
		if err != nil {
			return e.fail(StatusInvalidData)
		}
	} else {
		frame := wire.NewMsgTx(version)
		frame.LockTime = lockTime
		for _, in := range inputs {
			prevOut := in.prevOut
			txIn := wire.NewTxIn(&prevOut, nil, nil)
			txIn.Sequence = in.sequence
			frame.AddTxIn(txIn)
		}
		for _, out := range e.tx.outputs {
			frame.AddTxOut(out)
		}
		sighash, err = txscript.CalcSignatureHash(inputs[target].script, hashType, frame, target)
		if err != nil {
			return e.fail(StatusInvalidData)
		}
	}

	der := ecdsa.Sign(e.keyForPath(pathData), sighash).Serialize()
	reply := append([]byte{}, der...)
	// marker bit the host must mask away
	reply[0] |= 0x01
	return e.ok(reply)
}

type emuMsgSession struct {
	path []byte
	buf  []byte
	want int
}

func (e *emulator) signMessage(p1, p2 byte, data []byte) []byte {
	switch p1 {
	case p1MessagePrepare:
		switch p2 {
		case p2MessageFirst:
			if e.legacyMessageOnly {
				return e.fail(StatusIncorrectParameters)
			}
			if len(data) < 1 {
				return e.fail(StatusInvalidData)
			}
			pathLen := 1 + 4*int(data[0])
			if len(data) < pathLen+2 {
				return e.fail(StatusInvalidData)
			}
			e.msg = &emuMsgSession{
				path: append([]byte{}, data[:pathLen]...),
				want: int(binary.BigEndian.Uint16(data[pathLen : pathLen+2])),
			}
			e.msg.buf = append(e.msg.buf, data[pathLen+2:]...)

		case p2MessageNext:
			if e.msg == nil {
				return e.fail(StatusConditionsNotSatisfied)
			}
			e.msg.buf = append(e.msg.buf, data...)

		case p2MessageLegacy:
			if len(data) < 1 {
				return e.fail(StatusInvalidData)
			}
			pathLen := 1 + 4*int(data[0])
			if len(data) < pathLen+1 {
				return e.fail(StatusInvalidData)
			}
			e.msg = &emuMsgSession{
				path: append([]byte{}, data[:pathLen]...),
				want: int(data[pathLen]),
			}
			e.msg.buf = append(e.msg.buf, data[pathLen+1:]...)

		default:
			return e.fail(StatusIncorrectParameters)
		}
		return e.ok(nil)

	case p1MessageSign:
		if e.msg == nil || len(e.msg.buf) != e.msg.want {
			return e.fail(StatusConditionsNotSatisfied)
		}
		if len(data) < 1 || int(data[0]) != len(data)-1 {
			return e.fail(StatusInvalidData)
		}
		if string(data[1:]) != e.pin {
			return e.fail(StatusSecurityStatus)
		}

		priv := e.keyForPath(e.msg.path)
		compact := ecdsa.SignCompact(priv, MessageHash(e.msg.buf), true)
		sig, _, err := ParseCoreSignature(compact)
		if err != nil {
			return e.fail(StatusInvalidData)
		}
		recID := (compact[0] - 27) & 3
		der := sig.ToDER()
		der[0] ^= recID
		e.msg = nil
		return e.ok(der)
	}
	return e.fail(StatusIncorrectParameters)
}
