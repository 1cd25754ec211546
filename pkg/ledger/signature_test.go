package ledger

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return priv
}

func TestSignatureRawRoundTrip(t *testing.T) {
	priv := testKey(t)
	hash := chainhash.DoubleHashB([]byte("raw round trip"))

	sig, err := ParseDERSignature(ecdsa.Sign(priv, hash).Serialize())
	require.NoError(t, err)

	parsed, err := ParseSignature(sig.Serialize())
	require.NoError(t, err)
	require.Equal(t, sig.R(), parsed.R())
	require.Equal(t, sig.S(), parsed.S())
	require.True(t, parsed.Verify(hash, priv.PubKey()))

	_, err = ParseSignature(make([]byte, 63))
	require.Error(t, err)
}

func TestSignatureDERRoundTrip(t *testing.T) {
	priv := testKey(t)
	hash := chainhash.DoubleHashB([]byte("der round trip"))
	der := ecdsa.Sign(priv, hash).Serialize()

	sig, err := ParseDERSignature(der)
	require.NoError(t, err)
	require.Equal(t, der, sig.ToDER())

	_, hasRecID := sig.RecoveryID()
	require.False(t, hasRecID)
}

func TestSignatureLedgerForm(t *testing.T) {
	priv := testKey(t)
	hash := chainhash.DoubleHashB([]byte("ledger form"))
	der := ecdsa.Sign(priv, hash).Serialize()

	for recID := byte(0); recID <= 3; recID++ {
		raw := append([]byte{}, der...)
		raw[0] ^= recID
		before := append([]byte{}, raw...)

		sig, err := ParseLedgerSignature(raw)
		require.NoError(t, err)
		require.Equal(t, before, raw, "input buffer must not be modified")

		gotID, ok := sig.RecoveryID()
		require.True(t, ok)
		require.Equal(t, recID, gotID)
		require.True(t, sig.Verify(hash, priv.PubKey()))

		encoded, err := sig.ToLedgerSignature()
		require.NoError(t, err)
		require.Equal(t, raw, encoded)
	}

	// A header byte implying a recovery id above 3 is malformed.
	bad := append([]byte{}, der...)
	bad[0] = 0x34
	_, err := ParseLedgerSignature(bad)
	require.Error(t, err)

	_, err = ParseLedgerSignature(nil)
	require.Error(t, err)
}

func TestSignatureCoreFormMatchesCompact(t *testing.T) {
	priv := testKey(t)
	hash := chainhash.DoubleHashB([]byte("core form"))

	compact := ecdsa.SignCompact(priv, hash, true)

	sig, compressed, err := ParseCoreSignature(compact)
	require.NoError(t, err)
	require.True(t, compressed)

	encoded, err := sig.ToCoreSignature(true)
	require.NoError(t, err)
	require.Equal(t, compact, encoded)

	key, err := sig.Recover(hash, true)
	require.NoError(t, err)
	require.True(t, priv.PubKey().IsEqual(key))
}

func TestSignatureCoreFormRejects(t *testing.T) {
	_, _, err := ParseCoreSignature(make([]byte, 64))
	require.Error(t, err)

	bad := make([]byte, 65)
	bad[0] = 26
	_, _, err = ParseCoreSignature(bad)
	require.Error(t, err)

	bad[0] = 35
	_, _, err = ParseCoreSignature(bad)
	require.Error(t, err)
}

func TestSignatureWithoutRecoveryID(t *testing.T) {
	var r, s [32]byte
	r[31], s[31] = 1, 1
	sig := NewSignature(r, s)

	key, err := sig.Recover(make([]byte, 32), true)
	require.NoError(t, err)
	require.Nil(t, key)

	_, err = sig.ToCoreSignature(true)
	require.Error(t, err)
	_, err = sig.ToLedgerSignature()
	require.Error(t, err)

	require.Error(t, sig.SetRecoveryID(4))
	require.NoError(t, sig.SetRecoveryID(1))
	id, ok := sig.RecoveryID()
	require.True(t, ok)
	require.Equal(t, byte(1), id)
}

func TestMessageHash(t *testing.T) {
	msg := []byte("hello world")

	var buf bytes.Buffer
	buf.WriteByte(byte(len(messageMagic)))
	buf.WriteString(messageMagic)
	buf.WriteByte(byte(len(msg)))
	buf.Write(msg)
	want := chainhash.DoubleHashB(buf.Bytes())

	require.Equal(t, want, MessageHash(msg))
}

func TestRecoverAndVerifyMessage(t *testing.T) {
	priv := testKey(t)
	msg := []byte("attestation of ownership")

	compact := ecdsa.SignCompact(priv, MessageHash(msg), true)
	sig, _, err := ParseCoreSignature(compact)
	require.NoError(t, err)

	key, err := sig.RecoverMessage(msg, true)
	require.NoError(t, err)
	require.True(t, priv.PubKey().IsEqual(key))
	require.True(t, sig.VerifyMessage(msg, priv.PubKey()))
	require.False(t, sig.VerifyMessage([]byte("another message"), priv.PubKey()))
}
