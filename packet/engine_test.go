package packet

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yafatek/mxp-protocol/aead"
	"github.com/yafatek/mxp-protocol/internal/xerrors"
)

func mustDirection(t *testing.T, seed byte) *DirectionAEAD {
	t.Helper()
	key := make([]byte, aead.KeySize)
	iv := make([]byte, aead.NonceSize)
	hpKey := make([]byte, aead.KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	for i := range iv {
		iv[i] = seed + byte(i*3)
	}
	for i := range hpKey {
		hpKey[i] = seed + byte(i*5)
	}
	d, err := NewDirectionAEAD(aead.SuiteChaCha20Poly1305, key, iv, hpKey)
	require.NoError(t, err)
	return d
}

// newEnginePair builds two engines whose send/recv directions mirror each
// other, as two ends of one connection would after key derivation. The
// client side is marked validated, as conn.Connect does, so only the server
// is held to the anti-amplification budget.
func newEnginePair(t *testing.T) (client, server *Engine) {
	t.Helper()
	clientToServer := mustDirection(t, 1)
	serverToClient := mustDirection(t, 100)
	client = NewEngine(ConnID(42), clientToServer, serverToClient, 0)
	client.AntiAmplification().Validate()
	server = NewEngine(ConnID(42), serverToClient, clientToServer, 0)
	return client, server
}

func TestSealOpenRoundTrip(t *testing.T) {
	client, server := newEnginePair(t)
	plaintext := []byte("weighted-fair scheduling across four priority classes")

	wire, err := client.Seal(nil, plaintext, 0, FlagAckEliciting)
	require.NoError(t, err)

	got, flags, pn, err := server.Open(wire)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
	require.Equal(t, FlagAckEliciting, flags)
	require.Equal(t, uint64(0), pn)
}

func TestSealOpenMultiplePacketsAdvancingPN(t *testing.T) {
	client, server := newEnginePair(t)
	for pn := uint64(0); pn < 5; pn++ {
		wire, err := client.Seal(nil, []byte{byte(pn)}, pn, FlagAckEliciting)
		require.NoError(t, err)
		got, _, gotPN, err := server.Open(wire)
		require.NoError(t, err)
		require.Equal(t, pn, gotPN)
		require.Equal(t, []byte{byte(pn)}, got)
	}
}

func TestOpenTamperedCiphertextIsAeadFailedAndNonFatal(t *testing.T) {
	client, server := newEnginePair(t)
	wire, err := client.Seal(nil, []byte("hello"), 0, FlagAckEliciting)
	require.NoError(t, err)

	tampered := append([]byte(nil), wire...)
	tampered[len(tampered)-1] ^= 0xff

	_, _, _, err = server.Open(tampered)
	require.Error(t, err)
	require.Equal(t, xerrors.AeadFailed, xerrors.CodeOf(err))
	require.False(t, server.FatalThresholdExceeded())
}

func TestOpenRepeatedFailuresCrossesFatalThreshold(t *testing.T) {
	client, server := newEnginePair(t)
	wire, err := client.Seal(nil, []byte("hello"), 0, FlagAckEliciting)
	require.NoError(t, err)
	tampered := append([]byte(nil), wire...)
	tampered[len(tampered)-1] ^= 0xff

	for i := 0; i < MaxPacketFailures; i++ {
		_, _, _, err := server.Open(tampered)
		require.Error(t, err)
	}
	require.True(t, server.FatalThresholdExceeded())
}

func TestOpenReplayedPacketIsRejected(t *testing.T) {
	client, server := newEnginePair(t)
	wire, err := client.Seal(nil, []byte("hello"), 0, FlagAckEliciting)
	require.NoError(t, err)

	_, _, _, err = server.Open(wire)
	require.NoError(t, err)

	_, _, _, err = server.Open(wire)
	require.Error(t, err)
	require.Equal(t, xerrors.ProtocolViolation, xerrors.CodeOf(err))
}

func TestAntiAmplificationBudgetBlocksUnvalidatedSender(t *testing.T) {
	_, server := newEnginePair(t)
	// Server hasn't received anything yet from this address: budget is 0.
	_, err := server.Seal(nil, make([]byte, 64), 0, FlagHandshake)
	require.Error(t, err)

	server.AntiAmplification().OnBytesReceived(100)
	wire, err := server.Seal(nil, make([]byte, 64), 0, FlagHandshake)
	require.NoError(t, err)
	require.NotEmpty(t, wire)
}

func TestAntiAmplificationLiftedAfterValidation(t *testing.T) {
	client, server := newEnginePair(t)
	server.AntiAmplification().Validate()
	wire, err := server.Seal(nil, make([]byte, 4096), 0, FlagHandshake)
	require.NoError(t, err)
	require.NotEmpty(t, wire)
	_ = client
}
