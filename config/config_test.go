package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mxpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 0.0.0.0:4433\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1350, cfg.Mtu)
	require.Equal(t, uint64(1<<32), cfg.KeyRotationPackets)
	require.Equal(t, AEADChaCha20Poly1305, cfg.AeadSuite)
	require.Equal(t, CongestionBBR, cfg.Congestion)
}

func TestLoadRejectsMissingListen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mxpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mtu: 1200\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownAeadSuite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mxpd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: 0.0.0.0:4433\naead_suite: Rot13\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestConnConfigConversion(t *testing.T) {
	cfg := Default()
	cc := cfg.ConnConfig()
	require.Equal(t, cfg.Mtu, cc.Mtu)
	require.Equal(t, uint64(cfg.InitialCwndBytes), cc.InitialStreamMaxData)
}
