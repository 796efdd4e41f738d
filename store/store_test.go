package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yafatek/mxp-protocol/packet"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mxp.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTicketSeenRoundTrip(t *testing.T) {
	s := openTestStore(t)

	seen, err := s.TicketSeen(42)
	require.NoError(t, err)
	require.False(t, seen)

	require.NoError(t, s.MarkTicketSeen(42))

	seen, err = s.TicketSeen(42)
	require.NoError(t, err)
	require.True(t, seen)
}

func TestPruneTicketsBeforeRemovesOldEntries(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.MarkTicketSeen(1))

	require.NoError(t, s.PruneTicketsBefore(time.Now().Add(time.Hour)))

	seen, err := s.TicketSeen(1)
	require.NoError(t, err)
	require.False(t, seen)
}

func TestReplayWindowRoundTrip(t *testing.T) {
	s := openTestStore(t)
	connID := packet.ConnID(99)

	_, _, _, ok, err := s.LoadReplayWindow(connID)
	require.NoError(t, err)
	require.False(t, ok)

	bits := []uint64{0xFF, 0x01}
	require.NoError(t, s.SaveReplayWindow(connID, bits, 1234, true))

	gotBits, gotHighest, gotSeeded, ok, err := s.LoadReplayWindow(connID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bits, gotBits)
	require.EqualValues(t, 1234, gotHighest)
	require.True(t, gotSeeded)

	require.NoError(t, s.DeleteReplayWindow(connID))
	_, _, _, ok, err = s.LoadReplayWindow(connID)
	require.NoError(t, err)
	require.False(t, ok)
}
