// Package store persists the two pieces of MXP state spec §4.2/§4.3
// require to survive a process restart without reopening a replay or
// resumption vulnerability: redeemed session-ticket ids and each
// connection's receive-direction replay window, using the same
// single-file embedded-KV approach (go.etcd.io/bbolt) the pack's
// katzenpost manifest depends on.
package store

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"

	"github.com/yafatek/mxp-protocol/packet"
)

var (
	bucketTickets = []byte("tickets")
	bucketReplay  = []byte("replay_windows")
)

// Store wraps a bbolt database holding MXP's restart-durable state.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures both
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketTickets); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketReplay)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error { return s.db.Close() }

// MarkTicketSeen records that ticketID has been redeemed, so a second
// redemption attempt (a replay) is rejected even after a restart clears
// noise.TicketIssuer's in-memory map.
func (s *Store) MarkTicketSeen(ticketID uint64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		var v [8]byte
		binary.BigEndian.PutUint64(v[:], uint64(time.Now().Unix()))
		return tx.Bucket(bucketTickets).Put(ticketKey(ticketID), v[:])
	})
}

// TicketSeen reports whether ticketID was already redeemed.
func (s *Store) TicketSeen(ticketID uint64) (bool, error) {
	var seen bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen = tx.Bucket(bucketTickets).Get(ticketKey(ticketID)) != nil
		return nil
	})
	return seen, err
}

// PruneTicketsBefore deletes ticket records older than cutoff, so the
// bucket keeps only the history recorded at or after cutoff.
func (s *Store) PruneTicketsBefore(cutoff time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTickets)
		cutoffUnix := uint64(cutoff.Unix())
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if len(v) == 8 && binary.BigEndian.Uint64(v) < cutoffUnix {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func ticketKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// replayRecord is the on-disk encoding of one connection's replay window:
// highest packet number, seeded flag, then the bitset words.
func encodeReplay(bits []uint64, highest uint64, seeded bool) []byte {
	out := make([]byte, 9+len(bits)*8)
	binary.BigEndian.PutUint64(out[0:8], highest)
	if seeded {
		out[8] = 1
	}
	for i, w := range bits {
		binary.BigEndian.PutUint64(out[9+i*8:9+i*8+8], w)
	}
	return out
}

func decodeReplay(b []byte) (bits []uint64, highest uint64, seeded bool, ok bool) {
	if len(b) < 9 || (len(b)-9)%8 != 0 {
		return nil, 0, false, false
	}
	highest = binary.BigEndian.Uint64(b[0:8])
	seeded = b[8] != 0
	n := (len(b) - 9) / 8
	bits = make([]uint64, n)
	for i := 0; i < n; i++ {
		bits[i] = binary.BigEndian.Uint64(b[9+i*8 : 9+i*8+8])
	}
	return bits, highest, seeded, true
}

// SaveReplayWindow persists connID's current replay window snapshot.
func (s *Store) SaveReplayWindow(connID packet.ConnID, bits []uint64, highest uint64, seeded bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplay).Put(connKey(connID), encodeReplay(bits, highest, seeded))
	})
}

// LoadReplayWindow returns a previously saved replay window snapshot for
// connID, if any. ok is false if nothing was saved (fresh connection id).
func (s *Store) LoadReplayWindow(connID packet.ConnID) (bits []uint64, highest uint64, seeded bool, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketReplay).Get(connKey(connID))
		if v == nil {
			return nil
		}
		bits, highest, seeded, ok = decodeReplay(v)
		return nil
	})
	return bits, highest, seeded, ok, err
}

// DeleteReplayWindow removes connID's saved snapshot once the connection
// closes, so the bucket doesn't grow unbounded with dead connection ids.
func (s *Store) DeleteReplayWindow(connID packet.ConnID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketReplay).Delete(connKey(connID))
	})
}

func connKey(connID packet.ConnID) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(connID))
	return k[:]
}
