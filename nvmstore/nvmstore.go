// Package nvmstore implements the server-side persistent key store behind
// Commit/Export/Erase: the flash-backed NVM the spec treats as an external
// collaborator. Store is intentionally small so the in-memory, Redis, and
// Postgres backends share one contract and hsmserver never depends on a
// concrete backend.
package nvmstore

import "context"

// Record is one committed key slot: its label and raw key material.
type Record struct {
	Label [32]byte
	Key   []byte
}

// Key identifies a record by the (client_id, keyId) partition the
// key-management contract uses (spec §4.5: "cache entries are partitioned
// by (client_id, keyId)"; committed records inherit the same partition
// unless server policy shares them, which is out of scope here).
type Key struct {
	ClientID uint32
	KeyID    uint16
}

// Store is the persistence contract for committed keys.
type Store interface {
	// Put writes or overwrites rec at k.
	Put(ctx context.Context, k Key, rec Record) error
	// Get reads the record at k. ok is false if nothing is stored there.
	Get(ctx context.Context, k Key) (rec Record, ok bool, err error)
	// Delete removes any record at k. It does not error if k is absent.
	Delete(ctx context.Context, k Key) error
}
