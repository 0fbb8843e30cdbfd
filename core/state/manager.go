package state

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"nusd/storage"
)

// Manager reads and writes ledger state over a key-value backend. Keys are
// keccak256-hashed, values RLP-encoded.
//
// Writes are buffered: nothing reaches the backend until Commit. An undo
// journal records every buffered write so a caller can take a Snapshot before
// an operation and revert to it on any failure path, giving all-or-nothing
// visibility without backend support. Manager is not safe for concurrent use;
// the hosting node serialises access.
type Manager struct {
	db      storage.Database
	dirty   map[string][]byte
	journal []journalEntry
}

type journalEntry struct {
	key     string
	prev    []byte
	hadPrev bool
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:    db,
		dirty: make(map[string][]byte),
	}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) readRaw(hashed []byte) ([]byte, error) {
	if value, ok := m.dirty[string(hashed)]; ok {
		return value, nil
	}
	return m.db.Get(hashed)
}

func (m *Manager) writeRaw(hashed, value []byte) {
	key := string(hashed)
	prev, had := m.dirty[key]
	m.journal = append(m.journal, journalEntry{key: key, prev: prev, hadPrev: had})
	m.dirty[key] = value
}

// Snapshot marks the current journal position. Passing the returned token to
// RevertToSnapshot undoes every write made after this call.
func (m *Manager) Snapshot() int {
	return len(m.journal)
}

// RevertToSnapshot rolls the buffered writes back to a previous Snapshot. It
// panics on a token that was never handed out, mirroring the contract misuse
// semantics of stateful snapshot APIs.
func (m *Manager) RevertToSnapshot(snap int) {
	if snap < 0 || snap > len(m.journal) {
		panic(fmt.Sprintf("state: invalid snapshot %d (journal length %d)", snap, len(m.journal)))
	}
	for i := len(m.journal) - 1; i >= snap; i-- {
		entry := m.journal[i]
		if entry.hadPrev {
			m.dirty[entry.key] = entry.prev
		} else {
			delete(m.dirty, entry.key)
		}
	}
	m.journal = m.journal[:snap]
}

// Commit flushes all buffered writes to the backend and clears the journal.
func (m *Manager) Commit() error {
	for key, value := range m.dirty {
		if err := m.db.Put([]byte(key), value); err != nil {
			return fmt.Errorf("state: commit: %w", err)
		}
	}
	m.dirty = make(map[string][]byte)
	m.journal = nil
	return nil
}

// Discard drops all buffered writes without touching the backend.
func (m *Manager) Discard() {
	m.dirty = make(map[string][]byte)
	m.journal = nil
}

// Pending reports the number of buffered writes awaiting Commit.
func (m *Manager) Pending() int {
	return len(m.dirty)
}

// KVPut stores the provided value under the supplied key using RLP encoding.
// The key is hashed with keccak256 before hitting the backend.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.writeRaw(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.readRaw(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// setAmount stores a non-negative big integer, rejecting values that do not
// fit 256 bits.
func (m *Manager) setAmount(key []byte, amount *big.Int) error {
	if amount == nil {
		amount = big.NewInt(0)
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative amount")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("state: amount overflow")
	}
	return m.KVPut(key, value.Bytes())
}

// amount loads a big integer stored with setAmount; absent keys read as zero.
func (m *Manager) amount(key []byte) (*big.Int, error) {
	var raw []byte
	ok, err := m.KVGet(key, &raw)
	if err != nil {
		return nil, err
	}
	if !ok || len(raw) == 0 {
		return big.NewInt(0), nil
	}
	return new(uint256.Int).SetBytes(raw).ToBig(), nil
}
