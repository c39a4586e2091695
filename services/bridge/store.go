package bridge

import (
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"deopenchat/core/wire"
)

var bucketAccounts = []byte("accounts")

// AccountSnapshot is the last account view the bridge confirmed locally.
type AccountSnapshot struct {
	Provider        common.Address `json:"provider"`
	Client          wire.PublicKey `json:"client"`
	Seq             uint32         `json:"seq"`
	RemainingTokens uint64         `json:"remainingTokens"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// StateStore persists account snapshots so a restarted bridge can resume
// even when the provider is unreachable.
type StateStore struct {
	db *bolt.DB
}

// OpenStateStore initialises (and migrates) the BoltDB-backed store.
func OpenStateStore(path string) (*StateStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAccounts)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &StateStore{db: db}, nil
}

// Close releases the underlying Bolt database handle.
func (s *StateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func accountKey(provider common.Address, client wire.PublicKey) []byte {
	key := make([]byte, 0, common.AddressLength+wire.PublicKeySize)
	key = append(key, provider.Bytes()...)
	return append(key, client[:]...)
}

// Save overwrites the snapshot of the account.
func (s *StateStore) Save(snap AccountSnapshot) error {
	encoded, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAccounts).Put(accountKey(snap.Provider, snap.Client), encoded)
	})
}

// Load fetches the snapshot of the account, if present.
func (s *StateStore) Load(provider common.Address, client wire.PublicKey) (AccountSnapshot, bool, error) {
	var snap AccountSnapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAccounts).Get(accountKey(provider, client))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &snap)
	})
	if err != nil {
		return AccountSnapshot{}, false, err
	}
	return snap, found, nil
}
