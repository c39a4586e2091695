package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"deopenchat/core/wire"
	"deopenchat/storage"
)

// Store persists pending rounds so a provider restart does not forfeit
// confirmed but unsettled work.
type Store interface {
	PutRound(key AccountKey, round Round) error
	// DeleteRounds removes every round of key with seq <= upTo.
	DeleteRounds(key AccountKey, upTo uint32) error
	LoadRounds() (map[AccountKey][]Round, error)
}

type nopStore struct{}

func (nopStore) PutRound(AccountKey, Round) error {
	return nil
}

func (nopStore) DeleteRounds(AccountKey, uint32) error {
	return nil
}

func (nopStore) LoadRounds() (map[AccountKey][]Round, error) {
	return nil, nil
}

var roundPrefix = []byte("round/")

// KVStore keeps rounds in a storage.Database under
// round/<provider 20B><client 32B><seq 4B big-endian>.
type KVStore struct {
	db storage.Database
}

// NewKVStore wraps db.
func NewKVStore(db storage.Database) *KVStore {
	return &KVStore{db: db}
}

func accountPrefix(key AccountKey) []byte {
	out := make([]byte, 0, len(roundPrefix)+common.AddressLength+wire.PublicKeySize+4)
	out = append(out, roundPrefix...)
	out = append(out, key.Provider[:]...)
	return append(out, key.Client[:]...)
}

func roundKey(key AccountKey, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(accountPrefix(key), seq)
}

func (s *KVStore) PutRound(key AccountKey, round Round) error {
	value, err := json.Marshal(round)
	if err != nil {
		return err
	}
	return s.db.Put(roundKey(key, round.Seq), value)
}

func (s *KVStore) DeleteRounds(key AccountKey, upTo uint32) error {
	prefix := accountPrefix(key)
	var stale [][]byte
	err := s.db.Iterate(prefix, func(k, _ []byte) (bool, error) {
		if len(k) != len(prefix)+4 {
			return true, nil
		}
		seq := binary.BigEndian.Uint32(k[len(prefix):])
		if seq > upTo {
			return false, nil
		}
		stale = append(stale, k)
		return true, nil
	})
	if err != nil {
		return err
	}
	for _, k := range stale {
		if err := s.db.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *KVStore) LoadRounds() (map[AccountKey][]Round, error) {
	out := make(map[AccountKey][]Round)
	want := len(roundPrefix) + common.AddressLength + wire.PublicKeySize + 4
	err := s.db.Iterate(roundPrefix, func(k, v []byte) (bool, error) {
		if len(k) != want {
			return false, fmt.Errorf("malformed round key %x", k)
		}
		var key AccountKey
		rest := k[len(roundPrefix):]
		copy(key.Provider[:], rest[:common.AddressLength])
		copy(key.Client[:], rest[common.AddressLength:common.AddressLength+wire.PublicKeySize])
		var round Round
		if err := json.Unmarshal(v, &round); err != nil {
			return false, fmt.Errorf("decode round %x: %w", k, err)
		}
		out[key] = append(out[key], round)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
