package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"ilpnode/accounts"
	"ilpnode/storage"
)

const balanceKeyPrefix = "balance/"

// Store persists balance records. Missing records load as the zero balance.
type Store interface {
	Load(ctx context.Context, id accounts.AccountID) (Balance, error)
	Save(ctx context.Context, id accounts.AccountID, b Balance) error
	All(ctx context.Context) (map[accounts.AccountID]Balance, error)
}

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[accounts.AccountID]Balance
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[accounts.AccountID]Balance)}
}

func (s *MemoryStore) Load(_ context.Context, id accounts.AccountID) (Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data[id], nil
}

func (s *MemoryStore) Save(_ context.Context, id accounts.AccountID, b Balance) error {
	s.mu.Lock()
	s.data[id] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) All(context.Context) (map[accounts.AccountID]Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[accounts.AccountID]Balance, len(s.data))
	for id, b := range s.data {
		out[id] = b
	}
	return out, nil
}

// DBStore persists balances in a storage.Database (LevelDB in production) as JSON.
type DBStore struct {
	db storage.Database
}

// NewDBStore wraps db.
func NewDBStore(db storage.Database) *DBStore {
	return &DBStore{db: db}
}

func balanceKey(id accounts.AccountID) []byte {
	return []byte(balanceKeyPrefix + string(id))
}

func (s *DBStore) Load(_ context.Context, id accounts.AccountID) (Balance, error) {
	raw, err := s.db.Get(balanceKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Balance{}, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("load balance %s: %w", id, err)
	}
	var b Balance
	if err := json.Unmarshal(raw, &b); err != nil {
		return Balance{}, fmt.Errorf("decode balance %s: %w", id, err)
	}
	return b, nil
}

func (s *DBStore) Save(_ context.Context, id accounts.AccountID, b Balance) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	if err := s.db.Put(balanceKey(id), raw); err != nil {
		return fmt.Errorf("save balance %s: %w", id, err)
	}
	return nil
}

func (s *DBStore) All(context.Context) (map[accounts.AccountID]Balance, error) {
	out := make(map[accounts.AccountID]Balance)
	err := s.db.ForEach([]byte(balanceKeyPrefix), func(key, value []byte) error {
		var b Balance
		if err := json.Unmarshal(value, &b); err != nil {
			return fmt.Errorf("decode balance %s: %w", key, err)
		}
		out[accounts.AccountID(strings.TrimPrefix(string(key), balanceKeyPrefix))] = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
