package accounts

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Source is the read-only account repository consumed by the node.
type Source interface {
	FindAccount(ctx context.Context, id AccountID) (Account, bool, error)
	FindAllAccounts(ctx context.Context) ([]Account, error)
}

// StaticSource serves accounts loaded from configuration.
type StaticSource struct {
	mu       sync.RWMutex
	accounts map[AccountID]Account
}

// NewStaticSource validates the accounts and rejects duplicates.
func NewStaticSource(list ...Account) (*StaticSource, error) {
	src := &StaticSource{accounts: make(map[AccountID]Account, len(list))}
	for _, raw := range list {
		acct, err := New(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := src.accounts[acct.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate account %s", ErrInvalidAccount, acct.ID)
		}
		src.accounts[acct.ID] = acct
	}
	return src, nil
}

// Upsert replaces or inserts an account. Callers must invalidate any Directory in front
// of this source.
func (s *StaticSource) Upsert(raw Account) error {
	acct, err := New(raw)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.accounts[acct.ID] = acct
	s.mu.Unlock()
	return nil
}

func (s *StaticSource) FindAccount(_ context.Context, id AccountID) (Account, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acct, ok := s.accounts[id]
	return acct.Clone(), ok, nil
}

func (s *StaticSource) FindAllAccounts(context.Context) ([]Account, error) {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		out = append(out, acct.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
