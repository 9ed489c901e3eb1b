package accounts

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Directory is a read-through cache in front of a Source. Entries are never mutated by
// the packet path; refresh happens through Invalidate.
type Directory struct {
	source Source

	mu    sync.RWMutex
	cache map[AccountID]Account

	group singleflight.Group
}

// NewDirectory wraps source with a cache.
func NewDirectory(source Source) *Directory {
	return &Directory{source: source, cache: make(map[AccountID]Account)}
}

// Get returns a copy of the account snapshot, loading it from the source on a miss.
// Concurrent misses for the same id share a single source lookup.
func (d *Directory) Get(ctx context.Context, id AccountID) (Account, error) {
	if id == "" {
		return Account{}, fmt.Errorf("%w: empty", ErrInvalidAccountID)
	}
	d.mu.RLock()
	acct, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return acct.Clone(), nil
	}

	v, err, _ := d.group.Do(string(id), func() (any, error) {
		acct, found, err := d.source.FindAccount(ctx, id)
		if err != nil {
			return Account{}, fmt.Errorf("load account %s: %w", id, err)
		}
		if !found {
			return Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		d.mu.Lock()
		d.cache[id] = acct
		d.mu.Unlock()
		return acct, nil
	})
	if err != nil {
		return Account{}, err
	}
	return v.(Account).Clone(), nil
}

// All lists every account known to the source, warming the cache.
func (d *Directory) All(ctx context.Context) ([]Account, error) {
	list, err := d.source.FindAllAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	d.mu.Lock()
	for _, acct := range list {
		d.cache[acct.ID] = acct.Clone()
	}
	d.mu.Unlock()
	return list, nil
}

// Invalidate drops a cached entry so the next Get reloads it.
func (d *Directory) Invalidate(id AccountID) {
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
}

// InvalidateAll clears the cache.
func (d *Directory) InvalidateAll() {
	d.mu.Lock()
	d.cache = make(map[AccountID]Account)
	d.mu.Unlock()
}
