package routing

import (
	"fmt"

	"ilpnode/ilp"
)

// UpdatesSince returns the mutations applied after since, together with the version
// they bring the consumer to. ErrTableReset and ErrLogTruncated tell the consumer to
// fall back to a full Snapshot.
func (t *Table) UpdatesSince(since Version) ([]RouteUpdate, Version, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	current := Version{TableID: t.id, Epoch: t.epoch}
	if since.TableID != t.id {
		return nil, current, ErrTableReset
	}
	if since.Epoch > t.epoch {
		return nil, current, fmt.Errorf("%w: epoch %d is ahead of table epoch %d", ErrStaleVersion, since.Epoch, t.epoch)
	}
	if since.Epoch < t.logBase {
		return nil, current, fmt.Errorf("%w: oldest retained epoch is %d", ErrLogTruncated, t.logBase+1)
	}
	out := make([]RouteUpdate, 0, t.epoch-since.Epoch)
	for _, update := range t.log {
		if update.Epoch <= since.Epoch {
			continue
		}
		if update.Route != nil {
			copied := update.Route.clone()
			update.Route = &copied
		}
		out = append(out, update)
	}
	return out, current, nil
}

// ApplyIfCurrent runs mutate against the table only when its version still equals
// expected. The whole batch is applied under one lock, so readers never observe a
// partial batch. When mutate fails, every change it made is rolled back and the
// version is left untouched.
func (t *Table) ApplyIfCurrent(expected Version, mutate func(tx *Tx) error) (Version, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if expected.TableID != t.id || expected.Epoch != t.epoch {
		return Version{TableID: t.id, Epoch: t.epoch}, ErrStaleVersion
	}
	tx := &Tx{
		table:   t,
		epoch:   t.epoch,
		size:    t.size,
		log:     t.log,
		logBase: t.logBase,
		prior:   make(map[ilp.Address]*Route),
	}
	if err := mutate(tx); err != nil {
		tx.rollback()
		return Version{TableID: t.id, Epoch: t.epoch}, err
	}
	return Version{TableID: t.id, Epoch: t.epoch}, nil
}

// Tx exposes table mutations inside ApplyIfCurrent.
type Tx struct {
	table *Table

	epoch   uint64
	size    int
	log     []RouteUpdate
	logBase uint64
	// prior holds the stored route of every prefix the batch touched, nil when absent.
	prior map[ilp.Address]*Route
}

func (tx *Tx) remember(prefix ilp.Address) {
	if _, ok := tx.prior[prefix]; ok {
		return
	}
	tx.prior[prefix] = tx.table.bySegments[segmentCount(prefix)][prefix]
}

// rollback restores the table to its state before the batch. Truncation copies the
// log into a fresh slice, so the saved slice still holds the original entries.
func (tx *Tx) rollback() {
	t := tx.table
	for prefix, route := range tx.prior {
		n := segmentCount(prefix)
		bucket := t.bySegments[n]
		if route == nil {
			delete(bucket, prefix)
			if len(bucket) == 0 {
				delete(t.bySegments, n)
			}
			continue
		}
		if bucket == nil {
			bucket = make(map[ilp.Address]*Route)
			t.bySegments[n] = bucket
		}
		bucket[prefix] = route
	}
	t.epoch = tx.epoch
	t.size = tx.size
	t.log = tx.log
	t.logBase = tx.logBase
}

// AddRoute behaves like Table.AddRoute within the transaction.
func (tx *Tx) AddRoute(prefix ilp.Address, route Route) (bool, error) {
	prefix, err := ilp.ParsePrefix(string(prefix))
	if err != nil {
		return false, err
	}
	if route.NextHop == "" {
		return false, fmt.Errorf("%w: %q has no next hop", ErrInvalidRoute, prefix)
	}
	route = route.clone()
	route.Prefix = prefix
	tx.remember(prefix)
	return tx.table.addLocked(route), nil
}

// RemoveRoute behaves like Table.RemoveRoute within the transaction.
func (tx *Tx) RemoveRoute(prefix ilp.Address) (Route, bool) {
	tx.remember(prefix)
	return tx.table.removeLocked(prefix)
}
