package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

const defaultMaxLogEntries = 4096

var (
	// ErrStaleVersion is returned when a conditional write observes a changed table.
	ErrStaleVersion = errors.New("routing: table changed since version was read")
	// ErrLogTruncated means the update log no longer reaches back to the requested epoch.
	ErrLogTruncated = errors.New("routing: update log truncated")
	// ErrTableReset means the table identity changed and a full dump is required.
	ErrTableReset = errors.New("routing: table was reset")
	// ErrInvalidRoute indicates a route missing its next hop or carrying a bad prefix.
	ErrInvalidRoute = errors.New("routing: invalid route")

	// DefaultRouteSchemes lists the allocation schemes that get a catch-all route from
	// InstallDefaultRoutes.
	DefaultRouteSchemes = []ilp.Address{"g", "test", "test1", "test2", "test3", "example", "private", "local"}
)

// Version identifies a table state. Consumers compare it to detect changes.
type Version struct {
	TableID uuid.UUID
	Epoch   uint64
}

// Table is a concurrency-safe longest-prefix-match routing table. Routes are indexed
// by their dot-segment count so lookups probe at most one map per segment of the
// destination instead of scanning every route.
type Table struct {
	mu         sync.RWMutex
	id         uuid.UUID
	epoch      uint64
	bySegments map[int]map[ilp.Address]*Route
	size       int

	log     []RouteUpdate
	maxLog  int
	logBase uint64

	now func() time.Time
}

// TableOption customises a Table.
type TableOption func(*Table)

// WithClock overrides the time source used for route expiry.
func WithClock(clock func() time.Time) TableOption {
	return func(t *Table) { t.now = clock }
}

// WithMaxLogEntries bounds the update log.
func WithMaxLogEntries(n int) TableOption {
	return func(t *Table) { t.maxLog = n }
}

// NewTable returns an empty table with a fresh identity.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		id:         uuid.New(),
		bySegments: make(map[int]map[ilp.Address]*Route),
		maxLog:     defaultMaxLogEntries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.maxLog <= 0 {
		t.maxLog = defaultMaxLogEntries
	}
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

func segmentCount(prefix ilp.Address) int {
	if prefix == "" {
		return 0
	}
	return strings.Count(string(prefix), ".") + 1
}

// AddRoute installs route under prefix. It is a no-op returning false when the prefix
// is already present, unless the new route carries a newer epoch.
func (t *Table) AddRoute(prefix ilp.Address, route Route) (bool, error) {
	prefix, err := ilp.ParsePrefix(string(prefix))
	if err != nil {
		return false, err
	}
	if route.NextHop == "" {
		return false, fmt.Errorf("%w: %q has no next hop", ErrInvalidRoute, prefix)
	}
	route = route.clone()
	route.Prefix = prefix

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(route), nil
}

func (t *Table) addLocked(route Route) bool {
	n := segmentCount(route.Prefix)
	bucket := t.bySegments[n]
	if bucket == nil {
		bucket = make(map[ilp.Address]*Route)
		t.bySegments[n] = bucket
	}
	if existing, ok := bucket[route.Prefix]; ok {
		if route.Epoch <= existing.Epoch {
			return false
		}
	} else {
		t.size++
	}
	stored := route
	bucket[route.Prefix] = &stored
	t.appendLocked(route.Prefix, &stored, false)
	return true
}

// RemoveRoute deletes the route for prefix, returning it when present.
func (t *Table) RemoveRoute(prefix ilp.Address) (Route, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(prefix)
}

func (t *Table) removeLocked(prefix ilp.Address) (Route, bool) {
	n := segmentCount(prefix)
	bucket := t.bySegments[n]
	route, ok := bucket[prefix]
	if !ok {
		return Route{}, false
	}
	delete(bucket, prefix)
	if len(bucket) == 0 {
		delete(t.bySegments, n)
	}
	t.size--
	t.appendLocked(prefix, nil, true)
	return route.clone(), true
}

// FindNextHopRoute returns the route with the longest prefix matching destination.
// Candidates are probed from the full address down to the empty catch-all.
func (t *Table) FindNextHopRoute(destination ilp.Address) (Route, bool) {
	now := t.now()
	segments := destination.Segments()

	t.mu.RLock()
	defer t.mu.RUnlock()
	for n := len(segments); n >= 0; n-- {
		bucket := t.bySegments[n]
		if bucket == nil {
			continue
		}
		candidate := ilp.Address(strings.Join(segments[:n], "."))
		route, ok := bucket[candidate]
		if !ok || route.Expired(now) {
			continue
		}
		return route.clone(), true
	}
	return Route{}, false
}

// Version returns the current table identity and epoch.
func (t *Table) Version() Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Version{TableID: t.id, Epoch: t.epoch}
}

// Epoch returns the current mutation counter.
func (t *Table) Epoch() uint64 { return t.Version().Epoch }

// TableID returns the table identity, which changes on Reset.
func (t *Table) TableID() uuid.UUID { return t.Version().TableID }

// Len returns the number of installed routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Routes returns a copy of every route ordered by prefix.
func (t *Table) Routes() []Route {
	t.mu.RLock()
	out := make([]Route, 0, t.size)
	for _, bucket := range t.bySegments {
		for _, route := range bucket {
			out = append(out, route.clone())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return out
}

// Snapshot returns every route together with the version they were read at.
func (t *Table) Snapshot() (Version, []Route) {
	t.mu.RLock()
	version := Version{TableID: t.id, Epoch: t.epoch}
	out := make([]Route, 0, t.size)
	for _, bucket := range t.bySegments {
		for _, route := range bucket {
			out = append(out, route.clone())
		}
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Prefix < out[j].Prefix })
	return version, out
}

// Reset drops every route and assigns a new table identity.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.id = uuid.New()
	t.bySegments = make(map[int]map[ilp.Address]*Route)
	t.size = 0
	t.epoch++
	t.log = nil
	t.logBase = t.epoch
}

// RemoveRoutesForNextHop withdraws every learned route through id. Static routes are kept.
func (t *Table) RemoveRoutesForNextHop(id accounts.AccountID) int {
	return t.removeWhere(func(r *Route) bool { return !r.Static && r.NextHop == id })
}

// PruneExpired withdraws routes whose expiry has passed.
func (t *Table) PruneExpired(now time.Time) int {
	return t.removeWhere(func(r *Route) bool { return r.Expired(now) })
}

func (t *Table) removeWhere(match func(*Route) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var victims []ilp.Address
	for _, bucket := range t.bySegments {
		for prefix, route := range bucket {
			if match(route) {
				victims = append(victims, prefix)
			}
		}
	}
	sort.Slice(victims, func(i, j int) bool { return victims[i] < victims[j] })
	for _, prefix := range victims {
		t.removeLocked(prefix)
	}
	return len(victims)
}

// InstallDefaultRoutes points the catch-all prefix of every allocation scheme at nextHop.
func (t *Table) InstallDefaultRoutes(nextHop accounts.AccountID) (int, error) {
	if nextHop == "" {
		return 0, fmt.Errorf("%w: default route needs a next hop", ErrInvalidRoute)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	installed := 0
	for _, scheme := range DefaultRouteSchemes {
		if t.addLocked(Route{Prefix: scheme, NextHop: nextHop, Static: true}) {
			installed++
		}
	}
	return installed, nil
}

func (t *Table) appendLocked(prefix ilp.Address, route *Route, withdrawn bool) {
	t.epoch++
	update := RouteUpdate{Epoch: t.epoch, Prefix: prefix, Withdrawn: withdrawn}
	if route != nil {
		copied := route.clone()
		update.Route = &copied
	}
	t.log = append(t.log, update)
	if over := len(t.log) - t.maxLog; over > 0 {
		t.logBase = t.log[over-1].Epoch
		t.log = append([]RouteUpdate(nil), t.log[over:]...)
	}
}
