package routing

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ilpnode/accounts"
	"ilpnode/ilp"
)

func mustAdd(t *testing.T, table *Table, prefix ilp.Address, nextHop accounts.AccountID) {
	t.Helper()
	added, err := table.AddRoute(prefix, Route{NextHop: nextHop})
	if err != nil {
		t.Fatalf("add %s: %v", prefix, err)
	}
	if !added {
		t.Fatalf("expected %s to be added", prefix)
	}
}

func TestLongestPrefixMatch(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.a", "alice")
	mustAdd(t, table, "g.b", "bob")
	mustAdd(t, table, "g", "parent")

	route, ok := table.FindNextHopRoute("g.a.foo")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("alice"), route.NextHop)
	require.Equal(t, ilp.Address("g.a"), route.Prefix)

	route, ok = table.FindNextHopRoute("g.c")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("parent"), route.NextHop)

	_, ok = table.FindNextHopRoute("test.nowhere")
	require.False(t, ok)
}

func TestSegmentBoundaryIsRespected(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.alice", "alice")
	if _, ok := table.FindNextHopRoute("g.alicex"); ok {
		t.Fatalf("g.alice must not match g.alicex")
	}
}

func TestEmptyPrefixIsGlobalCatchAll(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "", "upstream")
	route, ok := table.FindNextHopRoute("test.anything.at.all")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("upstream"), route.NextHop)
}

func TestAddRouteIsNoOpUnlessEpochNewer(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.a", "alice")
	epoch := table.Epoch()

	added, err := table.AddRoute("g.a", Route{NextHop: "mallory"})
	require.NoError(t, err)
	require.False(t, added)
	require.Equal(t, epoch, table.Epoch(), "no-op must not bump the epoch")

	added, err = table.AddRoute("g.a", Route{NextHop: "carol", Epoch: 3})
	require.NoError(t, err)
	require.True(t, added)
	route, _ := table.FindNextHopRoute("g.a")
	require.Equal(t, accounts.AccountID("carol"), route.NextHop)
	require.Equal(t, 1, table.Len())
}

func TestAddRouteValidates(t *testing.T) {
	table := NewTable()
	if _, err := table.AddRoute("g..a", Route{NextHop: "x"}); !errors.Is(err, ilp.ErrInvalidAddress) {
		t.Fatalf("expected invalid prefix error, got %v", err)
	}
	if _, err := table.AddRoute("g.a", Route{}); !errors.Is(err, ErrInvalidRoute) {
		t.Fatalf("expected missing next hop error, got %v", err)
	}
}

func TestRemoveRouteAndEpoch(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.a", "alice")
	before := table.Epoch()
	removed, ok := table.RemoveRoute("g.a")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("alice"), removed.NextHop)
	require.Greater(t, table.Epoch(), before)
	_, ok = table.RemoveRoute("g.a")
	require.False(t, ok)
	_, ok = table.FindNextHopRoute("g.a.x")
	require.False(t, ok)
}

func TestExpiredRoutesFallBackAndPrune(t *testing.T) {
	now := time.Unix(1_000, 0)
	table := NewTable(WithClock(func() time.Time { return now }))
	mustAdd(t, table, "g", "parent")
	_, err := table.AddRoute("g.a", Route{NextHop: "alice", ExpiresAt: now.Add(time.Second)})
	require.NoError(t, err)

	route, _ := table.FindNextHopRoute("g.a.x")
	require.Equal(t, accounts.AccountID("alice"), route.NextHop)

	now = now.Add(2 * time.Second)
	route, _ = table.FindNextHopRoute("g.a.x")
	require.Equal(t, accounts.AccountID("parent"), route.NextHop, "expired route must not be selected")

	require.Equal(t, 1, table.PruneExpired(now))
	require.Equal(t, 1, table.Len())
}

func TestRemoveRoutesForNextHopKeepsStatic(t *testing.T) {
	table := NewTable()
	_, err := table.AddRoute("g.a", Route{NextHop: "alice", Static: true})
	require.NoError(t, err)
	mustAdd(t, table, "g.a.learned", "alice")
	mustAdd(t, table, "g.b", "bob")

	require.Equal(t, 1, table.RemoveRoutesForNextHop("alice"))
	_, ok := table.FindNextHopRoute("g.a")
	require.True(t, ok)
	route, _ := table.FindNextHopRoute("g.a.learned")
	require.Equal(t, ilp.Address("g.a"), route.Prefix)
}

func TestResetChangesIdentity(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.a", "alice")
	before := table.Version()
	table.Reset()
	after := table.Version()
	require.NotEqual(t, before.TableID, after.TableID)
	require.Greater(t, after.Epoch, before.Epoch)
	require.Zero(t, table.Len())

	_, _, err := table.UpdatesSince(before)
	require.ErrorIs(t, err, ErrTableReset)
}

func TestInstallDefaultRoutes(t *testing.T) {
	table := NewTable()
	n, err := table.InstallDefaultRoutes("parent")
	require.NoError(t, err)
	require.Equal(t, len(DefaultRouteSchemes), n)
	route, ok := table.FindNextHopRoute("test1.bob")
	require.True(t, ok)
	require.True(t, route.Static)
	_, ok = table.FindNextHopRoute("peer.config")
	require.False(t, ok, "peer. is node local and never defaulted")
}

func TestUpdatesSinceDelta(t *testing.T) {
	table := NewTable()
	mustAdd(t, table, "g.a", "alice")
	since := table.Version()
	mustAdd(t, table, "g.b", "bob")
	table.RemoveRoute("g.a")

	updates, version, err := table.UpdatesSince(since)
	require.NoError(t, err)
	require.Len(t, updates, 2)
	require.Equal(t, ilp.Address("g.b"), updates[0].Prefix)
	require.False(t, updates[0].Withdrawn)
	require.True(t, updates[1].Withdrawn)
	require.Equal(t, table.Version(), version)
}

func TestUpdatesSinceTruncated(t *testing.T) {
	table := NewTable(WithMaxLogEntries(2))
	since := table.Version()
	for i := 0; i < 5; i++ {
		mustAdd(t, table, ilp.Address(fmt.Sprintf("g.n%d", i)), "alice")
	}
	_, _, err := table.UpdatesSince(since)
	require.ErrorIs(t, err, ErrLogTruncated)

	recent := Version{TableID: table.TableID(), Epoch: table.Epoch() - 2}
	updates, _, err := table.UpdatesSince(recent)
	require.NoError(t, err)
	require.Len(t, updates, 2)
}

func TestApplyIfCurrentDetectsStaleVersion(t *testing.T) {
	table := NewTable()
	version := table.Version()
	mustAdd(t, table, "g.a", "alice")

	_, err := table.ApplyIfCurrent(version, func(tx *Tx) error {
		_, err := tx.AddRoute("g.b", Route{NextHop: "bob"})
		return err
	})
	require.ErrorIs(t, err, ErrStaleVersion)
	_, ok := table.FindNextHopRoute("g.b")
	require.False(t, ok)

	next, err := table.ApplyIfCurrent(table.Version(), func(tx *Tx) error {
		if _, err := tx.AddRoute("g.b", Route{NextHop: "bob"}); err != nil {
			return err
		}
		_, _ = tx.RemoveRoute("g.a")
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, table.Version(), next)
	_, ok = table.FindNextHopRoute("g.b")
	require.True(t, ok)
}

func TestApplyIfCurrentRollsBackFailedBatch(t *testing.T) {
	table := NewTable(WithMaxLogEntries(2))
	mustAdd(t, table, "g.keep", "alice")
	mustAdd(t, table, "g.old", "alice")
	before := table.Version()

	errAbort := errors.New("abort batch")
	version, err := table.ApplyIfCurrent(before, func(tx *Tx) error {
		if _, err := tx.AddRoute("g.a", Route{NextHop: "bob"}); err != nil {
			return err
		}
		if _, err := tx.AddRoute("g.keep", Route{NextHop: "bob", Epoch: 9}); err != nil {
			return err
		}
		if _, ok := tx.RemoveRoute("g.old"); !ok {
			t.Fatalf("expected g.old inside the batch")
		}
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, before, version)
	require.Equal(t, before, table.Version())

	_, ok := table.FindNextHopRoute("g.a")
	require.False(t, ok)
	kept, ok := table.FindNextHopRoute("g.keep")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("alice"), kept.NextHop)
	old, ok := table.FindNextHopRoute("g.old")
	require.True(t, ok)
	require.Equal(t, accounts.AccountID("alice"), old.NextHop)

	_, routes := table.Snapshot()
	require.Len(t, routes, 2)

	// The log was truncated mid-batch; it must again reach back to the pre-batch epoch.
	updates, _, err := table.UpdatesSince(Version{TableID: before.TableID, Epoch: before.Epoch - 1})
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, ilp.Address("g.old"), updates[0].Prefix)

	mustAdd(t, table, "g.b", "bob")
	updates, _, err = table.UpdatesSince(before)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	require.Equal(t, before.Epoch+1, updates[0].Epoch)
}

func TestConcurrentReadersSeeWholeRoutes(t *testing.T) {
	table := NewTable()
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if route, ok := table.FindNextHopRoute("g.x.y"); ok {
					if route.NextHop == "" || route.Prefix == "" {
						t.Errorf("observed partial route %+v", route)
						return
					}
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_, _ = table.AddRoute("g.x", Route{NextHop: "alice", Epoch: uint64(i + 1)})
		table.RemoveRoute("g.x")
	}
	close(stop)
	wg.Wait()
}
