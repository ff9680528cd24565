package chord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zde37/chordring/pkg"
	"github.com/zde37/chordring/pkg/ringkey"
)

// LookupFunc resolves the owner of key. RebuildTable calls it concurrently.
type LookupFunc func(ctx context.Context, key ringkey.Key) (*Endpoint, error)

type fingerSet map[string]*Endpoint

// FingerTable is the local routing table: known ring members keyed by id.
//
// Readers load the current set through an atomic pointer and never block.
// Writers copy the set, modify the copy and swap it in, so a reader sees
// either the old or the new table and never a partial one.
type FingerTable struct {
	local   ringkey.Key
	mu      sync.Mutex // serializes writers
	entries atomic.Pointer[fingerSet]
}

// NewFingerTable creates an empty table for the node with id local.
func NewFingerTable(local ringkey.Key) *FingerTable {
	ft := &FingerTable{local: local}
	empty := fingerSet{}
	ft.entries.Store(&empty)
	return ft
}

func (ft *FingerTable) load() fingerSet {
	return *ft.entries.Load()
}

// update applies fn to a copy of the current set and publishes it.
func (ft *FingerTable) update(fn func(set fingerSet) bool) bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	cur := ft.load()
	next := make(fingerSet, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	if !fn(next) {
		return false
	}
	ft.entries.Store(&next)
	return true
}

// InsertFinger adds or overwrites the entry keyed by the endpoint's id.
func (ft *FingerTable) InsertFinger(ep *Endpoint) {
	if ep.IsNil() {
		return
	}
	c := ep.Copy()
	ft.update(func(set fingerSet) bool {
		set[c.ID.String()] = c
		return true
	})
}

// Remove drops the entry for id. It reports whether an entry was removed.
func (ft *FingerTable) Remove(id ringkey.Key) bool {
	return ft.update(func(set fingerSet) bool {
		key := id.String()
		if _, ok := set[key]; !ok {
			return false
		}
		delete(set, key)
		return true
	})
}

// Reset replaces the whole table with eps.
func (ft *FingerTable) Reset(eps ...*Endpoint) {
	next := make(fingerSet, len(eps))
	for _, ep := range eps {
		if ep.IsNil() {
			continue
		}
		next[ep.ID.String()] = ep.Copy()
	}
	ft.mu.Lock()
	ft.entries.Store(&next)
	ft.mu.Unlock()
}

// MarkHealth moves the finger with id to state. Health only degrades:
// Questionable may become Dead, nothing returns to Idle. It reports whether
// the entry changed.
func (ft *FingerTable) MarkHealth(id ringkey.Key, state HealthState) bool {
	return ft.update(func(set fingerSet) bool {
		key := id.String()
		cur, ok := set[key]
		if !ok || healthRank(state) <= healthRank(cur.Health) {
			return false
		}
		c := cur.Copy()
		c.Health = state
		set[key] = c
		return true
	})
}

func healthRank(h HealthState) int {
	switch h {
	case HealthQuestionable:
		return 1
	case HealthDead:
		return 2
	default:
		return 0
	}
}

// Get returns a copy of the finger with id, or nil.
func (ft *FingerTable) Get(id ringkey.Key) *Endpoint {
	return ft.load()[id.String()].Copy()
}

// Len returns the number of entries.
func (ft *FingerTable) Len() int {
	return len(ft.load())
}

// Fingers returns copies of all entries ordered by clockwise distance from
// the local node.
func (ft *FingerTable) Fingers() []*Endpoint {
	set := ft.load()
	out := make([]*Endpoint, 0, len(set))
	for _, ep := range set {
		out = append(out, ep.Copy())
	}
	sort.Slice(out, func(i, j int) bool {
		return ft.local.Distance(out[i].ID).Cmp(ft.local.Distance(out[j].ID)) < 0
	})
	return out
}

// FindBestFinger returns the next hop towards key. When key lies in
// (local, successor] the successor owns it and is returned. Otherwise the
// closest known predecessor of key is returned, i.e. the candidate s that
// maximizes (s - key) mod keyspace. Dead fingers and the local node are
// never chosen.
func (ft *FingerTable) FindBestFinger(key ringkey.Key, successor *Endpoint) (*Endpoint, error) {
	set := ft.load()
	if len(set) == 0 {
		return nil, fmt.Errorf("%w: finger table is empty", pkg.ErrPrecondition)
	}
	if successor.IsNil() {
		return nil, fmt.Errorf("%w: successor is not set", pkg.ErrPrecondition)
	}

	if ringkey.InRange(key, ft.local, successor.ID) {
		return successor.Copy(), nil
	}

	best := successor
	bestOffset := key.Distance(successor.ID)
	for _, ep := range set {
		if !ep.Live() || ep.ID.Equal(ft.local) {
			continue
		}
		offset := key.Distance(ep.ID)
		if offset.Cmp(bestOffset) > 0 {
			best, bestOffset = ep, offset
		}
	}
	return best.Copy(), nil
}

// RebuildTable resolves local+2^i for every exponent concurrently and swaps
// in the set of distinct responders. Lookups still pending when timeout
// elapses are cancelled; what resolved by then is kept. Entries already
// marked Questionable or Dead keep that state.
//
// If ctx is cancelled or nothing resolved, the old table is left in place and
// an error is returned. Otherwise it returns the new table size.
func (ft *FingerTable) RebuildTable(ctx context.Context, lookup LookupFunc, timeout time.Duration) (int, error) {
	bits := ringkey.Bits(ft.local.Keyspace())
	if bits == 0 {
		return 0, fmt.Errorf("%w: keyspace too small for fingers", pkg.ErrPrecondition)
	}

	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan *Endpoint, bits)
	var wg sync.WaitGroup
	for i := 0; i < bits; i++ {
		wg.Add(1)
		go func(target ringkey.Key) {
			defer wg.Done()
			ep, err := lookup(rctx, target)
			if err != nil || ep.IsNil() {
				return
			}
			results <- ep.Copy()
		}(ft.local.AddPowerOfTwo(i))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-rctx.Done():
	}
	cancel()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	resolved := make(fingerSet, bits)
drain:
	for {
		select {
		case ep := <-results:
			resolved[ep.ID.String()] = ep
		default:
			break drain
		}
	}
	if len(resolved) == 0 {
		return 0, fmt.Errorf("table rebuild resolved no fingers within %v", timeout)
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	for key, old := range ft.load() {
		if ep, ok := resolved[key]; ok && healthRank(old.Health) > healthRank(ep.Health) {
			ep.Health = old.Health
		}
	}
	ft.entries.Store(&resolved)
	return len(resolved), nil
}
