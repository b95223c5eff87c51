// Package shardtable implements the shard descriptor table owned by the
// shard router (spec.md §3, §4.4, component C4's data model): shard
// ranges, replica sets, and a monotonic per-shard valid_at counter.
// Generalized from torua's coordinator.ShardRegistry: a table-wide
// sync.RWMutex still guards each individual map access, and in addition
// each shard has its own mutex (Lock) that callers hold across a
// mutate-then-persist critical section, so mutations on different shards
// do not wait on each other's replica fan-out. Replica lists are changed
// by AddReplica/RemoveReplica without the shard mutex.
package shardtable

import (
	"fmt"
	"sync"

	"github.com/dreamware/shardkv/internal/wire"
)

// Descriptor is one shard's range, validity counter, and replica set.
// Copies are returned to callers to prevent external mutation, matching
// torua's ShardRegistry.GetAssignment pattern.
type Descriptor struct {
	ShardID  string
	Low      int
	Size     int
	ValidAt  int64
	Replicas []string
}

// Contains reports whether studID falls within [Low, Low+Size).
func (d Descriptor) Contains(studID int) bool {
	return studID >= d.Low && studID < d.Low+d.Size
}

// Intersects reports whether [low, high] (inclusive) overlaps the shard's
// half-open range.
func (d Descriptor) Intersects(low, high int) bool {
	return low <= d.Low+d.Size-1 && high >= d.Low
}

func (d Descriptor) clone() Descriptor {
	cp := d
	cp.Replicas = append([]string(nil), d.Replicas...)
	return cp
}

// Table holds every shard descriptor and a mutex per shard_id.
type Table struct {
	mu     sync.RWMutex
	shards map[string]*Descriptor
	locks  map[string]*sync.Mutex
}

// New returns an empty table.
func New() *Table {
	return &Table{
		shards: make(map[string]*Descriptor),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Init persists shards with valid_at=0 and inverts the server_name ->
// []shard_id mapping into shard_id -> []server_name, per spec.md §4.4 and
// §9 (the one fixed shape for /init, not the two historical shapes seen
// in original_source/). It allocates one mutex per shard. Init rejects
// shard ranges that overlap, preserving the invariant tested in
// spec.md §8.
func (t *Table) Init(specs []wire.ShardSpec, serverShards map[string][]string) (map[string][]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	inverted := make(map[string][]string)
	for server, ids := range serverShards {
		for _, id := range ids {
			inverted[id] = append(inverted[id], server)
		}
	}

	descriptors := make(map[string]*Descriptor, len(specs))
	for _, spec := range specs {
		for id, d := range descriptors {
			if id == spec.ShardID {
				continue
			}
			if spec.StudIDLow < d.Low+d.Size && d.Low < spec.StudIDLow+spec.ShardSize {
				return nil, fmt.Errorf("shardtable: shard %q range [%d,%d) overlaps shard %q range [%d,%d)",
					spec.ShardID, spec.StudIDLow, spec.StudIDLow+spec.ShardSize, id, d.Low, d.Low+d.Size)
			}
		}
		descriptors[spec.ShardID] = &Descriptor{
			ShardID:  spec.ShardID,
			Low:      spec.StudIDLow,
			Size:     spec.ShardSize,
			ValidAt:  0,
			Replicas: append([]string(nil), inverted[spec.ShardID]...),
		}
	}

	t.shards = descriptors
	t.locks = make(map[string]*sync.Mutex, len(specs))
	for id := range descriptors {
		t.locks[id] = &sync.Mutex{}
	}

	return inverted, nil
}

// Lock returns the mutex for shardID, creating one if it does not yet
// exist (defensive: Init is expected to have already allocated it).
func (t *Table) Lock(shardID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[shardID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[shardID] = l
	}
	return l
}

// Get returns a copy of shardID's descriptor.
func (t *Table) Get(shardID string) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.shards[shardID]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// All returns a copy of every shard descriptor, in no particular order.
func (t *Table) All() []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Descriptor, 0, len(t.shards))
	for _, d := range t.shards {
		out = append(out, d.clone())
	}
	return out
}

// ShardForKey returns the shard owning studID, or (Descriptor{}, false)
// if no shard's range contains it (spec.md §4.4's OutOfRange case).
func (t *Table) ShardForKey(studID int) (Descriptor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range t.shards {
		if d.Contains(studID) {
			return d.clone(), true
		}
	}
	return Descriptor{}, false
}

// ShardsForRange returns every shard whose range intersects [low, high].
func (t *Table) ShardsForRange(low, high int) []Descriptor {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Descriptor
	for _, d := range t.shards {
		if d.Intersects(low, high) {
			out = append(out, d.clone())
		}
	}
	return out
}

// SetValidAt overwrites shardID's valid_at counter. Callers must hold the
// shard's mutex (via Lock) before calling this, per spec.md §4.4's
// "acquire the shard mutex... persist new_vat... release the mutex".
func (t *Table) SetValidAt(shardID string, validAt int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.shards[shardID]
	if !ok {
		return fmt.Errorf("shardtable: unknown shard %q", shardID)
	}
	d.ValidAt = validAt
	return nil
}

// AddReplica appends server to shardID's replica list if not already present.
func (t *Table) AddReplica(shardID, server string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.shards[shardID]
	if !ok {
		return
	}
	for _, r := range d.Replicas {
		if r == server {
			return
		}
	}
	d.Replicas = append(d.Replicas, server)
}

// RemoveReplica scrubs server from every shard's replica list (used by
// the router's /rm handler and by recovery per §4.5 step 2).
func (t *Table) RemoveReplica(server string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.shards {
		kept := d.Replicas[:0]
		for _, r := range d.Replicas {
			if r != server {
				kept = append(kept, r)
			}
		}
		d.Replicas = kept
	}
}

// ShardsContaining returns the IDs of every shard whose replica list
// currently contains server, used by the recovery driver to snapshot
// affected shards (spec.md §4.5 step 1).
func (t *Table) ShardsContaining(server string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []string
	for id, d := range t.shards {
		for _, r := range d.Replicas {
			if r == server {
				out = append(out, id)
				break
			}
		}
	}
	return out
}
