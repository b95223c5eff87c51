// Package ring implements the consistent hash ring used both for
// stateless request routing and for virtual-node placement bookkeeping
// (spec.md §4.1, component C1).
//
// The ring is a fixed-size slot array, not a sorted list of hashes: each
// server claims K virtual nodes by probing forward from its preferred
// slot until it finds one that is empty. That is what makes Remove a scan
// by owner rather than a deterministic re-hash — see the design rationale
// in spec.md §9.
package ring

import (
	"crypto/md5"
	"fmt"
	"math/big"
	"sync"

	"github.com/dreamware/shardkv/internal/wire"
)

// DefaultTotalSlots and DefaultK are the values spec.md §4.1 calls out by
// name: 512 slots, K = log2(512) = 9 virtual nodes per server.
const (
	DefaultTotalSlots = 512
	DefaultK          = 9
)

// Ring is a consistent hash ring with linear-probing virtual node
// placement. The zero value is not usable; construct with New.
type Ring struct {
	mu         sync.RWMutex
	slots      []string // "" means empty
	totalSlots int
	k          int
}

// New constructs an empty ring with the given slot count and virtual
// nodes per server.
func New(totalSlots, k int) *Ring {
	if totalSlots <= 0 {
		totalSlots = DefaultTotalSlots
	}
	if k <= 0 {
		k = DefaultK
	}
	return &Ring{
		slots:      make([]string, totalSlots),
		totalSlots: totalSlots,
		k:          k,
	}
}

// hashSlot reduces an MD5 digest of key to a slot index. The router MUST
// reproduce this exact computation; any deviation breaks routing
// stability across restarts (spec.md §4.1).
func hashSlot(key string, totalSlots int) int {
	sum := md5.Sum([]byte(key))
	n := new(big.Int).SetBytes(sum[:])
	mod := big.NewInt(int64(totalSlots))
	return int(new(big.Int).Mod(n, mod).Int64())
}

// Add inserts K virtual nodes for server, resolving collisions by linear
// probing forward (slot+1 mod totalSlots) until an empty slot is found.
// It fails with ErrRingFull if a full scan returns to the starting slot
// without finding one.
func (r *Ring) Add(server string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for j := 0; j < r.k; j++ {
		key := fmt.Sprintf("server-%s-replica-%d", server, j)
		start := hashSlot(key, r.totalSlots)

		slot := start
		placed := false
		for i := 0; i < r.totalSlots; i++ {
			if r.slots[slot] == "" {
				r.slots[slot] = server
				placed = true
				break
			}
			slot = (slot + 1) % r.totalSlots
		}
		if !placed {
			return fmt.Errorf("ring: placing virtual node %d for %q: %w", j, server, wire.ErrRingFull)
		}
	}
	return nil
}

// Remove deletes every slot whose owner equals server. Because placement
// used linear probing rather than a deterministic re-hash, removal must
// scan for the owner rather than recompute the original slots.
func (r *Ring) Remove(server string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, owner := range r.slots {
		if owner == server {
			r.slots[i] = ""
		}
	}
}

// Lookup returns the owner of the smallest occupied slot >= hash(requestID),
// wrapping to the lowest occupied slot if none exists. It returns ("",
// false) if the ring is empty.
func (r *Ring) Lookup(requestID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := hashSlot(requestID, r.totalSlots)
	slot := start
	for i := 0; i < r.totalSlots; i++ {
		if r.slots[slot] != "" {
			return r.slots[slot], true
		}
		slot = (slot + 1) % r.totalSlots
	}
	return "", false
}

// NextOf returns the clockwise successor of server whose owner differs
// from server, or ("", false) if the ring has fewer than two distinct
// owners (or server does not occupy any slot).
func (r *Ring) NextOf(server string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := -1
	for i, owner := range r.slots {
		if owner == server {
			start = i
			break
		}
	}
	if start == -1 {
		return "", false
	}

	slot := (start + 1) % r.totalSlots
	for i := 0; i < r.totalSlots; i++ {
		if owner := r.slots[slot]; owner != "" && owner != server {
			return owner, true
		}
		slot = (slot + 1) % r.totalSlots
	}
	return "", false
}

// Members returns the set of distinct live owners, in no particular order.
func (r *Ring) Members() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	members := make([]string, 0)
	for _, owner := range r.slots {
		if owner == "" {
			continue
		}
		if _, ok := seen[owner]; !ok {
			seen[owner] = struct{}{}
			members = append(members, owner)
		}
	}
	return members
}
