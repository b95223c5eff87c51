package engine

import (
	"fmt"
	"sync"
)

// Engine serializes operations on each shard behind a per-shard mutex
// (single-writer-per-shard queue, per spec.md §9: "apply_rules must
// execute inside the same transaction/critical section as the operation
// that follows it; otherwise a concurrent operation on the same shard
// could observe a half-reconciled history") and implements the write,
// read, update, delete, and copy operations of spec.md §4.2 on top of a
// pluggable Store.
type Engine struct {
	store Store

	mu     sync.Mutex // protects locks map only
	locks  map[string]*sync.Mutex
}

// New builds an Engine over the given Store.
func New(store Store) *Engine {
	return &Engine{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) shardLock(shard string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[shard]
	if !ok {
		l = &sync.Mutex{}
		e.locks[shard] = l
	}
	return l
}

// Configure idempotently claims ownership of each shard_id.
func (e *Engine) Configure(shards []string) error {
	for _, s := range shards {
		if err := e.store.ConfigureShard(s); err != nil {
			return err
		}
	}
	return nil
}

// applyRules is the reconciliation operator from spec.md §4.2: it
// physically deletes versions created after validAt or already-expired
// tombstones, and resurrects tombstones that only became effective after
// validAt. Caller must hold the shard lock.
func (e *Engine) applyRules(shard string, validAt int64) error {
	rows, err := e.store.Rows(shard)
	if err != nil {
		return err
	}

	kept := rows[:0]
	for _, r := range rows {
		if r.CreatedAt > validAt {
			continue
		}
		if r.DeletedAt != nil && *r.DeletedAt <= validAt {
			continue
		}
		if r.DeletedAt != nil && *r.DeletedAt > validAt {
			r.DeletedAt = nil
		}
		kept = append(kept, r)
	}
	return e.store.ReplaceRows(shard, kept)
}

// Write inserts rows into shard. In admin mode (used by recovery to seed
// rows with their original terms) each row is inserted with
// CreatedAt=validAt and the term counter is untouched; a row whose
// (StudID, CreatedAt) already exists is skipped rather than duplicated,
// so replaying the same admin write twice is a no-op, matching the
// (stud_id, created_at) primary key on the Postgres-backed store.
// Otherwise apply_rules runs first, the term advances to
// max(term, validAt)+1, and every row is inserted at the new term. Write
// returns the resulting term (new_term in non-admin mode; the
// caller-supplied validAt in admin mode, since admin writes do not
// advance the term).
func (e *Engine) Write(shard string, validAt int64, rows []Row, admin bool) (int64, error) {
	lock := e.shardLock(shard)
	lock.Lock()
	defer lock.Unlock()

	if !e.store.Owns(shard) {
		return 0, fmt.Errorf("engine: write shard %q: %w", shard, ErrShardNotOwned)
	}

	if admin {
		existing, err := e.store.Rows(shard)
		if err != nil {
			return 0, err
		}
		seen := make(map[int]bool, len(existing))
		for _, r := range existing {
			if r.CreatedAt == validAt {
				seen[r.StudID] = true
			}
		}
		for _, r := range rows {
			if seen[r.StudID] {
				continue
			}
			r.ShardID = shard
			r.CreatedAt = validAt
			existing = append(existing, r)
		}
		if err := e.store.ReplaceRows(shard, existing); err != nil {
			return 0, err
		}
		return validAt, nil
	}

	if err := e.applyRules(shard, validAt); err != nil {
		return 0, err
	}

	term, err := e.store.Term(shard)
	if err != nil {
		return 0, err
	}
	newTerm := term
	if validAt > newTerm {
		newTerm = validAt
	}
	newTerm++

	existing, err := e.store.Rows(shard)
	if err != nil {
		return 0, err
	}
	for _, r := range rows {
		r.ShardID = shard
		r.CreatedAt = newTerm
		existing = append(existing, r)
	}
	if err := e.store.ReplaceRows(shard, existing); err != nil {
		return 0, err
	}
	if err := e.store.SetTerm(shard, newTerm); err != nil {
		return 0, err
	}
	return newTerm, nil
}

// Read runs apply_rules then selects rows live at validAt whose StudID
// falls in [low, high].
func (e *Engine) Read(shard string, validAt int64, low, high int) ([]Row, error) {
	lock := e.shardLock(shard)
	lock.Lock()
	defer lock.Unlock()

	if !e.store.Owns(shard) {
		return nil, fmt.Errorf("engine: read shard %q: %w", shard, ErrShardNotOwned)
	}

	if err := e.applyRules(shard, validAt); err != nil {
		return nil, err
	}

	rows, err := e.store.Rows(shard)
	if err != nil {
		return nil, err
	}

	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if r.StudID < low || r.StudID > high {
			continue
		}
		if r.live(validAt) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Delete runs apply_rules, advances the term, then tombstones every live
// version of studID created at or before validAt.
func (e *Engine) Delete(shard string, validAt int64, studID int) (int64, error) {
	lock := e.shardLock(shard)
	lock.Lock()
	defer lock.Unlock()
	return e.deleteLocked(shard, validAt, studID)
}

// deleteLocked implements Delete; caller must hold the shard lock. It is
// factored out so Update can tombstone and insert within a single
// critical section.
func (e *Engine) deleteLocked(shard string, validAt int64, studID int) (int64, error) {
	if !e.store.Owns(shard) {
		return 0, fmt.Errorf("engine: delete shard %q: %w", shard, ErrShardNotOwned)
	}

	if err := e.applyRules(shard, validAt); err != nil {
		return 0, err
	}

	term, err := e.store.Term(shard)
	if err != nil {
		return 0, err
	}
	newTerm := term
	if validAt > newTerm {
		newTerm = validAt
	}
	newTerm++

	rows, err := e.store.Rows(shard)
	if err != nil {
		return 0, err
	}
	for i, r := range rows {
		if r.StudID == studID && r.DeletedAt == nil && r.CreatedAt <= validAt {
			rows[i].DeletedAt = int64ptr(newTerm)
		}
	}
	if err := e.store.ReplaceRows(shard, rows); err != nil {
		return 0, err
	}
	if err := e.store.SetTerm(shard, newTerm); err != nil {
		return 0, err
	}
	return newTerm, nil
}

// Update runs apply_rules, tombstones the live versions of studID at
// new_term, then inserts newRow at new_term+1.
func (e *Engine) Update(shard string, validAt int64, studID int, newRow Row) (int64, error) {
	lock := e.shardLock(shard)
	lock.Lock()
	defer lock.Unlock()

	newTerm, err := e.deleteLocked(shard, validAt, studID)
	if err != nil {
		return 0, err
	}

	rows, err := e.store.Rows(shard)
	if err != nil {
		return 0, err
	}
	newRow.ShardID = shard
	newRow.StudID = studID
	newRow.CreatedAt = newTerm + 1
	newRow.DeletedAt = nil
	rows = append(rows, newRow)
	if err := e.store.ReplaceRows(shard, rows); err != nil {
		return 0, err
	}
	if err := e.store.SetTerm(shard, newTerm+1); err != nil {
		return 0, err
	}
	return newTerm + 1, nil
}

// CopyResult is one shard's surviving rows at its requested validity
// horizon, as returned by Copy.
type CopyResult struct {
	Shard string
	Rows  []Row
}

// Copy runs apply_rules for each (shard, validAt) pair and returns the
// surviving rows with CreatedAt <= validAt for each shard.
func (e *Engine) Copy(shards []string, validAts []int64) ([]CopyResult, error) {
	if len(shards) != len(validAts) {
		return nil, fmt.Errorf("engine: copy: %d shards but %d valid_at values", len(shards), len(validAts))
	}

	results := make([]CopyResult, 0, len(shards))
	for i, shard := range shards {
		validAt := validAts[i]

		lock := e.shardLock(shard)
		lock.Lock()
		err := func() error {
			defer lock.Unlock()
			if !e.store.Owns(shard) {
				return fmt.Errorf("engine: copy shard %q: %w", shard, ErrShardNotOwned)
			}
			if err := e.applyRules(shard, validAt); err != nil {
				return err
			}
			rows, err := e.store.Rows(shard)
			if err != nil {
				return err
			}
			out := make([]Row, 0, len(rows))
			for _, r := range rows {
				if r.CreatedAt <= validAt {
					out = append(out, r)
				}
			}
			results = append(results, CopyResult{Shard: shard, Rows: out})
			return nil
		}()
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}
