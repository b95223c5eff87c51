// Package engine implements the replica-side shard engine (spec.md §4.2,
// component C2): a per-shard monotonic term counter, an append-only
// versioned row store supporting point-in-time reads, and the
// apply_rules reconciliation operator used on every mutating or read
// request to project the local store to the requested validity horizon.
package engine

// Row is one version of a student row on a replica. The primary key is
// (StudID, CreatedAt); DeletedAt is nil while the version is live.
type Row struct {
	StudID    int
	StudName  string
	StudMarks float64
	ShardID   string
	CreatedAt int64
	DeletedAt *int64
}

// live reports whether the row is live at validAt: created at or before
// the horizon, and either never deleted or deleted strictly after it.
func (r Row) live(validAt int64) bool {
	if r.CreatedAt > validAt {
		return false
	}
	return r.DeletedAt == nil || *r.DeletedAt > validAt
}

func int64ptr(v int64) *int64 {
	return &v
}
