// Package wire defines the JSON request/response shapes exchanged between
// clients, the router, and replicas (spec.md §6), along with the typed
// error kinds from §7. Errors that cross an HTTP boundary are carried as
// fields on the response body, never as a raw transport error or panic.
package wire

import "errors"

// Sentinel errors for the kinds in spec.md §7 that propagate internally
// (within a single process) rather than being serialized on the wire.
var (
	// ErrOutOfRange: a stud_id falls in no shard. Surfaced to the client as 400.
	ErrOutOfRange = errors.New("out_of_range")
	// ErrNoReplicas: a shard's replica set is empty. Surfaced as 500.
	ErrNoReplicas = errors.New("no_replicas")
	// ErrShardNotOwned: a replica rejects an operation for an unconfigured shard.
	ErrShardNotOwned = errors.New("shard_not_owned")
	// ErrRingFull: a full linear-probe scan on the hash ring found no empty slot.
	ErrRingFull = errors.New("ring_full")
	// ErrRecoveryFailure: a replacement replica never heartbeats or configures.
	ErrRecoveryFailure = errors.New("recovery_failure")
)

// ShardSpec describes one shard's key range at /init time.
type ShardSpec struct {
	ShardID   string `json:"shard_id"`
	StudIDLow int    `json:"stud_id_low"`
	ShardSize int    `json:"shard_size"`
}

// InitRequest is the body of POST /init. Per spec.md §4.4 / §9, the shape
// is fixed on a server_name -> []shard_id inversion; the two historical
// shapes in original_source/ (a shard-id list vs. a shard-object list, and
// servers as either a list or a dict) are not supported.
type InitRequest struct {
	Shards  []ShardSpec         `json:"shards"`
	Servers map[string][]string `json:"servers"`
}

// ShardDescriptorView is the externally visible projection of a shard
// table entry returned from /init.
type ShardDescriptorView struct {
	ShardID   string   `json:"shard_id"`
	Low       int      `json:"low"`
	Size      int      `json:"size"`
	ValidAt   int64    `json:"valid_at"`
	Replicas  []string `json:"replicas"`
}

// InitResponse returns the materialized shard table (ShardT) and the
// inverted shard_id -> []server_name map (MapT) per spec.md §6.
type InitResponse struct {
	ShardT []ShardDescriptorView  `json:"ShardT"`
	MapT   map[string][]string    `json:"MapT"`
}

// AddRequest is the body of POST /add.
type AddRequest struct {
	N         int      `json:"n"`
	Hostnames []string `json:"hostnames"`
}

// RemoveRequest is the body of DELETE /rm.
type RemoveRequest struct {
	N         int      `json:"n"`
	Hostnames []string `json:"hostnames"`
}

// RepResponse is the body of GET /rep and the response to /add and /rm.
type RepResponse struct {
	N        int      `json:"N"`
	Replicas []string `json:"replicas"`
}

// RowInput is a caller-supplied row for a write or update.
type RowInput struct {
	StudID    int     `json:"Stud_id"`
	StudName  string  `json:"Stud_name"`
	StudMarks float64 `json:"Stud_marks"`
}

// WriteRequest is the body of POST /write.
type WriteRequest struct {
	Data []RowInput `json:"data"`
}

// ShardWriteResult reports the per-shard outcome of a fan-out write.
type ShardWriteResult struct {
	Inserted int      `json:"inserted"`
	Failures []string `json:"failures"`
}

// WriteResponse is the body returned from POST /write.
type WriteResponse struct {
	Status  string                       `json:"status"`
	Details map[string]ShardWriteResult `json:"details"`
}

// RangeQuery is an inclusive [Low, High] key range.
type RangeQuery struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// ReadRequest is the body of POST /read.
type ReadRequest struct {
	StudID RangeQuery `json:"Stud_id"`
}

// RowView is a row as returned to a reader.
type RowView struct {
	StudID    int     `json:"Stud_id"`
	StudName  string  `json:"Stud_name"`
	StudMarks float64 `json:"Stud_marks"`
}

// ReadResponse is the body returned from POST /read.
type ReadResponse struct {
	ShardsQueried []string  `json:"shards_queried"`
	Data          []RowView `json:"data"`
}

// RowPatch carries the mutable fields of an update.
type RowPatch struct {
	StudName  string  `json:"Stud_name"`
	StudMarks float64 `json:"Stud_marks"`
}

// UpdateRequest is the body of PUT /update.
type UpdateRequest struct {
	StudID int      `json:"Stud_id"`
	Data   RowPatch `json:"data"`
}

// MutationResponse is the body returned from PUT /update and DELETE /del.
type MutationResponse struct {
	Status  string `json:"status"`
	ValidAt int64  `json:"valid_at"`
}

// DeleteRequest is the body of DELETE /del.
type DeleteRequest struct {
	StudID int `json:"Stud_id"`
}

// ConfigRequest is the body of POST /config sent to a replica.
type ConfigRequest struct {
	Shards []ShardSpec `json:"shards"`
}

// ReplicaWriteRequest is the body of POST /write sent to a replica.
type ReplicaWriteRequest struct {
	Shard   string     `json:"shard"`
	ValidAt int64      `json:"valid_at"`
	Data    []RowInput `json:"data"`
	Admin   bool       `json:"admin,omitempty"`
}

// ReplicaReadRequest is the body of POST /read sent to a replica.
type ReplicaReadRequest struct {
	Shard   string     `json:"shard"`
	ValidAt int64      `json:"valid_at"`
	StudID  RangeQuery `json:"stud_id"`
}

// ReplicaUpdateRequest is the body of PUT /update sent to a replica.
type ReplicaUpdateRequest struct {
	Shard   string   `json:"shard"`
	ValidAt int64    `json:"valid_at"`
	StudID  int      `json:"stud_id"`
	Data    RowPatch `json:"data"`
}

// ReplicaDeleteRequest is the body of DELETE /del sent to a replica.
type ReplicaDeleteRequest struct {
	Shard   string `json:"shard"`
	ValidAt int64  `json:"valid_at"`
	StudID  int    `json:"stud_id"`
}

// CopyRequest is the body of POST /copy sent to a replica.
type CopyRequest struct {
	Shards  []string `json:"shards"`
	ValidAt []int64  `json:"valid_at"`
}

// CopyRow is one row version returned from a replica's /copy.
type CopyRow struct {
	StudID    int     `json:"stud_id"`
	StudName  string  `json:"stud_name"`
	StudMarks float64 `json:"stud_marks"`
	CreatedAt int64   `json:"created_at"`
	DeletedAt *int64  `json:"deleted_at"`
}

// CopyResponse maps shard_id to its surviving row versions.
type CopyResponse map[string][]CopyRow

// ErrorResponse is the structured error body for malformed-input 4xx and
// programming-error 5xx responses (spec.md §7's propagation policy).
type ErrorResponse struct {
	Error string `json:"error"`
}
