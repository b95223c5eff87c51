// Package router implements the shard router and replication coordinator
// (spec.md §4.4, component C4): the HTTP control plane that resolves
// stud_id ranges to shards, fans out mutations to every replica under a
// per-shard lock, and scatters reads across randomly chosen replicas.
// Grounded on torua's cmd/coordinator/main.go mux-and-handler shape
// (a server struct holding shared state, one handler method per route,
// http.Error for failures, json.NewEncoder for success bodies) with the
// node-registration/broadcast domain replaced by spec.md §6's router API.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/manager"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/readcache"
	"github.com/dreamware/shardkv/internal/reqid"
	"github.com/dreamware/shardkv/internal/shardtable"
	"github.com/dreamware/shardkv/internal/wire"
)

// Router serves spec.md §6's router HTTP API on top of a shard table and
// a replica manager.
type Router struct {
	table  *shardtable.Table
	mgr    *manager.Manager
	logger *zap.Logger
	cache  *readcache.ShardRangeCache

	mutationTimeout time.Duration
	copyTimeout     time.Duration
	heartbeatWait   time.Duration
}

// Option configures optional Router behavior, following the functional
// options pattern arena-cache uses for its own constructor.
type Option func(*Router)

// WithReadCache enables a look-aside cache in front of per-shard reads.
func WithReadCache(cache *readcache.ShardRangeCache) Option {
	return func(rt *Router) {
		rt.cache = cache
	}
}

// New builds a Router.
func New(table *shardtable.Table, mgr *manager.Manager, logger *zap.Logger, mutationTimeout, copyTimeout time.Duration, opts ...Option) *Router {
	rt := &Router{
		table:           table,
		mgr:             mgr,
		logger:          logger,
		mutationTimeout: mutationTimeout,
		copyTimeout:     copyTimeout,
		heartbeatWait:   1500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Mux builds the HTTP handler for the router's API surface, wrapped with
// request-ID correlation middleware.
func (rt *Router) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rep", rt.handleRep)
	mux.HandleFunc("/init", rt.handleInit)
	mux.HandleFunc("/add", rt.handleAdd)
	mux.HandleFunc("/rm", rt.handleRm)
	mux.HandleFunc("/write", rt.handleWrite)
	mux.HandleFunc("/read", rt.handleRead)
	mux.HandleFunc("/update", rt.handleUpdate)
	mux.HandleFunc("/del", rt.handleDel)
	return reqid.Middleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, wire.ErrorResponse{Error: err.Error()})
}

// handleRep reports the full live replica set.
func (rt *Router) handleRep(w http.ResponseWriter, _ *http.Request) {
	replicas := rt.mgr.List()
	writeJSON(w, http.StatusOK, wire.RepResponse{N: len(replicas), Replicas: replicas})
}

// handleInit bootstraps the shard table and spawns the named servers, per
// spec.md §4.4's initialization sequence.
func (rt *Router) handleInit(w http.ResponseWriter, r *http.Request) {
	var req wire.InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	inverted, err := rt.table.Init(req.Shards, req.Servers)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	for name, shardIDs := range req.Servers {
		rt.bootstrapServer(r.Context(), name, shardIDs)
	}

	descriptors := rt.table.All()
	views := make([]wire.ShardDescriptorView, 0, len(descriptors))
	for _, d := range descriptors {
		views = append(views, toView(d))
		metrics.ShardValidAt.WithLabelValues(d.ShardID).Set(float64(d.ValidAt))
	}

	writeJSON(w, http.StatusOK, wire.InitResponse{ShardT: views, MapT: inverted})
}

// bootstrapServer spawns name if it is not already live, waits for its
// heartbeat (up to 10 retries per spec.md §4.4), and pushes its shard
// configuration. A server that never heartbeats is logged and skipped,
// not fatal to initialization.
func (rt *Router) bootstrapServer(ctx context.Context, name string, shardIDs []string) {
	if _, ok := rt.mgr.Addr(name); !ok {
		if _, err := rt.mgr.Spawn(ctx, name); err != nil {
			rt.logger.Warn("init: spawn failed", zap.String("server", name), zap.Error(err))
			return
		}
	}

	addr, _ := rt.mgr.Addr(name)
	if !rt.mgr.WaitForHeartbeat(ctx, name, 10, rt.heartbeatWait) {
		rt.logger.Warn("init: server never heartbeated, skipping", zap.String("server", name))
		return
	}

	cctx, cancel := cluster.WithTimeout(ctx, rt.mutationTimeout)
	defer cancel()
	if err := cluster.DoJSON(cctx, http.MethodPost, "http://"+addr+"/config", wire.ConfigRequest{
		Shards: shardSpecsFor(rt.table, shardIDs),
	}, nil); err != nil {
		rt.logger.Warn("init: config push failed", zap.String("server", name), zap.Error(err))
	}
}

func shardSpecsFor(table *shardtable.Table, shardIDs []string) []wire.ShardSpec {
	specs := make([]wire.ShardSpec, 0, len(shardIDs))
	for _, id := range shardIDs {
		if d, ok := table.Get(id); ok {
			specs = append(specs, wire.ShardSpec{ShardID: d.ShardID, StudIDLow: d.Low, ShardSize: d.Size})
		}
	}
	return specs
}

// handleAdd spawns additional replicas: the requested hostnames first,
// then auto-named replicas to reach n.
func (rt *Router) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req wire.AddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Hostnames) > req.N {
		writeError(w, http.StatusBadRequest, fmt.Errorf("router: %d hostnames exceeds n=%d", len(req.Hostnames), req.N))
		return
	}

	for _, name := range req.Hostnames {
		if _, err := rt.mgr.Spawn(r.Context(), name); err != nil {
			rt.logger.Warn("add: spawn failed", zap.String("server", name), zap.Error(err))
		}
	}
	for i := 0; i < req.N-len(req.Hostnames); i++ {
		if _, err := rt.mgr.Spawn(r.Context(), ""); err != nil {
			rt.logger.Warn("add: auto-spawn failed", zap.Error(err))
		}
	}

	replicas := rt.mgr.List()
	writeJSON(w, http.StatusOK, wire.RepResponse{N: len(replicas), Replicas: replicas})
}

// handleRm removes the requested hostnames, then tops up to n total
// removals with randomly chosen live replicas, per spec.md §4.4.
func (rt *Router) handleRm(w http.ResponseWriter, r *http.Request) {
	var req wire.RemoveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Hostnames) > req.N {
		writeError(w, http.StatusBadRequest, fmt.Errorf("router: %d hostnames exceeds n=%d", len(req.Hostnames), req.N))
		return
	}

	removed := make(map[string]bool, req.N)
	for _, name := range req.Hostnames {
		rt.removeReplica(r.Context(), name)
		removed[name] = true
	}

	remaining := req.N - len(req.Hostnames)
	for i := 0; i < remaining; i++ {
		name, ok := rt.mgr.RandomOtherThan(removed)
		if !ok {
			break
		}
		rt.removeReplica(r.Context(), name)
		removed[name] = true
	}

	replicas := rt.mgr.List()
	writeJSON(w, http.StatusOK, wire.RepResponse{N: len(replicas), Replicas: replicas})
}

func (rt *Router) removeReplica(ctx context.Context, name string) {
	if err := rt.mgr.Remove(ctx, name); err != nil {
		rt.logger.Warn("rm: remove failed", zap.String("server", name), zap.Error(err))
	}
	rt.table.RemoveReplica(name)
}

// handleWrite groups incoming rows by shard, fans each group out to every
// replica under the shard's lock, and advances valid_at.
func (rt *Router) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req wire.WriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	byShard := make(map[string][]wire.RowInput)
	for _, row := range req.Data {
		d, ok := rt.table.ShardForKey(row.StudID)
		if !ok {
			writeError(w, http.StatusBadRequest, wire.ErrOutOfRange)
			return
		}
		byShard[d.ShardID] = append(byShard[d.ShardID], row)
	}

	details := make(map[string]wire.ShardWriteResult, len(byShard))
	for shardID, rows := range byShard {
		lock := rt.table.Lock(shardID)
		lock.Lock()
		d, ok := rt.table.Get(shardID)
		if !ok {
			lock.Unlock()
			continue
		}
		if len(d.Replicas) == 0 {
			lock.Unlock()
			writeError(w, http.StatusInternalServerError, fmt.Errorf("router: shard %q: %w", shardID, wire.ErrNoReplicas))
			return
		}
		newVat := d.ValidAt + 1
		failures := rt.fanOutMutation(r.Context(), d, "/write", wire.ReplicaWriteRequest{
			Shard:   shardID,
			ValidAt: newVat,
			Data:    rows,
		})
		_ = rt.table.SetValidAt(shardID, newVat)
		lock.Unlock()

		metrics.ShardValidAt.WithLabelValues(shardID).Set(float64(newVat))
		details[shardID] = wire.ShardWriteResult{Inserted: len(rows), Failures: failures}
	}

	writeJSON(w, http.StatusOK, wire.WriteResponse{Status: "ok", Details: details})
}

// handleRead scatters a range read across one randomly chosen replica per
// covering shard; failures are silently skipped (best-effort).
func (rt *Router) handleRead(w http.ResponseWriter, r *http.Request) {
	var req wire.ReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	shards := rt.table.ShardsForRange(req.StudID.Low, req.StudID.High)
	queried := make([]string, 0, len(shards))
	var mu sync.Mutex
	var allRows []wire.RowView

	g, ctx := errgroup.WithContext(r.Context())
	for _, d := range shards {
		d := d
		queried = append(queried, d.ShardID)
		if len(d.Replicas) == 0 {
			continue
		}
		replica := d.Replicas[rand.IntN(len(d.Replicas))]
		g.Go(func() error {
			if rt.cache != nil {
				if rows, ok := rt.cache.Get(ctx, d.ShardID, d.ValidAt, req.StudID.Low, req.StudID.High); ok {
					metrics.ReadCacheHits.Inc()
					mu.Lock()
					allRows = append(allRows, rows...)
					mu.Unlock()
					return nil
				}
				metrics.ReadCacheMisses.Inc()
			}

			addr, ok := rt.mgr.Addr(replica)
			if !ok {
				return nil
			}
			cctx, cancel := cluster.WithTimeout(ctx, rt.mutationTimeout)
			defer cancel()

			var resp wire.ReadResponse
			err := cluster.DoJSON(cctx, http.MethodPost, "http://"+addr+"/read", wire.ReplicaReadRequest{
				Shard:   d.ShardID,
				ValidAt: d.ValidAt,
				StudID:  wire.RangeQuery{Low: req.StudID.Low, High: req.StudID.High},
			}, &resp)
			if err != nil {
				return nil
			}
			mu.Lock()
			allRows = append(allRows, resp.Data...)
			mu.Unlock()
			if rt.cache != nil {
				rt.cache.Set(ctx, d.ShardID, d.ValidAt, req.StudID.Low, req.StudID.High, resp.Data)
			}
			return nil
		})
	}
	_ = g.Wait()

	writeJSON(w, http.StatusOK, wire.ReadResponse{ShardsQueried: queried, Data: allRows})
}

// handleUpdate resolves studID's shard, fans the update out under the
// shard lock, and advances valid_at.
func (rt *Router) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req wire.UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	initial, ok := rt.table.ShardForKey(req.StudID)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.ErrOutOfRange)
		return
	}

	lock := rt.table.Lock(initial.ShardID)
	lock.Lock()
	d, ok := rt.table.Get(initial.ShardID)
	if !ok {
		lock.Unlock()
		writeError(w, http.StatusBadRequest, wire.ErrOutOfRange)
		return
	}
	if len(d.Replicas) == 0 {
		lock.Unlock()
		writeError(w, http.StatusInternalServerError, wire.ErrNoReplicas)
		return
	}
	newVat := d.ValidAt + 1
	rt.fanOutMutation(r.Context(), d, "/update", wire.ReplicaUpdateRequest{
		Shard:   d.ShardID,
		ValidAt: newVat,
		StudID:  req.StudID,
		Data:    req.Data,
	})
	_ = rt.table.SetValidAt(d.ShardID, newVat)
	lock.Unlock()

	metrics.ShardValidAt.WithLabelValues(d.ShardID).Set(float64(newVat))
	writeJSON(w, http.StatusOK, wire.MutationResponse{Status: "ok", ValidAt: newVat})
}

// handleDel resolves studID's shard, fans the delete out under the shard
// lock, and advances valid_at.
func (rt *Router) handleDel(w http.ResponseWriter, r *http.Request) {
	var req wire.DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	initial, ok := rt.table.ShardForKey(req.StudID)
	if !ok {
		writeError(w, http.StatusBadRequest, wire.ErrOutOfRange)
		return
	}

	lock := rt.table.Lock(initial.ShardID)
	lock.Lock()
	d, ok := rt.table.Get(initial.ShardID)
	if !ok {
		lock.Unlock()
		writeError(w, http.StatusBadRequest, wire.ErrOutOfRange)
		return
	}
	if len(d.Replicas) == 0 {
		lock.Unlock()
		writeError(w, http.StatusInternalServerError, wire.ErrNoReplicas)
		return
	}
	newVat := d.ValidAt + 1
	rt.fanOutMutation(r.Context(), d, "/del", wire.ReplicaDeleteRequest{
		Shard:   d.ShardID,
		ValidAt: newVat,
		StudID:  req.StudID,
	})
	_ = rt.table.SetValidAt(d.ShardID, newVat)
	lock.Unlock()

	metrics.ShardValidAt.WithLabelValues(d.ShardID).Set(float64(newVat))
	writeJSON(w, http.StatusOK, wire.MutationResponse{Status: "ok", ValidAt: newVat})
}

// fanOutMutation POSTs body to path on every replica of d concurrently.
// Per-replica failures are collected and returned; the caller commits the
// mutation regardless (spec.md §4.4: "success is declared even under
// partial failure, because recovery will restore the missing replica").
func (rt *Router) fanOutMutation(ctx context.Context, d shardtable.Descriptor, path string, body any) []string {
	var mu sync.Mutex
	var failures []string

	g, ctx := errgroup.WithContext(ctx)
	for _, replica := range d.Replicas {
		replica := replica
		g.Go(func() error {
			addr, ok := rt.mgr.Addr(replica)
			if !ok {
				mu.Lock()
				failures = append(failures, replica)
				mu.Unlock()
				return nil
			}
			cctx, cancel := cluster.WithTimeout(ctx, rt.mutationTimeout)
			defer cancel()
			if err := cluster.DoJSON(cctx, http.MethodPost, "http://"+addr+path, body, nil); err != nil {
				mu.Lock()
				failures = append(failures, replica)
				mu.Unlock()
				metrics.MutationFanoutFailures.WithLabelValues(d.ShardID, replica).Inc()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failures
}

func toView(d shardtable.Descriptor) wire.ShardDescriptorView {
	return wire.ShardDescriptorView{
		ShardID:  d.ShardID,
		Low:      d.Low,
		Size:     d.Size,
		ValidAt:  d.ValidAt,
		Replicas: d.Replicas,
	}
}
