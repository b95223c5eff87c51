// Package recovery implements the recovery driver (spec.md §4.5,
// component C5): invoked when the replica manager's heartbeat loop
// declares a replica dead, it snapshots the affected shards, spawns a
// replacement, configures it, and streams each shard's history from a
// surviving donor via the copy protocol. Grounded on torua's
// coordinator.HealthMonitor.SetOnUnhealthy callback wiring (§4.3's
// on_server_dead hook triggers "shard redistribution" there; here it
// triggers this package's Driver.Recover), with the actual recovery
// sequence taken from spec.md §4.5 directly since no example repo
// implements shard-history replay.
package recovery

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/cluster"
	"github.com/dreamware/shardkv/internal/manager"
	"github.com/dreamware/shardkv/internal/metrics"
	"github.com/dreamware/shardkv/internal/shardtable"
	"github.com/dreamware/shardkv/internal/wire"
)

// Driver runs the recovery sequence for a dead replica.
type Driver struct {
	table   *shardtable.Table
	mgr     *manager.Manager
	logger  *zap.Logger
	timeout time.Duration
	copyTO  time.Duration
}

// New builds a Driver.
func New(table *shardtable.Table, mgr *manager.Manager, logger *zap.Logger, mutationTimeout, copyTimeout time.Duration) *Driver {
	return &Driver{table: table, mgr: mgr, logger: logger, timeout: mutationTimeout, copyTO: copyTimeout}
}

// Recover runs spec.md §4.5's full sequence for the named dead replica.
// It is meant to be registered with manager.Manager.OnDead, which invokes
// dead-replica handlers sequentially, so two recoveries never race.
func (d *Driver) Recover(ctx context.Context, dead string) {
	start := time.Now()
	defer func() {
		metrics.RecoveryDuration.Observe(time.Since(start).Seconds())
	}()

	affected := d.table.ShardsContaining(dead)
	d.table.RemoveReplica(dead)
	if err := d.mgr.Remove(ctx, dead); err != nil {
		d.logger.Warn("recovery: removing dead replica from manager failed, continuing",
			zap.String("dead", dead), zap.Error(err))
	}

	if len(affected) == 0 {
		d.logger.Info("recovery: no shards affected, nothing to do", zap.String("dead", dead))
		return
	}

	replacement, err := d.mgr.Spawn(ctx, "")
	if err != nil {
		d.logger.Error("recovery: spawn replacement failed", zap.String("dead", dead), zap.Error(err))
		return
	}

	if !d.mgr.WaitForHeartbeat(ctx, replacement, 10, 1500*time.Millisecond) {
		d.logger.Error("recovery: replacement never heartbeated, aborting",
			zap.String("dead", dead), zap.String("replacement", replacement), zap.Error(wire.ErrRecoveryFailure))
		return
	}
	addr, _ := d.mgr.Addr(replacement)

	specs := make([]wire.ShardSpec, 0, len(affected))
	for _, shardID := range affected {
		if desc, ok := d.table.Get(shardID); ok {
			specs = append(specs, wire.ShardSpec{ShardID: desc.ShardID, StudIDLow: desc.Low, ShardSize: desc.Size})
		}
	}
	cctx, cancel := cluster.WithTimeout(ctx, d.timeout)
	err = cluster.DoJSON(cctx, http.MethodPost, "http://"+addr+"/config", wire.ConfigRequest{Shards: specs}, nil)
	cancel()
	if err != nil {
		d.logger.Error("recovery: config push to replacement failed",
			zap.String("replacement", replacement), zap.Error(err))
		return
	}

	for _, shardID := range affected {
		d.copyShard(ctx, shardID, replacement)
		d.table.AddReplica(shardID, replacement)
	}

	d.logger.Info("recovery: completed",
		zap.String("dead", dead), zap.String("replacement", replacement), zap.Strings("shards", affected))
}

// copyShard picks a surviving replica of shardID as donor, pulls its
// history via /copy, and replays it onto replacement with admin-mode
// writes that preserve the donor's term numbering (spec.md §4.5 step 7).
func (d *Driver) copyShard(ctx context.Context, shardID, replacement string) {
	desc, ok := d.table.Get(shardID)
	if !ok {
		return
	}

	var donor string
	for _, r := range desc.Replicas {
		if r != replacement {
			donor = r
			break
		}
	}
	if donor == "" {
		d.logger.Warn("recovery: no surviving donor for shard", zap.String("shard", shardID))
		return
	}
	donorAddr, ok := d.mgr.Addr(donor)
	if !ok {
		return
	}

	cctx, cancel := cluster.WithTimeout(ctx, d.copyTO)
	var copyResp wire.CopyResponse
	err := cluster.DoJSON(cctx, http.MethodPost, "http://"+donorAddr+"/copy", wire.CopyRequest{
		Shards:  []string{shardID},
		ValidAt: []int64{desc.ValidAt},
	}, &copyResp)
	cancel()
	if err != nil {
		d.logger.Error("recovery: copy from donor failed",
			zap.String("shard", shardID), zap.String("donor", donor), zap.Error(err))
		return
	}

	replacementAddr, ok := d.mgr.Addr(replacement)
	if !ok {
		return
	}
	for _, row := range copyResp[shardID] {
		cctx, cancel := cluster.WithTimeout(ctx, d.timeout)
		err := cluster.DoJSON(cctx, http.MethodPost, "http://"+replacementAddr+"/write", wire.ReplicaWriteRequest{
			Shard:   shardID,
			ValidAt: row.CreatedAt,
			Data:    []wire.RowInput{{StudID: row.StudID, StudName: row.StudName, StudMarks: row.StudMarks}},
			Admin:   true,
		}, nil)
		cancel()
		if err != nil {
			d.logger.Error("recovery: admin write to replacement failed",
				zap.String("shard", shardID), zap.Int("stud_id", row.StudID), zap.Error(err))
		}
	}
}
