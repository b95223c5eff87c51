// Package integration exercises the router, manager, shard table, and
// replica adapter together over real HTTP, covering the end-to-end
// scenarios this system is built around: init-write-read, concurrent
// writes to one key, reconciliation across increasing valid_at
// horizons, partial+random /rm removal, multi-shard reads, and
// heartbeat-triggered recovery. Unit tests already cover each
// package's internal invariants (ring membership/determinism in
// internal/ring, reconciliation math in internal/engine); this package
// drives the same scenarios through the router's public HTTP surface.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/manager"
	"github.com/dreamware/shardkv/internal/recovery"
	"github.com/dreamware/shardkv/internal/replicasrv"
	"github.com/dreamware/shardkv/internal/ring"
	"github.com/dreamware/shardkv/internal/router"
	"github.com/dreamware/shardkv/internal/shardtable"
	"github.com/dreamware/shardkv/internal/wire"
)

type testCluster struct {
	t        *testing.T
	replicas map[string]*httptest.Server
	engines  map[string]*engine.Engine
	spawner  *manager.FakeSpawner
	mgr      *manager.Manager
	table    *shardtable.Table
	router   *httptest.Server
}

func newTestCluster(t *testing.T, replicaNames ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		t:        t,
		replicas: make(map[string]*httptest.Server),
		engines:  make(map[string]*engine.Engine),
		spawner:  manager.NewFakeSpawner(),
		table:    shardtable.New(),
	}
	c.mgr = manager.New(c.spawner, ring.New(ring.DefaultTotalSlots, ring.DefaultK), 30*time.Millisecond, 200*time.Millisecond, 3, 5)

	for _, name := range replicaNames {
		c.addReplica(name)
	}
	return c
}

func (c *testCluster) addReplica(name string) string {
	c.t.Helper()
	eng := engine.New(engine.NewMemoryStore())
	srv := replicasrv.New(name, eng, zap.NewNop())
	httpSrv := httptest.NewServer(srv.Mux())
	addr := strings.TrimPrefix(httpSrv.URL, "http://")

	c.replicas[name] = httpSrv
	c.engines[name] = eng
	c.spawner.Addrs[name] = addr

	if _, err := c.mgr.Spawn(context.Background(), name); err != nil {
		c.t.Fatalf("spawn %s: %v", name, err)
	}
	return addr
}

func (c *testCluster) startRouter(opts ...router.Option) {
	c.t.Helper()
	rt := router.New(c.table, c.mgr, zap.NewNop(), 2*time.Second, 2*time.Second, opts...)
	c.router = httptest.NewServer(rt.Mux())
}

func (c *testCluster) close() {
	if c.router != nil {
		c.router.Close()
	}
	c.mgr.Stop()
	for _, srv := range c.replicas {
		srv.Close()
	}
}

func (c *testCluster) post(method, path string, body any, out any) *http.Response {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.router.URL+path, reader)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("do %s %s: %v", method, path, err)
	}
	if out != nil {
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

func threeShardInit(t *testing.T, c *testCluster, servers []string) {
	t.Helper()
	serverShards := make(map[string][]string, len(servers))
	for _, s := range servers {
		serverShards[s] = []string{"sh1", "sh2", "sh3"}
	}

	var initResp wire.InitResponse
	resp := c.post(http.MethodPost, "/init", wire.InitRequest{
		Shards: []wire.ShardSpec{
			{ShardID: "sh1", StudIDLow: 0, ShardSize: 1000},
			{ShardID: "sh2", StudIDLow: 1000, ShardSize: 1000},
			{ShardID: "sh3", StudIDLow: 2000, ShardSize: 1000},
		},
		Servers: serverShards,
	}, &initResp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("init: expected 200, got %d: %+v", resp.StatusCode, initResp)
	}
}

// Scenario 1: init with 3 shards and 2 servers, write one row, read it back.
func TestInitWriteRead(t *testing.T) {
	c := newTestCluster(t, "s1", "s2")
	c.startRouter()
	defer c.close()

	threeShardInit(t, c, []string{"s1", "s2"})

	var writeResp wire.WriteResponse
	resp := c.post(http.MethodPost, "/write", wire.WriteRequest{
		Data: []wire.RowInput{{StudID: 42, StudName: "A", StudMarks: 7}},
	}, &writeResp)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write: expected 200, got %d", resp.StatusCode)
	}

	var readResp wire.ReadResponse
	resp = c.post(http.MethodPost, "/read", wire.ReadRequest{StudID: wire.RangeQuery{Low: 0, High: 100}}, &readResp)
	resp.Body.Close()
	if len(readResp.Data) != 1 || readResp.Data[0].StudID != 42 || readResp.Data[0].StudName != "A" {
		t.Fatalf("unexpected read result: %+v", readResp)
	}
	if len(readResp.ShardsQueried) != 1 || readResp.ShardsQueried[0] != "sh1" {
		t.Fatalf("unexpected shards_queried: %+v", readResp.ShardsQueried)
	}
}

// Scenario 2: 100 concurrent writes to the same key. valid_at advances to
// 100 and exactly one row is live at that horizon.
func TestConcurrentWritesAdvanceValidAtMonotonically(t *testing.T) {
	c := newTestCluster(t, "s1", "s2")
	c.startRouter()
	defer c.close()

	threeShardInit(t, c, []string{"s1", "s2"})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp := c.post(http.MethodPost, "/write", wire.WriteRequest{
				Data: []wire.RowInput{{StudID: 500, StudName: "A", StudMarks: float64(n)}},
			}, nil)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()

	var readResp wire.ReadResponse
	resp := c.post(http.MethodPost, "/read", wire.ReadRequest{StudID: wire.RangeQuery{Low: 500, High: 500}}, &readResp)
	resp.Body.Close()

	desc, ok := c.table.Get("sh1")
	if !ok {
		t.Fatalf("sh1 missing")
	}
	if desc.ValidAt != 100 {
		t.Fatalf("expected valid_at=100 after 100 writes, got %d", desc.ValidAt)
	}

	rows, err := c.engines["s1"].Read("sh1", desc.ValidAt, 500, 500)
	if err != nil {
		t.Fatalf("read s1 directly: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one live row at stud_id=500, got %d", len(rows))
	}
}

// Scenario 4: write, update, delete at increasing valid_at; read at each
// horizon sees the expected state.
func TestReconciliationAcrossHorizons(t *testing.T) {
	c := newTestCluster(t, "s1")
	c.startRouter()
	defer c.close()

	serverShards := map[string][]string{"s1": {"sh1"}}
	var initResp wire.InitResponse
	resp := c.post(http.MethodPost, "/init", wire.InitRequest{
		Shards:  []wire.ShardSpec{{ShardID: "sh1", StudIDLow: 0, ShardSize: 1000}},
		Servers: serverShards,
	}, &initResp)
	resp.Body.Close()

	resp = c.post(http.MethodPost, "/write", wire.WriteRequest{
		Data: []wire.RowInput{{StudID: 10, StudName: "original", StudMarks: 1}},
	}, nil)
	resp.Body.Close()

	resp = c.post(http.MethodPut, "/update", wire.UpdateRequest{
		StudID: 10, Data: wire.RowPatch{StudName: "updated", StudMarks: 2},
	}, nil)
	resp.Body.Close()

	resp = c.post(http.MethodDelete, "/del", wire.DeleteRequest{StudID: 10}, nil)
	resp.Body.Close()

	rowsAt1, err := c.engines["s1"].Read("sh1", 1, 0, 1000)
	if err != nil {
		t.Fatalf("read at horizon 1: %v", err)
	}
	if len(rowsAt1) != 1 || rowsAt1[0].StudName != "original" {
		t.Fatalf("expected original row at horizon 1, got %+v", rowsAt1)
	}

	rowsAt2, err := c.engines["s1"].Read("sh1", 2, 0, 1000)
	if err != nil {
		t.Fatalf("read at horizon 2: %v", err)
	}
	if len(rowsAt2) != 1 || rowsAt2[0].StudName != "updated" {
		t.Fatalf("expected updated row at horizon 2, got %+v", rowsAt2)
	}

	rowsAt3, err := c.engines["s1"].Read("sh1", 3, 0, 1000)
	if err != nil {
		t.Fatalf("read at horizon 3: %v", err)
	}
	if len(rowsAt3) != 0 {
		t.Fatalf("expected no live rows at horizon 3, got %+v", rowsAt3)
	}
}

// Scenario 5: /rm with n=2 and one named hostname removes exactly that
// hostname plus one additional random replica.
func TestRmRemovesNamedPlusRandom(t *testing.T) {
	c := newTestCluster(t, "S1", "S2", "S3", "S4")
	c.startRouter()
	defer c.close()

	req, err := http.NewRequest(http.MethodDelete, c.router.URL+"/rm", bytes.NewReader(mustJSON(t, wire.RemoveRequest{
		N: 2, Hostnames: []string{"S1"},
	})))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	var repResp wire.RepResponse
	if err := json.NewDecoder(resp.Body).Decode(&repResp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if repResp.N != 2 {
		t.Fatalf("expected 2 replicas remaining, got %+v", repResp)
	}
	for _, r := range repResp.Replicas {
		if r == "S1" {
			t.Fatalf("S1 should have been removed, got %+v", repResp.Replicas)
		}
	}
}

// Scenario 6: a read spanning [500, 2500] over the 3-shard layout queries
// all three shards.
func TestReadSpanningMultipleShards(t *testing.T) {
	c := newTestCluster(t, "s1", "s2")
	c.startRouter()
	defer c.close()

	threeShardInit(t, c, []string{"s1", "s2"})

	var readResp wire.ReadResponse
	resp := c.post(http.MethodPost, "/read", wire.ReadRequest{StudID: wire.RangeQuery{Low: 500, High: 2500}}, &readResp)
	resp.Body.Close()

	want := map[string]bool{"sh1": true, "sh2": true, "sh3": true}
	if len(readResp.ShardsQueried) != 3 {
		t.Fatalf("expected 3 shards queried, got %+v", readResp.ShardsQueried)
	}
	for _, s := range readResp.ShardsQueried {
		if !want[s] {
			t.Fatalf("unexpected shard in shards_queried: %s", s)
		}
	}
}

// Scenario 3: killing a replica (heartbeat stops answering) triggers
// recovery; the replacement converges to the surviving replica's
// projection at the shard's current valid_at.
func TestHeartbeatTriggeredRecoveryConverges(t *testing.T) {
	c := newTestCluster(t, "donor", "victim")

	driver := recovery.New(c.table, c.mgr, zap.NewNop(), 2*time.Second, 2*time.Second)
	done := make(chan string, 1)
	c.mgr.OnDead(func(name string) {
		driver.Recover(context.Background(), name)
		done <- name
	})

	c.startRouter()
	defer c.close()

	serverShards := map[string][]string{"donor": {"sh1"}, "victim": {"sh1"}}
	var initResp wire.InitResponse
	resp := c.post(http.MethodPost, "/init", wire.InitRequest{
		Shards:  []wire.ShardSpec{{ShardID: "sh1", StudIDLow: 0, ShardSize: 1000}},
		Servers: serverShards,
	}, &initResp)
	resp.Body.Close()

	resp = c.post(http.MethodPost, "/write", wire.WriteRequest{
		Data: []wire.RowInput{{StudID: 99, StudName: "pre-kill", StudMarks: 5}},
	}, nil)
	resp.Body.Close()

	c.replicas["victim"].Close()
	c.mgr.Start(context.Background())

	select {
	case dead := <-done:
		if dead != "victim" {
			t.Fatalf("expected victim to be declared dead, got %s", dead)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery to run")
	}

	desc, ok := c.table.Get("sh1")
	if !ok {
		t.Fatalf("sh1 missing")
	}
	foundReplacement := false
	for _, r := range desc.Replicas {
		if r == "victim" {
			t.Fatalf("victim still present after recovery: %+v", desc.Replicas)
		}
		if r != "donor" {
			foundReplacement = true
		}
	}
	if !foundReplacement {
		t.Fatalf("expected a replacement replica, got %+v", desc.Replicas)
	}

	var readResp wire.ReadResponse
	resp = c.post(http.MethodPost, "/read", wire.ReadRequest{StudID: wire.RangeQuery{Low: 0, High: 1000}}, &readResp)
	resp.Body.Close()
	if len(readResp.Data) != 1 || readResp.Data[0].StudID != 99 {
		t.Fatalf("expected pre-kill dataset to survive recovery, got %+v", readResp)
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
