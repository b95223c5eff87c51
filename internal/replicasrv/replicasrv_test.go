package replicasrv

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/wire"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	eng := engine.New(engine.NewMemoryStore())
	srv := New("replica-1", eng, zap.NewNop())
	return httptest.NewServer(srv.Mux())
}

func postJSON(t *testing.T, url string, body, out any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return resp
}

func TestHeartbeatAlwaysOK(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/heartbeat")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestConfigWriteReadRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	postJSON(t, ts.URL+"/config", wire.ConfigRequest{
		Shards: []wire.ShardSpec{{ShardID: "sh1", StudIDLow: 0, ShardSize: 100}},
	}, nil)

	var writeResp wire.MutationResponse
	resp := postJSON(t, ts.URL+"/write", wire.ReplicaWriteRequest{
		Shard:   "sh1",
		ValidAt: 1,
		Data:    []wire.RowInput{{StudID: 5, StudName: "alice", StudMarks: 90}},
	}, &writeResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("write: expected 200, got %d", resp.StatusCode)
	}

	var readResp wire.ReadResponse
	postJSON(t, ts.URL+"/read", wire.ReplicaReadRequest{
		Shard:   "sh1",
		ValidAt: 1,
		StudID:  wire.RangeQuery{Low: 0, High: 10},
	}, &readResp)

	if len(readResp.Data) != 1 || readResp.Data[0].StudID != 5 {
		t.Fatalf("unexpected read response: %+v", readResp)
	}
}

func TestWriteUnconfiguredShardReturns400(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/write", wire.ReplicaWriteRequest{
		Shard:   "unknown",
		ValidAt: 1,
		Data:    []wire.RowInput{{StudID: 1}},
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCopyReturnsSurvivingRows(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()

	postJSON(t, ts.URL+"/config", wire.ConfigRequest{
		Shards: []wire.ShardSpec{{ShardID: "sh1", StudIDLow: 0, ShardSize: 100}},
	}, nil)
	postJSON(t, ts.URL+"/write", wire.ReplicaWriteRequest{
		Shard: "sh1", ValidAt: 1, Data: []wire.RowInput{{StudID: 1, StudName: "a"}},
	}, nil)

	var copyResp wire.CopyResponse
	postJSON(t, ts.URL+"/copy", wire.CopyRequest{Shards: []string{"sh1"}, ValidAt: []int64{1}}, &copyResp)

	if len(copyResp["sh1"]) != 1 {
		t.Fatalf("expected 1 row for sh1, got %+v", copyResp)
	}
}
