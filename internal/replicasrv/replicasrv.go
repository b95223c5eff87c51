// Package replicasrv exposes a replica's engine over HTTP (spec.md §6's
// replica API): /home, /heartbeat, /config, /write, /read, /update,
// /del, /copy. Grounded on torua's cmd/node/main.go Node type, which
// wraps shard state behind handler methods reachable through a mux built
// in main; generalized from torua's ad hoc shard map to delegate all
// storage semantics to internal/engine.Engine.
package replicasrv

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/shardkv/internal/engine"
	"github.com/dreamware/shardkv/internal/reqid"
	"github.com/dreamware/shardkv/internal/wire"
)

// Server adapts an Engine to spec.md §6's replica HTTP API.
type Server struct {
	id     string
	engine *engine.Engine
	logger *zap.Logger
}

// New builds a Server identified by id, serving eng.
func New(id string, eng *engine.Engine, logger *zap.Logger) *Server {
	return &Server{id: id, engine: eng, logger: logger}
}

// Mux builds the replica's HTTP handler, wrapped with request-ID
// correlation middleware so a replica's logs can be joined back to the
// router request that triggered them.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/home", s.handleHome)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/write", s.handleWrite)
	mux.HandleFunc("/read", s.handleRead)
	mux.HandleFunc("/update", s.handleUpdate)
	mux.HandleFunc("/del", s.handleDelete)
	mux.HandleFunc("/copy", s.handleCopy)
	return reqid.Middleware(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrShardNotOwned) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, wire.ErrorResponse{Error: err.Error()})
}

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		ID string `json:"id"`
	}{ID: s.id})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	var req wire.ConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	shards := make([]string, 0, len(req.Shards))
	for _, spec := range req.Shards {
		shards = append(shards, spec.ShardID)
	}
	if err := s.engine.Configure(shards); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	var req wire.ReplicaWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	rows := make([]engine.Row, 0, len(req.Data))
	for _, in := range req.Data {
		rows = append(rows, engine.Row{StudID: in.StudID, StudName: in.StudName, StudMarks: in.StudMarks})
	}
	term, err := s.engine.Write(req.Shard, req.ValidAt, rows, req.Admin)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MutationResponse{Status: "ok", ValidAt: term})
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	var req wire.ReplicaReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	rows, err := s.engine.Read(req.Shard, req.ValidAt, req.StudID.Low, req.StudID.High)
	if err != nil {
		writeErr(w, err)
		return
	}
	views := make([]wire.RowView, 0, len(rows))
	for _, r := range rows {
		views = append(views, wire.RowView{StudID: r.StudID, StudName: r.StudName, StudMarks: r.StudMarks})
	}
	writeJSON(w, http.StatusOK, wire.ReadResponse{ShardsQueried: []string{req.Shard}, Data: views})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req wire.ReplicaUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	term, err := s.engine.Update(req.Shard, req.ValidAt, req.StudID, engine.Row{
		StudName:  req.Data.StudName,
		StudMarks: req.Data.StudMarks,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MutationResponse{Status: "ok", ValidAt: term})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req wire.ReplicaDeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	term, err := s.engine.Delete(req.Shard, req.ValidAt, req.StudID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.MutationResponse{Status: "ok", ValidAt: term})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	var req wire.CopyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wire.ErrorResponse{Error: err.Error()})
		return
	}
	results, err := s.engine.Copy(req.Shards, req.ValidAt)
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := make(wire.CopyResponse, len(results))
	for _, res := range results {
		rows := make([]wire.CopyRow, 0, len(res.Rows))
		for _, r := range res.Rows {
			rows = append(rows, wire.CopyRow{
				StudID:    r.StudID,
				StudName:  r.StudName,
				StudMarks: r.StudMarks,
				CreatedAt: r.CreatedAt,
				DeletedAt: r.DeletedAt,
			})
		}
		resp[res.Shard] = rows
	}
	writeJSON(w, http.StatusOK, resp)
}
