package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// StatusProvider is implemented by internal/raft.Replica; the HTTP layer
// stays decoupled from the replica's internals, reaching it only through
// exported accessor methods.
type StatusProvider interface {
	Status() StatusSnapshot
}

// StatusSnapshot is the JSON shape served at /status.
type StatusSnapshot struct {
	NodeID      uint32 `json:"nodeId"`
	Role        string `json:"role"`
	Term        uint64 `json:"term"`
	LogLength   int    `json:"logLength"`
	CommitIndex int64  `json:"commitIndex"`
	LastApplied int64  `json:"lastApplied"`
}

// Server is the per-node operator HTTP endpoint: a JSON /status snapshot
// plus a standard Prometheus /metrics scrape target. It is entirely
// separate from the Raft message bus — an operator convenience, not part
// of consensus.
type Server struct {
	provider StatusProvider
	replica  *Replica
	log      *zap.SugaredLogger
}

func NewServer(provider StatusProvider, replica *Replica, log *zap.SugaredLogger) *Server {
	return &Server{provider: provider, replica: replica, log: log}
}

func (s *Server) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(s.provider.Status()); err != nil {
			s.log.Warnw("status encode failed", "error", err)
		}
	})

	mux.Handle("/metrics", promhttp.HandlerFor(s.replica.Registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	s.log.Infow("status endpoint listening", "addr", addr)
	return http.ListenAndServe(addr, mux)
}
