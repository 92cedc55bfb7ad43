package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danmuck/dps_namenode/src/fsimage"
	"github.com/danmuck/dps_namenode/src/namenode"
	"github.com/danmuck/dps_namenode/src/storage"
	logs "github.com/danmuck/smplog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type saveResponse struct {
	TxID      uint64                    `json:"txid"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
	Restored  int                       `json:"restored"`
	Duration  string                    `json:"duration"`
	Locations []namenode.LocationStatus `json:"locations"`
	Error     string                    `json:"error,omitempty"`
}

type restoreResponse struct {
	Restored  []string                  `json:"restored"`
	Locations []namenode.LocationStatus `json:"locations"`
}

type statusResponse struct {
	LastTxID   uint64                    `json:"last_txid"`
	SafeMode   bool                      `json:"safe_mode"`
	Checkpoint uint64                    `json:"checkpoint_txid"`
	Locations  []namenode.LocationStatus `json:"locations"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func handleSave(s *namenode.Namesystem, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		res, err := s.SaveWithSafeMode(ctx)

		out := saveResponse{Locations: s.FailedLocations()}
		if res != nil {
			out.TxID = res.TxID
			out.Succeeded = res.Context.Succeeded()
			out.Failed = len(res.Context.Failed())
			out.Restored = len(res.Restored)
			out.Duration = res.Duration.String()
		}
		if err != nil {
			out.Error = err.Error()
			code := http.StatusInternalServerError
			if errors.Is(err, fsimage.ErrSaveNamespaceFailed) {
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, out)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleLocations(s *namenode.Namesystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("failed") != "" {
			writeJSON(w, http.StatusOK, s.FailedLocations())
			return
		}
		writeJSON(w, http.StatusOK, s.Locations())
	}
}

func handleRestore(s *namenode.Namesystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		restored, err := s.RestoreFailed()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out := restoreResponse{Restored: roots(restored), Locations: s.FailedLocations()}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleRoll(s *namenode.Namesystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.RollEdits(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleStatus(s *namenode.Namesystem) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, statusResponse{
			LastTxID:   s.LastWrittenTxID(),
			SafeMode:   s.SafeMode(),
			Checkpoint: s.Recovery().CheckpointTxID,
			Locations:  s.Locations(),
		})
	}
}

func roots(locs []*storage.Location) []string {
	out := make([]string, 0, len(locs))
	for _, l := range locs {
		out = append(out, l.Root())
	}
	return out
}

func newMux(s *namenode.Namesystem, timeout time.Duration) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /save", handleSave(s, timeout))
	mux.HandleFunc("POST /restore", handleRestore(s))
	mux.HandleFunc("POST /roll", handleRoll(s))
	mux.HandleFunc("GET /locations", handleLocations(s))
	mux.HandleFunc("GET /status", handleStatus(s))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// serve runs the admin server, and a separate metrics listener when one is
// configured, until ctx ends.
func serve(ctx context.Context, s *namenode.Namesystem, addr, metricsAddr string, timeout time.Duration) error {
	servers := []*http.Server{{Addr: addr, Handler: newMux(s, timeout), ReadHeaderTimeout: 5 * time.Second}}
	if metricsAddr != "" && metricsAddr != addr {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
	}

	errc := make(chan error, len(servers))
	for _, srv := range servers {
		logs.Infof("listening on %s", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errc:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logs.Warnf("shutdown %s: %v", srv.Addr, serr)
		}
	}
	return err
}
