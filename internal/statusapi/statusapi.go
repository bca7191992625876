// Package statusapi serves account sync status as JSON and the Prometheus
// metrics of the daemon.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/mailsync/internal/logging"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/sync"
)

var log = logging.WithPkg("statusapi")

// Source reports the live status of accounts running on this host.
// *sync.Manager implements it.
type Source interface {
	Running() []string
	Status(accountID string) (model.AccountStatus, error)
}

// HostStatus is the body of GET /status.
type HostStatus struct {
	Host     string                `json:"host"`
	Accounts []model.AccountStatus `json:"accounts"`
}

// Server exposes /status, /status/{account} and /metrics.
type Server struct {
	source Source
	store  store.Store
	host   string
	mux    *http.ServeMux
}

// New returns a server reporting on source, falling back to the store for
// accounts that do not run here.
func New(source Source, s store.Store, host string) *Server {
	srv := &Server{source: source, store: s, host: host, mux: http.NewServeMux()}
	srv.mux.HandleFunc("GET /status", srv.handleHost)
	srv.mux.HandleFunc("GET /status/{account}", srv.handleAccount)
	srv.mux.Handle("GET /metrics", promhttp.Handler())
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is canceled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	log.WithField("addr", addr).Info("status endpoint listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	out := HostStatus{Host: s.host, Accounts: []model.AccountStatus{}}
	for _, id := range s.source.Running() {
		st, err := s.source.Status(id)
		if errors.Is(err, sync.ErrNotRunning) {
			continue
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		out.Accounts = append(out.Accounts, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("account")
	st, err := s.source.Status(id)
	if err == nil {
		writeJSON(w, http.StatusOK, st)
		return
	}
	if !errors.Is(err, sync.ErrNotRunning) {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	st, err = StoredStatus(r.Context(), s.store, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, st)
	}
}

// StoredStatus rebuilds an account's status from what its last host saved.
func StoredStatus(ctx context.Context, s store.Store, id string) (model.AccountStatus, error) {
	a, err := s.GetAccount(ctx, id)
	if err != nil {
		return model.AccountStatus{}, err
	}
	folders, err := s.ListFolderStatus(ctx, id)
	if err != nil {
		return model.AccountStatus{}, err
	}
	if folders == nil {
		folders = []model.FolderProgress{}
	}
	return model.AccountStatus{
		AccountID: a.ID,
		State:     a.SyncState,
		Host:      a.SyncHost,
		Folders:   folders,
		LastError: a.LastError,
		UpdatedAt: a.UpdatedAt,
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("writing response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
