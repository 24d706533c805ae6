package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/qtc-alpha/arena/internal/logger"
	"github.com/qtc-alpha/arena/internal/model"
	"github.com/qtc-alpha/arena/internal/orchestrator"
)

type HTTPServer struct {
	s *http.Server
}

func NewHTTPServer(ctx context.Context, port string, handler http.Handler) *HTTPServer {
	return &HTTPServer{
		s: &http.Server{
			Handler:           handler,
			Addr:              ":" + port,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext: func(listener net.Listener) context.Context {
				return ctx
			},
		},
	}
}

func (s *HTTPServer) Start() error {
	return s.s.ListenAndServe()
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.s.Shutdown(ctx)
}

func (s *HTTPServer) Run(ctx context.Context) error {
	errCh := make(chan error)
	go func() {
		errCh <- s.Start()
	}()
	select {
	case <-ctx.Done():
		return s.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}

// StatusSource is the engine's read-only view for the HTTP surface.
type StatusSource interface {
	Status() orchestrator.Status
}

// OrderSource lists a team's open orders.
type OrderSource interface {
	OpenOrders(teamID string) []model.PendingOrder
}

// NewStatusHandler wires the read-only status routes.
func NewStatusHandler(status StatusSource, orders OrderSource, logger logger.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status.Status(), logger)
	})

	mux.HandleFunc("GET /teams/{id}/orders", func(w http.ResponseWriter, r *http.Request) {
		open := orders.OpenOrders(r.PathValue("id"))
		if open == nil {
			open = []model.PendingOrder{}
		}
		writeJSON(w, open, logger)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, v any, logger logger.Logger) {
	raw, err := sonic.Marshal(v)
	if err != nil {
		logger.Errorf("%s: can't marshal status response", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw) //nolint:errcheck
}
