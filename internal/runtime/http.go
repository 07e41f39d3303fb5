package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	loggingpkg "github.com/drblury/servicemesh/internal/runtime/logging"
	metricspkg "github.com/drblury/servicemesh/internal/runtime/metrics"
)

// RegisterHTTPHandler mounts handler on the HTTP server for port. Servers
// start with the mesh.
func (m *Mesh) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	m.httpServersMu.Lock()
	defer m.httpServersMu.Unlock()

	if m.httpServers == nil {
		m.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := m.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		m.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (m *Mesh) startHTTPServers() {
	if m.Conf.MetricsEnabled && m.Conf.MetricsPort > 0 {
		m.RegisterHTTPHandler(m.Conf.MetricsPort, "/metrics", metricspkg.Handler(m.gatherer))
		m.RegisterHTTPHandler(m.Conf.MetricsPort, "/api/registrations", http.HandlerFunc(m.handleGetRegistrations))
	}

	m.httpServersMu.Lock()
	defer m.httpServersMu.Unlock()

	for port, mux := range m.httpServers {
		addr := fmt.Sprintf(":%d", port)
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		m.servers = append(m.servers, srv)
		m.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				m.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (m *Mesh) stopHTTPServers(ctx context.Context) {
	m.httpServersMu.Lock()
	servers := m.servers
	m.servers = nil
	m.httpServersMu.Unlock()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			m.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}

func (m *Mesh) handleGetRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := sonic.ConfigStd.Marshal(m.Registrations())
	if err != nil {
		m.Logger.Error("Failed to encode registrations", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
