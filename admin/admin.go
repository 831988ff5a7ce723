// Package admin defines the status endpoint of a running hop-httptunnel.
package admin

import (
	"encoding/json"
	"net/http"

	"hop.computer/httptunnel/tunnel"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"goji.io"
	"goji.io/pat"
	"golang.org/x/exp/slices"
)

// StatsSource is a tunnel that can report on itself. *tunnel.Server and
// *tunnel.Client implement it.
type StatsSource interface {
	Stats() tunnel.Stats
}

// Server is an http.Handler that serves the admin endpoints.
type Server struct {
	*goji.Mux
	tunnels []StatsSource
}

// New creates a Server. gatherer may be nil, which leaves out /metrics.
func New(tunnels []StatsSource, gatherer prometheus.Gatherer) Server {
	s := Server{
		Mux:     goji.NewMux(),
		tunnels: tunnels,
	}
	s.Handle(pat.Get("/tunnels"), http.HandlerFunc(s.listTunnels))
	s.Handle(pat.Get("/tunnels/:name"), http.HandlerFunc(s.getTunnel))
	if gatherer != nil {
		s.Handle(pat.Get("/metrics"), promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return s
}

// TunnelListResponse is the JSON structure returned by GET /tunnels.
type TunnelListResponse struct {
	Tunnels []tunnel.Stats `json:"tunnels"`
}

func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	out := TunnelListResponse{
		Tunnels: []tunnel.Stats{}, // non-null empty list
	}
	for _, t := range s.tunnels {
		out.Tunnels = append(out.Tunnels, t.Stats())
	}
	slices.SortFunc(out.Tunnels, func(a, b tunnel.Stats) bool { return a.Name < b.Name })
	writeJSON(w, &out)
}

func (s *Server) getTunnel(w http.ResponseWriter, r *http.Request) {
	name := pat.Param(r, "name")
	for _, t := range s.tunnels {
		if st := t.Stats(); st.Name == name {
			writeJSON(w, &st)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		w.WriteHeader(http.StatusBadGateway)
	}
}
