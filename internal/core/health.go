package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds all probes together.
const healthCheckTimeout = 2 * time.Second

// HealthProbe checks one dependency.
type HealthProbe interface {
	Name() string
	Check(ctx context.Context) error
}

// ProbeFunc adapts a function to HealthProbe.
type ProbeFunc struct {
	ProbeName string
	Fn        func(ctx context.Context) error
}

// Name implements HealthProbe.
func (p ProbeFunc) Name() string { return p.ProbeName }

// Check implements HealthProbe.
func (p ProbeFunc) Check(ctx context.Context) error { return p.Fn(ctx) }

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// HandleHealth runs all probes concurrently and answers 200 when every probe
// passes in time, 503 otherwise.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy"}
	if s.Config != nil {
		resp.Version = s.Config.Build.Version
	}
	if len(s.HealthProbes) == 0 {
		JSON(w, r, http.StatusOK, resp)
		return
	}

	type result struct {
		name string
		err  error
	}
	results := make(chan result, len(s.HealthProbes))
	for _, probe := range s.HealthProbes {
		go func(p HealthProbe) {
			var err error
			defer func() {
				if rvr := recover(); rvr != nil {
					err = fmt.Errorf("probe panicked: %v", rvr)
				}
				results <- result{name: p.Name(), err: err}
			}()
			err = p.Check(ctx)
		}(probe)
	}

	resp.Components = make(map[string]componentStatus, len(s.HealthProbes))
	for _, probe := range s.HealthProbes {
		resp.Components[probe.Name()] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
	}

	for pending := len(s.HealthProbes); pending > 0; pending-- {
		select {
		case res := <-results:
			if res.err != nil {
				resp.Components[res.name] = componentStatus{Status: "unhealthy", Message: res.err.Error()}
			} else {
				resp.Components[res.name] = componentStatus{Status: "healthy"}
			}
		case <-ctx.Done():
			pending = 0
		}
	}

	status := http.StatusOK
	for _, c := range resp.Components {
		if c.Status != "healthy" {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}
	JSON(w, r, status, resp)
}
