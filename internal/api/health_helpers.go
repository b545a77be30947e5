package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

// Pinger is a dependency whose availability is reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

const healthTimeout = 2 * time.Second

func (h *Handler) componentHealth(ctx context.Context) ([]componentStatus, string, int) {
	overallStatus := "ok"
	statusCode := http.StatusOK
	recordComponent := func(component string, err error) componentStatus {
		status := "ok"
		message := ""
		if err != nil {
			status = "degraded"
			message = err.Error()
			overallStatus = "degraded"
			statusCode = http.StatusServiceUnavailable
		}
		return componentStatus{Component: component, Status: status, Error: message}
	}

	names := make([]string, 0, len(h.Health))
	for name := range h.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
		err := h.Health[name].Ping(pingCtx)
		cancel()
		components = append(components, recordComponent(name, err))
	}
	return components, overallStatus, statusCode
}

// Healthz reports the hub and every registered dependency.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		WriteMethodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	components, status, code := h.componentHealth(r.Context())
	WriteJSON(w, code, map[string]interface{}{
		"status":     status,
		"channels":   len(h.Hub.Channels()),
		"components": components,
	})
}
