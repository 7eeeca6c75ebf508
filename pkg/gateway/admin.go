package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"homecloud/pkg/types"

	"go.uber.org/zap"
)

// StatusReport is the operator-facing snapshot served by /admin/status.
type StatusReport struct {
	GatewayID     string `json:"gateway_id"`
	Address       string `json:"address"`
	Connections   int    `json:"connections"`
	Authenticated int    `json:"authenticated"`
	Channels      int    `json:"channels"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	total, authenticated, channels := g.registry.Counts()
	report := StatusReport{
		GatewayID:     g.cfg.GatewayID,
		Address:       g.cfg.Address,
		Connections:   total,
		Authenticated: authenticated,
		Channels:      channels,
		UptimeSeconds: int64(g.clk.Now().Sub(g.started) / time.Second),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// DisconnectRequest is posted by the account-management boundary (and the
// CLI) to terminate a subject's connections everywhere.
type DisconnectRequest struct {
	SubjectKind types.SubjectKind `json:"subject_kind"`
	SubjectID   string            `json:"subject_id"`
	DeviceID    string            `json:"device_id,omitempty"`
}

type DisconnectResponse struct {
	Disconnected int `json:"disconnected"`
}

func (g *Gateway) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}
	if !req.SubjectKind.Valid() || req.SubjectID == "" {
		http.Error(w, "subject_kind and subject_id are required", http.StatusBadRequest)
		return
	}

	var (
		closed int
		err    error
	)
	if req.DeviceID != "" {
		closed, err = g.watcher.DisconnectDevice(r.Context(),
			types.UserID(req.SubjectID), types.DeviceID(req.DeviceID))
	} else {
		closed, err = g.watcher.DisconnectSubject(r.Context(), req.SubjectKind, req.SubjectID)
	}
	if err != nil {
		g.logger.Error("Disconnect request failed", zap.Error(err))
		http.Error(w, "failed to propagate disconnect", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DisconnectResponse{Disconnected: closed})
}
