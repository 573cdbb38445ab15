package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kelpejol/ctmeter/internal/calibration"
	"github.com/kelpejol/ctmeter/internal/ctrate"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/pricing"
)

const (
	defaultTelemetryWindow = 24 * time.Hour
	defaultSyncWindow      = 24 * time.Hour
)

type preflightBody struct {
	RequestID   string `json:"request_id"`
	UserID      int64  `json:"user_id"`
	ClientID    *int64 `json:"client_id"`
	WorkspaceID string `json:"workspace_id"`
	EventType   string `json:"event_type"`
	AgentID     string `json:"agent_id"`
	RunID       string `json:"run_id"`
	StepID      string `json:"step_id"`
	TraceID     string `json:"trace_id"`

	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Region     string `json:"region"`
	ModelClass string `json:"model_class"`

	CostEstimateUSD float64        `json:"cost_estimate_usd"`
	Meta            map[string]any `json:"meta"`
}

type recordResponse struct {
	RequestID string `json:"request_id"`
	Recorded  bool   `json:"recorded"`
}

// handlePreflight records the pending row. Telemetry never blocks the
// caller, so a row that could not be written is still a 202 with
// recorded=false.
func (s *Server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	var body preflightBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	rid := s.deps.Ledger.Preflight(r.Context(), ledger.PreflightInput{
		RequestID:       body.RequestID,
		UserID:          body.UserID,
		ClientID:        body.ClientID,
		WorkspaceID:     body.WorkspaceID,
		EventType:       body.EventType,
		AgentID:         body.AgentID,
		RunID:           body.RunID,
		StepID:          body.StepID,
		TraceID:         body.TraceID,
		Provider:        body.Provider,
		Model:           body.Model,
		Region:          body.Region,
		ModelClass:      body.ModelClass,
		CostEstimateUSD: body.CostEstimateUSD,
		Meta:            body.Meta,
	})
	writeJSON(w, http.StatusAccepted, recordResponse{RequestID: rid, Recorded: rid != ""})
}

type finalizeBody struct {
	RequestID      string         `json:"request_id"`
	Status         string         `json:"status"`
	ErrorCode      string         `json:"error_code"`
	InputTokens    int64          `json:"input_tokens"`
	OutputTokens   int64          `json:"output_tokens"`
	ToolCalls      int64          `json:"tool_calls"`
	ConnectorCalls int64          `json:"connector_calls"`
	LatencyMs      int64          `json:"latency_ms"`
	CostFinalUSD   float64        `json:"cost_final_usd"`
	OverheadUSD    float64        `json:"overhead_usd"`
	Meta           map[string]any `json:"meta"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	var body finalizeBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	body.RequestID = strings.TrimSpace(body.RequestID)
	if body.RequestID == "" {
		writeError(w, http.StatusBadRequest, "request_id is required")
		return
	}
	s.deps.Ledger.Finalize(r.Context(), ledger.FinalizeInput{
		RequestID:      body.RequestID,
		Status:         body.Status,
		ErrorCode:      body.ErrorCode,
		InputTokens:    body.InputTokens,
		OutputTokens:   body.OutputTokens,
		ToolCalls:      body.ToolCalls,
		ConnectorCalls: body.ConnectorCalls,
		LatencyMs:      body.LatencyMs,
		CostFinalUSD:   body.CostFinalUSD,
		OverheadUSD:    body.OverheadUSD,
		Meta:           body.Meta,
	})
	writeJSON(w, http.StatusAccepted, recordResponse{RequestID: body.RequestID, Recorded: true})
}

type proposalResponse struct {
	Success  bool                  `json:"success"`
	Error    string                `json:"error,omitempty"`
	Proposal *calibration.Proposal `json:"proposal,omitempty"`
	Rate     *ctrate.Rate          `json:"ct_rate,omitempty"`
}

func (s *Server) handleCalibrationPropose(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, "window_hours", s.deps.Calibration.Params().Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prop, err := s.deps.Calibration.Propose(r.Context(), window)
	if err != nil {
		s.log.Error().Err(err).Msg("calibration proposal failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, proposalResponse{Success: true, Proposal: prop})
}

func (s *Server) handleCalibrationApply(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, "window_hours", s.deps.Calibration.Params().Window)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	prop, rate, err := s.deps.Calibration.Apply(r.Context(), window)
	switch {
	case errors.Is(err, calibration.ErrInsufficientData):
		writeJSON(w, http.StatusConflict, proposalResponse{Error: "insufficient_data", Proposal: prop})
	case err != nil:
		s.log.Error().Err(err).Msg("calibration apply failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
	default:
		writeJSON(w, http.StatusOK, proposalResponse{Success: true, Proposal: prop, Rate: rate})
	}
}

func (s *Server) handleCostTelemetry(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, "window_hours", defaultTelemetryWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := intParam(r, "limit", 200, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.deps.Ledger.CostTelemetry(r.Context(), window, limit)
	if err != nil {
		s.log.Error().Err(err).Msg("cost telemetry failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

type shadowSyncResponse struct {
	Success  bool                   `json:"success"`
	Seed     *pricing.SeedReport    `json:"pricing_seed"`
	Backfill *ledger.BackfillReport `json:"backfill"`
}

// handleShadowSync seeds missing prices for the window's traffic, then
// backfills rows that could not be priced at finalize.
func (s *Server) handleShadowSync(w http.ResponseWriter, r *http.Request) {
	window, err := windowParam(r, "window_hours", defaultSyncWindow)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	seed, err := s.deps.Seeder.SeedFromUsage(r.Context(), window)
	if err != nil {
		s.log.Error().Err(err).Msg("pricing seed failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	fill, err := s.deps.Ledger.Backfill(r.Context(), window)
	if err != nil {
		s.log.Error().Err(err).Msg("shadow backfill failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, shadowSyncResponse{Success: true, Seed: seed, Backfill: fill})
}

func (s *Server) handlePlanRecommendations(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "window_days", 7, 1, 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rep, err := s.deps.Recommender.Recommend(r.Context(), days)
	if err != nil {
		s.log.Error().Err(err).Msg("plan recommendations failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
