package httpapi

import (
	"errors"
	"net/http"

	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/wallet"
)

type spendBody struct {
	Amount      int64  `json:"amount"`
	EventType   string `json:"event_type"`
	Description string `json:"description"`
	RequestID   string `json:"request_id"`
	WorkspaceID string `json:"workspace_id"`
}

type spendResponse struct {
	Success bool `json:"success"`
	*wallet.SpendResult
}

type rejectionResponse struct {
	Success bool `json:"success"`
	*wallet.Rejection
}

func rejectionStatus(code string) int {
	switch code {
	case wallet.CodeInvalidAmount:
		return http.StatusBadRequest
	case wallet.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	default:
		return http.StatusTooManyRequests
	}
}

// walletError writes a rejection with its business status, anything else
// as a 500.
func (s *Server) walletError(w http.ResponseWriter, r *http.Request, err error) {
	var rej *wallet.Rejection
	if errors.As(err, &rej) {
		writeJSON(w, rejectionStatus(rej.Code), rejectionResponse{Rejection: rej})
		return
	}
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("wallet operation failed")
	writeError(w, http.StatusInternalServerError, "Internal error")
}

func (s *Server) handleSpend(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body spendBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := s.deps.Wallet.Spend(r.Context(), wallet.SpendRequest{
		UserID:      id.UserID,
		ClientID:    id.ClientID,
		Amount:      body.Amount,
		EventType:   body.EventType,
		Description: body.Description,
		RequestID:   body.RequestID,
		WorkspaceID: body.WorkspaceID,
	})
	if err != nil {
		s.walletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, spendResponse{Success: true, SpendResult: res})
}

type topupBody struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

type topupResponse struct {
	Success bool `json:"success"`
	*wallet.TopupResult
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	var body topupBody
	if err := decode(r, &body, false); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	res, err := s.deps.Wallet.Topup(r.Context(), wallet.TopupRequest{
		UserID:      id.UserID,
		ClientID:    id.ClientID,
		Amount:      body.Amount,
		Description: body.Description,
	})
	if err != nil {
		s.walletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topupResponse{Success: true, TopupResult: res})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := identityFrom(r.Context())
	snap, err := s.deps.Wallet.Snapshot(r.Context(), id.UserID, id.ClientID)
	if err != nil {
		s.walletError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type settingsDoc struct {
	Economy economy.Settings `json:"economy"`
}

type settingsResponse struct {
	Success  bool        `json:"success"`
	Settings settingsDoc `json:"settings"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Settings.Economy(r.Context(), identityFrom(r.Context()).UserID)
	if err != nil {
		s.log.Error().Err(err).Msg("load settings failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Success: true, Settings: settingsDoc{Economy: st}})
}

// settingsPatchBody accepts economy fields at the top level or under
// "economy"; the section wins when both set a field.
type settingsPatchBody struct {
	economy.Patch
	Economy *economy.Patch `json:"economy"`
}

func (b settingsPatchBody) patch() economy.Patch {
	if b.Economy == nil {
		return b.Patch
	}
	return b.Patch.Merge(*b.Economy)
}

// handlePatchSettings applies the economy fields of the body. Other
// sections belong to the surrounding product and are ignored here. An
// empty body returns the current settings.
func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	uid := identityFrom(r.Context()).UserID
	var body settingsPatchBody
	if err := decode(r, &body, true); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	var (
		st  economy.Settings
		err error
	)
	if p := body.patch(); p.Empty() {
		st, err = s.deps.Settings.Economy(r.Context(), uid)
	} else {
		st, err = s.deps.Settings.Update(r.Context(), uid, p)
	}
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", uid).Msg("update settings failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Success: true, Settings: settingsDoc{Economy: st}})
}

func (s *Server) handleResetSettings(w http.ResponseWriter, r *http.Request) {
	uid := identityFrom(r.Context()).UserID
	st, err := s.deps.Settings.Reset(r.Context(), uid)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", uid).Msg("reset settings failed")
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, settingsResponse{Success: true, Settings: settingsDoc{Economy: st}})
}
