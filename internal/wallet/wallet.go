// Package wallet is the real credit economy: monthly grants, topups and
// balance-checked spend. Balance is the running sum of ledger amounts for a
// user; there is no separate balance row to drift.
//
// Every balance-changing operation runs inside a per-user serialized
// transaction, so two concurrent spends can never both pass the balance check
// on the same credits.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kelpejol/ctmeter/internal/economy"
	"github.com/kelpejol/ctmeter/internal/ledger"
	"github.com/kelpejol/ctmeter/internal/metrics"
	"github.com/kelpejol/ctmeter/internal/userlock"
)

// LowBalancePct is the remaining percentage at or below which a balance is
// flagged low.
const LowBalancePct = 20.0

// debitSuffix keys the real debit row of a metered request.
const debitSuffix = ":debit"

// breakdownWindow is how far back the usage breakdown looks.
const breakdownWindow = 30 * 24 * time.Hour

// Reader are the balance queries shared by transactions and plain reads.
type Reader interface {
	// Balance is SUM(amount) over all of the user's rows.
	Balance(ctx context.Context, userID int64) (int64, error)
	// DebitTotals sums -amount and counts rows with amount < 0 since since.
	DebitTotals(ctx context.Context, userID int64, since time.Time) (sum int64, count int64, err error)
	DebitsByEventType(ctx context.Context, userID int64, since time.Time) (map[string]int64, error)
	GrantExists(ctx context.Context, userID int64, from, to time.Time) (bool, error)
	WorkspaceDebits(ctx context.Context, workspaceID string, since time.Time) (int64, error)
	EventByRequestID(ctx context.Context, requestID string) (*ledger.Event, error)
}

// Tx is a per-user serialized transaction.
type Tx interface {
	Reader
	// Append inserts a balance-moving row. It returns ledger.ErrDuplicate
	// when the row's request_id exists.
	Append(ctx context.Context, ev *ledger.Event) error
	// SetActualDebit attaches the credits really debited to a shadow row.
	SetActualDebit(ctx context.Context, requestID string, ct int64) error
}

// Store runs fn in a transaction that is serialized with every other
// transaction for the same user. fn's error rolls the transaction back.
type Store interface {
	Reader
	InUserTx(ctx context.Context, userID int64, fn func(Tx) error) error
}

// SettingsSource yields a user's economy settings.
type SettingsSource interface {
	Economy(ctx context.Context, userID int64) (economy.Settings, error)
}

// Config carries the deployment-wide spend switches.
type Config struct {
	// Phase3Enabled debits the shadow debit computed at finalize instead of
	// the caller's amount when the request has one.
	Phase3Enabled bool
	// MaxCTPerRequest caps a shadow-sourced debit; 0 disables it.
	MaxCTPerRequest int64
	// MaxDailyCTPerWorkspace caps shadow-sourced debits per workspace per UTC
	// day; 0 disables it.
	MaxDailyCTPerWorkspace int64
}

// Wallet implements grant, topup, spend and snapshot.
type Wallet struct {
	store    Store
	settings SettingsSource
	locker   userlock.Locker
	cfg      Config

	log     zerolog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Wallet)

func WithClock(now func() time.Time) Option {
	return func(w *Wallet) { w.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Wallet) { w.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(w *Wallet) { w.tracer = t }
}

// WithLocker replaces the in-process user lock, e.g. by a Redis lock shared
// across replicas.
func WithLocker(l userlock.Locker) Option {
	return func(w *Wallet) { w.locker = l }
}

func New(store Store, settings SettingsSource, cfg Config, logger zerolog.Logger, opts ...Option) *Wallet {
	w := &Wallet{
		store:    store,
		settings: settings,
		locker:   userlock.NewLocal(),
		cfg:      cfg,
		log:      logger.With().Str("component", "wallet").Logger(),
		tracer:   otel.Tracer("ctmeter/wallet"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// inUserTx takes the user lock, then runs fn in a store transaction.
func (w *Wallet) inUserTx(ctx context.Context, userID int64, fn func(Tx) error) error {
	release, err := w.locker.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("lock user %d: %w", userID, err)
	}
	defer release()
	return w.store.InUserTx(ctx, userID, fn)
}

func (w *Wallet) economy(ctx context.Context, userID int64) (economy.Settings, error) {
	st, err := w.settings.Economy(ctx, userID)
	if err != nil {
		return economy.Settings{}, fmt.Errorf("load economy settings: %w", err)
	}
	return st.Clamp(), nil
}

// ensureGrant inserts the cycle's monthly grant if the cycle has none.
func (w *Wallet) ensureGrant(ctx context.Context, tx Tx, userID int64, clientID *int64, st economy.Settings, now time.Time) (bool, error) {
	if st.MonthlyGrant <= 0 {
		return false, nil
	}
	start, end := CycleWindow(now, st)
	exists, err := tx.GrantExists(ctx, userID, start, end)
	if err != nil {
		return false, fmt.Errorf("check monthly grant: %w", err)
	}
	if exists {
		return false, nil
	}
	err = tx.Append(ctx, &ledger.Event{
		UserID:      userID,
		ClientID:    clientID,
		EventType:   ledger.EventMonthlyGrant,
		Amount:      st.MonthlyGrant,
		Description: fmt.Sprintf("Monthly grant %s", start.Format("2006-01-02 15:04")),
		Status:      ledger.StatusOK,
		CreatedAt:   now,
	})
	if err != nil {
		return false, fmt.Errorf("insert monthly grant: %w", err)
	}
	w.log.Info().
		Int64("user_id", userID).
		Int64("amount", st.MonthlyGrant).
		Time("cycle_start", start).
		Msg("monthly grant issued")
	return true, nil
}

// EnsureMonthlyGrant grants the user's monthly credits unless the current
// cycle already has a grant. It reports whether a grant was inserted.
func (w *Wallet) EnsureMonthlyGrant(ctx context.Context, userID int64, clientID *int64) (bool, error) {
	st, err := w.economy(ctx, userID)
	if err != nil {
		return false, err
	}
	var granted bool
	err = w.inUserTx(ctx, userID, func(tx Tx) error {
		var err error
		granted, err = w.ensureGrant(ctx, tx, userID, clientID, st, w.now().UTC())
		return err
	})
	return granted, err
}

// SpendRequest is a balance-checked debit.
type SpendRequest struct {
	UserID      int64
	ClientID    *int64
	Amount      int64
	EventType   string
	Description string
	// RequestID ties the debit to a metered request. It makes the debit
	// idempotent and lets a shadow debit drive the amount.
	RequestID   string
	WorkspaceID string
}

// SpendResult is the outcome of an accepted spend.
type SpendResult struct {
	Spent         int64   `json:"spent"`
	NewBalance    int64   `json:"new_balance"`
	RemainingPct  float64 `json:"remaining_pct"`
	LowBalance    bool    `json:"low_balance"`
	Idempotent    bool    `json:"idempotent"`
	Phase3Applied bool    `json:"phase3_applied"`
}

// Spend debits the user. Business refusals are returned as *Rejection and
// leave the balance untouched; any other error is an infrastructure failure.
//
// Order of checks: amount, daily limit, per-message ceiling, balance. A
// shadow-sourced debit is additionally held to the per-request and
// per-workspace caps before the daily limit.
func (w *Wallet) Spend(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	ctx, span := w.tracer.Start(ctx, "wallet.Spend", trace.WithAttributes(
		attribute.Int64("user_id", req.UserID),
		attribute.String("request_id", req.RequestID),
	))
	defer span.End()

	res, err := w.spend(ctx, req)

	var rej *Rejection
	switch {
	case errors.As(err, &rej):
		span.SetAttributes(attribute.String("spend.rejection", rej.Code))
		w.metrics.Spend(rej.Code)
		w.log.Info().
			Int64("user_id", req.UserID).
			Str("code", rej.Code).
			Int64("required", rej.Required).
			Msg("spend rejected")
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "spend failed")
		w.metrics.Spend("error")
		w.log.Error().Err(err).Int64("user_id", req.UserID).Msg("spend failed")
	case res.Idempotent:
		w.metrics.Spend("idempotent")
	default:
		w.metrics.Spend("ok")
	}
	return res, err
}

func (w *Wallet) spend(ctx context.Context, req SpendRequest) (*SpendResult, error) {
	if req.Amount <= 0 {
		return nil, invalidAmount()
	}
	st, err := w.economy(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	requestID := strings.TrimSpace(req.RequestID)
	eventType := strings.TrimSpace(req.EventType)
	if eventType == "" {
		eventType = ledger.EventChatMessage
	}

	var (
		res *SpendResult
		rej *Rejection
	)
	err = w.inUserTx(ctx, req.UserID, func(tx Tx) error {
		now := w.now().UTC()
		if _, err := w.ensureGrant(ctx, tx, req.UserID, req.ClientID, st, now); err != nil {
			return err
		}

		var shadow *ledger.Event
		if requestID != "" {
			var err error
			shadow, err = tx.EventByRequestID(ctx, requestID)
			switch {
			case errors.Is(err, ledger.ErrNotFound):
				// Record the request even when the spend is then refused.
				if shadow, err = w.pendingShadow(ctx, tx, req, requestID, eventType, now); err != nil {
					return err
				}
			case err != nil:
				return fmt.Errorf("look up shadow row: %w", err)
			}

			prior, err := tx.EventByRequestID(ctx, requestID+debitSuffix)
			switch {
			case err == nil:
				balance, err := tx.Balance(ctx, req.UserID)
				if err != nil {
					return fmt.Errorf("read balance: %w", err)
				}
				res = w.result(-prior.Amount, balance, st)
				res.Idempotent = true
				res.Phase3Applied = w.shadowSourced(shadow)
				return nil
			case !errors.Is(err, ledger.ErrNotFound):
				return fmt.Errorf("look up prior debit: %w", err)
			}
		}

		required := ApplyMultiplier(req.Amount, st.CostMultiplier)
		phase3 := false
		workspaceID := req.WorkspaceID
		if w.shadowSourced(shadow) {
			required = *shadow.CTShadowDebit
			phase3 = true
			if workspaceID == "" {
				workspaceID = shadow.WorkspaceID
			}
		}

		dayStart := DayStart(now)
		if phase3 {
			if rej = w.checkCaps(ctx, tx, workspaceID, required, dayStart); rej != nil {
				return nil
			}
		}

		if st.DailyLimit > 0 {
			usedToday, _, err := tx.DebitTotals(ctx, req.UserID, dayStart)
			if err != nil {
				return fmt.Errorf("read today's debits: %w", err)
			}
			if usedToday+required > st.DailyLimit {
				rej = &Rejection{
					Err:            ErrDailyLimit,
					Code:           CodeDailyLimit,
					Message:        "Daily CT limit reached",
					Required:       required,
					UsedToday:      usedToday,
					RemainingToday: max(st.DailyLimit-usedToday, 0),
					Limit:          st.DailyLimit,
				}
				return nil
			}
		}

		if st.MaxPerMessage > 0 && required > st.MaxPerMessage {
			rej = &Rejection{
				Err:      ErrPerMessageLimit,
				Code:     CodePerMessageLimit,
				Message:  "Per-message CT limit exceeded",
				Required: required,
				Limit:    st.MaxPerMessage,
			}
			return nil
		}

		balance, err := tx.Balance(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		if balance < required {
			rej = &Rejection{
				Err:       ErrInsufficientBalance,
				Code:      CodeInsufficientBalance,
				Message:   "Insufficient CT balance",
				Required:  required,
				Available: balance,
			}
			return nil
		}

		debit := &ledger.Event{
			UserID:      req.UserID,
			ClientID:    req.ClientID,
			WorkspaceID: workspaceID,
			EventType:   eventType,
			Amount:      -required,
			Description: req.Description,
			Status:      ledger.StatusOK,
			CreatedAt:   now,
		}
		if requestID != "" {
			debit.RequestID = requestID + debitSuffix
		}
		if err := tx.Append(ctx, debit); err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
		if shadow != nil {
			if err := tx.SetActualDebit(ctx, requestID, required); err != nil {
				return fmt.Errorf("attach actual debit: %w", err)
			}
		}

		res = w.result(required, balance-required, st)
		res.Phase3Applied = phase3
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rej != nil {
		return nil, rej
	}
	return res, nil
}

// pendingShadow inserts the telemetry row a preflight would have written for
// requestID and returns it. A row that appeared concurrently is reused.
func (w *Wallet) pendingShadow(ctx context.Context, tx Tx, req SpendRequest, requestID, eventType string, now time.Time) (*ledger.Event, error) {
	ev := &ledger.Event{
		RequestID:   requestID,
		UserID:      req.UserID,
		ClientID:    req.ClientID,
		WorkspaceID: req.WorkspaceID,
		EventType:   eventType,
		Description: req.Description,
		Provider:    ledger.DefaultProvider,
		Model:       ledger.DefaultModel,
		Region:      ledger.DefaultRegion,
		ModelClass:  ledger.DefaultModelClass,
		Status:      ledger.StatusOK,
		CreatedAt:   now,
	}
	err := tx.Append(ctx, ev)
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, ledger.ErrDuplicate):
		existing, err := tx.EventByRequestID(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("look up shadow row: %w", err)
		}
		return existing, nil
	default:
		return nil, fmt.Errorf("insert shadow row: %w", err)
	}
}

// shadowSourced reports whether the debit amount comes from the shadow row.
func (w *Wallet) shadowSourced(shadow *ledger.Event) bool {
	return w.cfg.Phase3Enabled && shadow != nil && shadow.CTShadowDebit != nil && *shadow.CTShadowDebit > 0
}

func (w *Wallet) checkCaps(ctx context.Context, tx Tx, workspaceID string, required int64, dayStart time.Time) *Rejection {
	if w.cfg.MaxCTPerRequest > 0 && required > w.cfg.MaxCTPerRequest {
		return &Rejection{
			Err:      ErrRequestCap,
			Code:     CodeRequestCap,
			Message:  "CT per-request cap exceeded",
			Required: required,
			Limit:    w.cfg.MaxCTPerRequest,
		}
	}
	if w.cfg.MaxDailyCTPerWorkspace > 0 && workspaceID != "" {
		used, err := tx.WorkspaceDebits(ctx, workspaceID, dayStart)
		if err != nil {
			// The cap is a guardrail on top of the user limits; a failed read
			// does not block the spend.
			w.log.Warn().Err(err).Str("workspace_id", workspaceID).Msg("workspace debit lookup failed")
			return nil
		}
		if used+required > w.cfg.MaxDailyCTPerWorkspace {
			return &Rejection{
				Err:            ErrWorkspaceDailyCap,
				Code:           CodeWorkspaceDailyCap,
				Message:        "Workspace daily CT cap reached",
				Required:       required,
				UsedToday:      used,
				RemainingToday: max(w.cfg.MaxDailyCTPerWorkspace-used, 0),
				Limit:          w.cfg.MaxDailyCTPerWorkspace,
			}
		}
	}
	return nil
}

func (w *Wallet) result(spent, balance int64, st economy.Settings) *SpendResult {
	remaining := Percent(balance, st.MonthlyGrant)
	return &SpendResult{
		Spent:        spent,
		NewBalance:   balance,
		RemainingPct: remaining,
		LowBalance:   isLow(balance, remaining, st.MonthlyGrant),
	}
}

// TopupRequest credits the user.
type TopupRequest struct {
	UserID      int64
	ClientID    *int64
	Amount      int64
	Description string
}

// TopupResult is the outcome of a topup.
type TopupResult struct {
	Added      int64 `json:"added"`
	NewBalance int64 `json:"new_balance"`
}

// Topup appends a positive row after making sure the cycle's grant exists.
func (w *Wallet) Topup(ctx context.Context, req TopupRequest) (*TopupResult, error) {
	if req.Amount <= 0 {
		return nil, invalidAmount()
	}
	st, err := w.economy(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	var res *TopupResult
	err = w.inUserTx(ctx, req.UserID, func(tx Tx) error {
		now := w.now().UTC()
		if _, err := w.ensureGrant(ctx, tx, req.UserID, req.ClientID, st, now); err != nil {
			return err
		}
		desc := req.Description
		if desc == "" {
			desc = "Top-up"
		}
		if err := tx.Append(ctx, &ledger.Event{
			UserID:      req.UserID,
			ClientID:    req.ClientID,
			EventType:   ledger.EventTopup,
			Amount:      req.Amount,
			Description: desc,
			Status:      ledger.StatusOK,
			CreatedAt:   now,
		}); err != nil {
			return fmt.Errorf("insert topup: %w", err)
		}
		balance, err := tx.Balance(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("read balance: %w", err)
		}
		res = &TopupResult{Added: req.Amount, NewBalance: balance}
		return nil
	})
	if err != nil {
		return nil, err
	}
	w.log.Info().Int64("user_id", req.UserID).Int64("amount", req.Amount).Msg("topup applied")
	return res, nil
}

// Snapshot is the read model behind the usage UI.
type Snapshot struct {
	UserID   int64  `json:"user_id"`
	ClientID *int64 `json:"client_id,omitempty"`

	Balance       int64   `json:"ct_balance"`
	MonthlyLimit  int64   `json:"monthly_limit"`
	UsedThisMonth int64   `json:"ct_used_month"`
	UsagePct      float64 `json:"ct_usage_pct"`
	RemainingPct  float64 `json:"remaining_pct"`
	LowBalance    bool    `json:"low_balance"`
	UsedToday     int64   `json:"ct_used_today"`
	RequestsToday int64   `json:"requests_today"`

	Tier               string    `json:"tier"`
	CostMultiplier     float64   `json:"cost_multiplier"`
	MonthlyGrant       int64     `json:"monthly_grant"`
	MaxPerMessage      int64     `json:"max_per_message"`
	DailyLimit         int64     `json:"daily_limit"`
	MonthlyResetDay    int       `json:"monthly_reset_day"`
	MonthlyResetHour   int       `json:"monthly_reset_hour"`
	MonthlyResetMinute int       `json:"monthly_reset_minute"`
	CycleStart         time.Time `json:"cycle_start"`
	CycleEnd           time.Time `json:"cycle_end"`

	UsageBreakdown Breakdown `json:"usage_breakdown"`
}

// Snapshot reports the user's balance and usage. client_id is carried for
// attribution only; the balance is per user.
func (w *Wallet) Snapshot(ctx context.Context, userID int64, clientID *int64) (*Snapshot, error) {
	st, err := w.economy(ctx, userID)
	if err != nil {
		return nil, err
	}
	if _, err := w.EnsureMonthlyGrant(ctx, userID, clientID); err != nil {
		return nil, err
	}

	now := w.now().UTC()
	start, end := CycleWindow(now, st)

	balance, err := w.store.Balance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	usedMonth, _, err := w.store.DebitTotals(ctx, userID, start)
	if err != nil {
		return nil, fmt.Errorf("read cycle debits: %w", err)
	}
	usedToday, requestsToday, err := w.store.DebitTotals(ctx, userID, DayStart(now))
	if err != nil {
		return nil, fmt.Errorf("read today's debits: %w", err)
	}
	byType, err := w.store.DebitsByEventType(ctx, userID, now.Add(-breakdownWindow))
	if err != nil {
		return nil, fmt.Errorf("read usage breakdown: %w", err)
	}

	remaining := Percent(balance, st.MonthlyGrant)
	return &Snapshot{
		UserID:             userID,
		ClientID:           clientID,
		Balance:            balance,
		MonthlyLimit:       st.MonthlyGrant,
		UsedThisMonth:      usedMonth,
		UsagePct:           Percent(usedMonth, st.MonthlyGrant),
		RemainingPct:       remaining,
		LowBalance:         isLow(balance, remaining, st.MonthlyGrant),
		UsedToday:          usedToday,
		RequestsToday:      requestsToday,
		Tier:               st.Preset,
		CostMultiplier:     st.CostMultiplier,
		MonthlyGrant:       st.MonthlyGrant,
		MaxPerMessage:      st.MaxPerMessage,
		DailyLimit:         st.DailyLimit,
		MonthlyResetDay:    st.MonthlyResetDay,
		MonthlyResetHour:   st.MonthlyResetHour,
		MonthlyResetMinute: st.MonthlyResetMinute,
		CycleStart:         start,
		CycleEnd:           end,
		UsageBreakdown:     NewBreakdown(byType),
	}, nil
}

// ApplyMultiplier scales amount by multiplier, rounding up, never below one
// credit.
func ApplyMultiplier(amount int64, multiplier float64) int64 {
	v := decimal.NewFromInt(amount).Mul(decimal.NewFromFloat(multiplier)).Ceil().IntPart()
	if v < 1 {
		return 1
	}
	return v
}

// Percent is v/limit*100 rounded to two decimals, 0 when limit is not set.
func Percent(v, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return math.Round(float64(v)*10000/float64(limit)) / 100
}

func isLow(balance int64, remainingPct float64, limit int64) bool {
	if limit <= 0 {
		return balance <= 0
	}
	return remainingPct <= LowBalancePct
}
