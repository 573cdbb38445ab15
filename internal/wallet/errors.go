package wallet

import "errors"

// Spend rejection causes. Match with errors.Is; the *Rejection wrapping them
// carries the numbers.
var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrDailyLimit          = errors.New("daily limit reached")
	ErrPerMessageLimit     = errors.New("per-message limit exceeded")
	ErrRequestCap          = errors.New("per-request cap exceeded")
	ErrWorkspaceDailyCap   = errors.New("workspace daily cap exceeded")
)

// Rejection codes, also used as spend metric outcomes.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeInsufficientBalance = "insufficient_balance"
	CodeDailyLimit          = "daily_limit"
	CodePerMessageLimit     = "max_per_message"
	CodeRequestCap          = "max_ct_per_request"
	CodeWorkspaceDailyCap   = "max_daily_ct_per_workspace"
)

// Rejection is a business refusal of a spend or topup. Nothing was written
// to the balance when it is returned.
type Rejection struct {
	Err     error  `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`

	Required       int64 `json:"required"`
	Available      int64 `json:"available"`
	UsedToday      int64 `json:"used_today"`
	RemainingToday int64 `json:"remaining_today"`
	Limit          int64 `json:"limit,omitempty"`
}

func (r *Rejection) Error() string { return r.Message }

func (r *Rejection) Unwrap() error { return r.Err }

func invalidAmount() *Rejection {
	return &Rejection{Err: ErrInvalidAmount, Code: CodeInvalidAmount, Message: "Invalid amount"}
}
