package domain

import "time"

type SignalAction string

const (
	SignalActionOpen   SignalAction = "OPEN"
	SignalActionClose  SignalAction = "CLOSE"
	SignalActionModify SignalAction = "MODIFY"
)

type SignalStatus string

const (
	SignalStatusPending  SignalStatus = "PENDING"
	SignalStatusActive   SignalStatus = "ACTIVE"
	SignalStatusExpired  SignalStatus = "EXPIRED"
	SignalStatusCanceled SignalStatus = "CANCELED"
)

// Terminal reports whether no further transition is permitted.
func (s SignalStatus) Terminal() bool {
	return s == SignalStatusExpired || s == SignalStatusCanceled
}

type ExecutionStatus string

const (
	ExecutionStatusPending  ExecutionStatus = "PENDING"
	ExecutionStatusExecuted ExecutionStatus = "EXECUTED"
	ExecutionStatusFailed   ExecutionStatus = "FAILED"
	ExecutionStatusExpired  ExecutionStatus = "EXPIRED"
	ExecutionStatusSkipped  ExecutionStatus = "SKIPPED"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusExecuted, ExecutionStatusFailed, ExecutionStatusExpired, ExecutionStatusSkipped:
		return true
	}
	return false
}

type AccountRole string

const (
	RoleProvider AccountRole = "PROVIDER"
	RoleReceiver AccountRole = "RECEIVER"
)

const (
	UserStatusActive    = "ACTIVE"
	UserStatusSuspended = "SUSPENDED"

	SubscriptionStatusActive   = "ACTIVE"
	SubscriptionStatusCanceled = "CANCELED"
)

// UnlimitedSignals is the daily-limit sentinel for tiers without a cap.
const UnlimitedSignals = -1

// Signal is one broadcast trade instruction with a bounded validity window.
type Signal struct {
	ID             string       `json:"signal_id"`
	ProviderUserID string       `json:"provider_user_id"`
	SourceAccount  string       `json:"source_account"`
	Action         SignalAction `json:"action"`
	Symbol         string       `json:"symbol"`
	Side           string       `json:"side"`
	Volume         float64      `json:"volume"`
	Price          float64      `json:"price"`
	StopLoss       float64      `json:"sl,omitempty"`
	TakeProfit     float64      `json:"tp,omitempty"`
	Ticket         int64        `json:"ticket,omitempty"`
	Magic          int64        `json:"magic,omitempty"`
	Comment        string       `json:"comment,omitempty"`
	Status         SignalStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	ExpiresAt      time.Time    `json:"expires_at"`
}

// Execution is one receiver account's tracked copy of a Signal. Status moves
// out of PENDING exactly once; result fields are written only by that
// winning transition.
type Execution struct {
	ID             string          `json:"execution_id"`
	SignalID       string          `json:"signal_id"`
	AccountID      string          `json:"account_id"`
	Status         ExecutionStatus `json:"status"`
	ExecutedVolume float64         `json:"executed_volume,omitempty"`
	ExecutedPrice  float64         `json:"executed_price,omitempty"`
	Slippage       float64         `json:"slippage,omitempty"`
	ReceiverTicket int64           `json:"receiver_ticket,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	ExecutedAt     *time.Time      `json:"executed_at,omitempty"`
}

// Tier is a subscription plan. DailySignalLimit of UnlimitedSignals means
// no cap; DelaySeconds is how long a broadcast stays hidden from this tier.
type Tier struct {
	Code             string `json:"code"`
	Name             string `json:"name"`
	DailySignalLimit int    `json:"daily_signal_limit"`
	DelaySeconds     int    `json:"delay_seconds"`
	MaxAccounts      int    `json:"max_accounts"`
}

type User struct {
	ID     string `json:"user_id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// TradeAccount is a terminal linked to a user, in either the provider or
// receiver role. Number is the broker-side account number the terminal
// authenticates with.
type TradeAccount struct {
	ID        string      `json:"account_id"`
	UserID    string      `json:"user_id"`
	Number    string      `json:"number"`
	Role      AccountRole `json:"role"`
	Active    bool        `json:"active"`
	CreatedAt time.Time   `json:"created_at"`
}

// Subscription binds a user to a tier. A zero ExpiresAt means no fixed end.
type Subscription struct {
	UserID    string    `json:"user_id"`
	TierCode  string    `json:"tier_code"`
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (s Subscription) InForce(now time.Time) bool {
	if s.Status != SubscriptionStatusActive {
		return false
	}
	return s.ExpiresAt.IsZero() || s.ExpiresAt.After(now)
}

// Session is an authenticated terminal session issued at device registration.
type Session struct {
	Token         string    `json:"token"`
	UserID        string    `json:"user_id"`
	AccountNumber string    `json:"account_number"`
	DeviceID      string    `json:"device_id"`
	ExpiresAt     time.Time `json:"expires_at"`
	Scopes        []string  `json:"scopes"`
}

// QuotaStatus is the entitlement snapshot for one poll. Limit and Remaining
// are both UnlimitedSignals when the tier carries no cap.
type QuotaStatus struct {
	Allowed   bool `json:"allowed"`
	Remaining int  `json:"remaining"`
	Limit     int  `json:"limit"`
}

// PendingSignal is the poll projection served to a receiver terminal. The
// execution id is the correlation handle the terminal acknowledges with.
type PendingSignal struct {
	ExecutionID string       `json:"execution_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Action      SignalAction `json:"action"`
	Symbol      string       `json:"symbol"`
	Side        string       `json:"side"`
	Volume      float64      `json:"volume"`
	Price       float64      `json:"price"`
	StopLoss    float64      `json:"sl"`
	TakeProfit  float64      `json:"tp"`
	Ticket      int64        `json:"ticket"`
	Magic       int64        `json:"magic"`
	Comment     string       `json:"comment,omitempty"`
}

// AckDetail carries the caller-supplied result fields persisted by the
// winning acknowledgment.
type AckDetail struct {
	ExecutedVolume float64
	ExecutedPrice  float64
	Slippage       float64
	ReceiverTicket int64
	ErrorCode      string
	ErrorMessage   string
}

type AckResult struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Status  ExecutionStatus `json:"status,omitempty"`
}

type HistoryFilter struct {
	Limit  int
	Offset int
	Symbol string
	From   time.Time
	To     time.Time
}

// HistoryItem is a signal with the caller's own execution state embedded.
// Execution is nil in provider scope.
type HistoryItem struct {
	Signal    Signal     `json:"signal"`
	Execution *Execution `json:"execution,omitempty"`
}

type StatsPeriod string

const (
	PeriodDay   StatsPeriod = "day"
	PeriodWeek  StatsPeriod = "week"
	PeriodMonth StatsPeriod = "month"
	PeriodAll   StatsPeriod = "all"
)

type Stats struct {
	Total    int                     `json:"total"`
	ByStatus map[ExecutionStatus]int `json:"by_status"`
	BySymbol map[string]int          `json:"by_symbol"`
	ByAction map[SignalAction]int    `json:"by_action"`
}

type EventType string

const (
	EventSignalBroadcast EventType = "SignalBroadcast"
	EventSignalAcked     EventType = "SignalAcknowledged"
	EventSignalCanceled  EventType = "SignalCanceled"
	EventSignalsExpired  EventType = "SignalsExpired"
)

type Event struct {
	ID        string                 `json:"event_id"`
	UserID    string                 `json:"user_id,omitempty"`
	AccountID string                 `json:"account_id,omitempty"`
	Type      EventType              `json:"event_type"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
}
