package store

import (
	"errors"
	"time"

	"copyhub/internal/domain"
)

// ErrNotFound is returned by every implementation for unknown references so
// callers can match it without knowing which store backs them.
var ErrNotFound = errors.New("not found")

// Store defines the persistence contract shared by the HTTP layer and the
// signal services. The Postgres implementation is authoritative; the memory
// implementation mirrors its semantics for tests and degraded startup.
type Store interface {
	// Terminal sessions.
	IssueSession(userID, accountNumber, deviceID string) domain.Session
	ValidateSession(token string) (domain.Session, error)
	TouchDevice(deviceID string)

	// Provisioning and the read-mostly entitlement tables.
	UpsertTier(tier domain.Tier) error
	CreateUser(user domain.User) error
	UpsertSubscription(sub domain.Subscription) error
	LinkAccount(account domain.TradeAccount) (domain.TradeAccount, error)
	AccountByNumber(number string) (domain.TradeAccount, error)
	AccountsByUser(userID string) ([]domain.TradeAccount, error)
	ActiveTierFor(userID string, now time.Time) (domain.Tier, error)
	CountExecutionsReceivedSince(userID string, since time.Time) (int, error)

	// Signal lifecycle.
	CreateSignal(sig domain.Signal) error
	GetSignal(id string) (domain.Signal, error)
	EligibleReceivers(excludeUserID string, now time.Time) ([]domain.TradeAccount, error)
	// InsertPendingExecutions creates the fan-out rows, silently skipping
	// any (signal, account) pair that already exists. Returns the number
	// actually inserted.
	InsertPendingExecutions(execs []domain.Execution) (int, error)
	PendingForAccount(accountID string, now time.Time, cutoff time.Time, limit int) ([]domain.PendingSignal, error)
	ExecutionForAccount(executionID, accountID string) (domain.Execution, error)
	// SettleExecution transitions an execution out of PENDING. The write is
	// conditional on the status still being PENDING; it reports false when
	// another caller won, without touching the row.
	SettleExecution(executionID string, status domain.ExecutionStatus, detail domain.AckDetail, now time.Time) (bool, error)
	ExpireDueSignals(now time.Time) (int, error)
	ExpireOrphanExecutions() (int, error)
	// CancelSignal moves a non-terminal signal to CANCELED and its pending
	// executions to SKIPPED. Reports false when the signal was already
	// terminal.
	CancelSignal(id string) (bool, error)

	// Reporting.
	HistoryForReceiver(accountID string, f domain.HistoryFilter) ([]domain.HistoryItem, error)
	HistoryForProvider(userID string, f domain.HistoryFilter) ([]domain.HistoryItem, error)
	StatsForReceiver(accountID string, since time.Time) (domain.Stats, error)
	StatsForProvider(userID string, since time.Time) (domain.Stats, error)

	// Audit events.
	AppendEvent(eventType domain.EventType, userID, accountID string, payload map[string]interface{}) domain.Event
	ListEvents(limit int) []domain.Event
}
