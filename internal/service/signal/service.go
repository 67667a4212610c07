package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"copyhub/internal/domain"
	"copyhub/internal/integrations/telegram"
	"copyhub/internal/integrations/webhook"
	"copyhub/internal/metrics"
	"copyhub/internal/service/entitlement"
	"copyhub/internal/store"
)

type Config struct {
	// SignalTTL is the validity horizon stamped on every broadcast.
	SignalTTL     time.Duration
	PollBatchSize int
	EventTimeout  time.Duration

	// StrictFanOut trades broadcast availability for delivery
	// completeness: a fan-out failure cancels the signal and fails the
	// ingest instead of leaving a partially delivered broadcast visible.
	StrictFanOut bool
}

// Service owns the signal lifecycle: fan-out on ingest, tier-gated
// retrieval, idempotent acknowledgment, expiry sweeps, and the read-only
// history/statistics projections.
type Service struct {
	cfg       Config
	store     store.Store
	gate      *entitlement.Gate
	log       zerolog.Logger
	metrics   *metrics.Recorder
	publisher *webhook.Client
	notifier  *telegram.Notifier
}

func NewService(
	cfg Config,
	st store.Store,
	gate *entitlement.Gate,
	log zerolog.Logger,
	rec *metrics.Recorder,
	publisher *webhook.Client,
	notifier *telegram.Notifier,
) *Service {
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = 120 * time.Second
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 10
	}
	if cfg.EventTimeout <= 0 {
		cfg.EventTimeout = 5 * time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		gate:      gate,
		log:       log,
		metrics:   rec,
		publisher: publisher,
		notifier:  notifier,
	}
}

type IngestRequest struct {
	SourceAccount string              `json:"source_account" validate:"required"`
	Action        domain.SignalAction `json:"action" validate:"required,oneof=OPEN CLOSE MODIFY"`
	Symbol        string              `json:"symbol" validate:"required"`
	Side          string              `json:"side" validate:"required,oneof=BUY SELL"`
	Volume        float64             `json:"volume" validate:"required,gt=0"`
	Price         float64             `json:"price" validate:"gte=0"`
	StopLoss      float64             `json:"sl" validate:"gte=0"`
	TakeProfit    float64             `json:"tp" validate:"gte=0"`
	Ticket        int64               `json:"ticket" validate:"gte=0"`
	Magic         int64               `json:"magic" validate:"gte=0"`
	Comment       string              `json:"comment"`
}

// Ingest records one broadcast from a provider terminal and fans it out to
// every eligible receiver account. The signal row is authoritative: its
// creation failing fails the call, while fan-out trouble is logged and
// swallowed so the broadcast stays visible (the sweeper reclaims whatever
// never reached a receiver).
func (s *Service) Ingest(ctx context.Context, userID string, req IngestRequest, now time.Time) (string, error) {
	acct, err := s.store.AccountByNumber(req.SourceAccount)
	if err != nil {
		return "", fmt.Errorf("resolve source account: %w", err)
	}
	if acct.UserID != userID || acct.Role != domain.RoleProvider || !acct.Active {
		return "", fmt.Errorf("resolve source account: %w", store.ErrNotFound)
	}

	now = now.UTC()
	sig := domain.Signal{
		ID:             uuid.NewString(),
		ProviderUserID: userID,
		SourceAccount:  req.SourceAccount,
		Action:         req.Action,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Volume:         req.Volume,
		Price:          req.Price,
		StopLoss:       req.StopLoss,
		TakeProfit:     req.TakeProfit,
		Ticket:         req.Ticket,
		Magic:          req.Magic,
		Comment:        req.Comment,
		Status:         domain.SignalStatusPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.cfg.SignalTTL),
	}
	if err := s.store.CreateSignal(sig); err != nil {
		return "", fmt.Errorf("create signal: %w", err)
	}
	s.metrics.SignalIngested(string(sig.Action))

	fanned, err := s.fanOut(sig, now)
	if err != nil {
		if s.cfg.StrictFanOut {
			_, _ = s.store.CancelSignal(sig.ID)
			return "", fmt.Errorf("fan out signal: %w", err)
		}
		// The signal stays visible; receivers that did get a row can still
		// poll it and the sweeper reclaims the rest at the horizon.
		s.log.Error().Err(err).Str("signal_id", sig.ID).Msg("fan-out failed")
	}
	s.log.Info().
		Str("signal_id", sig.ID).
		Str("symbol", sig.Symbol).
		Str("action", string(sig.Action)).
		Int("receivers", fanned).
		Msg("signal ingested")
	return sig.ID, nil
}

// fanOut creates one pending execution per eligible receiver account.
// Duplicate (signal, account) pairs are skipped by the store, so invoking
// fan-out twice for the same signal cannot double-deliver.
func (s *Service) fanOut(sig domain.Signal, now time.Time) (int, error) {
	receivers, err := s.store.EligibleReceivers(sig.ProviderUserID, now)
	if err != nil {
		return 0, fmt.Errorf("load eligible receivers: %w", err)
	}
	if len(receivers) == 0 {
		return 0, nil
	}

	execs := make([]domain.Execution, 0, len(receivers))
	for _, r := range receivers {
		execs = append(execs, domain.Execution{
			ID:         uuid.NewString(),
			SignalID:   sig.ID,
			AccountID:  r.ID,
			Status:     domain.ExecutionStatusPending,
			ReceivedAt: now,
		})
	}
	inserted, err := s.store.InsertPendingExecutions(execs)
	if err != nil {
		return 0, fmt.Errorf("insert executions: %w", err)
	}
	s.metrics.ExecutionsFanned(inserted)
	return inserted, nil
}

type PollResult struct {
	Signals []domain.PendingSignal `json:"signals"`
	Message string                 `json:"message,omitempty"`
	Quota   domain.QuotaStatus     `json:"quota"`
}

// Poll serves the pending executions visible to one receiver terminal,
// oldest first. Quota exhaustion is a soft stop: an empty page with an
// explanatory message, never an error, so terminals keep their loop.
func (s *Service) Poll(ctx context.Context, userID, accountNumber string, now time.Time) (PollResult, error) {
	quota, err := s.gate.Check(userID, now)
	if err != nil {
		return PollResult{}, fmt.Errorf("check quota: %w", err)
	}
	if !quota.Allowed {
		msg := "daily signal limit reached"
		if quota.Limit == 0 {
			msg = "no active subscription"
		}
		return PollResult{Signals: []domain.PendingSignal{}, Message: msg, Quota: quota}, nil
	}

	acct, err := s.store.AccountByNumber(accountNumber)
	if err != nil {
		return PollResult{}, fmt.Errorf("resolve receiver account: %w", err)
	}
	if acct.UserID != userID || acct.Role != domain.RoleReceiver || !acct.Active {
		return PollResult{}, fmt.Errorf("resolve receiver account: %w", store.ErrNotFound)
	}

	delay, err := s.gate.Delay(userID, now)
	if err != nil {
		return PollResult{}, fmt.Errorf("resolve delay: %w", err)
	}
	// Visibility cutoff: the tier delay must have fully elapsed since the
	// broadcast, boundary inclusive.
	cutoff := now.Add(-delay)

	signals, err := s.store.PendingForAccount(acct.ID, now, cutoff, s.cfg.PollBatchSize)
	if err != nil {
		return PollResult{}, fmt.Errorf("load pending signals: %w", err)
	}
	return PollResult{Signals: signals, Quota: quota}, nil
}

// History returns the caller's signal history: receiver accounts see their
// own execution state embedded, provider accounts see the signals they
// broadcast.
func (s *Service) History(ctx context.Context, userID, accountNumber string, f domain.HistoryFilter) ([]domain.HistoryItem, error) {
	acct, err := s.store.AccountByNumber(accountNumber)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	if acct.UserID != userID {
		return nil, fmt.Errorf("resolve account: %w", store.ErrNotFound)
	}
	if acct.Role == domain.RoleProvider {
		return s.store.HistoryForProvider(userID, f)
	}
	return s.store.HistoryForReceiver(acct.ID, f)
}

// Stats aggregates execution outcomes over the requested window.
func (s *Service) Stats(ctx context.Context, userID, accountNumber string, period domain.StatsPeriod, now time.Time) (domain.Stats, error) {
	acct, err := s.store.AccountByNumber(accountNumber)
	if err != nil {
		return domain.Stats{}, fmt.Errorf("resolve account: %w", err)
	}
	if acct.UserID != userID {
		return domain.Stats{}, fmt.Errorf("resolve account: %w", store.ErrNotFound)
	}
	since := periodStart(period, now)
	if acct.Role == domain.RoleProvider {
		return s.store.StatsForProvider(userID, since)
	}
	return s.store.StatsForReceiver(acct.ID, since)
}

// Cancel is the administrative terminal path for a broadcast: the signal
// moves to CANCELED and its still-pending executions to SKIPPED. Already
// terminal signals are left untouched.
func (s *Service) Cancel(ctx context.Context, signalID string) (bool, error) {
	canceled, err := s.store.CancelSignal(signalID)
	if err != nil {
		return false, fmt.Errorf("cancel signal: %w", err)
	}
	if !canceled {
		return false, nil
	}
	s.emitEvent(domain.EventSignalCanceled, "", "", map[string]interface{}{
		"signal_id": signalID,
	})
	_ = s.notifier.Notify(ctx, fmt.Sprintf("Signal %s canceled by admin", signalID))
	s.log.Info().Str("signal_id", signalID).Msg("signal canceled")
	return true, nil
}

func (s *Service) emitEvent(eventType domain.EventType, userID, accountID string, payload map[string]interface{}) domain.Event {
	event := s.store.AppendEvent(eventType, userID, accountID, payload)
	go func(evt domain.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.EventTimeout)
		defer cancel()
		if err := s.publisher.Publish(ctx, evt); err != nil {
			s.log.Warn().Err(err).Str("event_id", evt.ID).Msg("webhook publish failed")
		}
	}(event)
	return event
}

func periodStart(period domain.StatsPeriod, now time.Time) time.Time {
	switch period {
	case domain.PeriodDay:
		return now.AddDate(0, 0, -1)
	case domain.PeriodWeek:
		return now.AddDate(0, 0, -7)
	case domain.PeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return time.Time{}
	}
}
