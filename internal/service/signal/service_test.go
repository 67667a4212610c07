package signal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"copyhub/internal/domain"
	"copyhub/internal/integrations/telegram"
	"copyhub/internal/integrations/webhook"
	"copyhub/internal/service/entitlement"
	"copyhub/internal/store"
	"copyhub/internal/store/memory"
)

type fixture struct {
	st  *memory.Store
	svc *Service
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.NewStore(time.Hour)
	svc := NewService(
		Config{SignalTTL: 120 * time.Second, PollBatchSize: 10},
		st,
		entitlement.NewGate(st),
		zerolog.Nop(),
		nil,
		webhook.NewClient("", time.Second),
		telegram.NewNotifier("", ""),
	)
	return &fixture{
		st:  st,
		svc: svc,
		now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) addTier(t *testing.T, code string, limit, delaySeconds int) {
	t.Helper()
	if err := f.st.UpsertTier(domain.Tier{
		Code:             code,
		Name:             code,
		DailySignalLimit: limit,
		DelaySeconds:     delaySeconds,
		MaxAccounts:      5,
	}); err != nil {
		t.Fatalf("upsert tier: %v", err)
	}
}

func (f *fixture) addUser(t *testing.T, userID, tierCode string) {
	t.Helper()
	if err := f.st.CreateUser(domain.User{ID: userID, Status: domain.UserStatusActive}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := f.st.UpsertSubscription(domain.Subscription{
		UserID:   userID,
		TierCode: tierCode,
		Status:   domain.SubscriptionStatusActive,
	}); err != nil {
		t.Fatalf("upsert subscription: %v", err)
	}
}

func (f *fixture) addAccount(t *testing.T, userID, number string, role domain.AccountRole) domain.TradeAccount {
	t.Helper()
	acct, err := f.st.LinkAccount(domain.TradeAccount{
		UserID: userID,
		Number: number,
		Role:   role,
		Active: true,
	})
	if err != nil {
		t.Fatalf("link account: %v", err)
	}
	return acct
}

// Standard cast: one provider, one zero-delay receiver, one 30s-delay
// receiver.
func (f *fixture) seedScenario(t *testing.T) {
	t.Helper()
	f.addTier(t, "provider", domain.UnlimitedSignals, 0)
	f.addTier(t, "instant", domain.UnlimitedSignals, 0)
	f.addTier(t, "delayed", domain.UnlimitedSignals, 30)
	f.addUser(t, "prov", "provider")
	f.addUser(t, "recv1", "instant")
	f.addUser(t, "recv2", "delayed")
	f.addAccount(t, "prov", "100001", domain.RoleProvider)
	f.addAccount(t, "recv1", "200001", domain.RoleReceiver)
	f.addAccount(t, "recv2", "200002", domain.RoleReceiver)
}

func eurusdOpen() IngestRequest {
	return IngestRequest{
		SourceAccount: "100001",
		Action:        domain.SignalActionOpen,
		Symbol:        "EURUSD",
		Side:          "BUY",
		Volume:        0.10,
		Price:         1.10500,
		StopLoss:      1.10000,
		TakeProfit:    1.11000,
	}
}

func TestIngest_UnknownProviderAccount(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	req := eurusdOpen()
	req.SourceAccount = "999999"
	if _, err := f.svc.Ingest(context.Background(), "prov", req, f.now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound for unknown account, got %v", err)
	}

	// Receiver-role accounts cannot broadcast either.
	req.SourceAccount = "200001"
	if _, err := f.svc.Ingest(context.Background(), "recv1", req, f.now); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound for receiver-role account, got %v", err)
	}
}

func TestIngest_FanOutReachesEligibleReceiversOnly(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	// The provider's own receiver-role terminal must not receive its own
	// broadcasts.
	f.addAccount(t, "prov", "100002", domain.RoleReceiver)
	// A suspended user is ineligible even with a live subscription.
	f.addUser(t, "suspended", "instant")
	f.addAccount(t, "suspended", "200003", domain.RoleReceiver)
	if err := f.st.CreateUser(domain.User{ID: "suspended", Status: domain.UserStatusSuspended}); err != nil {
		t.Fatalf("suspend user: %v", err)
	}

	sigID, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if sigID == "" {
		t.Fatal("want signal id")
	}

	sig, err := f.st.GetSignal(sigID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if sig.Status != domain.SignalStatusPending {
		t.Fatalf("want PENDING signal, got %s", sig.Status)
	}
	if !sig.ExpiresAt.Equal(f.now.Add(120 * time.Second)) {
		t.Fatalf("want 120s horizon, got %v", sig.ExpiresAt)
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now)
	if err != nil {
		t.Fatalf("poll recv1: %v", err)
	}
	if len(res.Signals) != 1 {
		t.Fatalf("want recv1 to see 1 signal, got %d", len(res.Signals))
	}
	item := res.Signals[0]
	if item.Symbol != "EURUSD" || item.Side != "BUY" || item.Action != domain.SignalActionOpen {
		t.Fatalf("unexpected projection: %+v", item)
	}
	if item.Ticket != 0 || item.Magic != 0 {
		t.Fatalf("absent ticket/magic must project as 0, got %+v", item)
	}
	if item.ExecutionID == "" {
		t.Fatal("want execution id handle")
	}

	for user, number := range map[string]string{"prov": "100002", "suspended": "200003"} {
		res, err := f.svc.Poll(context.Background(), user, number, f.now)
		if err != nil {
			t.Fatalf("poll %s: %v", user, err)
		}
		if len(res.Signals) != 0 {
			t.Fatalf("want %s to see nothing, got %d", user, len(res.Signals))
		}
	}
}

func TestIngest_RepeatedFanOutDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	sigID, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	sig, err := f.st.GetSignal(sigID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}

	n, err := f.svc.fanOut(sig, f.now)
	if err != nil {
		t.Fatalf("second fan-out: %v", err)
	}
	if n != 0 {
		t.Fatalf("second fan-out must insert nothing, inserted %d", n)
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 1 {
		t.Fatalf("want exactly 1 execution after double fan-out, got %d", len(res.Signals))
	}
}

// brokenFanOutStore fails every execution insert.
type brokenFanOutStore struct {
	*memory.Store
}

func (b brokenFanOutStore) InsertPendingExecutions([]domain.Execution) (int, error) {
	return 0, errors.New("insert failed")
}

func TestIngest_FanOutFailureModes(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	broken := brokenFanOutStore{Store: f.st}

	// Best effort: the broadcast survives a failed fan-out.
	lax := NewService(Config{}, broken, entitlement.NewGate(broken), zerolog.Nop(), nil,
		webhook.NewClient("", time.Second), telegram.NewNotifier("", ""))
	sigID, err := lax.Ingest(context.Background(), "prov", eurusdOpen(), f.now)
	if err != nil {
		t.Fatalf("best-effort ingest must succeed: %v", err)
	}
	if sig, _ := f.st.GetSignal(sigID); sig.Status != domain.SignalStatusPending {
		t.Fatalf("best-effort signal must stay PENDING, got %s", sig.Status)
	}

	// Strict: the broadcast is withdrawn and the caller sees the failure.
	strict := NewService(Config{StrictFanOut: true}, broken, entitlement.NewGate(broken), zerolog.Nop(), nil,
		webhook.NewClient("", time.Second), telegram.NewNotifier("", ""))
	if _, err := strict.Ingest(context.Background(), "prov", eurusdOpen(), f.now); err == nil {
		t.Fatal("strict ingest must surface the fan-out failure")
	}
	// The withdrawn signal is the only canceled one.
	canceled := 0
	for _, h := range mustProviderHistory(t, f, "prov", "100001") {
		if h.Signal.Status == domain.SignalStatusCanceled {
			canceled++
		}
	}
	if canceled != 1 {
		t.Fatalf("want 1 withdrawn signal, got %d", canceled)
	}
}

func mustProviderHistory(t *testing.T, f *fixture, userID, number string) []domain.HistoryItem {
	t.Helper()
	items, err := f.svc.History(context.Background(), userID, number, domain.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	return items
}

func TestPoll_DelayEnforcement(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	if _, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	for _, tc := range []struct {
		name    string
		at      time.Time
		visible bool
	}{
		{"immediately", f.now, false},
		{"one second early", f.now.Add(29 * time.Second), false},
		{"exactly at delay", f.now.Add(30 * time.Second), true},
		{"after delay", f.now.Add(45 * time.Second), true},
	} {
		res, err := f.svc.Poll(context.Background(), "recv2", "200002", tc.at)
		if err != nil {
			t.Fatalf("%s: poll: %v", tc.name, err)
		}
		if got := len(res.Signals) == 1; got != tc.visible {
			t.Fatalf("%s: visible=%v, want %v", tc.name, got, tc.visible)
		}
	}

	// The zero-delay receiver sees it immediately.
	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now)
	if err != nil {
		t.Fatalf("poll recv1: %v", err)
	}
	if len(res.Signals) != 1 {
		t.Fatalf("want immediate visibility for zero delay, got %d", len(res.Signals))
	}
}

func TestPoll_ExpiredSignalsAreInvisible(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	if _, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now.Add(120*time.Second))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("want nothing past the horizon, got %d", len(res.Signals))
	}
}

func TestPoll_QuotaSoftLimit(t *testing.T) {
	f := newFixture(t)
	f.addTier(t, "provider", domain.UnlimitedSignals, 0)
	f.addTier(t, "capped", 1, 0)
	f.addUser(t, "prov", "provider")
	f.addUser(t, "recv", "capped")
	f.addAccount(t, "prov", "100001", domain.RoleProvider)
	f.addAccount(t, "recv", "200001", domain.RoleReceiver)

	// First broadcast consumes the single daily slot at fan-out time.
	if _, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := f.svc.Poll(context.Background(), "recv", "200001", f.now)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("want soft-empty page, got %d signals", len(res.Signals))
	}
	if res.Message == "" {
		t.Fatal("want explanatory message with the empty page")
	}
	if res.Quota.Allowed || res.Quota.Remaining != 0 || res.Quota.Limit != 1 {
		t.Fatalf("unexpected quota snapshot: %+v", res.Quota)
	}
}

func TestPoll_OrderedOldestFirstAndCapped(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	for i := 0; i < 12; i++ {
		req := eurusdOpen()
		req.Ticket = int64(i + 1)
		if _, err := f.svc.Ingest(context.Background(), "prov", req, f.now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("ingest %d: %v", i, err)
		}
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(res.Signals) != 10 {
		t.Fatalf("want page capped at 10, got %d", len(res.Signals))
	}
	for i, item := range res.Signals {
		if item.Ticket != int64(i+1) {
			t.Fatalf("want FIFO order, position %d has ticket %d", i, item.Ticket)
		}
	}
}

func TestCancel_SkipsPendingExecutions(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	sigID, err := f.svc.Ingest(context.Background(), "prov", eurusdOpen(), f.now)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now)
	if err != nil || len(res.Signals) != 1 {
		t.Fatalf("poll before cancel: %v (%d signals)", err, len(res.Signals))
	}
	execID := res.Signals[0].ExecutionID

	canceled, err := f.svc.Cancel(context.Background(), sigID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !canceled {
		t.Fatal("want cancel to win")
	}

	res, err = f.svc.Poll(context.Background(), "recv1", "200001", f.now)
	if err != nil {
		t.Fatalf("poll after cancel: %v", err)
	}
	if len(res.Signals) != 0 {
		t.Fatalf("canceled signal still visible")
	}

	ack, err := f.svc.Acknowledge(context.Background(), "recv1", "200001", AckRequest{
		ExecutionID: execID,
		Status:      "EXECUTED",
	}, f.now)
	if err != nil {
		t.Fatalf("ack after cancel: %v", err)
	}
	if !ack.Success || ack.Status != domain.ExecutionStatusSkipped {
		t.Fatalf("want idempotent success naming SKIPPED, got %+v", ack)
	}

	// Cancel of an already terminal signal reports false and changes nothing.
	canceled, err = f.svc.Cancel(context.Background(), sigID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if canceled {
		t.Fatal("terminal signal must not be canceled again")
	}
}

func TestHistoryAndStats(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	req := eurusdOpen()
	if _, err := f.svc.Ingest(context.Background(), "prov", req, f.now); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	req.Symbol = "GBPUSD"
	req.Action = domain.SignalActionClose
	if _, err := f.svc.Ingest(context.Background(), "prov", req, f.now.Add(time.Second)); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	res, err := f.svc.Poll(context.Background(), "recv1", "200001", f.now.Add(2*time.Second))
	if err != nil || len(res.Signals) != 2 {
		t.Fatalf("poll: %v (%d signals)", err, len(res.Signals))
	}
	if _, err := f.svc.Acknowledge(context.Background(), "recv1", "200001", AckRequest{
		ExecutionID:   res.Signals[0].ExecutionID,
		Status:        "EXECUTED",
		ExecutedPrice: 1.10505,
	}, f.now.Add(3*time.Second)); err != nil {
		t.Fatalf("ack: %v", err)
	}

	history, err := f.svc.History(context.Background(), "recv1", "200001", domain.HistoryFilter{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("want 2 history items, got %d", len(history))
	}
	for _, item := range history {
		if item.Execution == nil {
			t.Fatal("receiver history must embed execution state")
		}
	}

	filtered, err := f.svc.History(context.Background(), "recv1", "200001", domain.HistoryFilter{Symbol: "eurusd"})
	if err != nil {
		t.Fatalf("filtered history: %v", err)
	}
	if len(filtered) != 1 || filtered[0].Signal.Symbol != "EURUSD" {
		t.Fatalf("symbol filter broken: %+v", filtered)
	}

	provHistory, err := f.svc.History(context.Background(), "prov", "100001", domain.HistoryFilter{})
	if err != nil {
		t.Fatalf("provider history: %v", err)
	}
	if len(provHistory) != 2 {
		t.Fatalf("want 2 provider history items, got %d", len(provHistory))
	}
	if provHistory[0].Execution != nil {
		t.Fatal("provider history must not embed execution state")
	}
	if !provHistory[0].Signal.CreatedAt.After(provHistory[1].Signal.CreatedAt) {
		t.Fatal("history must be newest first")
	}

	stats, err := f.svc.Stats(context.Background(), "recv1", "200001", domain.PeriodDay, f.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 {
		t.Fatalf("want total 2, got %d", stats.Total)
	}
	if stats.ByStatus[domain.ExecutionStatusExecuted] != 1 || stats.ByStatus[domain.ExecutionStatusPending] != 1 {
		t.Fatalf("unexpected status breakdown: %+v", stats.ByStatus)
	}
	if stats.BySymbol["EURUSD"] != 1 || stats.BySymbol["GBPUSD"] != 1 {
		t.Fatalf("unexpected symbol breakdown: %+v", stats.BySymbol)
	}
	if stats.ByAction[domain.SignalActionOpen] != 1 || stats.ByAction[domain.SignalActionClose] != 1 {
		t.Fatalf("unexpected action breakdown: %+v", stats.ByAction)
	}

	provStats, err := f.svc.Stats(context.Background(), "prov", "100001", domain.PeriodAll, f.now.Add(time.Minute))
	if err != nil {
		t.Fatalf("provider stats: %v", err)
	}
	// Two signals times two receivers.
	if provStats.Total != 4 {
		t.Fatalf("want provider total 4, got %d", provStats.Total)
	}
}
