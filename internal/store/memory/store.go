package memory

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"copyhub/internal/domain"
	"copyhub/internal/store"
)

// Store is the in-memory twin of the Postgres store. It backs the test
// suites and the degraded-startup fallback, and mirrors the conditional
// update semantics the Postgres store gets from status-guarded SQL.
type Store struct {
	mu sync.RWMutex

	sessionTTL time.Duration

	tiers    map[string]domain.Tier
	users    map[string]domain.User
	subs     map[string]domain.Subscription
	accounts map[string]domain.TradeAccount
	byNumber map[string]string

	signals     map[string]domain.Signal
	signalOrder []string

	executions map[string]domain.Execution
	execOrder  []string
	execByPair map[string]string

	sessions         map[string]domain.Session
	lastSeenByDevice map[string]time.Time

	events []domain.Event
}

func NewStore(sessionTTL time.Duration) *Store {
	return &Store{
		sessionTTL:       sessionTTL,
		tiers:            make(map[string]domain.Tier),
		users:            make(map[string]domain.User),
		subs:             make(map[string]domain.Subscription),
		accounts:         make(map[string]domain.TradeAccount),
		byNumber:         make(map[string]string),
		signals:          make(map[string]domain.Signal),
		signalOrder:      make([]string, 0, 64),
		executions:       make(map[string]domain.Execution),
		execOrder:        make([]string, 0, 256),
		execByPair:       make(map[string]string),
		sessions:         make(map[string]domain.Session),
		lastSeenByDevice: make(map[string]time.Time),
		events:           make([]domain.Event, 0, 256),
	}
}

func (s *Store) IssueSession(userID, accountNumber, deviceID string) domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	session := domain.Session{
		Token:         uuid.NewString(),
		UserID:        userID,
		AccountNumber: accountNumber,
		DeviceID:      deviceID,
		ExpiresAt:     time.Now().UTC().Add(s.sessionTTL),
		Scopes:        []string{"signal:read", "signal:ack", "signal:broadcast"},
	}
	s.sessions[session.Token] = session
	return session
}

func (s *Store) ValidateSession(token string) (domain.Session, error) {
	s.mu.RLock()
	session, ok := s.sessions[token]
	s.mu.RUnlock()
	if !ok {
		return domain.Session{}, store.ErrNotFound
	}
	if session.ExpiresAt.Before(time.Now().UTC()) {
		return domain.Session{}, errors.New("session token expired")
	}
	return session, nil
}

func (s *Store) TouchDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeenByDevice[deviceID] = time.Now().UTC()
}

func (s *Store) UpsertTier(tier domain.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tiers[tier.Code] = tier
	return nil
}

func (s *Store) CreateUser(user domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.Status == "" {
		user.Status = domain.UserStatusActive
	}
	s.users[user.ID] = user
	return nil
}

func (s *Store) UpsertSubscription(sub domain.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.UserID] = sub
	return nil
}

func (s *Store) LinkAccount(account domain.TradeAccount) (domain.TradeAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byNumber[account.Number]; exists {
		return domain.TradeAccount{}, errors.New("account number already linked")
	}
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	s.accounts[account.ID] = account
	s.byNumber[account.Number] = account.ID
	return account, nil
}

func (s *Store) AccountByNumber(number string) (domain.TradeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byNumber[number]
	if !ok {
		return domain.TradeAccount{}, store.ErrNotFound
	}
	return s.accounts[id], nil
}

func (s *Store) AccountsByUser(userID string) ([]domain.TradeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TradeAccount, 0, 4)
	for _, a := range s.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (s *Store) ActiveTierFor(userID string, now time.Time) (domain.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[userID]
	if !ok || !sub.InForce(now) {
		return domain.Tier{}, store.ErrNotFound
	}
	tier, ok := s.tiers[sub.TierCode]
	if !ok {
		return domain.Tier{}, store.ErrNotFound
	}
	return tier, nil
}

func (s *Store) CountExecutionsReceivedSince(userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.executions {
		acct, ok := s.accounts[e.AccountID]
		if !ok || acct.UserID != userID {
			continue
		}
		if !e.ReceivedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateSignal(sig domain.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.signals[sig.ID]; exists {
		return errors.New("signal already exists")
	}
	s.signals[sig.ID] = sig
	s.signalOrder = append(s.signalOrder, sig.ID)
	return nil
}

func (s *Store) GetSignal(id string) (domain.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sig, ok := s.signals[id]
	if !ok {
		return domain.Signal{}, store.ErrNotFound
	}
	return sig, nil
}

func (s *Store) EligibleReceivers(excludeUserID string, now time.Time) ([]domain.TradeAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.TradeAccount, 0, 16)
	for _, a := range s.accounts {
		if a.Role != domain.RoleReceiver || !a.Active || a.UserID == excludeUserID {
			continue
		}
		user, ok := s.users[a.UserID]
		if !ok || user.Status != domain.UserStatusActive {
			continue
		}
		sub, ok := s.subs[a.UserID]
		if !ok || !sub.InForce(now) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func pairKey(signalID, accountID string) string {
	return signalID + "|" + accountID
}

func (s *Store) InsertPendingExecutions(execs []domain.Execution) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, e := range execs {
		key := pairKey(e.SignalID, e.AccountID)
		if _, dup := s.execByPair[key]; dup {
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Status == "" {
			e.Status = domain.ExecutionStatusPending
		}
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = time.Now().UTC()
		}
		s.executions[e.ID] = e
		s.execOrder = append(s.execOrder, e.ID)
		s.execByPair[key] = e.ID
		inserted++
	}
	return inserted, nil
}

func (s *Store) PendingForAccount(accountID string, now, cutoff time.Time, limit int) ([]domain.PendingSignal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type row struct {
		exec domain.Execution
		sig  domain.Signal
	}
	rows := make([]row, 0, limit)
	for _, id := range s.execOrder {
		e := s.executions[id]
		if e.AccountID != accountID || e.Status != domain.ExecutionStatusPending {
			continue
		}
		sig, ok := s.signals[e.SignalID]
		if !ok {
			continue
		}
		if sig.Status != domain.SignalStatusPending && sig.Status != domain.SignalStatusActive {
			continue
		}
		if !sig.ExpiresAt.After(now) {
			continue
		}
		// Delay boundary is inclusive: a signal created exactly at the
		// cutoff is visible.
		if sig.CreatedAt.After(cutoff) {
			continue
		}
		rows = append(rows, row{exec: e, sig: sig})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].exec.ReceivedAt.Before(rows[j].exec.ReceivedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]domain.PendingSignal, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.PendingSignal{
			ExecutionID: r.exec.ID,
			Timestamp:   r.sig.CreatedAt.UTC(),
			Action:      r.sig.Action,
			Symbol:      r.sig.Symbol,
			Side:        r.sig.Side,
			Volume:      r.sig.Volume,
			Price:       r.sig.Price,
			StopLoss:    r.sig.StopLoss,
			TakeProfit:  r.sig.TakeProfit,
			Ticket:      r.sig.Ticket,
			Magic:       r.sig.Magic,
			Comment:     r.sig.Comment,
		})
	}
	return out, nil
}

func (s *Store) ExecutionForAccount(executionID, accountID string) (domain.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[executionID]
	if !ok || e.AccountID != accountID {
		return domain.Execution{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) SettleExecution(executionID string, status domain.ExecutionStatus, detail domain.AckDetail, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if e.Status != domain.ExecutionStatusPending {
		return false, nil
	}
	ack := now.UTC()
	e.Status = status
	e.ExecutedVolume = detail.ExecutedVolume
	e.ExecutedPrice = detail.ExecutedPrice
	e.Slippage = detail.Slippage
	e.ReceiverTicket = detail.ReceiverTicket
	e.ErrorCode = detail.ErrorCode
	e.ErrorMessage = detail.ErrorMessage
	e.AcknowledgedAt = &ack
	if status == domain.ExecutionStatusExecuted {
		e.ExecutedAt = &ack
	}
	s.executions[executionID] = e
	return true, nil
}

func (s *Store) ExpireDueSignals(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expired := 0
	for id, sig := range s.signals {
		if sig.Status != domain.SignalStatusPending && sig.Status != domain.SignalStatusActive {
			continue
		}
		if sig.ExpiresAt.Before(now) {
			sig.Status = domain.SignalStatusExpired
			s.signals[id] = sig
			expired++
		}
	}
	return expired, nil
}

func (s *Store) ExpireOrphanExecutions() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.executions {
		if e.Status != domain.ExecutionStatusPending {
			continue
		}
		sig, ok := s.signals[e.SignalID]
		if !ok || sig.Status != domain.SignalStatusExpired {
			continue
		}
		e.Status = domain.ExecutionStatusExpired
		s.executions[id] = e
		n++
	}
	return n, nil
}

func (s *Store) CancelSignal(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if sig.Status.Terminal() {
		return false, nil
	}
	sig.Status = domain.SignalStatusCanceled
	s.signals[id] = sig
	for eid, e := range s.executions {
		if e.SignalID == id && e.Status == domain.ExecutionStatusPending {
			e.Status = domain.ExecutionStatusSkipped
			s.executions[eid] = e
		}
	}
	return true, nil
}

func (s *Store) HistoryForReceiver(accountID string, f domain.HistoryFilter) ([]domain.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.HistoryItem, 0, 32)
	for _, id := range s.execOrder {
		e := s.executions[id]
		if e.AccountID != accountID {
			continue
		}
		sig, ok := s.signals[e.SignalID]
		if !ok || !matchesFilter(sig, f) {
			continue
		}
		exec := e
		items = append(items, domain.HistoryItem{Signal: sig, Execution: &exec})
	}
	return pageHistory(items, f), nil
}

func (s *Store) HistoryForProvider(userID string, f domain.HistoryFilter) ([]domain.HistoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]domain.HistoryItem, 0, 32)
	for _, id := range s.signalOrder {
		sig := s.signals[id]
		if sig.ProviderUserID != userID || !matchesFilter(sig, f) {
			continue
		}
		items = append(items, domain.HistoryItem{Signal: sig})
	}
	return pageHistory(items, f), nil
}

func matchesFilter(sig domain.Signal, f domain.HistoryFilter) bool {
	if f.Symbol != "" && !strings.EqualFold(sig.Symbol, f.Symbol) {
		return false
	}
	if !f.From.IsZero() && sig.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && sig.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func pageHistory(items []domain.HistoryItem, f domain.HistoryFilter) []domain.HistoryItem {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Signal.CreatedAt.After(items[j].Signal.CreatedAt)
	})
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return []domain.HistoryItem{}
		}
		items = items[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (s *Store) StatsForReceiver(accountID string, since time.Time) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := newStats()
	for _, e := range s.executions {
		if e.AccountID != accountID || e.ReceivedAt.Before(since) {
			continue
		}
		sig, ok := s.signals[e.SignalID]
		if !ok {
			continue
		}
		addToStats(&stats, e, sig)
	}
	return stats, nil
}

func (s *Store) StatsForProvider(userID string, since time.Time) (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := newStats()
	for _, e := range s.executions {
		sig, ok := s.signals[e.SignalID]
		if !ok || sig.ProviderUserID != userID || e.ReceivedAt.Before(since) {
			continue
		}
		addToStats(&stats, e, sig)
	}
	return stats, nil
}

func newStats() domain.Stats {
	return domain.Stats{
		ByStatus: make(map[domain.ExecutionStatus]int),
		BySymbol: make(map[string]int),
		ByAction: make(map[domain.SignalAction]int),
	}
}

func addToStats(stats *domain.Stats, e domain.Execution, sig domain.Signal) {
	stats.Total++
	stats.ByStatus[e.Status]++
	stats.BySymbol[sig.Symbol]++
	stats.ByAction[sig.Action]++
}

func (s *Store) AppendEvent(eventType domain.EventType, userID, accountID string, payload map[string]interface{}) domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	event := domain.Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		AccountID: accountID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	s.events = append(s.events, event)
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 20
	}
	if len(s.events) == 0 {
		return []domain.Event{}
	}
	start := len(s.events) - limit
	if start < 0 {
		start = 0
	}
	out := make([]domain.Event, len(s.events)-start)
	copy(out, s.events[start:])
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
