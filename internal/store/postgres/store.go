package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"copyhub/internal/domain"
	"copyhub/internal/store"
)

// Store is the Postgres-backed implementation. The acknowledgment
// compare-and-swap and the fan-out duplicate tolerance both live in SQL:
// a status-guarded update and an on-conflict-do-nothing insert against the
// (signal_id, account_id) unique constraint.
type Store struct {
	db         *sql.DB
	sessionTTL time.Duration
}

func NewStore(databaseURL string, sessionTTL time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: db, sessionTTL: sessionTTL}, nil
}

func (s *Store) IssueSession(userID, accountNumber, deviceID string) domain.Session {
	now := time.Now().UTC()
	token := uuid.NewString()
	expiresAt := now.Add(s.sessionTTL)

	_, _ = s.db.Exec(
		`insert into terminal_devices(id, account_number, user_id, token_hash, token_expires_at, last_seen_at)
		 values ($1, $2, $3, $4, $5, $6)
		 on conflict (id) do update
		 set account_number = excluded.account_number,
		     user_id = excluded.user_id,
		     token_hash = excluded.token_hash,
		     token_expires_at = excluded.token_expires_at,
		     last_seen_at = excluded.last_seen_at`,
		deviceID, accountNumber, userID, hashToken(token), expiresAt, now,
	)

	return domain.Session{
		Token:         token,
		UserID:        userID,
		AccountNumber: accountNumber,
		DeviceID:      deviceID,
		ExpiresAt:     expiresAt,
		Scopes:        []string{"signal:read", "signal:ack", "signal:broadcast"},
	}
}

func (s *Store) ValidateSession(token string) (domain.Session, error) {
	var userID, accountNumber, deviceID string
	var expiresAt time.Time
	err := s.db.QueryRow(
		`select user_id, account_number, id, token_expires_at
		 from terminal_devices
		 where token_hash = $1
		 limit 1`,
		hashToken(token),
	).Scan(&userID, &accountNumber, &deviceID, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Session{}, store.ErrNotFound
		}
		return domain.Session{}, err
	}
	if expiresAt.Before(time.Now().UTC()) {
		return domain.Session{}, errors.New("session token expired")
	}
	return domain.Session{
		Token:         token,
		UserID:        userID,
		AccountNumber: accountNumber,
		DeviceID:      deviceID,
		ExpiresAt:     expiresAt,
		Scopes:        []string{"signal:read", "signal:ack", "signal:broadcast"},
	}, nil
}

func (s *Store) TouchDevice(deviceID string) {
	_, _ = s.db.Exec(`update terminal_devices set last_seen_at = now() where id = $1`, deviceID)
}

func (s *Store) UpsertTier(tier domain.Tier) error {
	_, err := s.db.Exec(
		`insert into tiers(code, name, daily_signal_limit, delay_seconds, max_accounts)
		 values ($1, $2, $3, $4, $5)
		 on conflict (code) do update
		 set name = excluded.name,
		     daily_signal_limit = excluded.daily_signal_limit,
		     delay_seconds = excluded.delay_seconds,
		     max_accounts = excluded.max_accounts`,
		tier.Code, tier.Name, tier.DailySignalLimit, tier.DelaySeconds, tier.MaxAccounts,
	)
	return err
}

func (s *Store) CreateUser(user domain.User) error {
	if user.Status == "" {
		user.Status = domain.UserStatusActive
	}
	_, err := s.db.Exec(
		`insert into users(id, name, status) values ($1, $2, $3)
		 on conflict (id) do update set name = excluded.name, status = excluded.status`,
		user.ID, user.Name, user.Status,
	)
	return err
}

func (s *Store) UpsertSubscription(sub domain.Subscription) error {
	var expires interface{}
	if !sub.ExpiresAt.IsZero() {
		expires = sub.ExpiresAt
	}
	_, err := s.db.Exec(
		`insert into subscriptions(user_id, tier_code, status, expires_at, updated_at)
		 values ($1, $2, $3, $4, now())
		 on conflict (user_id) do update
		 set tier_code = excluded.tier_code,
		     status = excluded.status,
		     expires_at = excluded.expires_at,
		     updated_at = now()`,
		sub.UserID, sub.TierCode, sub.Status, expires,
	)
	return err
}

func (s *Store) LinkAccount(account domain.TradeAccount) (domain.TradeAccount, error) {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`insert into trade_accounts(id, user_id, number, role, active, created_at)
		 values ($1, $2, $3, $4, $5, $6)`,
		account.ID, account.UserID, account.Number, string(account.Role), account.Active, account.CreatedAt,
	)
	if err != nil {
		return domain.TradeAccount{}, err
	}
	return account, nil
}

func (s *Store) AccountByNumber(number string) (domain.TradeAccount, error) {
	var a domain.TradeAccount
	var role string
	err := s.db.QueryRow(
		`select id, user_id, number, role, active, created_at
		 from trade_accounts where number = $1`,
		number,
	).Scan(&a.ID, &a.UserID, &a.Number, &role, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.TradeAccount{}, store.ErrNotFound
		}
		return domain.TradeAccount{}, err
	}
	a.Role = domain.AccountRole(role)
	return a, nil
}

func (s *Store) AccountsByUser(userID string) ([]domain.TradeAccount, error) {
	rows, err := s.db.Query(
		`select id, user_id, number, role, active, created_at
		 from trade_accounts where user_id = $1 order by number`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (s *Store) ActiveTierFor(userID string, now time.Time) (domain.Tier, error) {
	var t domain.Tier
	err := s.db.QueryRow(
		`select t.code, t.name, t.daily_signal_limit, t.delay_seconds, t.max_accounts
		 from subscriptions sub
		 join tiers t on t.code = sub.tier_code
		 where sub.user_id = $1
		   and sub.status = 'ACTIVE'
		   and (sub.expires_at is null or sub.expires_at > $2)`,
		userID, now,
	).Scan(&t.Code, &t.Name, &t.DailySignalLimit, &t.DelaySeconds, &t.MaxAccounts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Tier{}, store.ErrNotFound
		}
		return domain.Tier{}, err
	}
	return t, nil
}

func (s *Store) CountExecutionsReceivedSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(
		`select count(*)
		 from executions e
		 join trade_accounts a on a.id = e.account_id
		 where a.user_id = $1 and e.received_at >= $2`,
		userID, since,
	).Scan(&n)
	return n, err
}

func (s *Store) CreateSignal(sig domain.Signal) error {
	_, err := s.db.Exec(
		`insert into signals(
			id, provider_user_id, source_account, action, symbol, side,
			volume, price, stop_loss, take_profit, ticket, magic, comment,
			status, created_at, expires_at, updated_at
		) values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())`,
		sig.ID, sig.ProviderUserID, sig.SourceAccount, string(sig.Action), sig.Symbol, sig.Side,
		sig.Volume, sig.Price, sig.StopLoss, sig.TakeProfit, sig.Ticket, sig.Magic, sig.Comment,
		string(sig.Status), sig.CreatedAt, sig.ExpiresAt,
	)
	return err
}

func (s *Store) GetSignal(id string) (domain.Signal, error) {
	row := s.db.QueryRow(
		`select id, provider_user_id, source_account, action, symbol, side,
		        volume, price, stop_loss, take_profit, ticket, magic, comment,
		        status, created_at, expires_at
		 from signals where id = $1`,
		id,
	)
	return scanSignal(row)
}

func (s *Store) EligibleReceivers(excludeUserID string, now time.Time) ([]domain.TradeAccount, error) {
	rows, err := s.db.Query(
		`select a.id, a.user_id, a.number, a.role, a.active, a.created_at
		 from trade_accounts a
		 join users u on u.id = a.user_id
		 join subscriptions sub on sub.user_id = a.user_id
		 where a.role = 'RECEIVER'
		   and a.active
		   and a.user_id <> $1
		   and u.status = 'ACTIVE'
		   and sub.status = 'ACTIVE'
		   and (sub.expires_at is null or sub.expires_at > $2)
		 order by a.number`,
		excludeUserID, now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAccounts(rows)
}

func (s *Store) InsertPendingExecutions(execs []domain.Execution) (int, error) {
	if len(execs) == 0 {
		return 0, nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	inserted := 0
	for _, e := range execs {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Status == "" {
			e.Status = domain.ExecutionStatusPending
		}
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = time.Now().UTC()
		}
		res, err := tx.Exec(
			`insert into executions(id, signal_id, account_id, status, received_at, updated_at)
			 values ($1, $2, $3, $4, $5, now())
			 on conflict (signal_id, account_id) do nothing`,
			e.ID, e.SignalID, e.AccountID, string(e.Status), e.ReceivedAt,
		)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (s *Store) PendingForAccount(accountID string, now, cutoff time.Time, limit int) ([]domain.PendingSignal, error) {
	rows, err := s.db.Query(
		`select e.id, s.created_at, s.action, s.symbol, s.side, s.volume, s.price,
		        s.stop_loss, s.take_profit, s.ticket, s.magic, s.comment
		 from executions e
		 join signals s on s.id = e.signal_id
		 where e.account_id = $1
		   and e.status = 'PENDING'
		   and s.status in ('PENDING', 'ACTIVE')
		   and s.expires_at > $2
		   and s.created_at <= $3
		 order by e.received_at asc
		 limit $4`,
		accountID, now, cutoff, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.PendingSignal, 0, limit)
	for rows.Next() {
		var p domain.PendingSignal
		var action string
		if err := rows.Scan(
			&p.ExecutionID, &p.Timestamp, &action, &p.Symbol, &p.Side, &p.Volume, &p.Price,
			&p.StopLoss, &p.TakeProfit, &p.Ticket, &p.Magic, &p.Comment,
		); err != nil {
			return nil, err
		}
		p.Action = domain.SignalAction(action)
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) ExecutionForAccount(executionID, accountID string) (domain.Execution, error) {
	row := s.db.QueryRow(
		`select id, signal_id, account_id, status, executed_volume, executed_price,
		        slippage, receiver_ticket, error_code, error_message,
		        received_at, acknowledged_at, executed_at
		 from executions
		 where id = $1 and account_id = $2`,
		executionID, accountID,
	)
	return scanExecution(row)
}

func (s *Store) SettleExecution(executionID string, status domain.ExecutionStatus, detail domain.AckDetail, now time.Time) (bool, error) {
	res, err := s.db.Exec(
		`update executions
		 set status = $2,
		     executed_volume = $3,
		     executed_price = $4,
		     slippage = $5,
		     receiver_ticket = $6,
		     error_code = $7,
		     error_message = $8,
		     acknowledged_at = $9,
		     executed_at = case when $2 = 'EXECUTED' then $9 else null end,
		     updated_at = now()
		 where id = $1 and status = 'PENDING'`,
		executionID, string(status),
		detail.ExecutedVolume, detail.ExecutedPrice, detail.Slippage,
		detail.ReceiverTicket, detail.ErrorCode, detail.ErrorMessage,
		now.UTC(),
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) ExpireDueSignals(now time.Time) (int, error) {
	res, err := s.db.Exec(
		`update signals
		 set status = 'EXPIRED', updated_at = now()
		 where status in ('PENDING', 'ACTIVE') and expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ExpireOrphanExecutions() (int, error) {
	res, err := s.db.Exec(
		`update executions e
		 set status = 'EXPIRED', updated_at = now()
		 from signals s
		 where s.id = e.signal_id
		   and e.status = 'PENDING'
		   and s.status = 'EXPIRED'`,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) CancelSignal(id string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`update signals set status = 'CANCELED', updated_at = now()
		 where id = $1 and status in ('PENDING', 'ACTIVE')`,
		id,
	)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists bool
		if err := tx.QueryRow(`select exists(select 1 from signals where id = $1)`, id).Scan(&exists); err != nil {
			return false, err
		}
		if !exists {
			return false, store.ErrNotFound
		}
		return false, tx.Commit()
	}
	if _, err := tx.Exec(
		`update executions set status = 'SKIPPED', updated_at = now()
		 where signal_id = $1 and status = 'PENDING'`,
		id,
	); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) HistoryForReceiver(accountID string, f domain.HistoryFilter) ([]domain.HistoryItem, error) {
	limit, offset := pageParams(f)
	rows, err := s.db.Query(
		`select s.id, s.provider_user_id, s.source_account, s.action, s.symbol, s.side,
		        s.volume, s.price, s.stop_loss, s.take_profit, s.ticket, s.magic, s.comment,
		        s.status, s.created_at, s.expires_at,
		        e.id, e.signal_id, e.account_id, e.status, e.executed_volume, e.executed_price,
		        e.slippage, e.receiver_ticket, e.error_code, e.error_message,
		        e.received_at, e.acknowledged_at, e.executed_at
		 from executions e
		 join signals s on s.id = e.signal_id
		 where e.account_id = $1
		   and ($2 = '' or upper(s.symbol) = upper($2))
		   and ($3::timestamptz is null or s.created_at >= $3)
		   and ($4::timestamptz is null or s.created_at <= $4)
		 order by s.created_at desc
		 limit $5 offset $6`,
		accountID, f.Symbol, nullTime(f.From), nullTime(f.To), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.HistoryItem, 0, limit)
	for rows.Next() {
		var sig domain.Signal
		var e domain.Execution
		var sigAction, sigStatus, execStatus string
		if err := rows.Scan(
			&sig.ID, &sig.ProviderUserID, &sig.SourceAccount, &sigAction, &sig.Symbol, &sig.Side,
			&sig.Volume, &sig.Price, &sig.StopLoss, &sig.TakeProfit, &sig.Ticket, &sig.Magic, &sig.Comment,
			&sigStatus, &sig.CreatedAt, &sig.ExpiresAt,
			&e.ID, &e.SignalID, &e.AccountID, &execStatus, &e.ExecutedVolume, &e.ExecutedPrice,
			&e.Slippage, &e.ReceiverTicket, &e.ErrorCode, &e.ErrorMessage,
			&e.ReceivedAt, &e.AcknowledgedAt, &e.ExecutedAt,
		); err != nil {
			return nil, err
		}
		sig.Action = domain.SignalAction(sigAction)
		sig.Status = domain.SignalStatus(sigStatus)
		e.Status = domain.ExecutionStatus(execStatus)
		exec := e
		items = append(items, domain.HistoryItem{Signal: sig, Execution: &exec})
	}
	return items, rows.Err()
}

func (s *Store) HistoryForProvider(userID string, f domain.HistoryFilter) ([]domain.HistoryItem, error) {
	limit, offset := pageParams(f)
	rows, err := s.db.Query(
		`select id, provider_user_id, source_account, action, symbol, side,
		        volume, price, stop_loss, take_profit, ticket, magic, comment,
		        status, created_at, expires_at
		 from signals
		 where provider_user_id = $1
		   and ($2 = '' or upper(symbol) = upper($2))
		   and ($3::timestamptz is null or created_at >= $3)
		   and ($4::timestamptz is null or created_at <= $4)
		 order by created_at desc
		 limit $5 offset $6`,
		userID, f.Symbol, nullTime(f.From), nullTime(f.To), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.HistoryItem, 0, limit)
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, domain.HistoryItem{Signal: sig})
	}
	return items, rows.Err()
}

func (s *Store) StatsForReceiver(accountID string, since time.Time) (domain.Stats, error) {
	return s.aggregateStats(
		`select e.status, s.symbol, s.action
		 from executions e
		 join signals s on s.id = e.signal_id
		 where e.account_id = $1 and e.received_at >= $2`,
		accountID, since,
	)
}

func (s *Store) StatsForProvider(userID string, since time.Time) (domain.Stats, error) {
	return s.aggregateStats(
		`select e.status, s.symbol, s.action
		 from executions e
		 join signals s on s.id = e.signal_id
		 where s.provider_user_id = $1 and e.received_at >= $2`,
		userID, since,
	)
}

func (s *Store) aggregateStats(query string, args ...interface{}) (domain.Stats, error) {
	stats := domain.Stats{
		ByStatus: make(map[domain.ExecutionStatus]int),
		BySymbol: make(map[string]int),
		ByAction: make(map[domain.SignalAction]int),
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, symbol, action string
		if err := rows.Scan(&status, &symbol, &action); err != nil {
			return stats, err
		}
		stats.Total++
		stats.ByStatus[domain.ExecutionStatus(status)]++
		stats.BySymbol[symbol]++
		stats.ByAction[domain.SignalAction(action)]++
	}
	return stats, rows.Err()
}

func (s *Store) AppendEvent(eventType domain.EventType, userID, accountID string, payload map[string]interface{}) domain.Event {
	event := domain.Event{
		ID:        uuid.NewString(),
		UserID:    userID,
		AccountID: accountID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(payload)
	_, _ = s.db.Exec(
		`insert into events(id, user_id, account_id, event_type, payload, created_at)
		 values ($1, $2, $3, $4, $5::jsonb, $6)`,
		event.ID, userID, accountID, string(eventType), string(raw), event.CreatedAt,
	)
	return event
}

func (s *Store) ListEvents(limit int) []domain.Event {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`select id, user_id, account_id, event_type, payload, created_at
		 from events order by created_at desc limit $1`,
		limit,
	)
	if err != nil {
		return []domain.Event{}
	}
	defer rows.Close()

	out := make([]domain.Event, 0, limit)
	for rows.Next() {
		var e domain.Event
		var eventType string
		var payloadRaw []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.AccountID, &eventType, &payloadRaw, &e.CreatedAt); err != nil {
			continue
		}
		e.Type = domain.EventType(eventType)
		_ = json.Unmarshal(payloadRaw, &e.Payload)
		if e.Payload == nil {
			e.Payload = map[string]interface{}{}
		}
		out = append(out, e)
	}
	return out
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (domain.Signal, error) {
	var sig domain.Signal
	var action, status string
	err := row.Scan(
		&sig.ID, &sig.ProviderUserID, &sig.SourceAccount, &action, &sig.Symbol, &sig.Side,
		&sig.Volume, &sig.Price, &sig.StopLoss, &sig.TakeProfit, &sig.Ticket, &sig.Magic, &sig.Comment,
		&status, &sig.CreatedAt, &sig.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Signal{}, store.ErrNotFound
		}
		return domain.Signal{}, err
	}
	sig.Action = domain.SignalAction(action)
	sig.Status = domain.SignalStatus(status)
	return sig, nil
}

func scanExecution(row rowScanner) (domain.Execution, error) {
	var e domain.Execution
	var status string
	err := row.Scan(
		&e.ID, &e.SignalID, &e.AccountID, &status, &e.ExecutedVolume, &e.ExecutedPrice,
		&e.Slippage, &e.ReceiverTicket, &e.ErrorCode, &e.ErrorMessage,
		&e.ReceivedAt, &e.AcknowledgedAt, &e.ExecutedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Execution{}, store.ErrNotFound
		}
		return domain.Execution{}, err
	}
	e.Status = domain.ExecutionStatus(status)
	return e, nil
}

func scanAccounts(rows *sql.Rows) ([]domain.TradeAccount, error) {
	out := make([]domain.TradeAccount, 0, 16)
	for rows.Next() {
		var a domain.TradeAccount
		var role string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Number, &role, &a.Active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Role = domain.AccountRole(role)
		out = append(out, a)
	}
	return out, rows.Err()
}

func pageParams(f domain.HistoryFilter) (limit, offset int) {
	limit = f.Limit
	if limit <= 0 {
		limit = 50
	}
	offset = f.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
