package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/attendpay/pkg/models"
)

// entry is the row shape shared by the three streams.
type entry struct {
	id            string
	referenceCode string
	counter       sql.NullInt64
	date          string
	amount        string
	currency      string
	state         string
	message       string
	method        string
	receipt       string
	txHash        string
	errMsg        string
	feeWei        string
	ethPrice      string
}

// execer lets append run inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const ensureTransaction = `INSERT OR IGNORE INTO transactions (event, user_address) VALUES (?, ?)`

// appendEntry computes the next position inside the INSERT itself so two
// appends on the same stream never pick the same slot.
const appendEntry = `
	INSERT INTO transaction_entries
	  (id, event, user_address, stream, position, reference_code, counter, date,
	   amount, currency, state, message, method, receipt, tx_hash, error, fee_wei, eth_price)
	SELECT ?, ?, ?, ?, COALESCE(MAX(position) + 1, 0), ?, ?, ?,
	       ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	FROM transaction_entries
	WHERE event = ? AND user_address = ? AND stream = ?
`

func appendRow(ctx context.Context, ex execer, event, user, stream string, e entry) (string, error) {
	if e.id == "" {
		e.id = uuid.New().String()
	}
	if _, err := ex.ExecContext(ctx, ensureTransaction, event, user); err != nil {
		return "", err
	}
	_, err := ex.ExecContext(ctx, appendEntry,
		e.id, event, user, stream, e.referenceCode, e.counter, e.date,
		e.amount, e.currency, e.state, e.message, e.method, e.receipt, e.txHash, e.errMsg, e.feeWei, e.ethPrice,
		event, user, stream,
	)
	if err != nil {
		return "", fmt.Errorf("append %s entry: %w", stream, err)
	}
	return e.id, nil
}

func (s *Store) appendInTx(ctx context.Context, event, user, stream string, e entry) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()
	id, err := appendRow(ctx, tx, event, user, stream, e)
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

func (s *Store) AppendPush(ctx context.Context, event, user string, p models.PushEntry) error {
	_, err := s.appendInTx(ctx, event, user, models.StreamPush, entry{
		referenceCode: p.ReferenceCode,
		date:          formatTime(p.Date),
		amount:        p.Amount,
		currency:      p.Currency,
		state:         p.State,
		message:       p.Message,
	})
	return err
}

func pullRow(p models.PullEntry) entry {
	return entry{
		referenceCode: p.ReferenceCode,
		counter:       sql.NullInt64{Int64: int64(p.Counter), Valid: true},
		date:          formatTime(p.Date),
		amount:        p.Amount,
		currency:      p.Currency,
		state:         p.State,
		message:       p.Message,
		method:        p.Method,
		receipt:       p.Receipt,
	}
}

func (s *Store) AppendPull(ctx context.Context, event, user string, p models.PullEntry) error {
	_, err := s.appendInTx(ctx, event, user, models.StreamPull, pullRow(p))
	return err
}

// ReplacePull overwrites the pull entry at position. Only a PENDING entry may
// be replaced; anything else is append-only.
func (s *Store) ReplacePull(ctx context.Context, event, user string, position int, p models.PullEntry) error {
	e := pullRow(p)
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_entries
		SET reference_code=?, counter=?, date=?, amount=?, currency=?, state=?, message=?, method=?, receipt=?
		WHERE event=? AND user_address=? AND stream=? AND position=? AND state=?
	`, e.referenceCode, e.counter, e.date, e.amount, e.currency, e.state, e.message, e.method, e.receipt,
		event, user, models.StreamPull, position, models.PaymentPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pull entry %d for %s/%s: %w", position, event, user, ErrNotFound)
	}
	return nil
}

func registerRow(r models.RegisterEntry) entry {
	return entry{
		id:            r.ID,
		referenceCode: r.ReferenceCode,
		date:          formatTime(r.Date),
		amount:        r.Amount,
		currency:      r.Currency,
		state:         r.State,
		txHash:        r.TxHash,
		errMsg:        r.Error,
		feeWei:        r.FeeWei,
		ethPrice:      r.ETHPrice,
	}
}

// AppendRegister records a registration outcome without claiming the
// reference code.
func (s *Store) AppendRegister(ctx context.Context, event, user string, r models.RegisterEntry) (string, error) {
	return s.appendInTx(ctx, event, user, models.StreamRegister, registerRow(r))
}

// ClaimRegistration atomically claims referenceCode for settlement and
// appends a CREATED register entry. It returns ErrAlreadyClaimed when the code
// was claimed before.
func (s *Store) ClaimRegistration(ctx context.Context, event, user string, r models.RegisterEntry) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO settlement_claims (reference_code, event, user_address) VALUES (?, ?, ?)
	`, r.ReferenceCode, event, user)
	if err != nil {
		if sqliteIsUniqueConstraintError(err) {
			return "", ErrAlreadyClaimed
		}
		return "", err
	}
	r.State = models.StateCreated
	id, err := appendRow(ctx, tx, event, user, models.StreamRegister, registerRow(r))
	if err != nil {
		return "", err
	}
	return id, tx.Commit()
}

// UpdateRegister sets the outcome of a claimed registration.
func (s *Store) UpdateRegister(ctx context.Context, id string, r models.RegisterEntry) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_entries
		SET state=?, tx_hash=?, error=?, fee_wei=?, eth_price=?
		WHERE id=? AND stream=?
	`, r.State, r.TxHash, r.Error, r.FeeWei, r.ETHPrice, id, models.StreamRegister)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("register entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// SetRegisterState moves a register entry from one state to another.
func (s *Store) SetRegisterState(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE transaction_entries SET state=? WHERE id=? AND stream=? AND state=?
	`, to, id, models.StreamRegister, from)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetTransaction loads the full record for (event, user), streams ordered by
// position.
func (s *Store) GetTransaction(ctx context.Context, event, user string) (*models.Transaction, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM transactions WHERE event = ? AND user_address = ?
	`, event, user).Scan(&n); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream, reference_code, counter, date,
		       COALESCE(amount,''), COALESCE(currency,''), state, COALESCE(message,''),
		       COALESCE(method,''), COALESCE(receipt,''), COALESCE(tx_hash,''),
		       COALESCE(error,''), COALESCE(fee_wei,''), COALESCE(eth_price,'')
		FROM transaction_entries
		WHERE event = ? AND user_address = ?
		ORDER BY stream, position ASC
	`, event, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	t := &models.Transaction{
		Event:    event,
		User:     user,
		Push:     []models.PushEntry{},
		Pull:     []models.PullEntry{},
		Register: []models.RegisterEntry{},
	}
	for rows.Next() {
		var (
			e      entry
			stream string
		)
		if err := rows.Scan(&e.id, &stream, &e.referenceCode, &e.counter, &e.date,
			&e.amount, &e.currency, &e.state, &e.message,
			&e.method, &e.receipt, &e.txHash,
			&e.errMsg, &e.feeWei, &e.ethPrice); err != nil {
			return nil, err
		}
		switch stream {
		case models.StreamPush:
			t.Push = append(t.Push, models.PushEntry{
				ReferenceCode: e.referenceCode,
				Date:          parseTime(e.date),
				Amount:        e.amount,
				Currency:      e.currency,
				State:         e.state,
				Message:       e.message,
			})
		case models.StreamPull:
			t.Pull = append(t.Pull, models.PullEntry{
				ReferenceCode: e.referenceCode,
				Counter:       int(e.counter.Int64),
				Date:          parseTime(e.date),
				Amount:        e.amount,
				Currency:      e.currency,
				State:         e.state,
				Message:       e.message,
				Method:        e.method,
				Receipt:       e.receipt,
			})
		case models.StreamRegister:
			t.Register = append(t.Register, models.RegisterEntry{
				ID:            e.id,
				ReferenceCode: e.referenceCode,
				Date:          parseTime(e.date),
				Amount:        e.amount,
				Currency:      e.currency,
				State:         e.state,
				TxHash:        e.txHash,
				Error:         e.errMsg,
				FeeWei:        e.feeWei,
				ETHPrice:      e.ethPrice,
			})
		}
	}
	return t, rows.Err()
}

// TransactionKey identifies a transaction record.
type TransactionKey struct {
	Event string
	User  string
}

// WithRegisterState lists the records holding a register entry in state.
func (s *Store) WithRegisterState(ctx context.Context, state string) ([]TransactionKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT event, user_address FROM transaction_entries
		WHERE stream = ? AND state = ?
		ORDER BY event, user_address
	`, models.StreamRegister, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []TransactionKey
	for rows.Next() {
		var k TransactionKey
		if err := rows.Scan(&k.Event, &k.User); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// StaleRegistration is a register entry left in CREATED after its claim.
type StaleRegistration struct {
	TransactionKey
	ID            string
	ReferenceCode string
	Date          time.Time
}

// StaleRegistrations lists CREATED register entries claimed before cutoff.
// Such entries never received an outcome and keep their reference code
// claimed until an operator resolves them.
func (s *Store) StaleRegistrations(ctx context.Context, cutoff time.Time) ([]StaleRegistration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event, user_address, reference_code, date FROM transaction_entries
		WHERE stream = ? AND state = ?
		ORDER BY event, user_address, position
	`, models.StreamRegister, models.StateCreated)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stale []StaleRegistration
	for rows.Next() {
		var (
			r    StaleRegistration
			date string
		)
		if err := rows.Scan(&r.ID, &r.Event, &r.User, &r.ReferenceCode, &date); err != nil {
			return nil, err
		}
		r.Date = parseTime(date)
		if r.Date.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	return stale, rows.Err()
}
