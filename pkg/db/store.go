package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/oxzoid/attendpay/pkg/models"
)

// Store persists events, raw payments and per-(event,user) transaction
// records. Streams are append-only except for Store.ReplacePull and the
// register state updates.
type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) *Store {
	return &Store{db: database}
}

// PutEvent is used by the events component that owns event creation.
func (s *Store) PutEvent(ctx context.Context, e models.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (url, name, address, fee_wei, organizer)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET name=excluded.name, address=excluded.address,
		  fee_wei=excluded.fee_wei, organizer=excluded.organizer
	`, e.URL, e.Name, e.Address, e.FeeWei, e.Organizer)
	return err
}

func (s *Store) GetEvent(ctx context.Context, url string) (*models.Event, error) {
	var (
		e    models.Event
		name sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT url, name, address, fee_wei, organizer FROM events WHERE url = ?
	`, url).Scan(&e.URL, &name, &e.Address, &e.FeeWei, &e.Organizer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Name = name.String
	return &e, nil
}

// SaveRawPayment archives a webhook body verbatim.
func (s *Store) SaveRawPayment(ctx context.Context, p models.RawPayment) (string, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	body, err := json.Marshal(p.Body)
	if err != nil {
		return "", err
	}
	headers, err := json.Marshal(p.Headers)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payments (id, reference_code, body_json, headers_json, ip, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, p.ID, p.ReferenceCode, string(body), string(headers), p.IP, formatTime(p.ReceivedAt))
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// GetRawPayment returns the first archived body for a reference code.
func (s *Store) GetRawPayment(ctx context.Context, referenceCode string) (*models.RawPayment, error) {
	var (
		p                models.RawPayment
		body, receivedAt string
		headers, ip      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference_code, body_json, headers_json, ip, received_at
		FROM payments WHERE reference_code = ?
		ORDER BY received_at ASC LIMIT 1
	`, referenceCode).Scan(&p.ID, &p.ReferenceCode, &body, &headers, &ip, &receivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &p.Body); err != nil {
		return nil, fmt.Errorf("decode payment body: %w", err)
	}
	if headers.Valid && headers.String != "" {
		_ = json.Unmarshal([]byte(headers.String), &p.Headers)
	}
	p.IP = ip.String
	p.ReceivedAt = parseTime(receivedAt)
	return &p, nil
}

// SetClosable marks a reference code closable. Writing it twice is a no-op.
func (s *Store) SetClosable(ctx context.Context, referenceCode string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO closable (reference_code) VALUES (?)`, referenceCode)
	return err
}

func (s *Store) IsClosable(ctx context.Context, referenceCode string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM closable WHERE reference_code = ?`, referenceCode).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
