package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const uniqueViolation = "23505"

// Open connects to Postgres and waits for it to accept connections.
func Open(ctx context.Context, dsn string, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Wait for database to be ready
	var pingErr error
	for i := 0; i < 30; i++ {
		if pingErr = db.PingContext(ctx); pingErr == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.Info("Waiting for database...")

		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}

	db.Close()
	return nil, fmt.Errorf("database not reachable: %w", pingErr)
}

// PostgresStore keeps daily totals, reservations and payment guards in
// Postgres. Every mutation of a daily total is a single conditional
// statement inside a transaction.
type PostgresStore struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgresStore(db *sql.DB, logger *logrus.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// Migrate creates tables and stored functions if they don't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	s.logger.Info("Inventory schema ready")
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Used(ctx context.Context, date string) (int, error) {
	return usedUnits(ctx, s.db, date)
}

func (s *PostgresStore) UsedForDates(ctx context.Context, dates []string) (map[string]int, error) {
	usage := make(map[string]int, len(dates))
	if len(dates) == 0 {
		return usage, nil
	}

	query := `
		SELECT to_char(pickup_date, 'YYYY-MM-DD'), used_units
		FROM daily_inventory WHERE pickup_date = ANY($1::date[])
	`
	rows, err := s.db.QueryContext(ctx, query, pq.Array(dates))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var date string
		var used int
		if err := rows.Scan(&date, &used); err != nil {
			return nil, err
		}
		usage[date] = used
	}
	return usage, rows.Err()
}

func (s *PostgresStore) Reserve(ctx context.Context, r Reservation, limit int) (Reservation, Change, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, Change{}, err
	}
	defer tx.Rollback()

	existing, err := reservationByKey(ctx, tx, r.IdempotencyKey)
	switch {
	case err == nil && (existing.Status == StatusPending || existing.Status == StatusConfirmed):
		used, err := usedUnits(ctx, tx, existing.Date)
		if err != nil {
			return Reservation{}, Change{}, err
		}
		return existing, Change{Date: existing.Date, Used: used}, tx.Commit()
	case err == nil:
		// A settled hold frees its key for a new attempt.
		if _, err := tx.ExecContext(ctx, `DELETE FROM inventory_reservations WHERE id = $1`, existing.ID); err != nil {
			return Reservation{}, Change{}, err
		}
	case !errors.Is(err, sql.ErrNoRows):
		return Reservation{}, Change{}, err
	}

	var used int
	err = tx.QueryRowContext(ctx, reserveQuery, r.Date, r.Units, limit).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		current, err := usedUnits(ctx, tx, r.Date)
		if err != nil {
			return Reservation{}, Change{}, err
		}
		return Reservation{}, Change{}, &ExceededError{Date: r.Date, Requested: r.Units, Remaining: remaining(limit, current)}
	}
	if err != nil {
		return Reservation{}, Change{}, err
	}

	insert := `
		INSERT INTO inventory_reservations (id, idempotency_key, pickup_date, units, status, expires_at, created_at)
		VALUES ($1, $2, $3::date, $4, $5, $6, $7)
	`
	_, err = tx.ExecContext(ctx, insert, r.ID, r.IdempotencyKey, r.Date, r.Units, string(StatusPending), r.ExpiresAt, r.CreatedAt)
	if isUniqueViolation(err) {
		// Lost a race with a request carrying the same key.
		tx.Rollback()
		return s.existingHold(ctx, r.IdempotencyKey)
	}
	if err != nil {
		return Reservation{}, Change{}, err
	}

	if err := tx.Commit(); err != nil {
		return Reservation{}, Change{}, err
	}
	r.Status = StatusPending
	return r, Change{Date: r.Date, Used: used, Delta: r.Units}, nil
}

func (s *PostgresStore) existingHold(ctx context.Context, key string) (Reservation, Change, error) {
	existing, err := reservationByKey(ctx, s.db, key)
	if err != nil {
		return Reservation{}, Change{}, err
	}
	used, err := usedUnits(ctx, s.db, existing.Date)
	if err != nil {
		return Reservation{}, Change{}, err
	}
	return existing, Change{Date: existing.Date, Used: used}, nil
}

func (s *PostgresStore) Release(ctx context.Context, req ReleaseRequest) (Change, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Change{}, false, err
	}
	defer tx.Rollback()

	query := `
		SELECT to_char(pickup_date, 'YYYY-MM-DD'), units, status, expires_at
		FROM inventory_reservations WHERE id = $1 FOR UPDATE
	`
	var (
		date      string
		units     int
		status    string
		expiresAt time.Time
	)
	err = tx.QueryRowContext(ctx, query, req.ID).Scan(&date, &units, &status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Change{}, false, ErrReservationNotFound
	}
	if err != nil {
		return Change{}, false, err
	}

	if Status(status) != StatusPending {
		return Change{}, false, nil
	}
	if !req.ExpiredBy.IsZero() && expiresAt.After(req.ExpiredBy) {
		return Change{}, false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE inventory_reservations SET status = $2, updated_at = now() WHERE id = $1`,
		req.ID, string(req.Status)); err != nil {
		return Change{}, false, err
	}

	used, err := addUnits(ctx, tx, date, -units)
	if err != nil {
		return Change{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Change{}, false, err
	}
	return Change{Date: date, Used: used, Delta: -units}, true, nil
}

func (s *PostgresStore) AttachOrder(ctx context.Context, reservationID, orderID, paymentLinkID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE inventory_reservations
		SET order_id = $2, payment_link_id = $3, updated_at = now()
		WHERE id = $1
	`, reservationID, orderID, paymentLinkID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (s *PostgresStore) ConfirmPayment(ctx context.Context, c PaymentConfirmation) (ConfirmResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ConfirmResult{}, err
	}
	defer tx.Rollback()

	// The payment guard goes in first so a redelivered webhook never counts twice.
	result, err := tx.ExecContext(ctx, `
		INSERT INTO payment_confirmations (payment_id, order_id, pickup_date, units)
		VALUES ($1, $2, $3::date, $4)
		ON CONFLICT (payment_id) DO NOTHING
	`, c.PaymentID, c.OrderID, c.Date, c.Units)
	if err != nil {
		return ConfirmResult{}, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return ConfirmResult{}, err
	}
	if inserted == 0 {
		return ConfirmResult{Applied: false}, nil
	}

	var (
		reservationID string
		heldDate      string
		heldUnits     int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, to_char(pickup_date, 'YYYY-MM-DD'), units
		FROM inventory_reservations
		WHERE order_id = $1 AND status = 'PENDING'
		ORDER BY created_at
		LIMIT 1
		FOR UPDATE
	`, c.OrderID).Scan(&reservationID, &heldDate, &heldUnits)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ConfirmResult{}, err
	}

	confirm := ConfirmResult{Applied: true, ReservationID: reservationID}

	if reservationID == "" {
		used, err := addUnits(ctx, tx, c.Date, c.Units)
		if err != nil {
			return ConfirmResult{}, err
		}
		confirm.Changes = []Change{{Date: c.Date, Used: used, Delta: c.Units}}
		return confirm, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE inventory_reservations SET status = 'CONFIRMED', updated_at = now() WHERE id = $1`,
		reservationID); err != nil {
		return ConfirmResult{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE payment_confirmations SET reservation_id = $2 WHERE payment_id = $1`,
		c.PaymentID, reservationID); err != nil {
		return ConfirmResult{}, err
	}

	if heldDate == c.Date {
		used, err := addUnits(ctx, tx, c.Date, c.Units-heldUnits)
		if err != nil {
			return ConfirmResult{}, err
		}
		confirm.Changes = []Change{{Date: c.Date, Used: used, Delta: c.Units - heldUnits}}
		return confirm, tx.Commit()
	}

	// The order was moved to another day after the hold was taken.
	released, err := addUnits(ctx, tx, heldDate, -heldUnits)
	if err != nil {
		return ConfirmResult{}, err
	}
	used, err := addUnits(ctx, tx, c.Date, c.Units)
	if err != nil {
		return ConfirmResult{}, err
	}
	confirm.Changes = []Change{
		{Date: heldDate, Used: released, Delta: -heldUnits},
		{Date: c.Date, Used: used, Delta: c.Units},
	}
	return confirm, tx.Commit()
}

func (s *PostgresStore) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM inventory_reservations
		WHERE status = 'PENDING' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// reserveQuery only writes when the new total stays within the limit. No
// row comes back when it would not.
const reserveQuery = `
	INSERT INTO daily_inventory (pickup_date, used_units)
	SELECT $1::date, $2::int WHERE $2::int <= $3::int
	ON CONFLICT (pickup_date) DO UPDATE
	SET used_units = daily_inventory.used_units + EXCLUDED.used_units, updated_at = now()
	WHERE daily_inventory.used_units + EXCLUDED.used_units <= $3::int
	RETURNING used_units
`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func usedUnits(ctx context.Context, q queryer, date string) (int, error) {
	var used int
	err := q.QueryRowContext(ctx, `SELECT used_units FROM daily_inventory WHERE pickup_date = $1::date`, date).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return used, err
}

// addUnits applies delta without a limit check. Totals never go below zero.
func addUnits(ctx context.Context, q queryer, date string, delta int) (int, error) {
	var used int
	err := q.QueryRowContext(ctx, `
		INSERT INTO daily_inventory (pickup_date, used_units)
		VALUES ($1::date, GREATEST($2::int, 0))
		ON CONFLICT (pickup_date) DO UPDATE
		SET used_units = GREATEST(daily_inventory.used_units + $2::int, 0), updated_at = now()
		RETURNING used_units
	`, date, delta).Scan(&used)
	return used, err
}

func reservationByKey(ctx context.Context, q queryer, key string) (Reservation, error) {
	var (
		r             Reservation
		status        string
		orderID       sql.NullString
		paymentLinkID sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, idempotency_key, to_char(pickup_date, 'YYYY-MM-DD'), units, status,
		       order_id, payment_link_id, expires_at, created_at
		FROM inventory_reservations WHERE idempotency_key = $1
	`, key).Scan(&r.ID, &r.IdempotencyKey, &r.Date, &r.Units, &status,
		&orderID, &paymentLinkID, &r.ExpiresAt, &r.CreatedAt)
	if err != nil {
		return Reservation{}, err
	}
	r.Status = Status(status)
	r.OrderID = orderID.String
	r.PaymentLinkID = paymentLinkID.String
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}
