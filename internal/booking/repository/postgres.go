package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/example/fixly/internal/booking/domain"
)

const uniqueViolation = "23505"

// Schema holds the DDL for the durable tables. Applied by the service main
// when a database is configured.
const Schema = `
CREATE TABLE IF NOT EXISTS providers (
	id UUID PRIMARY KEY,
	user_id UUID NOT NULL UNIQUE,
	name TEXT NOT NULL DEFAULT '',
	skill_tags TEXT[] NOT NULL DEFAULT '{}',
	is_online BOOLEAN NOT NULL DEFAULT FALSE,
	lat DOUBLE PRECISION,
	lng DOUBLE PRECISION,
	address TEXT,
	rating DOUBLE PRECISION NOT NULL DEFAULT 5.0,
	balance_cents BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bookings (
	id UUID PRIMARY KEY,
	customer_id UUID NOT NULL,
	provider_id UUID,
	service_type TEXT NOT NULL,
	lat DOUBLE PRECISION NOT NULL,
	lng DOUBLE PRECISION NOT NULL,
	address TEXT,
	status TEXT NOT NULL,
	price_estimated_cents BIGINT NOT NULL DEFAULT 0,
	price_final_cents BIGINT NOT NULL DEFAULT 0,
	start_otp TEXT,
	end_otp TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	accepted_at TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	cancelled_at TIMESTAMPTZ,
	version BIGINT NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS bookings_status_idx ON bookings (status);
CREATE INDEX IF NOT EXISTS bookings_customer_idx ON bookings (customer_id);

CREATE TABLE IF NOT EXISTS reviews (
	id UUID PRIMARY KEY,
	booking_id UUID NOT NULL UNIQUE,
	customer_id UUID NOT NULL,
	provider_id UUID NOT NULL,
	rating INT NOT NULL,
	comment TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS reviews_provider_idx ON reviews (provider_id);

CREATE TABLE IF NOT EXISTS outbox (
	id SERIAL PRIMARY KEY,
	topic TEXT NOT NULL,
	payload BYTEA,
	published BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const bookingColumns = `id, customer_id, provider_id, service_type, lat, lng, address, status,
price_estimated_cents, price_final_cents, start_otp, end_otp,
created_at, accepted_at, started_at, completed_at, cancelled_at, version`

// PostgresBookingRepository implements domain.BookingRepository. Each guarded
// transition is a single conditional UPDATE keyed on the expected status, so
// the accept race is settled by the database.
type PostgresBookingRepository struct {
	db *sql.DB
}

func NewPostgresBookingRepository(db *sql.DB) *PostgresBookingRepository {
	return &PostgresBookingRepository{db: db}
}

func (r *PostgresBookingRepository) CreateBooking(ctx context.Context, booking domain.Booking) (domain.Booking, error) {
	booking.Version = 1
	_, err := r.db.ExecContext(ctx, `
INSERT INTO bookings (id, customer_id, provider_id, service_type, lat, lng, address, status,
	price_estimated_cents, price_final_cents, start_otp, end_otp, created_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		booking.ID, booking.CustomerID, uuidPtr(booking.ProviderID), booking.ServiceType,
		booking.Location.Lat, booking.Location.Lng, nullString(booking.Address), string(booking.Status),
		booking.PriceEstimated, booking.PriceFinal, nullString(booking.StartOtp), nullString(booking.EndOtp),
		booking.CreatedAt, booking.Version)
	if err != nil {
		return domain.Booking{}, fmt.Errorf("insert booking: %w", err)
	}
	return booking, nil
}

func (r *PostgresBookingRepository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	return scanBooking(row)
}

func (r *PostgresBookingRepository) ListByCustomer(ctx context.Context, customerID uuid.UUID) ([]domain.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE customer_id = $1 ORDER BY created_at DESC`, customerID)
}

func (r *PostgresBookingRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.Booking, error) {
	return r.list(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE provider_id = $1 ORDER BY created_at DESC`, providerID)
}

func (r *PostgresBookingRepository) list(ctx context.Context, query string, arg any) ([]domain.Booking, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list bookings: %w", err)
	}
	defer rows.Close()
	var out []domain.Booking
	for rows.Next() {
		booking, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, booking)
	}
	return out, rows.Err()
}

func (r *PostgresBookingRepository) AcceptBooking(ctx context.Context, id, providerID uuid.UUID, startOtp string, at time.Time) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE bookings
SET provider_id = $2, start_otp = $3, status = $4, accepted_at = $5, version = version + 1
WHERE id = $1 AND status = $6
RETURNING `+bookingColumns,
		id, providerID, startOtp, string(domain.StatusAccepted), at, string(domain.StatusPending))
	return r.guarded(ctx, id, row)
}

func (r *PostgresBookingRepository) StartBooking(ctx context.Context, id uuid.UUID, endOtp string, at time.Time) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE bookings
SET start_otp = NULL, end_otp = $2, status = $3, started_at = $4, version = version + 1
WHERE id = $1 AND status = $5
RETURNING `+bookingColumns,
		id, endOtp, string(domain.StatusInProgress), at, string(domain.StatusAccepted))
	return r.guarded(ctx, id, row)
}

func (r *PostgresBookingRepository) CompleteBooking(ctx context.Context, id uuid.UUID, finalPrice int64, at time.Time) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE bookings
SET end_otp = NULL, price_final_cents = $2, status = $3, completed_at = $4, version = version + 1
WHERE id = $1 AND status = $5
RETURNING `+bookingColumns,
		id, finalPrice, string(domain.StatusCompleted), at, string(domain.StatusInProgress))
	return r.guarded(ctx, id, row)
}

func (r *PostgresBookingRepository) CancelBooking(ctx context.Context, id uuid.UUID, at time.Time) (domain.Booking, error) {
	row := r.db.QueryRowContext(ctx, `
UPDATE bookings
SET status = $2, cancelled_at = $3, version = version + 1
WHERE id = $1 AND status IN ($4, $5)
RETURNING `+bookingColumns,
		id, string(domain.StatusCancelled), at, string(domain.StatusPending), string(domain.StatusAccepted))
	return r.guarded(ctx, id, row)
}

// guarded interprets a conditional UPDATE ... RETURNING result: no row means
// either the booking is missing or its status failed the precondition.
func (r *PostgresBookingRepository) guarded(ctx context.Context, id uuid.UUID, row *sql.Row) (domain.Booking, error) {
	booking, err := scanBooking(row)
	if err == nil {
		return booking, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Booking{}, err
	}
	if _, getErr := r.GetBooking(ctx, id); getErr != nil {
		return domain.Booking{}, getErr
	}
	return domain.Booking{}, domain.ErrInvalidTransition
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (domain.Booking, error) {
	var (
		booking    domain.Booking
		providerID sql.NullString
		address    sql.NullString
		startOtp   sql.NullString
		endOtp     sql.NullString
		status     string
		acceptedAt sql.NullTime
		startedAt  sql.NullTime
		doneAt     sql.NullTime
		cancelAt   sql.NullTime
	)
	err := row.Scan(&booking.ID, &booking.CustomerID, &providerID, &booking.ServiceType,
		&booking.Location.Lat, &booking.Location.Lng, &address, &status,
		&booking.PriceEstimated, &booking.PriceFinal, &startOtp, &endOtp,
		&booking.CreatedAt, &acceptedAt, &startedAt, &doneAt, &cancelAt, &booking.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Booking{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Booking{}, fmt.Errorf("scan booking: %w", err)
	}
	booking.Status = domain.BookingStatus(status)
	booking.Address = address.String
	booking.StartOtp = startOtp.String
	booking.EndOtp = endOtp.String
	if providerID.Valid {
		parsed, err := uuid.Parse(providerID.String)
		if err != nil {
			return domain.Booking{}, fmt.Errorf("parse provider id: %w", err)
		}
		booking.ProviderID = &parsed
	}
	booking.AcceptedAt = timePtr(acceptedAt)
	booking.StartedAt = timePtr(startedAt)
	booking.CompletedAt = timePtr(doneAt)
	booking.CancelledAt = timePtr(cancelAt)
	return booking, nil
}

// PostgresProviderRepository implements domain.ProviderRepository with an
// atomic SQL increment for balance credits.
type PostgresProviderRepository struct {
	db *sql.DB
}

func NewPostgresProviderRepository(db *sql.DB) *PostgresProviderRepository {
	return &PostgresProviderRepository{db: db}
}

const providerColumns = `id, user_id, name, skill_tags, is_online, lat, lng, address, rating, balance_cents, created_at, updated_at`

func (r *PostgresProviderRepository) CreateProvider(ctx context.Context, provider domain.Provider) (domain.Provider, error) {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO providers (id, user_id, name, skill_tags, is_online, rating, balance_cents, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		provider.ID, provider.UserID, provider.Name, tagsArray(provider.SkillTags), provider.Online,
		provider.Rating, provider.Balance, provider.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Provider{}, domain.ErrConflict
	}
	if err != nil {
		return domain.Provider{}, fmt.Errorf("insert provider: %w", err)
	}
	return provider, nil
}

func (r *PostgresProviderRepository) GetProvider(ctx context.Context, id uuid.UUID) (domain.Provider, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

func (r *PostgresProviderRepository) GetProviderByUserID(ctx context.Context, userID uuid.UUID) (domain.Provider, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+providerColumns+` FROM providers WHERE user_id = $1`, userID)
	return scanProvider(row)
}

func (r *PostgresProviderRepository) SetOnline(ctx context.Context, userID uuid.UUID, online bool) error {
	return r.exec(ctx, `UPDATE providers SET is_online = $2, updated_at = now() WHERE user_id = $1`, userID, online)
}

func (r *PostgresProviderRepository) UpdateLocation(ctx context.Context, userID uuid.UUID, point domain.GeoPoint, address string) error {
	if address != "" {
		return r.exec(ctx, `UPDATE providers SET lat = $2, lng = $3, address = $4, updated_at = now() WHERE user_id = $1`,
			userID, point.Lat, point.Lng, address)
	}
	return r.exec(ctx, `UPDATE providers SET lat = $2, lng = $3, updated_at = now() WHERE user_id = $1`,
		userID, point.Lat, point.Lng)
}

func (r *PostgresProviderRepository) CreditBalance(ctx context.Context, id uuid.UUID, amount int64) error {
	return r.exec(ctx, `UPDATE providers SET balance_cents = balance_cents + $2, updated_at = now() WHERE id = $1`, id, amount)
}

func (r *PostgresProviderRepository) SetRating(ctx context.Context, id uuid.UUID, rating float64) error {
	return r.exec(ctx, `UPDATE providers SET rating = $2, updated_at = now() WHERE id = $1`, id, rating)
}

func (r *PostgresProviderRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update provider: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanProvider(row *sql.Row) (domain.Provider, error) {
	var (
		provider domain.Provider
		tags     []byte
		lat, lng sql.NullFloat64
		address  sql.NullString
	)
	err := row.Scan(&provider.ID, &provider.UserID, &provider.Name, &tags, &provider.Online, &lat, &lng,
		&address, &provider.Rating, &provider.Balance, &provider.CreatedAt, &provider.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Provider{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Provider{}, fmt.Errorf("scan provider: %w", err)
	}
	provider.SkillTags = parseTagsArray(tags)
	provider.Address = address.String
	if lat.Valid && lng.Valid {
		provider.Location = &domain.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
	}
	return provider, nil
}

// PostgresReviewRepository implements domain.ReviewRepository; the unique
// constraint on booking_id enforces one review per booking.
type PostgresReviewRepository struct {
	db *sql.DB
}

func NewPostgresReviewRepository(db *sql.DB) *PostgresReviewRepository {
	return &PostgresReviewRepository{db: db}
}

func (r *PostgresReviewRepository) CreateReview(ctx context.Context, review domain.Review) (domain.Review, error) {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO reviews (id, booking_id, customer_id, provider_id, rating, comment, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		review.ID, review.BookingID, review.CustomerID, review.ProviderID,
		review.Rating, nullString(review.Comment), review.CreatedAt)
	if isUniqueViolation(err) {
		return domain.Review{}, domain.ErrDuplicateReview
	}
	if err != nil {
		return domain.Review{}, fmt.Errorf("insert review: %w", err)
	}
	return review, nil
}

func (r *PostgresReviewRepository) ListByProvider(ctx context.Context, providerID uuid.UUID) ([]domain.Review, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, booking_id, customer_id, provider_id, rating, comment, created_at
FROM reviews WHERE provider_id = $1 ORDER BY created_at DESC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()
	var out []domain.Review
	for rows.Next() {
		var (
			review  domain.Review
			comment sql.NullString
		)
		if err := rows.Scan(&review.ID, &review.BookingID, &review.CustomerID, &review.ProviderID,
			&review.Rating, &comment, &review.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		review.Comment = comment.String
		out = append(out, review)
	}
	return out, rows.Err()
}

// OutboxPublisher implements domain.EventPublisher by appending to the
// outbox table; the outbox worker relays rows to NATS.
type OutboxPublisher struct {
	db    *sql.DB
	topic string
}

func NewOutboxPublisher(db *sql.DB, topic string) *OutboxPublisher {
	if topic == "" {
		topic = "booking.events"
	}
	return &OutboxPublisher{db: db, topic: topic}
}

func (p *OutboxPublisher) Publish(ctx context.Context, event domain.BookingEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO outbox (topic, payload, published) VALUES ($1, $2, false)`, p.topic, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func uuidPtr(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return *id
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time
	return &value
}

// skill tags travel as a postgres text[] literal.
func tagsArray(tags []string) string {
	if len(tags) == 0 {
		return "{}"
	}
	out := "{"
	for i, tag := range tags {
		if i > 0 {
			out += ","
		}
		out += `"` + tag + `"`
	}
	return out + "}"
}

func parseTagsArray(raw []byte) []string {
	s := string(raw)
	if len(s) < 2 || s == "{}" {
		return nil
	}
	s = s[1 : len(s)-1]
	var tags []string
	for _, part := range splitCSV(s) {
		if len(part) >= 2 && part[0] == '"' && part[len(part)-1] == '"' {
			part = part[1 : len(part)-1]
		}
		if part != "" {
			tags = append(tags, part)
		}
	}
	return tags
}

func splitCSV(s string) []string {
	var parts []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, s[start:])
	return parts
}
