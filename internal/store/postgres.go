package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tripnav/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Postgres{db: db}, nil
}

// Ping is used by the readiness check.
func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

// Migrate applies the embedded migrations in lexical order. Every statement
// is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		body, err := migrations.ReadFile(name)
		if err != nil {
			return fmt.Errorf("migrate: read %s: %w", name, err)
		}
		if _, err := p.db.ExecContext(ctx, string(body)); err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

func (p *Postgres) CreateTrip(ctx context.Context, trip model.Trip) (model.Trip, error) {
	if trip.ID == "" {
		trip.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	trip.Version = 1
	trip.CreatedAt = now
	trip.UpdatedAt = now
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `INSERT INTO trips (id, tenant_id, driver_id, status, version, current_stop_index, eligible, created_at, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7::jsonb,$8,$8)`,
		trip.ID, trip.TenantID, nullIfEmpty(trip.DriverID), trip.Status, trip.Version, trip.CurrentStopIndex, jsonList(trip.Eligible), now)
	if err != nil {
		return model.Trip{}, fmt.Errorf("insert trip: %w", err)
	}
	if err := insertStops(ctx, tx, trip.ID, trip.Stops); err != nil {
		return model.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Trip{}, err
	}
	return trip, nil
}

func (p *Postgres) GetTrip(ctx context.Context, tenantID, tripID string) (model.Trip, error) {
	if _, err := uuid.Parse(tripID); err != nil {
		return model.Trip{}, ErrNotFound
	}
	row := p.db.QueryRowContext(ctx, `SELECT id::text, tenant_id, COALESCE(driver_id,''), status, version, current_stop_index, eligible, created_at, updated_at, completed_at
        FROM trips WHERE tenant_id=$1 AND id=$2`, tenantID, tripID)
	t, err := scanTrip(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Trip{}, ErrNotFound
		}
		return model.Trip{}, err
	}
	if t.Stops, err = p.loadStops(ctx, t.ID); err != nil {
		return model.Trip{}, err
	}
	return t, nil
}

func (p *Postgres) ListTrips(ctx context.Context, tenantID, driverID, cursor string, limit int) ([]model.Trip, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := `SELECT id::text, tenant_id, COALESCE(driver_id,''), status, version, current_stop_index, eligible, created_at, updated_at, completed_at
        FROM trips WHERE tenant_id=$1 AND ($2 = '' OR driver_id = $2) AND ($3 = '' OR id::text > $3) ORDER BY id LIMIT $4`
	rows, err := p.db.QueryContext(ctx, q, tenantID, driverID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []model.Trip{}
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, "", err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}
	for i := range out {
		if out[i].Stops, err = p.loadStops(ctx, out[i].ID); err != nil {
			return nil, "", err
		}
	}
	next := ""
	if len(out) == limit {
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func (p *Postgres) SaveTrip(ctx context.Context, trip model.Trip, expectedVersion int) (model.Trip, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Trip{}, err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `UPDATE trips SET driver_id=$4, status=$5, version=version+1, current_stop_index=$6, eligible=$7::jsonb, updated_at=$8, completed_at=$9
        WHERE tenant_id=$1 AND id=$2 AND version=$3`,
		trip.TenantID, trip.ID, expectedVersion, nullIfEmpty(trip.DriverID), trip.Status, trip.CurrentStopIndex, jsonList(trip.Eligible), now, trip.CompletedAt)
	if err != nil {
		return model.Trip{}, fmt.Errorf("update trip: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trips WHERE tenant_id=$1 AND id=$2)`, trip.TenantID, trip.ID).Scan(&exists); err != nil {
			return model.Trip{}, err
		}
		if !exists {
			return model.Trip{}, ErrNotFound
		}
		return model.Trip{}, ErrVersionConflict
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trip_stops WHERE trip_id=$1`, trip.ID); err != nil {
		return model.Trip{}, fmt.Errorf("clear stops: %w", err)
	}
	if err := insertStops(ctx, tx, trip.ID, trip.Stops); err != nil {
		return model.Trip{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.Trip{}, err
	}
	trip.Version = expectedVersion + 1
	trip.UpdatedAt = now
	return trip, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (model.Trip, error) {
	var t model.Trip
	var eligible []byte
	var completedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.TenantID, &t.DriverID, &t.Status, &t.Version, &t.CurrentStopIndex, &eligible, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		return t, err
	}
	t.Eligible = []string{}
	if len(eligible) > 0 {
		_ = json.Unmarshal(eligible, &t.Eligible)
	}
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	return t, nil
}

func (p *Postgres) loadStops(ctx context.Context, tripID string) ([]model.TripStop, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT stop_id, COALESCE(name,''), sequenced, completed_at, lat, lng, pending_forms
        FROM trip_stops WHERE trip_id=$1 ORDER BY position`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.TripStop{}
	for rows.Next() {
		var s model.TripStop
		var completedAt sql.NullTime
		var lat, lng sql.NullFloat64
		var forms []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Sequenced, &completedAt, &lat, &lng, &forms); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			at := completedAt.Time
			s.CompletedAt = &at
		}
		if lat.Valid && lng.Valid {
			s.Location = &model.GeoPoint{Lat: lat.Float64, Lng: lng.Float64}
		}
		if len(forms) > 0 {
			_ = json.Unmarshal(forms, &s.PendingForms)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func insertStops(ctx context.Context, tx *sql.Tx, tripID string, stops []model.TripStop) error {
	for i, s := range stops {
		var lat, lng any
		if s.Location != nil {
			lat = s.Location.Lat
			lng = s.Location.Lng
		}
		forms, _ := json.Marshal(s.PendingForms)
		if s.PendingForms == nil {
			forms = []byte("[]")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO trip_stops (trip_id, position, stop_id, name, sequenced, completed_at, lat, lng, pending_forms)
            VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
			tripID, i, s.ID, nullIfEmpty(s.Name), s.Sequenced, s.CompletedAt, lat, lng, string(forms))
		if err != nil {
			return fmt.Errorf("insert stop %d: %w", s.ID, err)
		}
	}
	return nil
}

func (p *Postgres) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	id := uuid.New().String()
	ev, _ := json.Marshal(req.Events)
	_, err := p.db.ExecContext(ctx, `INSERT INTO subscriptions (id, tenant_id, url, events, secret) VALUES ($1,$2,$3,$4::jsonb,$5)`, id, req.TenantID, req.URL, string(ev), req.Secret)
	if err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{ID: id, TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}, nil
}

func (p *Postgres) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	filter, _ := json.Marshal([]string{eventType})
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND events @> $2::jsonb`, tenantID, string(filter))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		var events []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &events); err != nil {
			return nil, err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(events, &s.Events)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) ListSubscriptions(ctx context.Context, tenantID, cursor string, limit int) ([]model.Subscription, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, url, secret, events FROM subscriptions WHERE tenant_id=$1 AND ($2 = '' OR id::text > $2) ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	var out []model.Subscription
	var last string
	for rows.Next() {
		var s model.Subscription
		var ev []byte
		if err := rows.Scan(&s.ID, &s.URL, &s.Secret, &ev); err != nil {
			return nil, "", err
		}
		s.TenantID = tenantID
		_ = json.Unmarshal(ev, &s.Events)
		out = append(out, s)
		last = s.ID
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Webhook deliveries
func (p *Postgres) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	id := uuid.New().String()
	dk := computeDedupKey(payload)
	_, err := p.db.ExecContext(ctx, `INSERT INTO webhook_deliveries (id, tenant_id, subscription_id, event_type, url, secret, payload, status, attempts, next_attempt_at, dedup_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'pending',0,now(),$8)
        ON CONFLICT (tenant_id, event_type, url, dedup_key) DO NOTHING`, id, tenantID, nullIfEmpty(subscriptionID), eventType, url, nullIfEmpty(secret), payload, dk)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (p *Postgres) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, tenant_id, COALESCE(subscription_id::text,''), event_type, url, COALESCE(secret,''), payload, status, attempts
        FROM webhook_deliveries WHERE status IN ('pending','retry') AND next_attempt_at <= now() ORDER BY next_attempt_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []WebhookDelivery{}
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.TenantID, &d.SubscriptionID, &d.EventType, &d.URL, &d.Secret, &d.Payload, &d.Status, &d.Attempts); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	if !success {
		if nextAttemptAt == nil {
			t := time.Now().Add(1 * time.Minute)
			nextAttemptAt = &t
		}
		_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='retry', last_error=$1, next_attempt_at=$2, updated_at=now(), response_code=$4, latency_ms=$5 WHERE id=$3`, nullIfEmpty(lastError), *nextAttemptAt, id, responseCode, latencyMs)
		return err
	}
	_, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='delivered', delivered_at=now(), updated_at=now(), response_code=$2, latency_ms=$3 WHERE id=$1`, id, responseCode, latencyMs)
	return err
}

func (p *Postgres) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET attempts=attempts+1, status='failed', last_error=$2, updated_at=now(), response_code=$3, latency_ms=$4 WHERE id=$1`, id, nullIfEmpty(lastError), responseCode, latencyMs); err != nil {
		return err
	}
	// move to DLQ
	if _, err := tx.ExecContext(ctx, `INSERT INTO webhook_dlq (id, tenant_id, delivery_id, event_type, url, attempts, last_error)
        SELECT $2, tenant_id, id, event_type, url, attempts, $3 FROM webhook_deliveries WHERE id=$1`, id, uuid.New().String(), nullIfEmpty(lastError)); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *Postgres) ListWebhookDeliveries(ctx context.Context, tenantID, status, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, event_type, status, attempts, next_attempt_at, COALESCE(last_error,''), url FROM webhook_deliveries
        WHERE tenant_id=$1 AND ($2 = '' OR status=$2) AND ($3 = '' OR id::text > $3) ORDER BY id LIMIT $4`, tenantID, status, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, typ, st, lastErr, url string
		var attempts int
		var nextAt sql.NullTime
		if err := rows.Scan(&id, &typ, &st, &attempts, &nextAt, &lastErr, &url); err != nil {
			return nil, "", err
		}
		m := map[string]any{"id": id, "eventType": typ, "status": st, "attempts": attempts, "url": url}
		if nextAt.Valid {
			m["nextAttemptAt"] = nextAt.Time
		}
		if lastErr != "" {
			m["lastError"] = lastErr
		}
		out = append(out, m)
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RetryWebhookDelivery(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := p.db.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now() WHERE tenant_id=$1 AND id=$2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) ListWebhookDLQ(ctx context.Context, tenantID, cursor string, limit int) ([]map[string]any, string, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `SELECT id::text, delivery_id::text, event_type, attempts, COALESCE(last_error,''), created_at FROM webhook_dlq
        WHERE tenant_id=$1 AND ($2 = '' OR id::text > $2) ORDER BY id LIMIT $3`, tenantID, cursor, limit)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()
	out := []map[string]any{}
	var last string
	for rows.Next() {
		var id, deliveryID, typ, lastErr string
		var attempts int
		var createdAt time.Time
		if err := rows.Scan(&id, &deliveryID, &typ, &attempts, &lastErr, &createdAt); err != nil {
			return nil, "", err
		}
		out = append(out, map[string]any{"id": id, "deliveryId": deliveryID, "eventType": typ, "attempts": attempts, "lastError": lastErr, "createdAt": createdAt})
		last = id
	}
	next := ""
	if len(out) == limit {
		next = last
	}
	return out, next, rows.Err()
}

func (p *Postgres) RequeueWebhookDLQ(ctx context.Context, tenantID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	var deliveryID string
	err = tx.QueryRowContext(ctx, `DELETE FROM webhook_dlq WHERE tenant_id=$1 AND id=$2 RETURNING delivery_id::text`, tenantID, id).Scan(&deliveryID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE webhook_deliveries SET status='pending', attempts=0, next_attempt_at=now(), updated_at=now() WHERE id=$1`, deliveryID); err != nil {
		return err
	}
	return tx.Commit()
}

func computeDedupKey(payload []byte) string {
	// try to parse JSON and use id
	var m map[string]any
	if json.Unmarshal(payload, &m) == nil {
		if v, ok := m["id"].(string); ok && v != "" {
			return v
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:8])
}

// Helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}
