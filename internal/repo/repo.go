package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hireline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicateEvent  = errors.New("duplicate webhook event")
)

const appColumns = `id,channel_identity,current_step,status,fields_json,attempts,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (domain.Application, error) {
	var a domain.Application
	var fieldsJSON string
	err := row.Scan(&a.ID, &a.ChannelIdentity, &a.CurrentStep, &a.Status, &fieldsJSON, &a.Attempts, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if fieldsJSON != "" {
		if err := json.Unmarshal([]byte(fieldsJSON), &a.Fields); err != nil {
			return a, fmt.Errorf("decode fields for application %s: %w", a.ID, err)
		}
	}
	return a, nil
}

func marshalFields(fields map[string]string) (string, error) {
	if len(fields) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	return string(b), nil
}

// FindOrCreateApplication returns the application for a channel identity,
// creating it at the initial step on first contact. Safe under concurrent
// first messages from the same identity.
func (r Repo) FindOrCreateApplication(ctx context.Context, channelIdentity string, now time.Time) (domain.Application, bool, error) {
	if channelIdentity == "" {
		return domain.Application{}, false, errors.New("channel identity required")
	}
	a, err := r.GetApplicationByChannel(ctx, channelIdentity)
	if err == nil {
		return a, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Application{}, false, err
	}
	ts := now.UTC().Format(time.RFC3339)
	id := uuid.New().String()
	res, err := r.DB.ExecContext(ctx, `INSERT INTO applications(`+appColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(channel_identity) DO NOTHING`,
		id, channelIdentity, domain.StepInitialContact, "pending", "{}", 0, 1, ts, ts)
	if err != nil {
		return domain.Application{}, false, err
	}
	created := false
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		created = true
	}
	a, err = r.GetApplicationByChannel(ctx, channelIdentity)
	return a, created, err
}

func (r Repo) GetApplication(ctx context.Context, id string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+appColumns+` FROM applications WHERE id=?`, id))
}

func (r Repo) GetApplicationByChannel(ctx context.Context, channelIdentity string) (domain.Application, error) {
	return scanApplication(r.DB.QueryRowContext(ctx, `SELECT `+appColumns+` FROM applications WHERE channel_identity=?`, channelIdentity))
}

func (r Repo) ListApplications(ctx context.Context) ([]domain.Application, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+appColumns+` FROM applications ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CompareAndSwapApplication persists the application only if the stored row
// still carries expectedVersion, bumping version by one. Returns
// ErrVersionConflict when another transition won the race.
func (r Repo) CompareAndSwapApplication(ctx context.Context, tx *sql.Tx, a domain.Application, expectedVersion int64) error {
	fieldsJSON, err := marshalFields(a.Fields)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE applications
		SET current_step=?, status=?, fields_json=?, attempts=?, version=version+1, updated_at=?
		WHERE id=? AND version=?`,
		a.CurrentStep, a.Status, fieldsJSON, a.Attempts, a.UpdatedAt, a.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrVersionConflict
	}
	return nil
}

// InsertMessage appends a message log entry. Messages are immutable.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO messages(id,application_id,direction,kind,content,step,created_at) VALUES (?,?,?,?,?,?,?)`,
		m.ID, m.ApplicationID, m.Direction, m.Kind, m.Content, m.Step, m.CreatedAt)
	return err
}

func (r Repo) ListMessages(ctx context.Context, applicationID string) ([]domain.Message, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,application_id,direction,kind,content,step,created_at FROM messages WHERE application_id=? ORDER BY created_at, id`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.ApplicationID, &m.Direction, &m.Kind, &m.Content, &m.Step, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// InsertWebhookEvent records an event before it is acted on. A second insert
// with the same dedup key returns the stored event and ErrDuplicateEvent.
func (r Repo) InsertWebhookEvent(ctx context.Context, tx *sql.Tx, evt domain.WebhookEvent) (domain.WebhookEvent, error) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	res, err := exec(ctx, `INSERT INTO webhook_events(id,application_id,event_type,dedup_key,payload_json,processed,received_at) VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(dedup_key) DO NOTHING`,
		evt.ID, evt.ApplicationID, evt.EventType, evt.DedupKey, evt.Payload, boolToInt(evt.Processed), evt.ReceivedAt)
	if err != nil {
		return evt, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return evt, err
	}
	if n == 0 {
		stored, err := r.getWebhookEventByDedup(ctx, tx, evt.DedupKey)
		if err != nil {
			return evt, err
		}
		return stored, ErrDuplicateEvent
	}
	return evt, nil
}

func (r Repo) getWebhookEventByDedup(ctx context.Context, tx *sql.Tx, dedupKey string) (domain.WebhookEvent, error) {
	query := r.DB.QueryRowContext
	if tx != nil {
		query = tx.QueryRowContext
	}
	row := query(ctx, `SELECT id,application_id,event_type,dedup_key,payload_json,processed,received_at FROM webhook_events WHERE dedup_key=?`, dedupKey)
	var evt domain.WebhookEvent
	var processed int
	err := row.Scan(&evt.ID, &evt.ApplicationID, &evt.EventType, &evt.DedupKey, &evt.Payload, &processed, &evt.ReceivedAt)
	if err == sql.ErrNoRows {
		return evt, ErrNotFound
	}
	evt.Processed = processed != 0
	return evt, err
}

// HasWebhookEvent reports whether any event of the given type was recorded
// for the application. Used by the dual-confirmation form gate.
func (r Repo) HasWebhookEvent(ctx context.Context, applicationID string, eventType domain.WebhookEventType) (bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT 1 FROM webhook_events WHERE application_id=? AND event_type=? LIMIT 1`, applicationID, eventType)
	if err != nil {
		return false, err
	}
	defer rows.Close()
	return rows.Next(), nil
}

// MarkWebhookProcessed flips the processed flag inside the transition's tx.
func (r Repo) MarkWebhookProcessed(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE webhook_events SET processed=1 WHERE id=?`, id)
	return err
}

// EventsAfter returns audit events with id greater than the cursor.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64, applicationID string) ([]domain.Event, error) {
	query := `SELECT id,ts,type,COALESCE(application_id,''),payload_json FROM events WHERE id>?`
	args := []any{afterID}
	if applicationID != "" {
		query += ` AND application_id=?`
		args = append(args, applicationID)
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ApplicationID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
