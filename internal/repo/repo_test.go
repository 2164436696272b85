package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"hireline/internal/db"
	"hireline/internal/domain"
	"hireline/internal/migrate"
)

func newTestRepo(t *testing.T) (Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}, context.Background()
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestFindOrCreateApplication(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := time.Now()

	a, created, err := r.FindOrCreateApplication(ctx, "wa:+6591234567", now)
	if err != nil || !created {
		t.Fatalf("first contact: created=%v err=%v", created, err)
	}
	if a.CurrentStep != domain.StepInitialContact || a.Version != 1 {
		t.Fatalf("fresh application: %+v", a)
	}

	b, created, err := r.FindOrCreateApplication(ctx, "wa:+6591234567", now)
	if err != nil || created {
		t.Fatalf("second contact: created=%v err=%v", created, err)
	}
	if b.ID != a.ID {
		t.Fatalf("same channel must map to the same application: %s vs %s", a.ID, b.ID)
	}
}

func TestCompareAndSwapConflict(t *testing.T) {
	r, ctx := newTestRepo(t)
	a, _, err := r.FindOrCreateApplication(ctx, "tg:42", time.Now())
	if err != nil {
		t.Fatal(err)
	}

	a.Status = "in_progress"
	a.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.CompareAndSwapApplication(ctx, tx, a, a.Version)
	}); err != nil {
		t.Fatalf("first swap: %v", err)
	}

	// Stale version loses.
	err = inTx(t, r, func(tx *sql.Tx) error {
		return r.CompareAndSwapApplication(ctx, tx, a, a.Version)
	})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("stale swap: %v", err)
	}

	got, err := r.GetApplication(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 2 || got.Status != "in_progress" {
		t.Fatalf("winner not persisted: %+v", got)
	}
}

func TestWebhookEventDedup(t *testing.T) {
	r, ctx := newTestRepo(t)
	evt := domain.WebhookEvent{
		ApplicationID: "app-1",
		EventType:     domain.EventFormSubmitted,
		DedupKey:      "app-1:form_submitted",
		Payload:       "{}",
		ReceivedAt:    time.Now().UTC().Format(time.RFC3339),
	}
	first, err := r.InsertWebhookEvent(ctx, nil, evt)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}

	second, err := r.InsertWebhookEvent(ctx, nil, evt)
	if !errors.Is(err, ErrDuplicateEvent) {
		t.Fatalf("second insert: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate must return the stored event, got %s vs %s", second.ID, first.ID)
	}
	if second.Processed {
		t.Fatalf("stored event should still be unprocessed")
	}

	if err := inTx(t, r, func(tx *sql.Tx) error {
		return r.MarkWebhookProcessed(ctx, tx, first.ID)
	}); err != nil {
		t.Fatal(err)
	}
	third, err := r.InsertWebhookEvent(ctx, nil, evt)
	if !errors.Is(err, ErrDuplicateEvent) || !third.Processed {
		t.Fatalf("processed flag not visible on replay: %+v err=%v", third, err)
	}

	ok, err := r.HasWebhookEvent(ctx, "app-1", domain.EventFormSubmitted)
	if err != nil || !ok {
		t.Fatalf("HasWebhookEvent: ok=%v err=%v", ok, err)
	}
	ok, err = r.HasWebhookEvent(ctx, "app-1", domain.EventInterviewBooked)
	if err != nil || ok {
		t.Fatalf("HasWebhookEvent wrong type: ok=%v err=%v", ok, err)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	hash := HashAPIKey("secret-key")
	if err := r.InsertAPIKey(ctx, domain.APIKey{ID: "k1", Issuer: "telegram-adapter", KeyHash: hash}); err != nil {
		t.Fatal(err)
	}
	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" secret-key \n"))
	if err != nil {
		t.Fatalf("lookup trims whitespace before hashing: %v", err)
	}
	if key.Issuer != "telegram-adapter" {
		t.Fatalf("issuer = %q", key.Issuer)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown key: %v", err)
	}
}
