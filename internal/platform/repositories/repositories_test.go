package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	_ "github.com/mattn/go-sqlite3"
	"webhookd/internal/platform/database"
	"webhookd/internal/platform/models"
)

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open db: %v", err)
	}
	// one connection, otherwise every connection sees its own empty :memory: database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	if err := database.Migrate(context.Background(), db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return database.Wrap(db, database.DriverSQLite)
}

func strPtr(s string) *string { return &s }

func newSubscription(events []string, active bool) *models.Subscription {
	return &models.Subscription{
		UserID:       strPtr("user1"),
		URL:          "https://example.com/hook",
		Events:       events,
		Secret:       "secret",
		Active:       active,
		MaxRetries:   3,
		RetryBackoff: models.BackoffExponential,
	}
}

func TestSubscriptionRepository_CreateAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	sub := newSubscription([]string{"comment.created"}, true)
	if err := repo.Create(ctx, sub); err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}
	if sub.ID == "" {
		t.Fatal("Expected generated ID")
	}

	fetched, err := repo.FindByID(ctx, sub.ID)
	if err != nil {
		t.Fatalf("Failed to get subscription: %v", err)
	}
	if fetched.URL != sub.URL || len(fetched.Events) != 1 || fetched.Events[0] != "comment.created" {
		t.Errorf("Unexpected subscription: %+v", fetched)
	}
	if fetched.UserID == nil || *fetched.UserID != "user1" {
		t.Errorf("Expected owner user1, got %v", fetched.UserID)
	}

	missing, err := repo.FindByID(ctx, "wh_missing")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing subscription, got %v, %v", missing, err)
	}
}

func TestSubscriptionRepository_FindActiveByEventType(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSubscriptionRepository(db)
	ctx := context.Background()

	exact := newSubscription([]string{"comment.created"}, true)
	wildcard := newSubscription([]string{"*"}, true)
	inactive := newSubscription([]string{"*"}, false)
	other := newSubscription([]string{"product.updated"}, true)
	for _, s := range []*models.Subscription{exact, wildcard, inactive, other} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Failed to create subscription: %v", err)
		}
	}

	tests := []struct {
		name     string
		event    string
		expected []string
	}{
		{name: "Exact And Wildcard", event: "comment.created", expected: []string{exact.ID, wildcard.ID}},
		{name: "Wildcard Only", event: "post.deleted", expected: []string{wildcard.ID}},
		{name: "Other Event", event: "product.updated", expected: []string{wildcard.ID, other.ID}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subs, err := repo.FindActiveByEventType(ctx, tt.event)
			if err != nil {
				t.Fatalf("FindActiveByEventType() error = %v", err)
			}
			got := map[string]bool{}
			for _, s := range subs {
				got[s.ID] = true
				if s.ID == inactive.ID {
					t.Error("Inactive subscription must not match")
				}
			}
			if len(got) != len(tt.expected) {
				t.Fatalf("Expected %d matches, got %d", len(tt.expected), len(got))
			}
			for _, id := range tt.expected {
				if !got[id] {
					t.Errorf("Expected %s to match", id)
				}
			}
		})
	}
}

func TestSubscriptionRepository_UpdateDeleteAndReferences(t *testing.T) {
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	deliveries := NewDeliveryRepository(db)
	ctx := context.Background()

	sub := newSubscription([]string{"a"}, true)
	if err := subs.Create(ctx, sub); err != nil {
		t.Fatalf("Failed to create subscription: %v", err)
	}

	sub.Active = false
	sub.Events = []string{"a", "b"}
	if err := subs.Update(ctx, sub); err != nil {
		t.Fatalf("Failed to update subscription: %v", err)
	}
	fetched, _ := subs.FindByID(ctx, sub.ID)
	if fetched.Active || len(fetched.Events) != 2 {
		t.Errorf("Update not persisted: %+v", fetched)
	}

	has, err := subs.HasDeliveries(ctx, sub.ID)
	if err != nil || has {
		t.Fatalf("Expected no deliveries, got %v, %v", has, err)
	}
	if err := deliveries.Create(ctx, &models.Delivery{SubscriptionID: sub.ID, EventType: "a", Payload: "{}"}); err != nil {
		t.Fatalf("Failed to create delivery: %v", err)
	}
	has, err = subs.HasDeliveries(ctx, sub.ID)
	if err != nil || !has {
		t.Fatalf("Expected deliveries, got %v, %v", has, err)
	}

	other := newSubscription([]string{"a"}, true)
	subs.Create(ctx, other)
	if err := subs.Delete(ctx, other.ID); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if gone, _ := subs.FindByID(ctx, other.ID); gone != nil {
		t.Error("Expected subscription to be deleted")
	}
}

func TestDeliveryRepository_LifecycleAndDueRetries(t *testing.T) {
	db := setupTestDB(t)
	subs := NewSubscriptionRepository(db)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	sub := newSubscription([]string{"*"}, true)
	subs.Create(ctx, sub)

	now := time.Now().UTC().Truncate(time.Millisecond)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &models.Delivery{SubscriptionID: sub.ID, EventType: "a", Payload: `{"event":"a"}`}
	notDue := &models.Delivery{SubscriptionID: sub.ID, EventType: "a", Payload: `{}`}
	fresh := &models.Delivery{SubscriptionID: sub.ID, EventType: "a", Payload: `{}`}
	for _, d := range []*models.Delivery{due, notDue, fresh} {
		if err := repo.Create(ctx, d); err != nil {
			t.Fatalf("Failed to create delivery: %v", err)
		}
		if d.Status != models.DeliveryPending || d.Attempts != 0 {
			t.Fatalf("Expected pending/0, got %s/%d", d.Status, d.Attempts)
		}
	}

	code := 500
	due.Attempts = 1
	due.LastAttempt = &past
	due.NextRetry = &past
	due.ResponseCode = &code
	due.ResponseBody = "boom"
	due.ErrorMessage = "HTTP 500"
	if err := repo.Update(ctx, due); err != nil {
		t.Fatalf("Failed to update delivery: %v", err)
	}
	notDue.Attempts = 1
	notDue.NextRetry = &future
	repo.Update(ctx, notDue)

	found, err := repo.FindDueRetries(ctx, now, 100)
	if err != nil {
		t.Fatalf("FindDueRetries() error = %v", err)
	}
	if len(found) != 1 || found[0].ID != due.ID {
		t.Fatalf("Expected only %s to be due, got %d rows", due.ID, len(found))
	}
	got := found[0]
	if got.ResponseCode == nil || *got.ResponseCode != 500 || got.ResponseBody != "boom" {
		t.Errorf("Attempt columns not persisted: %+v", got)
	}
	if got.NextRetry == nil || !got.NextRetry.Equal(past) {
		t.Errorf("Expected next retry %v, got %v", past, got.NextRetry)
	}

	// terminal rows are never due
	due.Status = models.DeliveryFailed
	due.NextRetry = nil
	repo.Update(ctx, due)
	found, _ = repo.FindDueRetries(ctx, now, 100)
	if len(found) != 0 {
		t.Errorf("Expected no due rows, got %d", len(found))
	}

	listed, err := repo.ListBySubscription(ctx, sub.ID, 10)
	if err != nil || len(listed) != 3 {
		t.Errorf("Expected 3 deliveries, got %d (%v)", len(listed), err)
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		t.Fatalf("CountByStatus() error = %v", err)
	}
	if counts[models.DeliveryPending] != 2 || counts[models.DeliveryFailed] != 1 {
		t.Errorf("Unexpected counts: %v", counts)
	}

	missing, err := repo.FindByID(ctx, "dlv_missing")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for missing delivery, got %v, %v", missing, err)
	}
}

func TestInboundLogRepository_CreateIfNotExists(t *testing.T) {
	db := setupTestDB(t)
	repo := NewInboundLogRepository(db)
	ctx := context.Background()

	first := &models.InboundLog{Provider: "github", EventID: "evt_1", EventType: "push", Payload: "{}"}
	created, err := repo.CreateIfNotExists(ctx, first)
	if err != nil || !created {
		t.Fatalf("Expected first insert to create a row, got %v, %v", created, err)
	}

	dup := &models.InboundLog{Provider: "github", EventID: "evt_1", EventType: "push", Payload: "{}"}
	created, err = repo.CreateIfNotExists(ctx, dup)
	if err != nil || created {
		t.Fatalf("Expected duplicate to be ignored, got %v, %v", created, err)
	}

	// same external id from another provider is a different event
	otherProvider := &models.InboundLog{Provider: "stripe", EventID: "evt_1", EventType: "charge", Payload: "{}"}
	created, err = repo.CreateIfNotExists(ctx, otherProvider)
	if err != nil || !created {
		t.Fatalf("Expected other provider insert, got %v, %v", created, err)
	}

	stored, err := repo.FindByEventID(ctx, "github", "evt_1")
	if err != nil || stored == nil || stored.ID != first.ID {
		t.Fatalf("Expected stored row %s, got %v (%v)", first.ID, stored, err)
	}
	if stored.Processed || stored.Verified {
		t.Error("Expected unprocessed, unverified row")
	}

	if err := repo.MarkProcessed(ctx, stored.ID, ""); err != nil {
		t.Fatalf("MarkProcessed() error = %v", err)
	}
	stored, _ = repo.FindByEventID(ctx, "github", "evt_1")
	if !stored.Processed || stored.ProcessedAt == nil {
		t.Error("Expected processed row")
	}

	entries, err := repo.List(ctx, "github", 10)
	if err != nil || len(entries) != 1 {
		t.Errorf("Expected 1 github entry, got %d (%v)", len(entries), err)
	}

	none, err := repo.FindByEventID(ctx, "github", "evt_404")
	if err != nil || none != nil {
		t.Errorf("Expected nil, nil, got %v, %v", none, err)
	}
}

func TestInboundLogRepository_Mock(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewInboundLogRepository(database.Wrap(db, database.DriverPostgres))
	ctx := context.Background()

	t.Run("Conflict Reports Not Created", func(t *testing.T) {
		mock.ExpectExec(`INSERT INTO webhook_logs (.+) VALUES \(\$1, (.+)\$11\)\s+ON CONFLICT \(provider, event_id\) DO NOTHING`).
			WillReturnResult(sqlmock.NewResult(0, 0))

		created, err := repo.CreateIfNotExists(ctx, &models.InboundLog{Provider: "stripe", EventID: "evt_1"})
		if err != nil || created {
			t.Errorf("Expected not created, got %v, %v", created, err)
		}
	})

	t.Run("Lookup Error Propagates", func(t *testing.T) {
		mock.ExpectQuery(`SELECT (.+) FROM webhook_logs WHERE provider = \$1 AND event_id = \$2`).
			WithArgs("stripe", "evt_2").
			WillReturnError(errors.New("connection reset"))

		if _, err := repo.FindByEventID(ctx, "stripe", "evt_2"); err == nil {
			t.Error("Expected error to propagate")
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}

func TestDeliveryRepository_MockDueRetries(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer db.Close()

	repo := NewDeliveryRepository(database.Wrap(db, database.DriverSQLite))
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "subscription_id", "event_type", "payload", "status", "attempts", "last_attempt", "next_retry", "response_code", "response_body", "error_message", "created_at", "updated_at"}).
		AddRow("dlv_1", "wh_1", "a", "{}", "pending", 1, now.UnixMilli(), now.UnixMilli(), 503, "", "HTTP 503", now.UnixMilli(), now.UnixMilli())

	mock.ExpectQuery(`SELECT (.+) FROM webhook_deliveries\s+WHERE status = \? AND next_retry IS NOT NULL AND next_retry <= \?`).
		WithArgs("pending", now.UnixMilli(), 100).
		WillReturnRows(rows)

	found, err := repo.FindDueRetries(context.Background(), now, 100)
	if err != nil {
		t.Fatalf("FindDueRetries() error = %v", err)
	}
	if len(found) != 1 || found[0].ResponseCode == nil || *found[0].ResponseCode != 503 {
		t.Errorf("Unexpected rows: %+v", found)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("there were unfulfilled expectations: %s", err)
	}
}
