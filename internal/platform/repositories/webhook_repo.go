package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"webhookd/internal/platform/database"
	"webhookd/internal/platform/models"
)

const subscriptionColumns = `id, user_id, url, events, secret, active, max_retries, retry_backoff, description, created_at, updated_at`

type SubscriptionRepository struct {
	db *database.DB
}

func NewSubscriptionRepository(db *database.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = "wh_" + uuid.New().String()
	}
	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO webhook_subscriptions (` + subscriptionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		sub.ID, sub.UserID, sub.URL, string(eventsJSON), sub.Secret, sub.Active,
		sub.MaxRetries, sub.RetryBackoff, sub.Description,
		database.Millis(sub.CreatedAt), database.Millis(sub.UpdatedAt))
	return err
}

// FindByID returns nil, nil when the subscription does not exist.
func (r *SubscriptionRepository) FindByID(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE id = ?`
	sub, err := scanSubscription(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sub, err
}

// List returns the subscriptions owned by userID, newest first.
func (r *SubscriptionRepository) List(ctx context.Context, userID string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE user_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := []*models.Subscription{}
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// FindActiveByEventType filters on the active flag in SQL and on the event set
// in Go, since events are stored as a JSON array.
func (r *SubscriptionRepository) FindActiveByEventType(ctx context.Context, eventType string) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions WHERE active = ? ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matched []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		if sub.Matches(eventType) {
			matched = append(matched, sub)
		}
	}
	return matched, rows.Err()
}

func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return err
	}
	sub.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE webhook_subscriptions
		SET url = ?, events = ?, secret = ?, active = ?, max_retries = ?, retry_backoff = ?, description = ?, updated_at = ?
		WHERE id = ?
	`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		sub.URL, string(eventsJSON), sub.Secret, sub.Active, sub.MaxRetries,
		sub.RetryBackoff, sub.Description, database.Millis(sub.UpdatedAt), sub.ID)
	return err
}

func (r *SubscriptionRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM webhook_subscriptions WHERE id = ?`), id)
	return err
}

// HasDeliveries reports whether any delivery still references the subscription.
func (r *SubscriptionRepository) HasDeliveries(ctx context.Context, id string) (bool, error) {
	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM webhook_deliveries WHERE subscription_id = ?)`
	err := r.db.QueryRowContext(ctx, r.db.Rebind(query), id).Scan(&exists)
	return exists, err
}

func scanSubscription(s interface {
	Scan(dest ...interface{}) error
}) (*models.Subscription, error) {
	var sub models.Subscription
	var userID sql.NullString
	var eventsRaw string
	var createdAt, updatedAt int64

	err := s.Scan(
		&sub.ID,
		&userID,
		&sub.URL,
		&eventsRaw,
		&sub.Secret,
		&sub.Active,
		&sub.MaxRetries,
		&sub.RetryBackoff,
		&sub.Description,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		val := userID.String
		sub.UserID = &val
	}
	if err := json.Unmarshal([]byte(eventsRaw), &sub.Events); err != nil {
		return nil, err
	}
	sub.CreatedAt = database.FromMillis(createdAt)
	sub.UpdatedAt = database.FromMillis(updatedAt)

	return &sub, nil
}
