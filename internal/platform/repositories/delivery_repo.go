package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"webhookd/internal/platform/database"
	"webhookd/internal/platform/models"
)

const deliveryColumns = `id, subscription_id, event_type, payload, status, attempts, last_attempt, next_retry, response_code, response_body, error_message, created_at, updated_at`

type DeliveryRepository struct {
	db *database.DB
}

func NewDeliveryRepository(db *database.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

func (r *DeliveryRepository) Create(ctx context.Context, d *models.Delivery) error {
	if d.ID == "" {
		d.ID = "dlv_" + uuid.New().String()
	}
	if d.Status == "" {
		d.Status = models.DeliveryPending
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	query := `
		INSERT INTO webhook_deliveries (` + deliveryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		d.ID, d.SubscriptionID, d.EventType, d.Payload, string(d.Status), d.Attempts,
		database.NullMillis(d.LastAttempt), database.NullMillis(d.NextRetry), nullInt(d.ResponseCode),
		d.ResponseBody, d.ErrorMessage, database.Millis(d.CreatedAt), database.Millis(d.UpdatedAt))
	return err
}

// FindByID returns nil, nil when the delivery does not exist.
func (r *DeliveryRepository) FindByID(ctx context.Context, id string) (*models.Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM webhook_deliveries WHERE id = ?`
	d, err := scanDelivery(r.db.QueryRowContext(ctx, r.db.Rebind(query), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// Update persists the outcome of the latest attempt. Every attempt column is
// overwritten so the row only ever reflects the most recent attempt.
func (r *DeliveryRepository) Update(ctx context.Context, d *models.Delivery) error {
	d.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE webhook_deliveries
		SET status = ?, attempts = ?, last_attempt = ?, next_retry = ?, response_code = ?,
		    response_body = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		string(d.Status), d.Attempts, database.NullMillis(d.LastAttempt), database.NullMillis(d.NextRetry),
		nullInt(d.ResponseCode), d.ResponseBody, d.ErrorMessage, database.Millis(d.UpdatedAt), d.ID)
	return err
}

// FindDueRetries returns pending deliveries whose retry instant is at or before now.
func (r *DeliveryRepository) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*models.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE status = ? AND next_retry IS NOT NULL AND next_retry <= ?
		ORDER BY next_retry ASC
		LIMIT ?
	`
	return r.query(ctx, query, string(models.DeliveryPending), database.Millis(now), limit)
}

func (r *DeliveryRepository) ListBySubscription(ctx context.Context, subscriptionID string, limit int) ([]*models.Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + ` FROM webhook_deliveries
		WHERE subscription_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return r.query(ctx, query, subscriptionID, limit)
}

func (r *DeliveryRepository) CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM webhook_deliveries GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[models.DeliveryStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.DeliveryStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *DeliveryRepository) query(ctx context.Context, query string, args ...interface{}) ([]*models.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	deliveries := []*models.Delivery{}
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, rows.Err()
}

func scanDelivery(s interface {
	Scan(dest ...interface{}) error
}) (*models.Delivery, error) {
	var d models.Delivery
	var status string
	var lastAttempt, nextRetry, responseCode sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&d.ID,
		&d.SubscriptionID,
		&d.EventType,
		&d.Payload,
		&status,
		&d.Attempts,
		&lastAttempt,
		&nextRetry,
		&responseCode,
		&d.ResponseBody,
		&d.ErrorMessage,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = models.DeliveryStatus(status)
	d.LastAttempt = database.FromNullMillis(lastAttempt)
	d.NextRetry = database.FromNullMillis(nextRetry)
	if responseCode.Valid {
		val := int(responseCode.Int64)
		d.ResponseCode = &val
	}
	d.CreatedAt = database.FromMillis(createdAt)
	d.UpdatedAt = database.FromMillis(updatedAt)

	return &d, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
