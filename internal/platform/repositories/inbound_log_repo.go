package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"webhookd/internal/platform/database"
	"webhookd/internal/platform/models"
)

const inboundLogColumns = `id, provider, event_id, event_type, payload, signature, verified, processed, processed_at, error_message, received_at`

type InboundLogRepository struct {
	db *database.DB
}

func NewInboundLogRepository(db *database.DB) *InboundLogRepository {
	return &InboundLogRepository{db: db}
}

// FindByEventID returns nil, nil when no log row exists for the pair.
func (r *InboundLogRepository) FindByEventID(ctx context.Context, provider, eventID string) (*models.InboundLog, error) {
	query := `SELECT ` + inboundLogColumns + ` FROM webhook_logs WHERE provider = ? AND event_id = ?`
	entry, err := scanInboundLog(r.db.QueryRowContext(ctx, r.db.Rebind(query), provider, eventID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return entry, err
}

// CreateIfNotExists inserts the row unless (provider, event_id) is already
// taken. It reports whether a row was written; the unique constraint makes
// this safe against concurrent deliveries of the same event.
func (r *InboundLogRepository) CreateIfNotExists(ctx context.Context, entry *models.InboundLog) (bool, error) {
	if entry.ID == "" {
		entry.ID = "whl_" + uuid.New().String()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO webhook_logs (` + inboundLogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		entry.ID, entry.Provider, entry.EventID, entry.EventType, entry.Payload, entry.Signature,
		entry.Verified, entry.Processed, database.NullMillis(entry.ProcessedAt), entry.ErrorMessage,
		database.Millis(entry.ReceivedAt))
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed flags the row as processed and records an optional error.
func (r *InboundLogRepository) MarkProcessed(ctx context.Context, id string, processingError string) error {
	query := `UPDATE webhook_logs SET processed = ?, processed_at = ?, error_message = ? WHERE id = ?`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query), true, time.Now().UnixMilli(), processingError, id)
	return err
}

func (r *InboundLogRepository) List(ctx context.Context, provider string, limit int) ([]*models.InboundLog, error) {
	query := `SELECT ` + inboundLogColumns + ` FROM webhook_logs WHERE provider = ? ORDER BY received_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*models.InboundLog{}
	for rows.Next() {
		entry, err := scanInboundLog(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func scanInboundLog(s interface {
	Scan(dest ...interface{}) error
}) (*models.InboundLog, error) {
	var entry models.InboundLog
	var signature sql.NullString
	var processedAt sql.NullInt64
	var receivedAt int64

	err := s.Scan(
		&entry.ID,
		&entry.Provider,
		&entry.EventID,
		&entry.EventType,
		&entry.Payload,
		&signature,
		&entry.Verified,
		&entry.Processed,
		&processedAt,
		&entry.ErrorMessage,
		&receivedAt,
	)
	if err != nil {
		return nil, err
	}

	if signature.Valid {
		val := signature.String
		entry.Signature = &val
	}
	entry.ProcessedAt = database.FromNullMillis(processedAt)
	entry.ReceivedAt = database.FromMillis(receivedAt)

	return &entry, nil
}
