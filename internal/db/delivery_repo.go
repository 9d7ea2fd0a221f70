package db

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"chimenotify/internal/types"
)

// ErrDeliveryNotFound is returned by Payload when no row matches the id.
var ErrDeliveryNotFound = errors.New("delivery not found")

// DeliveryRepository writes the delivery log. Payload snapshots are stored
// zstd-compressed in payload_zstd.
type DeliveryRepository struct {
	db          DBTX
	encoder     *zstd.Encoder
	decoderPool sync.Pool
}

// NewDeliveryRepository creates a DeliveryRepository backed by db.
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		// Only fails on invalid options.
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	return &DeliveryRepository{
		db:      db,
		encoder: enc,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Record inserts one delivery log row. A missing ID or CreatedAt is filled in.
func (r *DeliveryRepository) Record(ctx context.Context, rec *types.DeliveryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var compressed []byte
	if len(rec.Payload) > 0 {
		compressed = r.encoder.EncodeAll(rec.Payload, nil)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO deliveries
		 (id, event_id, project_id, build_number, status, outcome, error_kind,
		  http_status, provider_message_id, destination, latency_ms, payload_zstd, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		rec.ID,
		rec.EventID,
		rec.ProjectID,
		rec.BuildNumber,
		string(rec.Status),
		string(rec.Outcome),
		nilIfEmpty(string(rec.ErrorKind)),
		nilIfZero(rec.HTTPStatus),
		nilIfEmpty(rec.ProviderMessageID),
		rec.Destination,
		rec.Latency.Milliseconds(),
		compressed,
		rec.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record delivery", err)
	}
	return nil
}

// Payload returns the decompressed payload snapshot of a delivery. A row
// recorded without a payload yields nil.
func (r *DeliveryRepository) Payload(ctx context.Context, id string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx, `SELECT payload_zstd FROM deliveries WHERE id = $1`, id).Scan(&compressed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeliveryNotFound
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load delivery payload", err)
	}
	if len(compressed) == 0 {
		return nil, nil
	}

	decoder := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(decoder)

	out, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return out, nil
}

// Recent returns the latest deliveries for a project, newest first, without
// payloads.
func (r *DeliveryRepository) Recent(ctx context.Context, projectID string, limit int) ([]types.DeliveryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT id, event_id, project_id, build_number, status, outcome,
		        COALESCE(error_kind, ''), COALESCE(http_status, 0),
		        COALESCE(provider_message_id, ''), destination, latency_ms, created_at
		 FROM deliveries
		 WHERE project_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		projectID, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list deliveries", err)
	}
	defer rows.Close()

	var out []types.DeliveryRecord
	for rows.Next() {
		var (
			rec                      types.DeliveryRecord
			status, outcome, errKind string
			latencyMS                int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.EventID, &rec.ProjectID, &rec.BuildNumber, &status, &outcome,
			&errKind, &rec.HTTPStatus, &rec.ProviderMessageID, &rec.Destination, &latencyMS, &rec.CreatedAt,
		); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery", err)
		}
		rec.Status = types.BuildStatus(status)
		rec.Outcome = types.DispatchOutcome(outcome)
		rec.ErrorKind = types.NotifyErrorKind(errKind)
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating deliveries", err)
	}
	return out, nil
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilIfZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
