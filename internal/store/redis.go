package store

import (
	"context"
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
	backend "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sylvester1001/zat/internal/orchestrator"
)

var _ orchestrator.RecordSink = (*Mirror)(nil)

// Mirror keeps the most recent terminal records in a capped Redis list and
// the attempt in progress under a separate key.
type Mirror struct {
	client *backend.Client
	key    string
	size   int
	log    *zap.Logger
}

// NewMirror wraps client and verifies the connection.
func NewMirror(ctx context.Context, client *backend.Client, key string, size int, logger *zap.Logger) (*Mirror, error) {
	if size < 1 {
		return nil, fmt.Errorf("mirror size must be positive, got %d", size)
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &Mirror{client: client, key: key, size: size, log: logger.Named("mirror")}, nil
}

// DialMirror connects to the server at addr.
func DialMirror(ctx context.Context, addr, password string, db int, key string, size int, logger *zap.Logger) (*Mirror, error) {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	m, err := NewMirror(ctx, client, key, size, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return m, nil
}

func (m *Mirror) currentKey() string {
	return m.key + ":current"
}

// SaveRecord stores running records as the current attempt. Terminal records
// are pushed onto the list, which is trimmed to size, and clear the current key.
func (m *Mirror) SaveRecord(ctx context.Context, r orchestrator.RunRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	pipe := m.client.TxPipeline()
	if r.Status == orchestrator.StatusRunning {
		pipe.Set(ctx, m.currentKey(), data, 0)
	} else {
		pipe.LPush(ctx, m.key, data)
		pipe.LTrim(ctx, m.key, 0, int64(m.size-1))
		pipe.Del(ctx, m.currentKey())
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to mirror run record %d: %w", r.Seq, err)
	}
	return nil
}

// Recent returns up to limit mirrored records, newest first.
func (m *Mirror) Recent(ctx context.Context, limit int) ([]orchestrator.RunRecord, error) {
	if limit <= 0 || limit > m.size {
		limit = m.size
	}
	vals, err := m.client.LRange(ctx, m.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read mirrored records: %w", err)
	}
	records := make([]orchestrator.RunRecord, 0, len(vals))
	for _, v := range vals {
		var r orchestrator.RunRecord
		if err := json.UnmarshalFromString(v, &r); err != nil {
			m.log.Warn("Skipping malformed mirrored record", zap.Error(err))
			continue
		}
		records = append(records, r)
	}
	return records, nil
}

// Current returns the mirrored attempt in progress, if any.
func (m *Mirror) Current(ctx context.Context) (orchestrator.RunRecord, bool, error) {
	val, err := m.client.Get(ctx, m.currentKey()).Result()
	if errors.Is(err, backend.Nil) {
		return orchestrator.RunRecord{}, false, nil
	}
	if err != nil {
		return orchestrator.RunRecord{}, false, fmt.Errorf("failed to read current record: %w", err)
	}
	var r orchestrator.RunRecord
	if err := json.UnmarshalFromString(val, &r); err != nil {
		return orchestrator.RunRecord{}, false, fmt.Errorf("failed to decode current record: %w", err)
	}
	return r, true, nil
}

// Close releases the client.
func (m *Mirror) Close() error {
	return m.client.Close()
}
