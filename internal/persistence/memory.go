package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/swarmcore/internal/memory"
)

// Store upserts a memory value. It implements memory.Manager.
func (s *SQLiteStore) Store(ctx context.Context, key string, value []byte, opts memory.StoreOptions) error {
	tags := opts.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("failed to encode tags: %w", err)
	}

	var expiresAt sql.NullInt64
	if opts.TTL > 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(opts.TTL).UnixNano(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (key, namespace, tags, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			namespace = excluded.namespace,
			tags = excluded.tags,
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = CURRENT_TIMESTAMP
	`, key, memory.Namespace(opts.Namespace), string(tagsJSON), value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to upsert memory entry %s: %w", key, err)
	}
	return nil
}

// Retrieve returns the stored value, or nil, nil if the key is absent or
// expired. Expired rows are deleted. It implements memory.Manager.
func (s *SQLiteStore) Retrieve(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT value, expires_at FROM memory_entries WHERE key = ?
	`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query memory entry %s: %w", key, err)
	}

	if expiresAt.Valid && time.Now().UnixNano() >= expiresAt.Int64 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE key = ?`, key); err != nil {
			return nil, fmt.Errorf("failed to delete expired entry %s: %w", key, err)
		}
		return nil, nil
	}

	return value, nil
}

// NamespaceCounts returns the number of unexpired entries per namespace.
func (s *SQLiteStore) NamespaceCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT namespace, COUNT(*) FROM memory_entries
		WHERE expires_at IS NULL OR expires_at > ?
		GROUP BY namespace
	`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to count memory entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ns string
		var n int
		if err := rows.Scan(&ns, &n); err != nil {
			return nil, fmt.Errorf("failed to scan namespace count: %w", err)
		}
		counts[ns] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating namespace counts: %w", err)
	}
	return counts, nil
}

// PurgeExpired deletes every expired entry and returns how many were removed.
func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, time.Now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	return res.RowsAffected()
}
