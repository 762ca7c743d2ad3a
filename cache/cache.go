package cache

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TTLs by query period. Longer windows change less per unit time, so their
// entries stay valid longer.
const (
	TTL24h     = 5 * time.Minute
	TTL7d      = 30 * time.Minute
	TTL30d     = 2 * time.Hour
	TTLAll     = 6 * time.Hour
	TTLDefault = 5 * time.Minute
)

// Cache is a key/value store fronting the read endpoints. It is never
// authoritative: every payload is reconstructible from item and rollup data,
// and every failure here degrades to a miss or a no-op.
type Cache struct {
	db  *sql.DB
	log *logrus.Logger

	// now is swapped out in tests to step the clock past a TTL
	now func() time.Time
}

// New creates the cache on the given database handle, provisioning its table.
func New(db *sql.DB, log *logrus.Logger) (*Cache, error) {
	query := `
	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		payload TEXT NOT NULL,
		written_at TIMESTAMP NOT NULL
	);
	`
	if _, err := db.Exec(query); err != nil {
		return nil, fmt.Errorf("failed to initialize cache table: %w", err)
	}

	return &Cache{
		db:  db,
		log: log,
		now: time.Now,
	}, nil
}

// BuildKey derives the deterministic cache key for an endpoint and its query
// parameters. Parameters are sorted so equivalent requests share a key;
// empty values are dropped.
func BuildKey(endpoint string, params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(endpoint)
	for i, k := range keys {
		if i == 0 {
			sb.WriteString("?")
		} else {
			sb.WriteString("&")
		}
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(params[k])
	}
	return sb.String()
}

// ttlForKey derives the effective TTL from the period encoded in the key.
func ttlForKey(key string) time.Duration {
	switch {
	case strings.Contains(key, "period=7d"):
		return TTL7d
	case strings.Contains(key, "period=30d"):
		return TTL30d
	case strings.Contains(key, "period=all"):
		return TTLAll
	case strings.Contains(key, "period=24h"):
		return TTL24h
	default:
		return TTLDefault
	}
}

// Get returns the cached payload for a key, or a miss. An entry older than
// its TTL is deleted and reported as a miss. Read failures are misses too,
// never errors.
func (c *Cache) Get(key string) ([]byte, bool) {
	var payload string
	var writtenAt time.Time

	err := c.db.QueryRow(
		"SELECT payload, written_at FROM cache_entries WHERE key = ?", key,
	).Scan(&payload, &writtenAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Cache read failed, treating as miss")
		return nil, false
	}

	if c.now().Sub(writtenAt) > ttlForKey(key) {
		if _, err := c.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
			c.log.WithError(err).WithField("key", key).Warn("Failed to delete expired cache entry")
		}
		return nil, false
	}

	return []byte(payload), true
}

// Set stores a payload under a key, replacing any prior entry. Write
// failures are logged and swallowed.
func (c *Cache) Set(key string, payload []byte) {
	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (key, payload, written_at) VALUES (?, ?, ?)",
		key, string(payload), c.now(),
	)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Warn("Cache write failed")
	}
}

// Invalidate deletes every entry whose key starts with the given prefix. An
// empty prefix clears the whole cache. Returns the number of entries
// removed; failures are logged and reported as zero.
func (c *Cache) Invalidate(prefix string) int {
	var result sql.Result
	var err error

	if prefix == "" {
		result, err = c.db.Exec("DELETE FROM cache_entries")
	} else {
		result, err = c.db.Exec("DELETE FROM cache_entries WHERE key LIKE ? || '%'", prefix)
	}
	if err != nil {
		c.log.WithError(err).WithField("prefix", prefix).Warn("Cache invalidation failed")
		return 0
	}

	removed, _ := result.RowsAffected()
	c.log.WithFields(logrus.Fields{
		"prefix":  prefix,
		"removed": removed,
	}).Debug("Invalidated cache entries")

	return int(removed)
}
