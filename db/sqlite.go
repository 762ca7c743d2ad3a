package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/aipulse/tracker/models"
)

// Database provides methods for storing and retrieving items, rollups and
// topics. It is the single owner of item and rollup writes.
type Database struct {
	db    *sql.DB
	mutex sync.RWMutex
	log   *logrus.Logger
}

// NewDatabase creates a new SQLite database connection
func NewDatabase(dbPath string, log *logrus.Logger) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	database := &Database{
		db:  db,
		log: log,
	}

	if err := database.initTables(); err != nil {
		return nil, fmt.Errorf("failed to initialize tables: %w", err)
	}

	return database, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.db.Close()
}

// SQL exposes the underlying handle so the cache layer can keep its own
// table in the same file.
func (d *Database) SQL() *sql.DB {
	return d.db
}

// initTables creates the necessary tables if they don't exist
func (d *Database) initTables() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	// note: in an ideal world, this would be a migration that we could just run once per environment (ie dev, staging, prod)
	query := `
	CREATE TABLE IF NOT EXISTS items (
		id TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		title TEXT,
		body TEXT NOT NULL,
		source TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		score INTEGER NOT NULL,
		sentiment REAL,
		topic TEXT NOT NULL DEFAULT '',
		keywords TEXT NOT NULL DEFAULT '[]',
		classified_at TIMESTAMP,
		PRIMARY KEY (platform_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_items_created_at ON items(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_items_topic ON items(topic);

	CREATE TABLE IF NOT EXISTS hourly_rollups (
		platform_id TEXT NOT NULL,
		hour_bucket TIMESTAMP NOT NULL,
		post_count INTEGER NOT NULL,
		comment_count INTEGER NOT NULL,
		mean_post_sentiment REAL NOT NULL,
		weighted_sentiment REAL NOT NULL,
		PRIMARY KEY (platform_id, hour_bucket)
	);

	CREATE TABLE IF NOT EXISTS topics (
		name TEXT PRIMARY KEY,
		color TEXT NOT NULL
	);
	`

	_, err := d.db.Exec(query)
	return err
}

// HasItem reports whether an item has already been ingested for a platform.
func (d *Database) HasItem(platformID, itemID string) (bool, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	var one int
	err := d.db.QueryRow("SELECT 1 FROM items WHERE platform_id = ? AND id = ?", platformID, itemID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check item existence: %w", err)
	}
	return true, nil
}

// SaveItems upserts every item in the batch, keyed by (platform, source id).
// Re-ingesting an ID replaces the prior row, classification included.
func (d *Database) SaveItems(items []models.Item) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT OR REPLACE INTO items (
		id, platform_id, parent_id, title, body, source, created_at,
		score, sentiment, topic, keywords, classified_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	stmt, err := tx.Prepare(query)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare item upsert: %w", err)
	}
	defer stmt.Close()

	saved := 0
	for i := range items {
		item := &items[i]

		keywords, err := json.Marshal(item.Keywords)
		if err != nil {
			keywords = []byte("[]")
		}

		var sentiment any
		if item.Sentiment != nil {
			sentiment = *item.Sentiment
		}
		var classifiedAt any
		if item.ClassifiedAt != nil {
			classifiedAt = item.ClassifiedAt.UTC()
		}

		// timestamps are stored in UTC so period filters compare cleanly
		if _, err := stmt.Exec(
			item.ID, item.PlatformID, item.ParentID, item.Title, item.Body,
			item.Source, item.CreatedAt.UTC(), item.Score, sentiment, item.Topic,
			string(keywords), classifiedAt,
		); err != nil {
			return 0, fmt.Errorf("failed to save item %s: %w", item.ID, err)
		}
		saved++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit item batch: %w", err)
	}

	return saved, nil
}

const itemColumns = `id, platform_id, parent_id, title, body, source, created_at,
	score, sentiment, topic, keywords, classified_at`

// scanItem scans one items row from a query using itemColumns.
func scanItem(rows *sql.Rows) (models.Item, error) {
	var item models.Item
	var title sql.NullString
	var sentiment sql.NullFloat64
	var classifiedAt sql.NullTime
	var keywords string

	err := rows.Scan(
		&item.ID, &item.PlatformID, &item.ParentID, &title, &item.Body,
		&item.Source, &item.CreatedAt, &item.Score, &sentiment, &item.Topic,
		&keywords, &classifiedAt,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan item: %w", err)
	}

	item.Title = title.String
	if sentiment.Valid {
		item.Sentiment = &sentiment.Float64
	}
	if classifiedAt.Valid {
		t := classifiedAt.Time
		item.ClassifiedAt = &t
	}
	if err := json.Unmarshal([]byte(keywords), &item.Keywords); err != nil || item.Keywords == nil {
		item.Keywords = []string{}
	}

	return item, nil
}

// collectItems drains a rows cursor of itemColumns rows.
func collectItems(rows *sql.Rows) ([]models.Item, error) {
	defer rows.Close()

	items := make([]models.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}

// GetRecentItems returns the most recently created items, optionally
// filtered to one platform.
func (d *Database) GetRecentItems(platformID string, limit int) ([]models.Item, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := "SELECT " + itemColumns + " FROM items"
	args := []any{}
	if platformID != "" {
		query += " WHERE platform_id = ?"
		args = append(args, platformID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent items: %w", err)
	}
	return collectItems(rows)
}

// GetUnclassifiedItems returns items still waiting on a sentiment score so
// they can be pushed through the classifier again.
func (d *Database) GetUnclassifiedItems(platformID string, limit int) ([]models.Item, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if limit <= 0 {
		limit = 200
	}

	query := "SELECT " + itemColumns + ` FROM items
	WHERE sentiment IS NULL AND platform_id = ?
	ORDER BY created_at ASC LIMIT ?`

	rows, err := d.db.Query(query, platformID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unclassified items: %w", err)
	}
	return collectItems(rows)
}

// sinceForPeriod maps a read-API period to its window start, in UTC to match
// how timestamps are stored. The zero time means no lower bound ("all").
func sinceForPeriod(period string, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case "24h":
		return now.Add(-24 * time.Hour)
	case "7d":
		return now.Add(-7 * 24 * time.Hour)
	case "30d":
		return now.Add(-30 * 24 * time.Hour)
	default:
		return time.Time{}
	}
}
