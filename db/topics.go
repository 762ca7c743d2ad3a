package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/aipulse/tracker/models"
)

// topicPalette is the fixed, ordered set of colors handed to newly
// discovered topics. Once a topic has a color it keeps it forever.
var topicPalette = []string{
	"#E6194B", "#3CB44B", "#FFE119", "#4363D8", "#F58231",
	"#911EB4", "#46F0F0", "#F032E6", "#BCF60C", "#FABEBE",
	"#008080", "#E6BEFF", "#9A6324", "#FFFAC8", "#800000",
	"#AAFFC3", "#808000", "#FFD8B1", "#000075", "#A9A9A9",
}

const (
	// legacyTopicColor marks topic names that already existed as item
	// labels before the topics table knew about them
	legacyTopicColor = "#6B7280"

	// fallbackTopicColor is handed out once the palette is exhausted
	fallbackTopicColor = "#9CA3AF"
)

// TopicNames returns every known topic name, ordered by name. The pipeline
// passes this list into the classifier once per cycle.
func (d *Database) TopicNames() ([]string, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	rows, err := d.db.Query("SELECT name FROM topics ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to query topic names: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan topic name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return names, nil
}

// AssignTopicColor returns the color for a topic name, creating the topic if
// it is new. New names that already occur as historical item labels get the
// legacy sentinel; otherwise the first unused palette color is claimed, with
// a gray fallback once the palette is exhausted. The insert uses ON CONFLICT
// DO NOTHING plus a reselect, so two callers racing on the same new name
// converge on a single stored color.
func (d *Database) AssignTopicColor(name string) (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	var color string
	err := d.db.QueryRow("SELECT color FROM topics WHERE name = ?", name).Scan(&color)
	if err == nil {
		return color, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up topic color: %w", err)
	}

	candidate, err := d.pickTopicColor(name)
	if err != nil {
		return "", err
	}

	if _, err := d.db.Exec(
		"INSERT INTO topics (name, color) VALUES (?, ?) ON CONFLICT(name) DO NOTHING",
		name, candidate,
	); err != nil {
		return "", fmt.Errorf("failed to insert topic: %w", err)
	}

	// reselect in case a concurrent caller won the insert
	if err := d.db.QueryRow("SELECT color FROM topics WHERE name = ?", name).Scan(&color); err != nil {
		return "", fmt.Errorf("failed to reselect topic color: %w", err)
	}

	return color, nil
}

// pickTopicColor chooses the color for a brand-new topic name.
func (d *Database) pickTopicColor(name string) (string, error) {
	// names already present as item labels predate topic tracking
	var historical int
	err := d.db.QueryRow("SELECT COUNT(*) FROM items WHERE topic = ?", name).Scan(&historical)
	if err != nil {
		return "", fmt.Errorf("failed to check historical topic labels: %w", err)
	}
	if historical > 0 {
		return legacyTopicColor, nil
	}

	rows, err := d.db.Query("SELECT color FROM topics")
	if err != nil {
		return "", fmt.Errorf("failed to query used topic colors: %w", err)
	}
	defer rows.Close()

	used := make(map[string]bool)
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return "", fmt.Errorf("failed to scan topic color: %w", err)
		}
		used[c] = true
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("row iteration error: %w", err)
	}

	for _, c := range topicPalette {
		if !used[c] {
			return c, nil
		}
	}

	return fallbackTopicColor, nil
}

// GetTopicDistribution returns the topic share for a period, optionally
// filtered to one platform. Shares are percentages of classified items.
func (d *Database) GetTopicDistribution(period string, platformID string) ([]models.TopicShare, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT i.topic, COALESCE(t.color, ?), COUNT(*) as cnt
	FROM items i
	LEFT JOIN topics t ON t.name = i.topic
	WHERE i.topic != ''
	`
	args := []any{fallbackTopicColor}

	since := sinceForPeriod(period, time.Now())
	if !since.IsZero() {
		query += " AND i.created_at >= ?"
		args = append(args, since)
	}
	if platformID != "" {
		query += " AND i.platform_id = ?"
		args = append(args, platformID)
	}
	query += " GROUP BY i.topic ORDER BY cnt DESC"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query topic distribution: %w", err)
	}
	defer rows.Close()

	shares := make([]models.TopicShare, 0)
	total := 0
	for rows.Next() {
		var share models.TopicShare
		if err := rows.Scan(&share.Name, &share.Color, &share.Count); err != nil {
			return nil, fmt.Errorf("failed to scan topic share: %w", err)
		}
		total += share.Count
		shares = append(shares, share)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	if total > 0 {
		for i := range shares {
			shares[i].Percentage = float64(shares[i].Count) / float64(total) * 100
		}
	}

	return shares, nil
}
