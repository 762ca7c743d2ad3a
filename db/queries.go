package db

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aipulse/tracker/models"
)

// GetPlatformSentiments returns the latest and period-average weighted
// sentiment per platform, built from the rollup rows. Display name and color
// are filled in by the caller from the registry.
func (d *Database) GetPlatformSentiments(period string, platformID string) ([]models.PlatformSentiment, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT platform_id, hour_bucket, weighted_sentiment, post_count, comment_count
	FROM hourly_rollups
	`
	args := []any{}
	where := ""

	since := sinceForPeriod(period, time.Now())
	if !since.IsZero() {
		where = " WHERE hour_bucket >= ?"
		args = append(args, since)
	}
	if platformID != "" {
		if where == "" {
			where = " WHERE platform_id = ?"
		} else {
			where += " AND platform_id = ?"
		}
		args = append(args, platformID)
	}
	query += where + " ORDER BY platform_id, hour_bucket ASC"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query platform sentiments: %w", err)
	}
	defer rows.Close()

	type acc struct {
		latest       float64
		latestBucket time.Time
		sum          float64
		buckets      int
		posts        int
		comments     int
	}
	byPlatform := make(map[string]*acc)
	order := make([]string, 0)

	for rows.Next() {
		var pid string
		var bucket time.Time
		var weighted float64
		var posts, comments int
		if err := rows.Scan(&pid, &bucket, &weighted, &posts, &comments); err != nil {
			return nil, fmt.Errorf("failed to scan rollup row: %w", err)
		}

		a, ok := byPlatform[pid]
		if !ok {
			a = &acc{}
			byPlatform[pid] = a
			order = append(order, pid)
		}
		if bucket.After(a.latestBucket) {
			a.latestBucket = bucket
			a.latest = weighted
		}
		a.sum += weighted
		a.buckets++
		a.posts += posts
		a.comments += comments
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	sentiments := make([]models.PlatformSentiment, 0, len(order))
	for _, pid := range order {
		a := byPlatform[pid]
		sentiments = append(sentiments, models.PlatformSentiment{
			PlatformID:       pid,
			LatestSentiment:  a.latest,
			AverageSentiment: a.sum / float64(a.buckets),
			PostCount:        a.posts,
			CommentCount:     a.comments,
		})
	}

	return sentiments, nil
}

// GetKeywordStats returns the top-N keyword frequencies with their mean
// weighted sentiment for a period. Keyword arrays live as JSON in the item
// rows, so the aggregation happens here rather than in SQL.
func (d *Database) GetKeywordStats(period string, platformID string, limit int) ([]models.KeywordStat, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	query := `
	SELECT keywords, sentiment, parent_id
	FROM items
	WHERE sentiment IS NOT NULL AND keywords != '[]'
	`
	args := []any{}

	since := sinceForPeriod(period, time.Now())
	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since)
	}
	if platformID != "" {
		query += " AND platform_id = ?"
		args = append(args, platformID)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query keywords: %w", err)
	}
	defer rows.Close()

	type acc struct {
		weightSum    float64
		sentimentSum float64
		count        int
	}
	byKeyword := make(map[string]*acc)

	for rows.Next() {
		var keywordsJSON string
		var sentiment float64
		var parentID string
		if err := rows.Scan(&keywordsJSON, &sentiment, &parentID); err != nil {
			return nil, fmt.Errorf("failed to scan keyword row: %w", err)
		}

		var keywords []string
		if err := json.Unmarshal([]byte(keywordsJSON), &keywords); err != nil {
			continue
		}

		// posts weigh 3x, comments 1x, matching the rollup formula
		weight := 3.0
		if parentID != "" {
			weight = 1.0
		}

		for _, kw := range keywords {
			a, ok := byKeyword[kw]
			if !ok {
				a = &acc{}
				byKeyword[kw] = a
			}
			a.count++
			a.weightSum += weight
			a.sentimentSum += sentiment * weight
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	stats := make([]models.KeywordStat, 0, len(byKeyword))
	for kw, a := range byKeyword {
		stats = append(stats, models.KeywordStat{
			Keyword:       kw,
			Count:         a.count,
			MeanSentiment: a.sentimentSum / a.weightSum,
		})
	}

	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].Keyword < stats[j].Keyword
	})

	if len(stats) > limit {
		stats = stats[:limit]
	}

	return stats, nil
}
