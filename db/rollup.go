package db

import (
	"fmt"
	"time"

	"github.com/aipulse/tracker/models"
)

const (
	postWeight    = 3.0
	commentWeight = 1.0

	// neutralSentiment stands in for items the classifier has not scored yet
	neutralSentiment = 0.5
)

// ComputeRollup builds the hourly rollup for one platform from the batch
// just processed. Posts weigh 3x, comments 1x; unscored items contribute a
// neutral 0.5 so a classifier outage still yields a usable bucket.
func ComputeRollup(platformID string, hourBucket time.Time, batch []models.Item) models.HourlyRollup {
	rollup := models.HourlyRollup{
		PlatformID: platformID,
		HourBucket: hourBucket.UTC().Truncate(time.Hour),
	}

	var postSum, commentSum float64
	for i := range batch {
		sentiment := neutralSentiment
		if batch[i].Sentiment != nil {
			sentiment = *batch[i].Sentiment
		}

		if batch[i].IsComment() {
			rollup.CommentCount++
			commentSum += sentiment
		} else {
			rollup.PostCount++
			postSum += sentiment
		}
	}

	if rollup.PostCount > 0 {
		rollup.MeanPostSentiment = postSum / float64(rollup.PostCount)
	} else {
		rollup.MeanPostSentiment = neutralSentiment
	}

	denominator := postWeight*float64(rollup.PostCount) + commentWeight*float64(rollup.CommentCount)
	if denominator == 0 {
		rollup.WeightedSentiment = neutralSentiment
	} else {
		rollup.WeightedSentiment = (postSum*postWeight + commentSum*commentWeight) / denominator
	}

	return rollup
}

// UpsertRollup writes exactly one rollup row per (platform, hour bucket).
// Re-ingestion for the same bucket replaces the row, it never accumulates.
func (d *Database) UpsertRollup(rollup models.HourlyRollup) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	query := `
	INSERT OR REPLACE INTO hourly_rollups (
		platform_id, hour_bucket, post_count, comment_count,
		mean_post_sentiment, weighted_sentiment
	) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := d.db.Exec(
		query,
		rollup.PlatformID, rollup.HourBucket, rollup.PostCount,
		rollup.CommentCount, rollup.MeanPostSentiment, rollup.WeightedSentiment,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rollup: %w", err)
	}

	return nil
}

// GetRollup returns the rollup for one (platform, hour bucket) pair.
func (d *Database) GetRollup(platformID string, hourBucket time.Time) (*models.HourlyRollup, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	query := `
	SELECT platform_id, hour_bucket, post_count, comment_count,
		mean_post_sentiment, weighted_sentiment
	FROM hourly_rollups
	WHERE platform_id = ? AND hour_bucket = ?
	`

	var rollup models.HourlyRollup
	err := d.db.QueryRow(query, platformID, hourBucket.UTC().Truncate(time.Hour)).Scan(
		&rollup.PlatformID, &rollup.HourBucket, &rollup.PostCount,
		&rollup.CommentCount, &rollup.MeanPostSentiment, &rollup.WeightedSentiment,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollup: %w", err)
	}

	return &rollup, nil
}

// GetItemsInBucket returns every stored item of one platform whose creation
// time falls inside the given hour bucket.
func (d *Database) GetItemsInBucket(platformID string, hourBucket time.Time) ([]models.Item, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	bucket := hourBucket.UTC().Truncate(time.Hour)
	query := "SELECT " + itemColumns + ` FROM items
	WHERE platform_id = ? AND created_at >= ? AND created_at < ?`

	rows, err := d.db.Query(query, platformID, bucket, bucket.Add(time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to query bucket items: %w", err)
	}
	return collectItems(rows)
}

// GetTimeline returns the per-bucket weighted sentiment series for a period,
// optionally filtered to one platform.
func (d *Database) GetTimeline(period string, platformID string) ([]models.TimelinePoint, error) {
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

	query += where + " ORDER BY hour_bucket ASC"

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query timeline: %w", err)
	}
	defer rows.Close()

	points := make([]models.TimelinePoint, 0)
	for rows.Next() {
		var p models.TimelinePoint
		if err := rows.Scan(&p.PlatformID, &p.HourBucket, &p.WeightedSentiment, &p.PostCount, &p.CommentCount); err != nil {
			return nil, fmt.Errorf("failed to scan timeline point: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return points, nil
}
