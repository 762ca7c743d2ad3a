package models

import (
	"time"
)

// Item represents a post or a comment ingested from an upstream source.
// A comment links back to its post via ParentID; posts have an empty ParentID.
type Item struct {
	ID           string     `json:"id"`
	PlatformID   string     `json:"platform_id"`
	ParentID     string     `json:"parent_id,omitempty"`
	Title        string     `json:"title,omitempty"`
	Body         string     `json:"body"`
	Source       string     `json:"source"`
	CreatedAt    time.Time  `json:"created_at"`
	Score        int        `json:"score"`
	Sentiment    *float64   `json:"sentiment"`
	Topic        string     `json:"topic,omitempty"`
	Keywords     []string   `json:"keywords"`
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
}

// IsComment reports whether the item is a reply rather than a top-level post.
func (i *Item) IsComment() bool {
	return i.ParentID != ""
}

// HourlyRollup is the per-platform, per-hour weighted sentiment summary.
// Exactly one row exists per (PlatformID, HourBucket); re-ingestion for the
// same bucket replaces the row rather than accumulating into it.
type HourlyRollup struct {
	PlatformID        string    `json:"platform_id"`
	HourBucket        time.Time `json:"hour_bucket"`
	PostCount         int       `json:"post_count"`
	CommentCount      int       `json:"comment_count"`
	MeanPostSentiment float64   `json:"mean_post_sentiment"`
	WeightedSentiment float64   `json:"weighted_sentiment"`
}

// Topic maps a classifier-discovered topic name to its display color.
// The color is assigned once and never changes afterwards.
type Topic struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// PlatformSentiment is the latest + period-average view for one platform.
type PlatformSentiment struct {
	PlatformID       string  `json:"platform_id"`
	DisplayName      string  `json:"display_name"`
	Color            string  `json:"color"`
	LatestSentiment  float64 `json:"latest_sentiment"`
	AverageSentiment float64 `json:"average_sentiment"`
	PostCount        int     `json:"post_count"`
	CommentCount     int     `json:"comment_count"`
}

// TimelinePoint is one bucket in the sentiment time series.
type TimelinePoint struct {
	PlatformID        string    `json:"platform_id"`
	HourBucket        time.Time `json:"hour_bucket"`
	WeightedSentiment float64   `json:"weighted_sentiment"`
	PostCount         int       `json:"post_count"`
	CommentCount      int       `json:"comment_count"`
}

// TopicShare is one slice of the topic distribution for a period.
type TopicShare struct {
	Name       string  `json:"name"`
	Color      string  `json:"color"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// KeywordStat is one entry of the top-N keyword frequency view.
type KeywordStat struct {
	Keyword       string  `json:"keyword"`
	Count         int     `json:"count"`
	MeanSentiment float64 `json:"mean_sentiment"`
}

// CycleResult summarizes one platform's collection cycle for the caller.
type CycleResult struct {
	PlatformID   string    `json:"platform_id"`
	Fetched      int       `json:"fetched"`
	Classified   int       `json:"classified"`
	Persisted    int       `json:"persisted"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	ErrorMessage string    `json:"error,omitempty"`
}
