package stats

import (
	"encoding/json"
	"strconv"

	"github.com/aipulse/tracker/cache"
	"github.com/aipulse/tracker/models"
)

// Periods supported by the read API.
var validPeriods = map[string]bool{
	"24h": true,
	"7d":  true,
	"30d": true,
	"all": true,
}

// Default row counts for the limit-bearing endpoints, mirroring the store's
// own fallbacks so the cache key and the query agree.
const (
	defaultKeywordLimit = 20
	defaultFeedLimit    = 50
)

// NormalizePeriod maps unknown or empty periods to the 24h default.
func NormalizePeriod(period string) string {
	if validPeriods[period] {
		return period
	}
	return "24h"
}

// cached runs a view builder behind the cache layer: hit returns the stored
// payload verbatim; a miss builds, stores and returns fresh JSON. Builder
// errors degrade to the neutral fallback payload, never to an error, so read
// endpoints stay up while the store misbehaves.
func (c *Collector) cached(key string, build func() (any, error), fallback any) []byte {
	if payload, ok := c.cache.Get(key); ok {
		return payload
	}

	view, err := build()
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("View build failed, serving neutral default")
		payload, _ := json.Marshal(fallback)
		return payload
	}

	payload, err := json.Marshal(view)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("View marshal failed, serving neutral default")
		payload, _ := json.Marshal(fallback)
		return payload
	}

	c.cache.Set(key, payload)
	return payload
}

// Sentiment returns the latest + period-average weighted sentiment per
// platform as JSON, cache-first.
func (c *Collector) Sentiment(period, platformID string) []byte {
	period = NormalizePeriod(period)
	key := cache.BuildKey("/api/sentiment", map[string]string{
		"period":   period,
		"platform": platformID,
	})

	return c.cached(key, func() (any, error) {
		sentiments, err := c.database.GetPlatformSentiments(period, platformID)
		if err != nil {
			return nil, err
		}
		for i := range sentiments {
			if p := c.registry.Get(sentiments[i].PlatformID); p != nil {
				sentiments[i].DisplayName = p.DisplayName
				sentiments[i].Color = p.Color
			}
		}
		return sentiments, nil
	}, c.neutralSentiments(platformID))
}

// neutralSentiments is the degraded sentiment payload: every requested
// platform at 0.5 with zero counts.
func (c *Collector) neutralSentiments(platformID string) []models.PlatformSentiment {
	neutral := make([]models.PlatformSentiment, 0)
	for _, p := range c.registry.Active() {
		if platformID != "" && p.ID != platformID {
			continue
		}
		neutral = append(neutral, models.PlatformSentiment{
			PlatformID:       p.ID,
			DisplayName:      p.DisplayName,
			Color:            p.Color,
			LatestSentiment:  0.5,
			AverageSentiment: 0.5,
		})
	}
	return neutral
}

// Timeline returns the per-bucket weighted sentiment series as JSON,
// cache-first.
func (c *Collector) Timeline(period, platformID string) []byte {
	period = NormalizePeriod(period)
	key := cache.BuildKey("/api/timeline", map[string]string{
		"period":   period,
		"platform": platformID,
	})

	return c.cached(key, func() (any, error) {
		return c.database.GetTimeline(period, platformID)
	}, []models.TimelinePoint{})
}

// Topics returns the topic distribution as JSON, cache-first.
func (c *Collector) Topics(period, platformID string) []byte {
	period = NormalizePeriod(period)
	key := cache.BuildKey("/api/topics", map[string]string{
		"period":   period,
		"platform": platformID,
	})

	return c.cached(key, func() (any, error) {
		return c.database.GetTopicDistribution(period, platformID)
	}, []models.TopicShare{})
}

// Keywords returns the top-N keyword frequency view as JSON, cache-first.
// The limit is part of the cache key; different limits never share a row.
func (c *Collector) Keywords(period, platformID string, limit int) []byte {
	period = NormalizePeriod(period)
	if limit <= 0 {
		limit = defaultKeywordLimit
	}
	key := cache.BuildKey("/api/keywords", map[string]string{
		"period":   period,
		"platform": platformID,
		"limit":    strconv.Itoa(limit),
	})

	return c.cached(key, func() (any, error) {
		return c.database.GetKeywordStats(period, platformID, limit)
	}, []models.KeywordStat{})
}

// Feed returns the recent-items feed as JSON, cache-first.
func (c *Collector) Feed(platformID string, limit int) []byte {
	if limit <= 0 {
		limit = defaultFeedLimit
	}
	key := cache.BuildKey("/api/feed", map[string]string{
		"platform": platformID,
		"limit":    strconv.Itoa(limit),
	})

	return c.cached(key, func() (any, error) {
		return c.database.GetRecentItems(platformID, limit)
	}, []models.Item{})
}

// warmCache re-populates the hot read endpoints right after a cycle so the
// next public request is a guaranteed hit.
func (c *Collector) warmCache() {
	for period := range validPeriods {
		c.Sentiment(period, "")
		c.Timeline(period, "")
	}
	c.Topics("24h", "")
	c.Keywords("24h", "", 0)
	c.Feed("", 0)
}
