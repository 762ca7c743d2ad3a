package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aipulse/tracker/analysis"
	"github.com/aipulse/tracker/api"
	"github.com/aipulse/tracker/cache"
	"github.com/aipulse/tracker/db"
	"github.com/aipulse/tracker/models"
	"github.com/aipulse/tracker/platforms"
)

// ContentFetcher pulls new items for one platform.
type ContentFetcher interface {
	FetchPlatform(ctx context.Context, platform *platforms.Platform, seen api.SeenChecker) ([]models.Item, error)
}

// SentimentClassifier scores a batch of items in place.
type SentimentClassifier interface {
	Classify(ctx context.Context, items []models.Item, platform *platforms.Platform, topics []string) []models.Item
}

// Collector drives the per-platform collection cycles: fetch, classify,
// persist, roll up, refresh cache. One cycle runs per platform per hour, at
// the platform's staggered minute offset.
type Collector struct {
	fetcher    ContentFetcher
	classifier SentimentClassifier
	database   *db.Database
	cache      *cache.Cache
	registry   *platforms.Registry
	log        *logrus.Logger

	now func() time.Time
}

// NewCollector creates a new collector
func NewCollector(
	fetcher ContentFetcher,
	classifier SentimentClassifier,
	database *db.Database,
	cacheLayer *cache.Cache,
	registry *platforms.Registry,
	log *logrus.Logger,
) *Collector {
	return &Collector{
		fetcher:    fetcher,
		classifier: classifier,
		database:   database,
		cache:      cacheLayer,
		registry:   registry,
		log:        log,
		now:        time.Now,
	}
}

// Start runs the scheduler until the context is cancelled. Each active
// platform's cycle fires once per hour at its configured minute offset so
// platforms never contend for the same upstream rate-limit window.
func (c *Collector) Start(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastRun := make(map[string]time.Time)

	c.log.WithField("platforms", len(c.registry.Active())).Info("Collection scheduler started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tick := <-ticker.C:
			for _, platform := range c.registry.Active() {
				if tick.Minute() != platform.ScheduleOffsetMin {
					continue
				}
				hour := tick.Truncate(time.Hour)
				if lastRun[platform.ID].Equal(hour) {
					continue
				}
				lastRun[platform.ID] = hour

				result, err := c.RunCycle(ctx, platform.ID)
				if err != nil {
					c.log.WithError(err).WithField("platform", platform.ID).Error("Collection cycle failed")
					continue
				}
				c.log.WithFields(logrus.Fields{
					"platform":   result.PlatformID,
					"fetched":    result.Fetched,
					"classified": result.Classified,
					"persisted":  result.Persisted,
					"duration":   result.FinishedAt.Sub(result.StartedAt).String(),
				}).Info("Collection cycle finished")
			}
		}
	}
}

// RunCycle executes one platform's full pipeline: fetch new items, classify
// them, persist the batch, upsert the hour's rollup and refresh the cache.
// An auth or storage failure aborts the cycle; everything else degrades
// locally inside the stages.
func (c *Collector) RunCycle(ctx context.Context, platformID string) (result models.CycleResult, err error) {
	result = models.CycleResult{
		PlatformID: platformID,
		StartedAt:  c.now(),
	}
	defer func() {
		// a panicking cycle must not take down the scheduler or block
		// sibling platforms
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle for platform %s panicked: %v", platformID, r)
			result.ErrorMessage = err.Error()
		}
		result.FinishedAt = c.now()
	}()

	platform := c.registry.Get(platformID)
	if platform == nil {
		err = fmt.Errorf("unknown platform %q", platformID)
		result.ErrorMessage = err.Error()
		return result, err
	}

	items, err := c.fetcher.FetchPlatform(ctx, platform, c.database)
	if err != nil {
		// auth failures land here: nothing fetched, nothing written
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("fetch failed for platform %s: %w", platformID, err)
	}
	result.Fetched = len(items)

	if len(items) == 0 {
		c.log.WithField("platform", platformID).Info("No new items this cycle")
		return result, nil
	}

	// topic list is a read-through snapshot of the topics table, taken once
	// per cycle and passed into the classifier explicitly
	topics, err := c.database.TopicNames()
	if err != nil {
		c.log.WithError(err).Warn("Failed to load topic list, classifying without it")
		topics = nil
	}

	items = c.classifier.Classify(ctx, items, platform, topics)
	for i := range items {
		if items[i].Sentiment != nil {
			result.Classified++
		}
	}

	if err := c.ensureTopicColors(items); err != nil {
		c.log.WithError(err).Warn("Failed to assign topic colors")
	}

	persisted, err := c.database.SaveItems(items)
	if err != nil {
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("storage failed for platform %s: %w", platformID, err)
	}
	result.Persisted = persisted

	rollup := db.ComputeRollup(platformID, c.now(), items)
	if err := c.database.UpsertRollup(rollup); err != nil {
		result.ErrorMessage = err.Error()
		return result, fmt.Errorf("rollup failed for platform %s: %w", platformID, err)
	}

	c.cache.Invalidate("")
	c.warmCache()

	return result, nil
}

// RunAll runs every active platform's cycle in sequence, collecting a
// per-platform result. One platform failing never stops the rest.
func (c *Collector) RunAll(ctx context.Context) []models.CycleResult {
	active := c.registry.Active()
	results := make([]models.CycleResult, 0, len(active))

	for _, platform := range active {
		result, err := c.RunCycle(ctx, platform.ID)
		if err != nil {
			c.log.WithError(err).WithField("platform", platform.ID).Error("Cycle failed, continuing with remaining platforms")
		}
		results = append(results, result)
	}

	return results
}

// ensureTopicColors claims a color for every topic named in the batch.
func (c *Collector) ensureTopicColors(items []models.Item) error {
	seen := make(map[string]bool)
	for i := range items {
		topic := items[i].Topic
		if topic == "" || topic == analysis.UnprocessedTopic || seen[topic] {
			continue
		}
		seen[topic] = true

		if _, err := c.database.AssignTopicColor(topic); err != nil {
			return fmt.Errorf("failed to assign color for topic %q: %w", topic, err)
		}
	}
	return nil
}

// ReprocessUnclassified re-runs classification for items that were stored
// without a sentiment score, then recomputes the rollups of every hour
// bucket the items belong to. It is safe to run repeatedly.
func (c *Collector) ReprocessUnclassified(ctx context.Context, platformID string) (models.CycleResult, error) {
	result := models.CycleResult{
		PlatformID: platformID,
		StartedAt:  c.now(),
	}

	platform := c.registry.Get(platformID)
	if platform == nil {
		err := fmt.Errorf("unknown platform %q", platformID)
		result.ErrorMessage = err.Error()
		result.FinishedAt = c.now()
		return result, err
	}

	items, err := c.database.GetUnclassifiedItems(platformID, 0)
	if err != nil {
		result.ErrorMessage = err.Error()
		result.FinishedAt = c.now()
		return result, fmt.Errorf("failed to load unclassified items: %w", err)
	}
	result.Fetched = len(items)

	if len(items) == 0 {
		result.FinishedAt = c.now()
		return result, nil
	}

	topics, err := c.database.TopicNames()
	if err != nil {
		topics = nil
	}

	items = c.classifier.Classify(ctx, items, platform, topics)
	for i := range items {
		if items[i].Sentiment != nil {
			result.Classified++
		}
	}

	if err := c.ensureTopicColors(items); err != nil {
		c.log.WithError(err).Warn("Failed to assign topic colors")
	}

	persisted, err := c.database.SaveItems(items)
	if err != nil {
		result.ErrorMessage = err.Error()
		result.FinishedAt = c.now()
		return result, fmt.Errorf("storage failed during reprocess: %w", err)
	}
	result.Persisted = persisted

	// reprocessed items can span many hours; rebuild each touched bucket
	// from the store so the rollup invariant holds
	buckets := make(map[time.Time]bool)
	for i := range items {
		buckets[items[i].CreatedAt.UTC().Truncate(time.Hour)] = true
	}
	for bucket := range buckets {
		bucketItems, err := c.database.GetItemsInBucket(platformID, bucket)
		if err != nil {
			c.log.WithError(err).WithField("bucket", bucket).Warn("Failed to reload bucket for rollup")
			continue
		}
		if err := c.database.UpsertRollup(db.ComputeRollup(platformID, bucket, bucketItems)); err != nil {
			c.log.WithError(err).WithField("bucket", bucket).Warn("Failed to rewrite rollup")
		}
	}

	c.cache.Invalidate("")
	c.warmCache()

	result.FinishedAt = c.now()
	return result, nil
}
