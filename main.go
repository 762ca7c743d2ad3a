package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/aipulse/tracker/analysis"
	"github.com/aipulse/tracker/api"
	"github.com/aipulse/tracker/cache"
	"github.com/aipulse/tracker/db"
	"github.com/aipulse/tracker/platforms"
	"github.com/aipulse/tracker/stats"
	"github.com/aipulse/tracker/utils"
)

func main() {
	envPath := flag.String("env", ".env", "Path to .env file")
	logLevel := flag.String("log-level", "debug", "Logging level (debug, info, warn, error)")
	flag.Parse()

	log := setupLogger(*logLevel)
	log.Info("Starting AI Pulse Tracker")

	config, err := utils.LoadConfig(*envPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	registry, err := platforms.Load(config.App.RegistryPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load platform registry")
	}

	log.WithFields(logrus.Fields{
		"platforms":   len(registry.Active()),
		"server_port": config.Server.Port,
	}).Info("Configuration loaded")

	database, err := db.NewDatabase(config.Database.Path, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer database.Close()

	cacheLayer, err := cache.New(database.SQL(), log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize cache")
	}

	redditAPI := api.NewRedditAPI(
		config.Reddit.ClientID,
		config.Reddit.ClientSecret,
		config.Reddit.UserAgent,
		log,
	)

	classifier := analysis.NewClassifier(
		config.Scoring.APIKey,
		config.Scoring.BaseURL,
		config.Scoring.Model,
		log,
	)

	collector := stats.NewCollector(redditAPI, classifier, database, cacheLayer, registry, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go startEchoServer(ctx, config.Server.Port, collector, registry, log, config.Reddit.MaxRequestsPerMinute)

	go func() {
		if err := collector.Start(ctx); err != nil && err != context.Canceled {
			log.WithError(err).Error("Collection scheduler stopped unexpectedly")
		}
	}()

	waitForShutdown(cancel, log)
}

// setupLogger sets up the logger with the specified log level
func setupLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "info":
		log.SetLevel(logrus.InfoLevel)
	case "warn":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// startEchoServer starts the Echo HTTP API server
func startEchoServer(ctx context.Context, port int, collector *stats.Collector, registry *platforms.Registry, log *logrus.Logger, maxRequestsPerMinute int) {
	e := echo.New()

	// middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	requestsPerSecond := float64(maxRequestsPerMinute) / 60.0

	rateLimit := rate.Limit(requestsPerSecond * 0.95) // use 95% of the rate limit to be safe

	rateLimiterConfig := middleware.RateLimiterConfig{
		Skipper: middleware.DefaultSkipper,
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(
			middleware.RateLimiterMemoryStoreConfig{
				Rate:      rateLimit,
				Burst:     1, // no burst capability
				ExpiresIn: 3 * time.Minute,
			},
		),
		IdentifierExtractor: func(ctx echo.Context) (string, error) {
			return ctx.RealIP(), nil
		},
		ErrorHandler: func(ctx echo.Context, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
		DenyHandler: func(ctx echo.Context, identifier string, err error) error {
			return ctx.JSON(http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded, please try again later",
			})
		},
	}
	e.Use(middleware.RateLimiterWithConfig(rateLimiterConfig))

	// read endpoints; cache-first, degrade to neutral defaults, never 5xx
	e.GET("/api/sentiment", func(c echo.Context) error {
		payload := collector.Sentiment(c.QueryParam("period"), c.QueryParam("platform"))
		return c.JSONBlob(http.StatusOK, payload)
	})

	e.GET("/api/timeline", func(c echo.Context) error {
		payload := collector.Timeline(c.QueryParam("period"), c.QueryParam("platform"))
		return c.JSONBlob(http.StatusOK, payload)
	})

	e.GET("/api/topics", func(c echo.Context) error {
		payload := collector.Topics(c.QueryParam("period"), c.QueryParam("platform"))
		return c.JSONBlob(http.StatusOK, payload)
	})

	e.GET("/api/keywords", func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		payload := collector.Keywords(c.QueryParam("period"), c.QueryParam("platform"), limit)
		return c.JSONBlob(http.StatusOK, payload)
	})

	e.GET("/api/feed", func(c echo.Context) error {
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		payload := collector.Feed(c.QueryParam("platform"), limit)
		return c.JSONBlob(http.StatusOK, payload)
	})

	// manual triggers
	e.POST("/api/collect", func(c echo.Context) error {
		results := collector.RunAll(c.Request().Context())
		return c.JSON(http.StatusOK, results)
	})

	e.POST("/api/collect/:platform", func(c echo.Context) error {
		platformID := c.Param("platform")
		if registry.Get(platformID) == nil {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("Unknown platform %s", platformID),
			})
		}
		result, err := collector.RunCycle(c.Request().Context(), platformID)
		if err != nil {
			log.WithError(err).WithField("platform", platformID).Error("Manual collection cycle failed")
		}
		return c.JSON(http.StatusOK, result)
	})

	e.POST("/api/reprocess/:platform", func(c echo.Context) error {
		platformID := c.Param("platform")
		if registry.Get(platformID) == nil {
			return c.JSON(http.StatusNotFound, map[string]string{
				"error": fmt.Sprintf("Unknown platform %s", platformID),
			})
		}
		result, err := collector.ReprocessUnclassified(c.Request().Context(), platformID)
		if err != nil {
			log.WithError(err).WithField("platform", platformID).Error("Reprocess failed")
		}
		return c.JSON(http.StatusOK, result)
	})

	// health check endpoint; useful for k8s liveliness probes but not strictly required in this case;
	// should also add readiness probe, etc if we had a full k8s use case here
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	// start the server!
	go func() {
		serverAddr := fmt.Sprintf(":%d", port)
		log.WithField("port", port).Info("Starting API server")
		if err := e.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// wait for context cancellation to shut down server
	<-ctx.Done()
	log.Info("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("API server shutdown failed")
	}
}

// waitForShutdown waits for a shutdown signal
func waitForShutdown(cancel context.CancelFunc, log *logrus.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithField("signal", sig.String()).Info("Shutdown signal received")

	cancel()

	time.Sleep(1 * time.Second)
	log.Info("AI Pulse Tracker stopped")
}
