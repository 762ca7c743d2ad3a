package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aipulse/tracker/models"
	"github.com/aipulse/tracker/platforms"
)

const (
	// UnprocessedTopic marks items the classifier never scored; they are
	// retained for later reprocessing rather than dropped.
	UnprocessedTopic = "Unprocessed"

	minClassifiableLength = 5
	maxPromptContentChars = 500
	maxKeywords           = 5
	maxKeywordLength      = 40
)

// ErrRateLimited signals that the scoring service returned 429; the current
// batch stops where it is and partial results are kept.
var ErrRateLimited = errors.New("scoring service rate limited")

// Classifier scores item text through an external chat-completion service.
type Classifier struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	log        *logrus.Logger

	// sleep is swapped out in tests so per-call delays don't slow them down
	sleep func(time.Duration)
}

// NewClassifier creates a classifier against the given scoring endpoint.
func NewClassifier(apiKey, baseURL, model string, log *logrus.Logger) *Classifier {
	return &Classifier{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log,
		sleep:      time.Sleep,
	}
}

// Classify scores each item in place. Items that cannot be scored (too
// short, malformed response, transient failure) keep a nil sentiment and the
// Unprocessed topic so they can be retried later. A 429 from the scoring
// service halts the remaining batch; everything processed so far is kept.
// The platform's AnalysisCap bounds how many items are submitted (0 = all).
func (c *Classifier) Classify(ctx context.Context, items []models.Item, platform *platforms.Platform, topics []string) []models.Item {
	delay := time.Duration(platform.ClassifyDelayMs) * time.Millisecond
	analysisCap := platform.AnalysisCap

	// default every unscored item up front so a mid-batch halt still leaves
	// the remainder marked for reprocessing
	for i := range items {
		if items[i].Topic == "" {
			items[i].Topic = UnprocessedTopic
		}
	}

	submitted := 0
	for i := range items {
		if analysisCap > 0 && submitted >= analysisCap {
			continue
		}

		text := Sanitize(combineText(&items[i]))
		if len(text) < minClassifiableLength {
			continue
		}
		text = truncateToRune(text, maxPromptContentChars)

		if submitted > 0 {
			c.sleep(delay)
		}
		submitted++

		result, err := c.score(ctx, text, platform, topics)
		if err != nil {
			if errors.Is(err, ErrRateLimited) {
				c.log.WithFields(logrus.Fields{
					"platform":  platform.ID,
					"processed": i,
					"total":     len(items),
				}).Warn("Scoring service rate limited, halting batch")
				break
			}
			c.log.WithError(err).WithFields(logrus.Fields{
				"platform": platform.ID,
				"item_id":  items[i].ID,
			}).Warn("Failed to classify item, keeping it unprocessed")
			continue
		}

		now := time.Now()
		items[i].Sentiment = &result.Sentiment
		items[i].Topic = result.Topic
		items[i].Keywords = result.Keywords
		items[i].ClassifiedAt = &now
	}

	return items
}

// scoreResult is the validated shape of one scoring response.
type scoreResult struct {
	Sentiment float64
	Topic     string
	Keywords  []string
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// score submits one sanitized text to the scoring service and validates the
// structured response.
func (c *Classifier) score(ctx context.Context, text string, platform *platforms.Platform, topics []string) (*scoreResult, error) {
	system, user := platform.BuildPrompt(text, topics)

	payload := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: 0.2,
		MaxTokens:   200,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute scoring request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("scoring request failed with status %d: %s", resp.StatusCode, string(body))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, fmt.Errorf("failed to decode scoring response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("scoring response contained no choices")
	}

	parsed := parseScoringJSON(chatResp.Choices[0].Message.Content)
	if parsed == nil {
		return nil, fmt.Errorf("scoring response was not valid JSON")
	}

	return coerceResult(parsed), nil
}

// parseScoringJSON parses the model output, tolerating markdown code fences
// around the JSON object.
func parseScoringJSON(text string) map[string]any {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if strings.HasPrefix(text, "```") {
		lines := strings.Split(text, "\n")
		endIdx := len(lines) - 1
		for i := len(lines) - 1; i > 0; i-- {
			if strings.TrimSpace(lines[i]) == "```" {
				endIdx = i
				break
			}
		}
		text = strings.Join(lines[1:endIdx], "\n")
	}

	var result map[string]any
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil
	}
	return result
}

var topicCharRe = regexp.MustCompile(`[^a-zA-Z0-9 \-]`)
var keywordCharRe = regexp.MustCompile(`[^a-zA-Z0-9 \-_.]`)

// coerceResult validates a parsed scoring payload, applying conservative
// defaults for every malformed field.
func coerceResult(raw map[string]any) *scoreResult {
	result := &scoreResult{
		Sentiment: 0.5,
		Topic:     "Unknown",
		Keywords:  []string{},
	}

	if v, ok := raw["sentiment"].(float64); ok {
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		result.Sentiment = v
	}

	if v, ok := raw["topic"].(string); ok {
		topic := strings.TrimSpace(topicCharRe.ReplaceAllString(v, ""))
		if topic != "" {
			result.Topic = topic
		}
	}

	if v, ok := raw["keywords"].([]any); ok {
		for _, kw := range v {
			if len(result.Keywords) >= maxKeywords {
				break
			}
			s, ok := kw.(string)
			if !ok {
				continue
			}
			s = strings.TrimSpace(keywordCharRe.ReplaceAllString(s, ""))
			if s == "" || len(s) > maxKeywordLength {
				continue
			}
			result.Keywords = append(result.Keywords, strings.ToLower(s))
		}
	}

	return result
}

// combineText joins an item's title and body for scoring.
func combineText(item *models.Item) string {
	if item.Title == "" {
		return item.Body
	}
	if item.Body == "" {
		return item.Title
	}
	return item.Title + "\n\n" + item.Body
}
