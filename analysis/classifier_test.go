package analysis

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"

	"github.com/aipulse/tracker/models"
	"github.com/aipulse/tracker/platforms"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testPlatform() *platforms.Platform {
	return &platforms.Platform{
		ID:              "testplat",
		DisplayName:     "TestPlat",
		ClassifyDelayMs: 1,
		SystemPrompt:    "Score content about %PRODUCT%. Topics: %TOPICS%",
		UserPrompt:      "%CONTENT%",
	}
}

func newTestClassifier(serverURL string) *Classifier {
	c := NewClassifier("test-key", serverURL, "test-model", testLogger())
	c.sleep = func(time.Duration) {}
	return c
}

func chatReply(content string) string {
	return fmt.Sprintf(`{"choices":[{"message":{"content":%q}}]}`, content)
}

func makeItems(n int) []models.Item {
	items := make([]models.Item, n)
	for i := range items {
		items[i] = models.Item{
			ID:         fmt.Sprintf("item%d", i),
			PlatformID: "testplat",
			Body:       fmt.Sprintf("this is a long enough piece of content number %d", i),
			CreatedAt:  time.Now(),
			Keywords:   []string{},
		}
	}
	return items
}

func TestClassifySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		fmt.Fprint(w, chatReply(`{"sentiment": 0.8, "topic": "Pricing", "keywords": ["cost", "subscription"]}`))
	}))
	defer server.Close()

	c := newTestClassifier(server.URL)
	items := c.Classify(context.Background(), makeItems(2), testPlatform(), []string{"Pricing"})

	for _, item := range items {
		assert.NotNil(t, item.Sentiment)
		assert.Equal(t, 0.8, *item.Sentiment)
		assert.Equal(t, "Pricing", item.Topic)
		assert.Equal(t, []string{"cost", "subscription"}, item.Keywords)
		assert.NotNil(t, item.ClassifiedAt)
	}
}

func TestClassifyCoercesMalformedFields(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		wantSentiment float64
		wantTopic     string
		wantKeywords  []string
	}{
		{
			name:          "Sentiment above range is clamped",
			content:       `{"sentiment": 3.5, "topic": "Speed", "keywords": []}`,
			wantSentiment: 1.0,
			wantTopic:     "Speed",
			wantKeywords:  []string{},
		},
		{
			name:          "Sentiment below range is clamped",
			content:       `{"sentiment": -2, "topic": "Speed", "keywords": []}`,
			wantSentiment: 0.0,
			wantTopic:     "Speed",
			wantKeywords:  []string{},
		},
		{
			name:          "Missing sentiment defaults to neutral",
			content:       `{"topic": "Speed"}`,
			wantSentiment: 0.5,
			wantTopic:     "Speed",
			wantKeywords:  []string{},
		},
		{
			name:          "Non-string topic defaults to Unknown",
			content:       `{"sentiment": 0.4, "topic": 42}`,
			wantSentiment: 0.4,
			wantTopic:     "Unknown",
			wantKeywords:  []string{},
		},
		{
			name:          "Topic special characters stripped",
			content:       `{"sentiment": 0.4, "topic": "Mo<del> Qua!ity"}`,
			wantSentiment: 0.4,
			wantTopic:     "Model Quaity",
			wantKeywords:  []string{},
		},
		{
			name:          "Keywords trimmed to five and lowercased",
			content:       `{"sentiment": 0.6, "topic": "API", "keywords": ["A","B","C","D","E","F","G"]}`,
			wantSentiment: 0.6,
			wantTopic:     "API",
			wantKeywords:  []string{"a", "b", "c", "d", "e"},
		},
		{
			name:          "Fenced JSON is unwrapped",
			content:       "```json\n{\"sentiment\": 0.7, \"topic\": \"UX\"}\n```",
			wantSentiment: 0.7,
			wantTopic:     "UX",
			wantKeywords:  []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, chatReply(tc.content))
			}))
			defer server.Close()

			c := newTestClassifier(server.URL)
			items := c.Classify(context.Background(), makeItems(1), testPlatform(), nil)

			assert.NotNil(t, items[0].Sentiment)
			assert.Equal(t, tc.wantSentiment, *items[0].Sentiment)
			assert.Equal(t, tc.wantTopic, items[0].Topic)
			assert.Equal(t, tc.wantKeywords, items[0].Keywords)
		})
	}
}

func TestClassifyRateLimitHaltsBatch(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, chatReply(`{"sentiment": 0.9, "topic": "Speed", "keywords": []}`))
	}))
	defer server.Close()

	c := newTestClassifier(server.URL)
	items := c.Classify(context.Background(), makeItems(4), testPlatform(), nil)

	// first item scored, the rest left unprocessed for a later pass
	assert.NotNil(t, items[0].Sentiment)
	assert.Equal(t, "Speed", items[0].Topic)
	for _, item := range items[1:] {
		assert.Nil(t, item.Sentiment)
		assert.Equal(t, UnprocessedTopic, item.Topic)
	}
	assert.Equal(t, 2, calls)
}

func TestClassifyServerErrorSkipsItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newTestClassifier(server.URL)
	items := c.Classify(context.Background(), makeItems(3), testPlatform(), nil)

	// every item retained as unprocessed, no synthetic scores
	for _, item := range items {
		assert.Nil(t, item.Sentiment)
		assert.Equal(t, UnprocessedTopic, item.Topic)
		assert.Nil(t, item.ClassifiedAt)
	}
}

func TestClassifyNonJSONResponseSkipsItem(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, chatReply("I cannot help with that request."))
	}))
	defer server.Close()

	c := newTestClassifier(server.URL)
	items := c.Classify(context.Background(), makeItems(1), testPlatform(), nil)

	assert.Nil(t, items[0].Sentiment)
	assert.Equal(t, UnprocessedTopic, items[0].Topic)
}

func TestClassifySkipsShortText(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, chatReply(`{"sentiment": 0.5, "topic": "X", "keywords": []}`))
	}))
	defer server.Close()

	items := []models.Item{
		{ID: "short", Body: "ok"},
		{ID: "empty", Body: "   "},
	}

	c := newTestClassifier(server.URL)
	items = c.Classify(context.Background(), items, testPlatform(), nil)

	assert.Equal(t, 0, calls)
	for _, item := range items {
		assert.Nil(t, item.Sentiment)
		assert.Equal(t, UnprocessedTopic, item.Topic)
	}
}

func TestClassifyHonorsAnalysisCap(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, chatReply(`{"sentiment": 0.6, "topic": "Speed", "keywords": []}`))
	}))
	defer server.Close()

	platform := testPlatform()
	platform.AnalysisCap = 2

	c := newTestClassifier(server.URL)
	items := c.Classify(context.Background(), makeItems(5), testPlatform(), nil)
	assert.Equal(t, 5, calls)

	calls = 0
	items = c.Classify(context.Background(), makeItems(5), platform, nil)
	assert.Equal(t, 2, calls)

	scored := 0
	for _, item := range items {
		if item.Sentiment != nil {
			scored++
		}
	}
	assert.Equal(t, 2, scored)
}
