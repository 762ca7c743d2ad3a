package platforms

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadEmbeddedDefault(t *testing.T) {
	registry, err := Load("")
	assert.NoError(t, err)
	assert.NotEmpty(t, registry.Platforms)

	claude := registry.Get("claude")
	if assert.NotNil(t, claude) {
		assert.Equal(t, "Claude", claude.DisplayName)
		assert.NotEmpty(t, claude.Sources)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platforms.yaml")
	content := `platforms:
  - id: testbot
    display_name: TestBot
    color: "#123456"
    sources:
      - testbotfans
    active: true
`
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	registry, err := Load(path)
	assert.NoError(t, err)
	assert.Len(t, registry.Platforms, 1)

	p := registry.Get("testbot")
	if assert.NotNil(t, p) {
		assert.Equal(t, "TestBot", p.DisplayName)
		// unset tuning fields pick up defaults
		assert.Equal(t, 10, p.PostsPerSource)
		assert.Equal(t, 5, p.CommentsPerPost)
		assert.Equal(t, 1100, p.RequestDelayMs)
		assert.NotEmpty(t, p.SystemPrompt)
		assert.NotEmpty(t, p.UserPrompt)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestNewRegistryValidation(t *testing.T) {
	base := func() Platform {
		return Platform{
			ID:          "p1",
			DisplayName: "P1",
			Sources:     []string{"s1"},
			Active:      true,
		}
	}

	tests := []struct {
		name      string
		platforms []Platform
		errSubstr string
	}{
		{
			name:      "empty registry",
			platforms: nil,
			errSubstr: "empty",
		},
		{
			name: "missing id",
			platforms: []Platform{
				{DisplayName: "Nameless", Sources: []string{"s"}},
			},
			errSubstr: "no id",
		},
		{
			name:      "duplicate id",
			platforms: []Platform{base(), base()},
			errSubstr: "duplicate",
		},
		{
			name: "no sources",
			platforms: []Platform{
				{ID: "p1", DisplayName: "P1"},
			},
			errSubstr: "no sources",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRegistry(tc.platforms)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSubstr)
		})
	}
}

func TestGetUnknownPlatform(t *testing.T) {
	registry, err := NewRegistry([]Platform{{ID: "p1", Sources: []string{"s"}}})
	assert.NoError(t, err)
	assert.Nil(t, registry.Get("nope"))
}

func TestActiveFiltersInFileOrder(t *testing.T) {
	registry, err := NewRegistry([]Platform{
		{ID: "a", Sources: []string{"s"}, Active: true},
		{ID: "b", Sources: []string{"s"}},
		{ID: "c", Sources: []string{"s"}, Active: true},
	})
	assert.NoError(t, err)

	active := registry.Active()
	assert.Len(t, active, 2)
	assert.Equal(t, "a", active[0].ID)
	assert.Equal(t, "c", active[1].ID)
}

func TestBuildPrompt(t *testing.T) {
	p := Platform{
		ID:           "p1",
		DisplayName:  "TestBot",
		SystemPrompt: "Analyst for %PRODUCT%.",
		UserPrompt:   "Topics: %TOPICS%\nContent: %CONTENT%",
	}

	system, user := p.BuildPrompt("great model", []string{"Speed", "Pricing"})
	assert.Equal(t, "Analyst for TestBot.", system)
	assert.Equal(t, "Topics: Speed, Pricing\nContent: great model", user)
}

func TestBuildPromptEmptyTopics(t *testing.T) {
	p := Platform{
		DisplayName: "TestBot",
		UserPrompt:  "Topics: %TOPICS%",
	}

	_, user := p.BuildPrompt("x", nil)
	assert.Equal(t, "Topics: (none yet)", user)
}
