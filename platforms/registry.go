package platforms

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed platforms.yaml
var defaultRegistryYAML []byte

// Platform is the static configuration for one monitored product.
// Nothing here is mutated at runtime except the Active flag.
type Platform struct {
	ID              string   `yaml:"id"`
	DisplayName     string   `yaml:"display_name"`
	Color           string   `yaml:"color"`
	Sources         []string `yaml:"sources"`
	PostsPerSource  int      `yaml:"posts_per_source"`
	CommentsPerPost int      `yaml:"comments_per_post"`
	// AnalysisCap bounds how many fetched items are sent to the classifier
	// per cycle; 0 means classify everything.
	AnalysisCap       int    `yaml:"analysis_cap"`
	RequestDelayMs    int    `yaml:"request_delay_ms"`
	SourceDelayMs     int    `yaml:"source_delay_ms"`
	ClassifyDelayMs   int    `yaml:"classify_delay_ms"`
	ScheduleOffsetMin int    `yaml:"schedule_offset_min"`
	SystemPrompt      string `yaml:"system_prompt"`
	UserPrompt        string `yaml:"user_prompt"`
	Active            bool   `yaml:"active"`
}

// Registry holds the set of monitored platforms, keyed by ID.
type Registry struct {
	Platforms []Platform `yaml:"platforms"`
	byID      map[string]*Platform
}

// Load reads a platform registry from a YAML file. An empty path loads the
// embedded default registry.
func Load(path string) (*Registry, error) {
	data := defaultRegistryYAML
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading platform registry: %w", err)
		}
		data = b
	}
	return parse(data)
}

func parse(data []byte) (*Registry, error) {
	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("parsing platform registry: %w", err)
	}
	return NewRegistry(reg.Platforms)
}

// NewRegistry builds a registry from an explicit platform list, validating
// and defaulting each entry.
func NewRegistry(list []Platform) (*Registry, error) {
	reg := &Registry{Platforms: list}

	reg.byID = make(map[string]*Platform, len(reg.Platforms))
	for i := range reg.Platforms {
		p := &reg.Platforms[i]
		if p.ID == "" {
			return nil, fmt.Errorf("platform at index %d has no id", i)
		}
		if _, dup := reg.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate platform id %q", p.ID)
		}
		if len(p.Sources) == 0 {
			return nil, fmt.Errorf("platform %q has no sources", p.ID)
		}
		applyDefaults(p)
		reg.byID[p.ID] = p
	}

	if len(reg.Platforms) == 0 {
		return nil, fmt.Errorf("platform registry is empty")
	}

	return reg, nil
}

func applyDefaults(p *Platform) {
	if p.PostsPerSource <= 0 {
		p.PostsPerSource = 10
	}
	if p.CommentsPerPost <= 0 {
		p.CommentsPerPost = 5
	}
	if p.RequestDelayMs <= 0 {
		p.RequestDelayMs = 1100
	}
	if p.SourceDelayMs <= 0 {
		p.SourceDelayMs = 2000
	}
	if p.ClassifyDelayMs <= 0 {
		p.ClassifyDelayMs = 500
	}
	if p.SystemPrompt == "" {
		p.SystemPrompt = defaultSystemPrompt
	}
	if p.UserPrompt == "" {
		p.UserPrompt = defaultUserPrompt
	}
}

// Get returns the platform with the given ID, or nil if unknown.
func (r *Registry) Get(id string) *Platform {
	return r.byID[id]
}

// Active returns every platform whose Active flag is set, in file order.
func (r *Registry) Active() []Platform {
	active := make([]Platform, 0, len(r.Platforms))
	for _, p := range r.Platforms {
		if p.Active {
			active = append(active, p)
		}
	}
	return active
}

const defaultSystemPrompt = `You are a sentiment analyst for social media posts about %PRODUCT%.
Respond ONLY with a JSON object of the shape {"sentiment": <number 0-1>, "topic": <string>, "keywords": [<up to 5 strings>]}.
Choose the topic from the provided list when one fits, otherwise propose a new short topic name.`

const defaultUserPrompt = `Known topics: %TOPICS%

Score the sentiment of the following content toward %PRODUCT%:

%CONTENT%`

// BuildPrompt renders the platform's system and user prompt templates for a
// piece of sanitized content and the current topic list. It is a pure string
// transform; template variables are %PRODUCT%, %TOPICS% and %CONTENT%.
func (p *Platform) BuildPrompt(content string, topics []string) (system, user string) {
	topicList := strings.Join(topics, ", ")
	if topicList == "" {
		topicList = "(none yet)"
	}

	replace := func(s string) string {
		s = strings.ReplaceAll(s, "%PRODUCT%", p.DisplayName)
		s = strings.ReplaceAll(s, "%TOPICS%", topicList)
		s = strings.ReplaceAll(s, "%CONTENT%", content)
		return s
	}

	return replace(p.SystemPrompt), replace(p.UserPrompt)
}
