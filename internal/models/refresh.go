package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// RefreshConfig is the typed configuration for news_refresh jobs.
type RefreshConfig struct {
	MaxResults           int    `json:"maxResults"`
	SearchDepth          string `json:"searchDepth"`
	PersonalizationLevel string `json:"personalizationLevel"`
	SummarizationStyle   string `json:"summarizationStyle"`
	IncludeImages        bool   `json:"includeImages"`
	IncludeVideos        bool   `json:"includeVideos"`
}

// DefaultRefreshConfig is applied to fields a submission leaves out.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		MaxResults:           15,
		SearchDepth:          "medium",
		PersonalizationLevel: "advanced",
		SummarizationStyle:   "detailed",
		IncludeImages:        true,
		IncludeVideos:        false,
	}
}

var (
	searchDepths         = []string{"shallow", "medium", "deep"}
	personalizationLevel = []string{"basic", "advanced", "expert"}
	summarizationStyles  = []string{"concise", "detailed", "comprehensive"}
)

// DecodeRefreshConfig overlays raw on the defaults and validates the result.
func DecodeRefreshConfig(raw json.RawMessage) (RefreshConfig, error) {
	cfg := DefaultRefreshConfig()
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode refresh config: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

// Validate checks ranges and enumerations.
func (c RefreshConfig) Validate() error {
	if c.MaxResults < 1 || c.MaxResults > 100 {
		return fmt.Errorf("maxResults must be between 1 and 100, got %d", c.MaxResults)
	}
	if !oneOf(c.SearchDepth, searchDepths) {
		return fmt.Errorf("unknown searchDepth %q", c.SearchDepth)
	}
	if !oneOf(c.PersonalizationLevel, personalizationLevel) {
		return fmt.Errorf("unknown personalizationLevel %q", c.PersonalizationLevel)
	}
	if !oneOf(c.SummarizationStyle, summarizationStyles) {
		return fmt.Errorf("unknown summarizationStyle %q", c.SummarizationStyle)
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Preferences personalize what the refresh pipeline searches for.
type Preferences struct {
	Interests         []string `json:"interests"`
	ReadingLevel      string   `json:"readingLevel"`
	PreferredSources  []string `json:"preferredSources"`
	Topics            []string `json:"topics"`
	Categories        []string `json:"categories"`
	ExcludedTopics    []string `json:"excludedTopics"`
	Language          string   `json:"language"`
	Region            string   `json:"region"`
	ReadingTime       int      `json:"readingTime"`
	MinRelevanceScore float64  `json:"minRelevanceScore"`
}

// DefaultPreferences is used for owners that never saved any.
func DefaultPreferences() Preferences {
	return Preferences{
		Interests:         []string{"AI Research", "Machine Learning", "Tech News"},
		ReadingLevel:      "intermediate",
		PreferredSources:  []string{"TechCrunch", "The Verge", "OpenAI Blog", "ArXiv"},
		Topics:            []string{"artificial intelligence", "machine learning", "neural networks", "deep learning"},
		Categories:        []string{"AI Research", "AI Development", "Industry News"},
		ExcludedTopics:    []string{"cryptocurrency", "blockchain"},
		Language:          "en",
		Region:            "us",
		ReadingTime:       15,
		MinRelevanceScore: 0.5,
	}
}

// Validate rejects preference records the pipeline cannot use.
func (p Preferences) Validate() error {
	if p.ReadingLevel != "" && !oneOf(p.ReadingLevel, []string{"beginner", "intermediate", "advanced"}) {
		return fmt.Errorf("unknown readingLevel %q", p.ReadingLevel)
	}
	if p.MinRelevanceScore < 0 || p.MinRelevanceScore > 1 {
		return errors.New("minRelevanceScore must be between 0 and 1")
	}
	if p.ReadingTime < 0 {
		return errors.New("readingTime must not be negative")
	}
	return nil
}
