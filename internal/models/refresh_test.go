package models

import (
	"encoding/json"
	"testing"
)

func TestDecodeRefreshConfigDefaults(t *testing.T) {
	cfg, err := DecodeRefreshConfig(json.RawMessage(`{"maxResults":5}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.MaxResults != 5 {
		t.Fatalf("expected maxResults 5, got %d", cfg.MaxResults)
	}
	if cfg.SearchDepth != "medium" || !cfg.IncludeImages {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	if _, err := DecodeRefreshConfig(nil); err != nil {
		t.Fatalf("empty config should use defaults, got %v", err)
	}
}

func TestDecodeRefreshConfigRejectsInvalid(t *testing.T) {
	cases := []string{
		`{"maxResults":0}`,
		`{"maxResults":500}`,
		`{"searchDepth":"bottomless"}`,
		`{"summarizationStyle":"haiku"}`,
		`{"maxResults":"ten"}`,
	}
	for _, c := range cases {
		if _, err := DecodeRefreshConfig(json.RawMessage(c)); err == nil {
			t.Fatalf("expected %s to be rejected", c)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusPending.Terminal() || StatusProcessing.Terminal() {
		t.Fatalf("pending/processing must not be terminal")
	}
	if !StatusCompleted.Terminal() || !StatusFailed.Terminal() {
		t.Fatalf("completed/failed must be terminal")
	}
	if Status("queued").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestPreferencesValidate(t *testing.T) {
	if err := DefaultPreferences().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	p := DefaultPreferences()
	p.MinRelevanceScore = 2
	if err := p.Validate(); err == nil {
		t.Fatalf("expected out-of-range score rejected")
	}
}
