package config

import (
	"testing"
	"time"
)

func TestDefaultsAndClamps(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if got := HistoryLimit(); got != 40 {
		t.Errorf("Expected default history limit 40, got %d", got)
	}
	if got := TokenLimit(); got != 8000 {
		t.Errorf("Expected default token limit 8000, got %d", got)
	}
	if got := LockTimeout(); got != 3*time.Second {
		t.Errorf("Expected default lock timeout 3s, got %v", got)
	}

	Set("lease-ttl", "5s")
	if got := LeaseTTL(); got != 10*time.Second {
		t.Errorf("Expected the 10s lease floor, got %v", got)
	}
	Set("lease-ttl", "120s")

	Set("merge-summary-role", "bogus")
	if got := MergeSummaryRole(); got != "assistant" {
		t.Errorf("Expected assistant fallback, got %s", got)
	}
	Set("merge-summary-role", "user")
	if got := MergeSummaryRole(); got != "user" {
		t.Errorf("Expected the configured user role, got %s", got)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("LOOM_TOKEN_LIMIT", "1234")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if got := TokenLimit(); got != 1234 {
		t.Errorf("Expected the env override, got %d", got)
	}
	if src := GetValueSource("token-limit"); src != SourceEnvVar {
		t.Errorf("Expected env_var source, got %s", src)
	}
}
