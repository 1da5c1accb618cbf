package config

import (
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost/leadflow")
	t.Setenv("CRM_BASE_URL", "https://crm.example.com/")
	t.Setenv("CRM_ACCESS_TOKEN", "token")
	t.Setenv("CRM_PIPELINE_ID", "7781")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.GetCRMBaseURL() != "https://crm.example.com" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.GetCRMBaseURL())
	}
	if cfg.GetCRMPipelineID() != 7781 {
		t.Fatalf("expected pipeline 7781, got %d", cfg.GetCRMPipelineID())
	}
	if cfg.GetPersistChunkSize() != 500 {
		t.Fatalf("expected chunk size 500, got %d", cfg.GetPersistChunkSize())
	}
	if cfg.GetCRMPageDelay() != 200*time.Millisecond {
		t.Fatalf("expected 200ms page delay, got %s", cfg.GetCRMPageDelay())
	}
	if cfg.GetSyncCron() != "0 6,18 * * *" {
		t.Fatalf("expected twice-daily cron, got %q", cfg.GetSyncCron())
	}
	if cfg.IsSchedulerEnabled() {
		t.Fatalf("scheduler should be disabled without REDIS_URL")
	}
}

func TestLoadRejectsMissingPipeline(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CRM_PIPELINE_ID", "abc")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for invalid pipeline id")
	}
}

func TestLoadRejectsOversizedPageLimit(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CRM_PAGE_LIMIT", "1000")

	if _, err := Load(); err == nil {
		t.Fatalf("expected error for page limit above 250")
	}
}

func TestCORSWildcardEnablesAllowAll(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CORS_ORIGINS", "https://a.example.com, *")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.GetCORSAllowAll() {
		t.Fatalf("expected wildcard origin to enable allow-all")
	}
}
