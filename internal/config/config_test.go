package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndEnv(t *testing.T) {
	t.Setenv("DISCUSS_SESSION_SIGNING_SECRET", "secret")
	t.Setenv("DISCUSS_ADMIN_USER_IDS", "instructor@example.com, ta@example.com")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.SessionCookieName != defaultCookieName {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.SessionTTL != 12*time.Hour || cfg.RelayBufferSize != defaultRelayBuffer {
		t.Fatalf("unexpected durations or sizes %+v", cfg)
	}
	if len(cfg.AdminUserIDs) != 2 || cfg.AdminUserIDs[1] != "ta@example.com" {
		t.Fatalf("unexpected admin ids %v", cfg.AdminUserIDs)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	t.Setenv("DISCUSS_SESSION_SIGNING_SECRET", "")
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestLoadDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "DISCUSS_CLIENT_SESSION=lecture07\nDISCUSS_CLIENT_USER_ID=from-file@example.com\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("DISCUSS_CLIENT_USER_ID", "from-env@example.com")
	t.Setenv("DISCUSS_CLIENT_ACCESS_TOKEN", "token")
	t.Cleanup(func() { _ = os.Unsetenv("DISCUSS_CLIENT_SESSION") })

	if err := LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("unexpected dotenv error: %v", err)
	}
	cfg, err := LoadClient(NewViper())
	if err != nil {
		t.Fatalf("unexpected client load error: %v", err)
	}
	if cfg.Session != "lecture07" || cfg.UserID != "from-env@example.com" {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	if cfg.SiteURL != defaultSiteURL {
		t.Fatalf("unexpected site url %s", cfg.SiteURL)
	}
}
