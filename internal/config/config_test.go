package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T) string {
	t.Helper()
	// Neutralize ambient env so file values win.
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	return filepath.Join(t.TempDir(), "config.json")
}

func TestLoadWritesDefaults(t *testing.T) {
	path := testConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config file not written: %v", err)
	}

	if cfg.MaxConcurrent != 4 {
		t.Errorf("max_concurrent = %d", cfg.MaxConcurrent)
	}
	if cfg.Pipeline.DedupWindowMinutes != 5 {
		t.Errorf("dedup window = %d", cfg.Pipeline.DedupWindowMinutes)
	}
	if cfg.Session.InactivityMinutes != 30 {
		t.Errorf("inactivity = %d", cfg.Session.InactivityMinutes)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("model = %q", cfg.LLM.Model)
	}
	if cfg.HTTP.Enabled {
		t.Error("http enabled by default")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	path := testConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LogLevel = "debug"
	cfg.LLM.APIKey = "sk-test-1234"
	cfg.Telegram.Token = "tg-token"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("log_level = %q", loaded.LogLevel)
	}
	if loaded.LLM.APIKey != "sk-test-1234" {
		t.Errorf("api_key = %q", loaded.LLM.APIKey)
	}
	if loaded.Telegram.Token != "tg-token" {
		t.Errorf("token = %q", loaded.Telegram.Token)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := testConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.LLM.APIKey = "sk-from-file"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	t.Setenv("OPENAI_API_KEY", "sk-from-env")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tg-from-env")

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.LLM.APIKey != "sk-from-env" {
		t.Errorf("api_key = %q, env must win", loaded.LLM.APIKey)
	}
	if loaded.Telegram.Token != "tg-from-env" {
		t.Errorf("token = %q, env must win", loaded.Telegram.Token)
	}
}

func TestGetSetValue(t *testing.T) {
	path := testConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if err := SetValue(path, "pipeline.max_tags", "8"); err != nil {
		t.Fatal(err)
	}
	val, err := GetValue(path, "pipeline.max_tags")
	if err != nil {
		t.Fatal(err)
	}
	// JSON numbers come back as float64.
	if f, ok := val.(float64); !ok || f != 8 {
		t.Errorf("max_tags = %v (%T)", val, val)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Pipeline.MaxTags != 8 {
		t.Errorf("struct max_tags = %d", cfg.Pipeline.MaxTags)
	}

	if err := SetValue(path, "http.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.HTTP.Enabled {
		t.Error("http.enabled not set")
	}

	if err := SetValue(path, "log_level", "debug"); err != nil {
		t.Fatal(err)
	}
	val, err = GetValue(path, "log_level")
	if err != nil {
		t.Fatal(err)
	}
	if val != "debug" {
		t.Errorf("log_level = %v", val)
	}
}

func TestGetValueMasksSecrets(t *testing.T) {
	path := testConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}
	if err := SetValue(path, "llm.api_key", "sk-secret-value-9876"); err != nil {
		t.Fatal(err)
	}

	val, err := GetValue(path, "llm.api_key")
	if err != nil {
		t.Fatal(err)
	}
	if val != "***9876" {
		t.Errorf("masked value = %v", val)
	}
}

func TestUnknownKeyErrors(t *testing.T) {
	path := testConfigPath(t)
	if _, err := Load(path); err != nil {
		t.Fatal(err)
	}

	if _, err := GetValue(path, "no.such.key"); err == nil {
		t.Error("GetValue accepted unknown key")
	}
	if err := SetValue(path, "no.such.key", "x"); err == nil {
		t.Error("SetValue accepted unknown key")
	}
}

func TestListValues(t *testing.T) {
	path := testConfigPath(t)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Telegram.Token = "123456:ABCDEF"

	flat, err := ListValues(cfg, true)
	if err != nil {
		t.Fatal(err)
	}
	if flat["llm.provider"] != "openai" {
		t.Errorf("llm.provider = %v", flat["llm.provider"])
	}
	if flat["telegram.token"] != "***CDEF" {
		t.Errorf("telegram.token = %v, want ***CDEF", flat["telegram.token"])
	}

	unmasked, err := ListValues(cfg, false)
	if err != nil {
		t.Fatal(err)
	}
	if unmasked["telegram.token"] != "123456:ABCDEF" {
		t.Errorf("unmasked token = %v", unmasked["telegram.token"])
	}
}

func TestCoerce(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"8", 8},
		{"1", 1},
		{"0.5", 0.5},
		{"true", true},
		{"false", false},
		{"hello", "hello"},
	}
	for _, tc := range cases {
		if got := coerce(tc.in); got != tc.want {
			t.Errorf("coerce(%q) = %v (%T), want %v", tc.in, got, got, tc.want)
		}
	}
}
