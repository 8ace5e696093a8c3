package config

import (
	"reflect"
	"testing"
)

func TestFlattenUnflattenRoundTrip(t *testing.T) {
	nested := map[string]any{
		"data_dir": "/tmp/jotbot",
		"llm": map[string]any{
			"provider": "openai",
			"model":    "gpt-4o-mini",
		},
		"pipeline": map[string]any{
			"max_tags": float64(5),
		},
	}

	flat := Flatten(nested)
	want := map[string]any{
		"data_dir":          "/tmp/jotbot",
		"llm.provider":      "openai",
		"llm.model":         "gpt-4o-mini",
		"pipeline.max_tags": float64(5),
	}
	if !reflect.DeepEqual(flat, want) {
		t.Errorf("Flatten = %v, want %v", flat, want)
	}

	back := Unflatten(flat)
	if !reflect.DeepEqual(back, nested) {
		t.Errorf("Unflatten = %v, want %v", back, nested)
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"llm.api_key":    "sk-abcdef123456",
		"telegram.token": "abc",
		"llm.provider":   "openai",
		"http.enabled":   true,
	}
	masked := MaskSecrets(flat)

	if masked["llm.api_key"] != "***3456" {
		t.Errorf("api_key = %v", masked["llm.api_key"])
	}
	if masked["telegram.token"] != "***abc" {
		t.Errorf("short token = %v", masked["telegram.token"])
	}
	if masked["llm.provider"] != "openai" {
		t.Errorf("non-secret changed: %v", masked["llm.provider"])
	}
	if masked["http.enabled"] != true {
		t.Errorf("non-string changed: %v", masked["http.enabled"])
	}
	// Original untouched.
	if flat["llm.api_key"] != "sk-abcdef123456" {
		t.Error("MaskSecrets mutated its input")
	}
}

func TestMaskSecretsEmptyValue(t *testing.T) {
	masked := MaskSecrets(map[string]any{"llm.api_key": ""})
	if masked["llm.api_key"] != "" {
		t.Errorf("empty secret = %v", masked["llm.api_key"])
	}
}

func TestIsSecretKey(t *testing.T) {
	if !IsSecretKey("llm.api_key") || !IsSecretKey("telegram.token") {
		t.Error("secret keys not recognized")
	}
	if IsSecretKey("llm.model") {
		t.Error("llm.model flagged as secret")
	}
}
