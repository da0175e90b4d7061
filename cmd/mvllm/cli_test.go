package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"DEBUG":   zerolog.DebugLevel,
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
		"WARNING": zerolog.WarnLevel,
		"warn":    zerolog.WarnLevel,
		"ERROR":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q)=%v want %v", in, got, want)
		}
	}
}

func TestEnvDefaults(t *testing.T) {
	t.Setenv("MVLLM_TEST_STR", "value")
	if got := envDefault("MVLLM_TEST_STR", "fallback"); got != "value" {
		t.Fatalf("envDefault=%q", got)
	}
	if got := envDefault("MVLLM_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("envDefault=%q", got)
	}

	t.Setenv("MVLLM_TEST_INT", "9001")
	if got := envDefaultInt("MVLLM_TEST_INT", 1); got != 9001 {
		t.Fatalf("envDefaultInt=%d", got)
	}
	t.Setenv("MVLLM_TEST_INT", "not a number")
	if got := envDefaultInt("MVLLM_TEST_INT", 7); got != 7 {
		t.Fatalf("envDefaultInt=%d", got)
	}

	t.Setenv("MVLLM_TEST_BOOL", "TRUE")
	if !envDefaultBool("MVLLM_TEST_BOOL", false) {
		t.Fatalf("TRUE should parse as true")
	}
	t.Setenv("MVLLM_TEST_BOOL", "0")
	if envDefaultBool("MVLLM_TEST_BOOL", true) {
		t.Fatalf("0 should parse as false")
	}
}

func TestCheckConfigCommand(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "servers.toml")
	content := `
[servers]
servers = [{ url = "http://a:8000", max_concurrent_requests = 2 }]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd := newCheckConfigCmd()
	cmd.SetArgs([]string{"--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("check-config: %v", err)
	}
}

func TestCheckConfigCommandBadConfig(t *testing.T) {
	d := t.TempDir()
	path := filepath.Join(d, "servers.toml")
	if err := os.WriteFile(path, []byte("[servers\nbroken"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cmd := newCheckConfigCmd()
	cmd.SetArgs([]string{"--config", path})
	err := cmd.Execute()
	if err == nil {
		t.Fatalf("expected error")
	}
	var ee exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("bad config must carry exit code 2, got %v", err)
	}
}
