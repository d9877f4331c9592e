package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/oggyb/matchcore/internal/config"
)

// capture re-initializes the global logger into a buffer for the duration of f.
func capture(t *testing.T, c Config, f func()) string {
	t.Helper()

	var buf bytes.Buffer
	c.Output = &buf
	Init(&c)
	t.Cleanup(func() { Init(&Config{Level: "info", Format: FormatText}) })

	f()
	return buf.String()
}

func TestLogger_TextFormat(t *testing.T) {
	out := capture(t, Config{Level: "debug", Format: FormatText, Component: "test"}, func() {
		Info("match proposed", "match_id", "m1")
	})

	if !strings.Contains(out, "match proposed") {
		t.Errorf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=test") {
		t.Errorf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "match_id=m1") {
		t.Errorf("expected structured field, got: %s", out)
	}
}

func TestLogger_JSONFormat(t *testing.T) {
	out := capture(t, Config{Level: "info", Format: FormatJSON, Component: "json_test"}, func() {
		Info("json log", "session_id", "s1")
	})

	if !strings.Contains(out, `"msg":"json log"`) {
		t.Errorf("expected JSON message, got: %s", out)
	}
	if !strings.Contains(out, `"component":"json_test"`) {
		t.Errorf("expected component in JSON, got: %s", out)
	}
	if !strings.Contains(out, `"session_id":"s1"`) {
		t.Errorf("expected structured field in JSON, got: %s", out)
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	out := capture(t, Config{Level: "error", Format: FormatText}, func() {
		Info("should not appear")
		Error("should appear")
	})

	if strings.Contains(out, "should not appear") {
		t.Errorf("info log should not appear, got: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("error log should appear, got: %s", out)
	}
}

func TestLogger_ContextLogger(t *testing.T) {
	out := capture(t, Config{Level: "debug", Format: FormatText}, func() {
		ctx := NewContext(context.Background(), With("user_id", "u1"))
		FromContext(ctx, nil).Info("joined queue")
		FromContext(context.Background(), nil).Info("no scope")
	})

	if !strings.Contains(out, "user_id=u1") {
		t.Errorf("expected user_id field, got: %s", out)
	}
	if !strings.Contains(out, "no scope") {
		t.Errorf("expected fallback logger output, got: %s", out)
	}
}

func TestInitFromConfig_Nil(t *testing.T) {
	InitFromConfig(nil)
	if L() == nil {
		t.Fatal("expected non-nil logger")
	}

	cfg := config.New()
	cfg.Log.Level = "warn"
	InitFromConfig(cfg)
	if L().Enabled(context.Background(), slog.LevelInfo) {
		t.Error("info must be disabled at warn level")
	}
	Init(&Config{Level: "info", Format: FormatText})
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
