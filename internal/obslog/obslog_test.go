package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestBuildWritesJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "lobby.log")
	logger, err := Build(Options{Level: "debug", Format: "json", ToFile: true, File: path})
	if err != nil { t.Fatalf("Build: %v", err) }
	logger.Debug("lobby_test", zap.String("lobby_id", "L1"))
	_ = logger.Sync()

	raw, err := os.ReadFile(path)
	if err != nil { t.Fatalf("read log: %v", err) }
	if !strings.Contains(string(raw), `"lobby_id":"L1"`) {
		t.Fatalf("expected structured field in %q", raw)
	}
}

func TestSetNilResetsToNop(t *testing.T) {
	Set(zap.NewExample())
	Set(nil)
	if L().Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("expected no-op logger after Set(nil)")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{"debug": zapcore.DebugLevel, "WARNING": zapcore.WarnLevel, "": zapcore.InfoLevel, "error": zapcore.ErrorLevel}
	for in, want := range cases {
		if got := parseLevel(in); got != want { t.Fatalf("parseLevel(%q)=%v want %v", in, got, want) }
	}
}
