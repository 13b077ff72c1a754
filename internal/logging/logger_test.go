package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-component")
	if logger == nil {
		t.Fatal("Expected logger to be created")
	}
	if logger.Data["component"] != "test-component" {
		t.Errorf("Expected component to be 'test-component', got %v", logger.Data["component"])
	}
	if again := NewLogger("test-component"); again != logger {
		t.Error("Expected the same entry on second call")
	}
}

func TestConfigureJSON(t *testing.T) {
	t.Setenv("TERMRUN_LOG_LEVEL", "")
	Configure(Config{Level: "debug", Format: "json"})
	defer Configure(Config{})

	var buf bytes.Buffer
	SetOutput(&buf)

	logger := NewLogger("json-test")
	if logger.Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", logger.Logger.GetLevel())
	}
	logger.Debug("hello")

	out := buf.String()
	if !strings.Contains(out, `"component":"json-test"`) {
		t.Errorf("Expected JSON component field, got: %s", out)
	}
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Errorf("Expected JSON msg field, got: %s", out)
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv("TERMRUN_LOG_LEVEL", "warn")
	Configure(Config{Level: "debug"})
	defer Configure(Config{})

	if got := NewLogger("env-test").Logger.GetLevel(); got != logrus.WarnLevel {
		t.Errorf("level = %v, want warn", got)
	}
}
