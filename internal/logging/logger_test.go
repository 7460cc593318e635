package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewLoggerHonorsLevel(t *testing.T) {
	logger, err := NewLogger("debug")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level to be enabled")
	}

	logger, err = NewLogger("error")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be disabled at error")
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if parseLevel("verbose") != zapcore.InfoLevel {
		t.Fatalf("expected unknown level to fall back to info")
	}
	if parseLevel("") != zapcore.InfoLevel {
		t.Fatalf("expected empty level to fall back to info")
	}
	if parseLevel("WARNING") != zapcore.WarnLevel {
		t.Fatalf("expected case-insensitive parsing")
	}
}
