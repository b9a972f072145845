package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNopSafety(t *testing.T) {
	var nilLogger Logger
	if !IsNil(nilLogger) {
		t.Fatal("nil interface should be nil")
	}
	OrNop(nilLogger).Info("must not panic")
}

func TestConfigureJSON(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Format: "json", Output: &buf})
	defer Configure(Config{})

	logger := NewComponentLogger("test")
	logger.Debug("hello %s", "world")

	out := buf.String()
	if !strings.Contains(out, `"component":"test"`) {
		t.Errorf("missing component field: %s", out)
	}
	if !strings.Contains(out, "hello world") {
		t.Errorf("missing formatted message: %s", out)
	}
}

func TestMultiFanOut(t *testing.T) {
	var a, b bytes.Buffer
	Configure(Config{Format: "text", Output: &a})
	la := NewComponentLogger("a")
	Configure(Config{Format: "text", Output: &b})
	lb := NewComponentLogger("b")
	defer Configure(Config{})

	Multi(la, lb, nil).Info("fan out")

	if !strings.Contains(a.String(), "fan out") || !strings.Contains(b.String(), "fan out") {
		t.Error("Multi should write to every logger")
	}
}
