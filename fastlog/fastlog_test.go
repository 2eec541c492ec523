package fastlog

import (
	"errors"
	"strings"
	"testing"
)

func TestLineWrite(t *testing.T) {
	var buf strings.Builder
	old := Out
	Out = &buf
	defer func() { Out = old }()

	NewLine("arp", "cache hit").String("ip", "192.168.1.1").Int("ttl", 64).Error(nil).Write()

	got := buf.String()
	if !strings.Contains(got, "arp") || !strings.Contains(got, "cache hit") {
		t.Errorf("missing module/message in output: %q", got)
	}
	if !strings.Contains(got, "ip=192.168.1.1") {
		t.Errorf("missing ip field: %q", got)
	}
	if !strings.Contains(got, "ttl=64") {
		t.Errorf("missing ttl field: %q", got)
	}
	if !strings.Contains(got, "error=<nil>") {
		t.Errorf("missing nil error field: %q", got)
	}
}

func TestLineError(t *testing.T) {
	var buf strings.Builder
	old := Out
	Out = &buf
	defer func() { Out = old }()

	NewLine("tcp", "reset").Error(errors.New("boom")).Write()
	if !strings.Contains(buf.String(), "error=boom") {
		t.Errorf("expected wrapped error text, got %q", buf.String())
	}
}
