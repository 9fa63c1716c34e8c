package telephony

import (
	"strings"
	"testing"
)

func TestRenderConnectStream(t *testing.T) {
	out, err := RenderConnectStream("wss://voice.example.com/media-stream", map[string]string{
		"to":   "+15550002222",
		"from": "+15550001111",
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(out, "<?xml") {
		t.Fatalf("expected xml header, got %s", out)
	}
	if !strings.Contains(out, `<Stream url="wss://voice.example.com/media-stream">`) {
		t.Fatalf("expected stream url, got %s", out)
	}
	// Parameters render in name order.
	fromIdx := strings.Index(out, `name="from"`)
	toIdx := strings.Index(out, `name="to"`)
	if fromIdx < 0 || toIdx < 0 || fromIdx > toIdx {
		t.Fatalf("expected sorted parameters, got %s", out)
	}
}

func TestRenderConnectStream_RequiresURL(t *testing.T) {
	if _, err := RenderConnectStream("   ", nil); err == nil {
		t.Fatalf("expected error for empty url")
	}
}

func TestRenderReject(t *testing.T) {
	out, err := RenderReject("busy")
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, `<Reject reason="busy"`) {
		t.Fatalf("expected reject verb, got %s", out)
	}
}

func TestRenderHangup(t *testing.T) {
	out, err := RenderHangup()
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(out, "<Hangup") {
		t.Fatalf("expected hangup verb, got %s", out)
	}
}
