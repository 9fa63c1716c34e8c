package telephony

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"voicebridge/internal/calllog"
	"voicebridge/internal/registry"

	"github.com/gin-gonic/gin"
)

func newWebhookFixture(t *testing.T) (*WebhookHandler, *registry.Registry, *calllog.MemoryStore) {
	t.Helper()
	reg := registry.New()
	calls := calllog.NewMemoryStore()
	h := NewWebhookHandler(nil, reg, calls)
	h.StreamURL = func(c *gin.Context) string { return "wss://voice.example.com/media-stream" }
	return h, reg, calls
}

func postVoiceWebhook(t *testing.T, h *WebhookHandler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/webhooks/voice", h.HandleInboundCall)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func inboundForm(callSid string) url.Values {
	return url.Values{
		"CallSid":    {callSid},
		"AccountSid": {"AC123"},
		"From":       {"+15550001111"},
		"To":         {"+15550002222"},
		"Direction":  {"inbound"},
		"CallStatus": {"ringing"},
	}
}

func TestHandleInboundCall_AcceptsAndRegisters(t *testing.T) {
	h, reg, calls := newWebhookFixture(t)

	w := postVoiceWebhook(t, h, inboundForm("CA100"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := w.Body.String()
	if !strings.Contains(body, "<Connect>") || !strings.Contains(body, `url="wss://voice.example.com/media-stream"`) {
		t.Fatalf("expected connect-stream twiml, got %s", body)
	}
	if !strings.Contains(body, `name="from" value="+15550001111"`) {
		t.Fatalf("expected from parameter, got %s", body)
	}

	call, ok := reg.Get("CA100")
	if !ok {
		t.Fatalf("expected call registered")
	}
	if call.State != registry.StateRinging {
		t.Fatalf("expected ringing, got %s", call.State)
	}

	entry, found, err := calls.GetByCallSID(context.Background(), "CA100")
	if err != nil || !found {
		t.Fatalf("expected log entry: found=%v err=%v", found, err)
	}
	if entry.Status != calllog.StatusRinging {
		t.Fatalf("expected ringing entry, got %s", entry.Status)
	}
}

func TestHandleInboundCall_MissingFields(t *testing.T) {
	h, _, _ := newWebhookFixture(t)

	form := inboundForm("CA101")
	form.Del("From")
	w := postVoiceWebhook(t, h, form)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestHandleInboundCall_RejectsWhenAtCapacity(t *testing.T) {
	h, reg, _ := newWebhookFixture(t)
	h.AcquireSlot = func(ctx context.Context, toNumber string) (bool, error) { return false, nil }

	w := postVoiceWebhook(t, h, inboundForm("CA102"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `<Reject reason="busy"`) {
		t.Fatalf("expected busy reject, got %s", w.Body.String())
	}
	if _, ok := reg.Get("CA102"); ok {
		t.Fatalf("rejected call must not be registered")
	}
}

func TestHandleInboundCall_DuplicateWebhook(t *testing.T) {
	h, reg, _ := newWebhookFixture(t)

	if w := postVoiceWebhook(t, h, inboundForm("CA103")); w.Code != http.StatusOK {
		t.Fatalf("first webhook: %d", w.Code)
	}
	// Carrier retry; must not reset the call's state.
	if w := postVoiceWebhook(t, h, inboundForm("CA103")); w.Code != http.StatusOK {
		t.Fatalf("retried webhook: %d", w.Code)
	}
	call, _ := reg.Get("CA103")
	if call.State != registry.StateRinging {
		t.Fatalf("expected ringing, got %s", call.State)
	}
}

func TestParseInboundCall_NormalizesNumbers(t *testing.T) {
	form := url.Values{
		"CallSid": {"CA104"},
		"From":    {"  +15550001111 "},
		"To":      {"+15550002222"},
	}
	req := httptest.NewRequest(http.MethodPost, "/webhooks/voice", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	f, err := ParseInboundCall(req)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.From != "+15550001111" {
		t.Fatalf("expected trimmed from, got %q", f.From)
	}
}
