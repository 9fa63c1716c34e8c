package telephony

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"voicebridge/internal/audit"
	"voicebridge/internal/calllog"
	"voicebridge/internal/registry"

	"github.com/gin-gonic/gin"
)

// InboundForm captures the subset of voice webhook fields we care about.
// Twilio sends application/x-www-form-urlencoded by default.
// Ref: https://www.twilio.com/docs/voice/twiml
//
// Keep it minimal and provider-adapter-only.

type InboundForm struct {
	CallSid    string
	AccountSid string
	From       string
	To         string
	Direction  string
	CallStatus string
	ApiVersion string
	CallerName string
}

func ParseInboundCall(r *http.Request) (InboundForm, error) {
	if err := r.ParseForm(); err != nil {
		return InboundForm{}, err
	}
	f := InboundForm{
		CallSid:    r.PostFormValue("CallSid"),
		AccountSid: r.PostFormValue("AccountSid"),
		From:       normalizePhone(r.PostFormValue("From")),
		To:         normalizePhone(r.PostFormValue("To")),
		Direction:  r.PostFormValue("Direction"),
		CallStatus: r.PostFormValue("CallStatus"),
		ApiVersion: r.PostFormValue("ApiVersion"),
		CallerName: r.PostFormValue("CallerName"),
	}
	return f, nil
}

func normalizePhone(s string) string {
	s = strings.TrimSpace(s)
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return s
}

// WebhookHandler answers the carrier's inbound-call webhook: it registers
// the call, opens its log entry, and responds with TwiML that points the
// carrier's media stream at our websocket endpoint.
type WebhookHandler struct {
	Log      *slog.Logger
	Registry *registry.Registry
	Calls    calllog.Store
	Audit    *audit.Service

	// StreamURL builds the websocket URL the carrier should stream to,
	// typically wss://<public-host>/media-stream.
	StreamURL func(c *gin.Context) string

	// AcquireSlot enforces the per-number concurrency cap. A false return
	// rejects the call busy. nil admits everything.
	AcquireSlot func(ctx context.Context, toNumber string) (bool, error)

	clock func() time.Time
}

func NewWebhookHandler(log *slog.Logger, reg *registry.Registry, calls calllog.Store) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		Log:      log,
		Registry: reg,
		Calls:    calls,
		clock:    time.Now,
	}
}

// HandleInboundCall is the POST /webhooks/voice handler.
func (h *WebhookHandler) HandleInboundCall(c *gin.Context) {
	form, err := ParseInboundCall(c.Request)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook form"})
		return
	}
	if form.CallSid == "" || form.From == "" || form.To == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "CallSid, From and To are required"})
		return
	}

	if h.AcquireSlot != nil {
		ok, err := h.AcquireSlot(c.Request.Context(), form.To)
		if err != nil {
			h.Log.Error("concurrency check failed, rejecting call", "call_id", form.CallSid, "err", err)
			h.respondReject(c, form.CallSid)
			return
		}
		if !ok {
			h.Log.Info("number at capacity, rejecting call", "call_id", form.CallSid, "to", form.To)
			h.respondReject(c, form.CallSid)
			return
		}
	}

	if _, err := h.Registry.Add(form.CallSid, form.From, form.To, registry.DirectionInbound); err != nil {
		// Carriers retry webhooks; an already-tracked call keeps its state.
		h.Log.Warn("call already registered", "call_id", form.CallSid)
	} else {
		h.Registry.UpdateState(form.CallSid, registry.StateRinging)
	}

	now := h.clock().UTC()
	if _, err := h.Calls.Create(c.Request.Context(), calllog.Entry{
		CallSID:   form.CallSid,
		From:      form.From,
		To:        form.To,
		Status:    calllog.StatusRinging,
		StartedAt: now,
	}); err != nil {
		// Log persistence is best-effort at this stage; the call proceeds.
		h.Log.Warn("call log create failed", "call_id", form.CallSid, "err", err)
	}

	h.recordAudit(c, form.CallSid, audit.EventTypeCallRegistered, "from "+form.From)

	streamURL := ""
	if h.StreamURL != nil {
		streamURL = h.StreamURL(c)
	}
	twiml, err := RenderConnectStream(streamURL, map[string]string{
		"from": form.From,
		"to":   form.To,
	})
	if err != nil {
		h.Log.Error("twiml render failed", "call_id", form.CallSid, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render response"})
		return
	}

	h.Log.Info("inbound call accepted", "call_id", form.CallSid, "from", form.From, "to", form.To)
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

func (h *WebhookHandler) respondReject(c *gin.Context, callID string) {
	twiml, err := RenderReject("busy")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to render response"})
		return
	}
	h.recordAudit(c, callID, audit.EventTypeCallFailed, "rejected busy")
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

func (h *WebhookHandler) recordAudit(c *gin.Context, callID string, typ audit.EventType, detail string) {
	if h.Audit == nil {
		return
	}
	_ = h.Audit.Record(c.Request.Context(), audit.Event{CallID: callID, Type: typ, Detail: detail})
}
