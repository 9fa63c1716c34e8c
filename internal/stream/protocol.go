package stream

// Carrier media-stream wire protocol. Messages are JSON text frames
// discriminated by "event", in the shape Twilio Media Streams sends:
//
//	{"event":"connected","protocol":"Call","version":"1.0.0"}
//	{"event":"start","streamSid":"ST1","start":{"callSid":"CA1","streamSid":"ST1",...}}
//	{"event":"media","streamSid":"ST1","media":{"payload":"<base64 mulaw>"}}
//	{"event":"stop","streamSid":"ST1"}
//
// Outbound audio uses the same media envelope in the other direction.

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventStop      = "stop"
)

type carrierMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startPayload `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
}

type startPayload struct {
	CallSID   string `json:"callSid"`
	StreamSID string `json:"streamSid"`

	// CustomParameters carries values set on the TwiML <Stream> verb,
	// e.g. the caller and dialed numbers for calls that skipped the
	// inbound webhook.
	CustomParameters map[string]string `json:"customParameters,omitempty"`
}

type mediaPayload struct {
	// Payload is base64-encoded audio.
	Payload string `json:"payload"`

	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}
