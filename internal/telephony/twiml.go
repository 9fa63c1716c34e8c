package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// Minimal Twilio Markup Language response builder.
// It intentionally avoids any provider SDK dependency.
//
// Only include primitives we need at the adapter boundary.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlReject struct {
	XMLName xml.Name `xml:"Reject"`
	Reason  string   `xml:"reason,attr,omitempty"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type twimlConnect struct {
	XMLName xml.Name    `xml:"Connect"`
	Stream  twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter,omitempty"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderConnectStream answers a call with a bidirectional media stream
// pointed at streamURL. params become customParameters on the stream's
// start frame.
func RenderConnectStream(streamURL string, params map[string]string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required for connect action")
	}

	stream := twimlStream{URL: streamURL}
	// Deterministic parameter order keeps responses diffable in logs.
	for _, name := range sortedKeys(params) {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}

	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlConnect{Stream: stream})
	return renderTwiML(r)
}

// RenderReject declines a call before any media flows.
func RenderReject(reason string) (string, error) {
	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlReject{Reason: reason})
	return renderTwiML(r)
}

// RenderHangup terminates the call leg immediately.
func RenderHangup() (string, error) {
	var r twimlResponse
	r.Verbs = append(r.Verbs, twimlHangup{})
	return renderTwiML(r)
}

func renderTwiML(r twimlResponse) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
