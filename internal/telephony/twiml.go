package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"sort"
	"strings"
)

// TwiML is a minimal Twilio Markup Language response builder.
// Only the verbs the adapter needs are modelled.

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
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
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// RenderConnectStream answers a call by bridging its audio to the agent's
// media stream. params reach the agent as custom stream parameters.
func RenderConnectStream(streamURL string, params map[string]string) (string, error) {
	if strings.TrimSpace(streamURL) == "" {
		return "", errors.New("telephony: stream url required")
	}
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	s := twimlStream{URL: streamURL}
	for _, k := range names {
		s.Parameters = append(s.Parameters, twimlParameter{Name: k, Value: params[k]})
	}
	return render(twimlResponse{Verbs: []any{twimlConnect{Stream: s}}})
}

// RenderHangup ends the call immediately.
func RenderHangup() (string, error) {
	return render(twimlResponse{Verbs: []any{twimlHangup{}}})
}

func render(r twimlResponse) (string, error) {
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
