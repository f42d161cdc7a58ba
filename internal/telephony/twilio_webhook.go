package telephony

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const SignatureHeader = "X-Twilio-Signature"

var ErrBadSignature = errors.New("telephony: invalid twilio signature")

// TwilioCallForm captures the subset of voice and status webhook fields we
// care about. Twilio sends application/x-www-form-urlencoded.
// Ref: https://www.twilio.com/docs/voice/api/call-resource#statuscallback
type TwilioCallForm struct {
	CallSid      string
	AccountSid   string
	From         string
	To           string
	Direction    string
	CallStatus   string
	CallDuration string
	AnsweredBy   string

	// CallTaskID comes from the query string we set when placing the call.
	CallTaskID string
}

func ParseTwilioCallForm(r *http.Request) (TwilioCallForm, error) {
	if err := r.ParseForm(); err != nil {
		return TwilioCallForm{}, err
	}
	return TwilioCallForm{
		CallSid:      r.PostFormValue("CallSid"),
		AccountSid:   r.PostFormValue("AccountSid"),
		From:         normalizePhone(r.PostFormValue("From")),
		To:           normalizePhone(r.PostFormValue("To")),
		Direction:    r.PostFormValue("Direction"),
		CallStatus:   strings.ToLower(strings.TrimSpace(r.PostFormValue("CallStatus"))),
		CallDuration: r.PostFormValue("CallDuration"),
		AnsweredBy:   r.PostFormValue("AnsweredBy"),
		CallTaskID:   strings.TrimSpace(r.URL.Query().Get("call_task_id")),
	}, nil
}

func normalizePhone(s string) string {
	// Twilio sometimes sends "anonymous" or empty; keep as-is.
	return strings.TrimSpace(s)
}

// StatusAction is what a carrier status means for the call task.
type StatusAction int

const (
	StatusIgnore StatusAction = iota
	StatusAnswered
	StatusEnded
)

// ClassifyStatus maps a Twilio CallStatus to a call task action and, for
// StatusEnded, the endCall reason.
func ClassifyStatus(callStatus string) (StatusAction, string) {
	switch callStatus {
	case "in-progress", "answered":
		return StatusAnswered, ""
	case "no-answer":
		return StatusEnded, "no_answer"
	case "busy":
		return StatusEnded, "busy"
	case "failed", "canceled":
		return StatusEnded, "failed"
	case "completed":
		return StatusEnded, "completed"
	default:
		// queued, initiated, ringing
		return StatusIgnore, ""
	}
}

// Signature computes Twilio's request signature: HMAC-SHA1 over the full URL
// followed by every POST parameter name and value, sorted by name.
func Signature(authToken, fullURL string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range params[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// ValidateSignature checks the X-Twilio-Signature header of a parsed request.
func ValidateSignature(authToken, fullURL string, r *http.Request) error {
	got := r.Header.Get(SignatureHeader)
	if got == "" {
		return ErrBadSignature
	}
	if err := r.ParseForm(); err != nil {
		return err
	}
	want := Signature(authToken, fullURL, r.PostForm)
	if !hmac.Equal([]byte(got), []byte(want)) {
		return ErrBadSignature
	}
	return nil
}
