package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	twilioAPIBase      = "https://api.twilio.com/2010-04-01"
	twilioHTTPTimeout  = 10 * time.Second
	twilioRingTimeoutS = "30"
)

var ErrTwilioNotConfigured = errors.New("telephony: twilio credentials missing")

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// PublicBaseURL is where Twilio reaches our webhooks, e.g. https://api.example.com.
	PublicBaseURL string

	// APIBase overrides the REST endpoint (tests).
	APIBase string
}

// TwilioCarrier talks to the Twilio REST API directly over HTTP.
type TwilioCarrier struct {
	cfg     TwilioConfig
	client  *http.Client
	targets *TargetRotator
}

func NewTwilioCarrier(cfg TwilioConfig, targets *TargetRotator) (*TwilioCarrier, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.FromNumber == "" {
		return nil, ErrTwilioNotConfigured
	}
	if cfg.PublicBaseURL == "" {
		return nil, errors.New("telephony: twilio needs a public base url for webhooks")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = twilioAPIBase
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")
	return &TwilioCarrier{
		cfg:     cfg,
		client:  &http.Client{Timeout: twilioHTTPTimeout},
		targets: targets,
	}, nil
}

func (t *TwilioCarrier) Name() string { return "twilio" }

func (t *TwilioCarrier) HealthCheck(ctx context.Context) error {
	_, err := t.do(ctx, http.MethodGet, t.accountURL(".json"), nil)
	return err
}

func (t *TwilioCarrier) PlaceCall(ctx context.Context, to, callTaskID string) (string, error) {
	q := url.Values{"call_task_id": {callTaskID}}.Encode()
	form := url.Values{
		"To":                   {t.targets.Route(to)},
		"From":                 {t.cfg.FromNumber},
		"Url":                  {t.cfg.PublicBaseURL + VoicePath + "?" + q},
		"Method":               {http.MethodPost},
		"StatusCallback":       {t.cfg.PublicBaseURL + StatusPath + "?" + q},
		"StatusCallbackMethod": {http.MethodPost},
		"StatusCallbackEvent":  {"initiated", "ringing", "answered", "completed"},
		"Timeout":              {twilioRingTimeoutS},
	}
	body, err := t.do(ctx, http.MethodPost, t.accountURL("/Calls.json"), form)
	if err != nil {
		return "", err
	}
	var resp struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("twilio: decode call: %w", err)
	}
	if resp.Sid == "" {
		return "", errors.New("twilio: call created without sid")
	}
	return resp.Sid, nil
}

// TerminateCall hangs up a call in any state. Calls that already ended are not
// an error.
func (t *TwilioCarrier) TerminateCall(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}
	form := url.Values{"Status": {"completed"}}
	_, err := t.do(ctx, http.MethodPost, t.accountURL("/Calls/"+url.PathEscape(handle)+".json"), form)
	var apiErr *TwilioError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	return err
}

// TwilioError is a non-2xx answer from the REST API.
type TwilioError struct {
	Status  int    `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TwilioError) Error() string {
	return fmt.Sprintf("twilio: status %d code %d: %s", e.Status, e.Code, e.Message)
}

func (t *TwilioCarrier) accountURL(suffix string) string {
	return t.cfg.APIBase + "/Accounts/" + url.PathEscape(t.cfg.AccountSID) + suffix
}

func (t *TwilioCarrier) do(ctx context.Context, method, endpoint string, form url.Values) ([]byte, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.cfg.AccountSID, t.cfg.AuthToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twilio: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("twilio: read body: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		apiErr := &TwilioError{Status: resp.StatusCode}
		_ = json.Unmarshal(b, apiErr)
		apiErr.Status = resp.StatusCode
		return nil, apiErr
	}
	return b, nil
}
