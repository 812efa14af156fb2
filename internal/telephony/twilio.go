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

// TwilioController drives calls through the Twilio voice REST API.
//
// Speak is implemented by redirecting the live call to a TwiML <Say> document;
// the actual TwiML endpoint is served by this process (see TwiMLSay).
type TwilioController struct {
	AccountSID string
	AuthToken  string

	// BaseURL is overridable for tests; defaults to the Twilio API.
	BaseURL string

	// HTTPClient is overridable for tests; defaults to a 10s-timeout client.
	HTTPClient *http.Client
}

func NewTwilioController(accountSID, authToken string) *TwilioController {
	return &TwilioController{
		AccountSID: accountSID,
		AuthToken:  authToken,
		BaseURL:    "https://api.twilio.com",
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TwilioController) Name() string { return "twilio" }

func (t *TwilioController) HealthCheck(ctx context.Context) error {
	if t.AccountSID == "" || t.AuthToken == "" {
		return errors.New("telephony: twilio credentials not configured")
	}
	return nil
}

func (t *TwilioController) PlaceCall(ctx context.Context, req PlaceCallRequest) (PlaceCallResult, error) {
	form := url.Values{}
	form.Set("From", req.From)
	form.Set("To", req.To)
	if req.StatusCallbackURL != "" {
		form.Set("StatusCallback", req.StatusCallbackURL)
		form.Set("StatusCallbackEvent", "initiated ringing answered completed")
	}
	body, err := t.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls.json", t.AccountSID), form)
	if err != nil {
		return PlaceCallResult{}, err
	}
	var out struct {
		Sid string `json:"sid"`
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Sid == "" {
		return PlaceCallResult{}, errors.New("telephony: twilio response missing call sid")
	}
	return PlaceCallResult{ProviderCallID: out.Sid}, nil
}

func (t *TwilioController) Speak(ctx context.Context, callID, text string) error {
	form := url.Values{}
	form.Set("Twiml", TwiMLSay(text))
	_, err := t.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", t.AccountSID, callID), form)
	return err
}

func (t *TwilioController) Hangup(ctx context.Context, callID string) error {
	form := url.Values{}
	form.Set("Status", "completed")
	_, err := t.post(ctx, fmt.Sprintf("/2010-04-01/Accounts/%s/Calls/%s.json", t.AccountSID, callID), form)
	return err
}

func (t *TwilioController) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(t.AccountSID, t.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telephony: twilio request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("telephony: twilio response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("telephony: twilio %s returned %d", path, resp.StatusCode)
	}
	return body, nil
}

// TwiMLSay renders a minimal <Say> document with the text XML-escaped.
func TwiMLSay(text string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;", "'", "&apos;")
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?><Response><Say>%s</Say></Response>`, r.Replace(text))
}
