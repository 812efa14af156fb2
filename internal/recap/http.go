package recap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPGenerator submits recap jobs to an external worker over HTTP.
//
// The worker writes its result (recap_ready / recap_failed_*) directly to the
// call record store; this client only starts jobs. A 422 from the worker is
// the explicit "cannot ever recap this call" signal and maps to ErrPermanent.
type HTTPGenerator struct {
	URL string

	// HTTPClient is overridable for tests; defaults to a 15s-timeout client.
	HTTPClient *http.Client
}

func NewHTTPGenerator(url string) *HTTPGenerator {
	return &HTTPGenerator{
		URL:        url,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type generateRequest struct {
	CallID  string `json:"call_id"`
	IsRetry bool   `json:"is_retry"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, callID string, isRetry bool) error {
	body, err := json.Marshal(generateRequest{CallID: callID, IsRetry: isRetry})
	if err != nil {
		return fmt.Errorf("recap: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("recap: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("recap: submit job: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("recap: worker rejected call %s: %w", callID, ErrPermanent)
	default:
		return fmt.Errorf("recap: worker returned %d for call %s", resp.StatusCode, callID)
	}
}
