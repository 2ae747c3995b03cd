package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/civic-connect/realtime-core/internal/model"
)

// HTTPClassifier calls the external classification service.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
}

// NewHTTPClassifier creates a client for the service at baseURL. The
// classify path is appended.
func NewHTTPClassifier(baseURL string, client *http.Client) *HTTPClassifier {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClassifier{
		endpoint: strings.TrimRight(baseURL, "/") + "/classify",
		client:   client,
	}
}

type classifyRequest struct {
	Text    string   `json:"text"`
	Context []string `json:"context,omitempty"`
}

// Name implements Classifier.
func (c *HTTPClassifier) Name() string {
	return "http"
}

// Classify implements Classifier. Earlier user turns are sent as context.
func (c *HTTPClassifier) Classify(ctx context.Context, text string, history []model.Message) (*Result, error) {
	body := classifyRequest{Text: text}
	for _, m := range history {
		if m.Sender == model.SenderUser {
			body.Context = append(body.Context, m.Body)
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode classify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("classify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("failed to decode classify response: %w", err)
	}
	return &res, nil
}
