package nli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultExternalTimeout bounds a single external classification call.
const DefaultExternalTimeout = 3 * time.Second

// ExternalClassifier posts pairs to a remote NLI service's /classify
// endpoint. Any network failure yields a nil result, never an error the
// caller must handle.
type ExternalClassifier struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// ExternalConfig holds configuration for the external NLI classifier.
type ExternalConfig struct {
	// BaseURL is the NLI service URL, e.g. "http://localhost:8500".
	BaseURL string

	// Timeout bounds a single call. Defaults to DefaultExternalTimeout.
	Timeout time.Duration
}

type classifyRequest struct {
	Premise    string `json:"premise"`
	Hypothesis string `json:"hypothesis"`
}

// NewExternalClassifier creates a classifier backed by a remote NLI service.
func NewExternalClassifier(cfg ExternalConfig, logger *zap.Logger) *ExternalClassifier {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultExternalTimeout
	}

	return &ExternalClassifier{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Classify scores the pair remotely. Returns (nil, nil) on any failure.
func (c *ExternalClassifier) Classify(ctx context.Context, premise, hypothesis string) (*Result, error) {
	body, err := json.Marshal(classifyRequest{Premise: premise, Hypothesis: hypothesis})
	if err != nil {
		return nil, nil
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/classify", bytes.NewReader(body))
	if err != nil {
		return nil, nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("external nli unreachable", zap.Error(err))
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Debug("external nli non-200", zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.logger.Debug("external nli bad payload", zap.Error(err))
		return nil, nil
	}

	return &result, nil
}

// Close releases resources held by the classifier.
func (c *ExternalClassifier) Close() error { return nil }

var _ Classifier = (*ExternalClassifier)(nil)
