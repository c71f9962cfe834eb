// Package estimator resolves how many GPU units a model needs to serve.
package estimator

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

	log "github.com/sirupsen/logrus"
)

const defaultRequestTimeout = 10 * time.Second

// maxResponseBytes caps the estimator response body.
const maxResponseBytes = 1 << 20

// ErrUnknownModel indicates the estimator has no figure for the model.
var ErrUnknownModel = errors.New("estimator: unknown model")

// Estimator reports the GPU units a model requires.
type Estimator interface {
	Estimate(ctx context.Context, modelName string) (int, error)
}

// HTTPEstimator queries a remote estimator service.
type HTTPEstimator struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPEstimator constructs an HTTPEstimator for endpoint.
func NewHTTPEstimator(endpoint string, timeout time.Duration) *HTTPEstimator {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPEstimator{
		url:     strings.TrimSpace(endpoint),
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// estimateResponse is the estimator payload.
type estimateResponse struct {
	RequiredGPUs *int `json:"required_gpus"`
}

// Estimate calls GET {url}?model=<name> and returns required_gpus.
func (e *HTTPEstimator) Estimate(ctx context.Context, modelName string) (int, error) {
	if e == nil || e.url == "" {
		return 0, fmt.Errorf("estimator: empty url")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint, err := url.Parse(e.url)
	if err != nil {
		return 0, fmt.Errorf("estimator: parse url: %w", err)
	}
	query := endpoint.Query()
	query.Set("model", modelName)
	endpoint.RawQuery = query.Encode()

	requestCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(requestCtx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("estimator: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("estimator: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Warn("estimator: close response body failed")
		}
	}()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return 0, fmt.Errorf("estimator: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, fmt.Errorf("estimator: read response: %w", err)
	}
	var payload estimateResponse
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		return 0, fmt.Errorf("estimator: decode response: %w", errUnmarshal)
	}
	if payload.RequiredGPUs == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	if *payload.RequiredGPUs < 0 {
		return 0, fmt.Errorf("estimator: negative gpu count %d for %s", *payload.RequiredGPUs, modelName)
	}
	return *payload.RequiredGPUs, nil
}

// Static serves fixed estimates, keyed by model name.
type Static map[string]int

// Estimate implements Estimator.
func (s Static) Estimate(_ context.Context, modelName string) (int, error) {
	gpus, ok := s[modelName]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, modelName)
	}
	return gpus, nil
}
