// Package generate calls the external generation services (script, image,
// video). The services are black boxes reached over HTTP; each stage gets
// the original prompt plus the outputs of the stages before it.
package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/config"
	"github.com/mediafoundry/orchestrator/internal/payment"
)

// ErrStageFailed wraps a non-retryable provider rejection.
var ErrStageFailed = errors.New("generation stage failed")

// StageRequest carries the accumulated pipeline context for one stage.
type StageRequest struct {
	RequestID uint64 `json:"request_id"`
	Prompt    string `json:"prompt"`
	Script    string `json:"script,omitempty"`
	Image     string `json:"image,omitempty"`
}

// StageResult is the artifact produced by a generation service.
type StageResult struct {
	Ref    string `json:"ref"` // artifact reference, assigned if the service returns none
	Output string `json:"output"`
}

type Client struct {
	http    *http.Client
	urls    map[payment.Role]string
	retries int
	log     *zap.Logger
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	return &Client{
		http: &http.Client{Timeout: time.Duration(cfg.Pipeline.ProviderTimeoutSec) * time.Second},
		urls: map[payment.Role]string{
			payment.RoleScript: cfg.Pipeline.Script.ServiceURL,
			payment.RoleImage:  cfg.Pipeline.Image.ServiceURL,
			payment.RoleVideo:  cfg.Pipeline.Video.ServiceURL,
		},
		retries: cfg.Pipeline.ProviderRetries,
		log:     log,
	}
}

// Generate invokes the service for role with bounded retries and backoff.
// 4xx responses are terminal; 5xx and transport errors are retried.
func (c *Client) Generate(ctx context.Context, role payment.Role, req StageRequest) (*StageResult, error) {
	url, ok := c.urls[role]
	if !ok {
		return nil, fmt.Errorf("no service configured for role %s", role)
	}

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 2 * time.Second
			c.log.Warn("generation retry",
				zap.String("role", string(role)),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, retryable, err := c.call(ctx, url, req)
		if err == nil {
			return result, nil
		}
		if !retryable {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("role %s exhausted %d retries: %w", role, c.retries, lastErr)
}

func (c *Client) call(ctx context.Context, url string, req StageRequest) (*StageResult, bool, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, false, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, false, fmt.Errorf("%w: service returned %d", ErrStageFailed, resp.StatusCode)
	}

	var out StageResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode service response: %w", err)
	}
	if out.Output == "" {
		return nil, false, fmt.Errorf("%w: empty output", ErrStageFailed)
	}
	if out.Ref == "" {
		out.Ref = uuid.NewString()
	}
	return &out, false, nil
}
