package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caltaylor/dirwatch/internal/transition"
	"github.com/caltaylor/dirwatch/internal/version"
	"github.com/imroc/req/v3"
)

const (
	v1Ingest = "/api/v1/ingest"

	HeaderClientID = "X-Dirwatch-Client-Id"
	HeaderBatchID  = "X-Dirwatch-Batch-Id"

	DefaultRetryAttempts = 5
	DefaultRetryMin      = 500 * time.Millisecond
	DefaultRetryMax      = 30 * time.Second
	DefaultTimeout       = 30 * time.Second
)

type SenderConfig struct {
	ServerURL     string
	ClientID      string
	RetryAttempts int
	RetryMin      time.Duration
	RetryMax      time.Duration
	Timeout       time.Duration
}

// HTTPSender posts batches to the ingestion endpoint. Network errors, 429 and 5xx
// responses are retried with capped exponential backoff and jitter.
type HTTPSender struct {
	client *req.Client
}

func NewHTTPSender(cfg SenderConfig) (*HTTPSender, error) {
	if cfg.ServerURL == "" {
		return nil, ErrNoServerURL
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = DefaultRetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(DefaultRetryMax, cfg.RetryMin)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	client := req.C().
		SetBaseURL(cfg.ServerURL).
		SetTimeout(cfg.Timeout).
		SetUserAgent(version.UserAgent("client")).
		SetCommonHeader(HeaderClientID, cfg.ClientID).
		SetCommonErrorResult(&APIError{}).
		SetJsonMarshal(transition.Marshal).
		SetJsonUnmarshal(transition.Unmarshal).
		SetCommonRetryCount(cfg.RetryAttempts).
		SetCommonRetryBackoffInterval(cfg.RetryMin, cfg.RetryMax).
		AddCommonRetryCondition(shouldRetry).
		SetCommonRetryHook(func(resp *req.Response, err error) {
			status := 0
			if resp != nil && resp.Response != nil {
				status = resp.StatusCode
			}
			slog.Warn("transport retry", "status", status, "error", err)
		})

	return &HTTPSender{client: client}, nil
}

// Send delivers one batch. A non-nil error is always a *TransportError.
func (s *HTTPSender) Send(ctx context.Context, batch *transition.Batch) (*transition.BatchResponse, error) {
	var result transition.BatchResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader(HeaderBatchID, batch.BatchID).
		SetBody(batch).
		SetSuccessResult(&result).
		Post(v1Ingest)
	if err != nil {
		return nil, &TransportError{Op: "send batch", Err: err}
	}

	if resp.IsErrorState() {
		te := &TransportError{Op: "send batch", StatusCode: resp.StatusCode}
		apiErr, _ := resp.ErrorResult().(*APIError)
		switch {
		case resp.StatusCode == http.StatusBadRequest:
			if apiErr != nil {
				te.Err = fmt.Errorf("%w: %w", ErrBatchRejected, apiErr)
			} else {
				te.Err = ErrBatchRejected
			}
		case apiErr != nil && apiErr.Code != "":
			te.Err = apiErr
		default:
			te.Err = errors.New(http.StatusText(resp.StatusCode))
		}
		return nil, te
	}

	return &result, nil
}

func shouldRetry(resp *req.Response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	if resp == nil || resp.Response == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError
}
