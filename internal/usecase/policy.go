package usecase

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"tutor-agent/internal/integrations/openai"
)

const (
	defaultCallTimeout = 15 * time.Second
	defaultCallBackoff = 250 * time.Millisecond
)

// CallPolicy bounds one external call. Timeout covers every attempt together;
// Retries is the number of attempts after the first.
type CallPolicy struct {
	Timeout time.Duration
	Retries int
	Backoff time.Duration
}

// DefaultCallPolicy is one retry inside a 15 second ceiling.
func DefaultCallPolicy() CallPolicy {
	return CallPolicy{Timeout: defaultCallTimeout, Retries: 1, Backoff: defaultCallBackoff}
}

func (p CallPolicy) normalized() CallPolicy {
	if p.Timeout <= 0 {
		p.Timeout = defaultCallTimeout
	}
	if p.Retries < 0 {
		p.Retries = 0
	}
	if p.Backoff < 0 {
		p.Backoff = 0
	}
	return p
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// call runs op under p. Errors that cannot succeed on retry stop immediately.
func call[T any](ctx context.Context, p CallPolicy, op func(context.Context) (T, error)) (T, error) {
	p = p.normalized()
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Backoff), uint64(p.Retries)),
		ctx,
	)
	return backoff.RetryWithData(func() (T, error) {
		out, err := op(ctx)
		if err != nil && permanent(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}, b)
}

func permanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// The same prompt gets the same verdict.
	if errors.Is(err, openai.ErrRefused) || errors.Is(err, openai.ErrContentFiltered) {
		return true
	}
	status, ok := upstreamStatusCode(err)
	if !ok {
		return false
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return false
	case status >= 400 && status < 500:
		return true
	}
	return false
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
