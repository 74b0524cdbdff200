package reconciliation

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

	"github.com/shopspring/decimal"

	"github.com/mbd888/walletgate/internal/circuitbreaker"
	"github.com/mbd888/walletgate/internal/retry"
)

// ErrAnalyticsUnavailable is returned when the analytics store cannot be
// reached or answers with a server error.
var ErrAnalyticsUnavailable = errors.New("analytics store unavailable")

// SpendSource returns the authoritative total spend for an organization in
// USD.
type SpendSource interface {
	TotalSpend(ctx context.Context, orgID string) (decimal.Decimal, error)
}

// AnalyticsClient reads total spend from the analytics service.
type AnalyticsClient struct {
	baseURL  string
	token    string
	client   *http.Client
	breaker  *circuitbreaker.Breaker
	attempts int
	backoff  time.Duration
}

// NewAnalyticsClient creates a client for the analytics service at baseURL.
func NewAnalyticsClient(baseURL, token string) *AnalyticsClient {
	return &AnalyticsClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		token:    token,
		client:   &http.Client{Timeout: 10 * time.Second},
		breaker:  circuitbreaker.New(5, 30*time.Second),
		attempts: 3,
		backoff:  250 * time.Millisecond,
	}
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("analytics returned status %d", e.code)
}

func (e *statusError) Unwrap() error {
	if retry.IsRetryableStatus(e.code) {
		return ErrAnalyticsUnavailable
	}
	return nil
}

// countable trips the breaker on transport errors and 5xx/429 only.
func countable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return retry.IsRetryableStatus(se.code)
	}
	return !errors.Is(err, context.Canceled)
}

// TotalSpend fetches GET {base}/v1/organizations/{orgID}/total-spend.
func (c *AnalyticsClient) TotalSpend(ctx context.Context, orgID string) (decimal.Decimal, error) {
	endpoint := c.baseURL + "/v1/organizations/" + url.PathEscape(orgID) + "/total-spend"

	var total decimal.Decimal
	err := retry.Do(ctx, c.attempts, c.backoff, func() error {
		err := c.breaker.Execute(hostKey(c.baseURL), func() error {
			v, err := c.fetch(ctx, endpoint)
			if err != nil {
				return err
			}
			total = v
			return nil
		}, countable)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(fmt.Errorf("%w: %w", ErrAnalyticsUnavailable, err))
		}
		var se *statusError
		if errors.As(err, &se) && !retry.IsRetryableStatus(se.code) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("total spend for %s: %w", orgID, err)
	}
	return total, nil
}

func (c *AnalyticsClient) fetch(ctx context.Context, endpoint string) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrAnalyticsUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return decimal.Zero, &statusError{code: resp.StatusCode}
	}

	var body struct {
		TotalSpend *decimal.Decimal `json:"totalSpend"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err != nil {
		return decimal.Zero, retry.Permanent(fmt.Errorf("decode total spend: %w", err))
	}
	if body.TotalSpend == nil {
		return decimal.Zero, retry.Permanent(errors.New("decode total spend: missing totalSpend"))
	}
	return *body.TotalSpend, nil
}

func hostKey(base string) string {
	u, err := url.Parse(base)
	if err != nil || u.Host == "" {
		return "analytics"
	}
	return "analytics:" + u.Host
}
