package currency

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client fetches exchange rate tables from an external rate provider. The
// provider exposes one endpoint per base currency returning every quote the
// provider knows about.
type Client struct {
	client  HTTPDoer
	baseURL string
	timeout time.Duration
}

// NewClient constructs a rate provider client. When doer is nil a default
// http.Client bound by the supplied timeout is used.
func NewClient(doer HTTPDoer, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if doer == nil {
		doer = &http.Client{Timeout: timeout}
	}
	return &Client{
		client:  doer,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		timeout: timeout,
	}
}

type ratesPayload struct {
	Base  string                 `json:"base"`
	Rates map[string]json.Number `json:"rates"`
}

// FetchRates retrieves the full quote table for the given base currency. The
// returned map holds one decimal rate per quoted code; entries the provider
// reports as zero, negative, or unparsable are dropped.
func (c *Client) FetchRates(ctx context.Context, base string) (map[string]decimal.Decimal, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("rate provider not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/latest/%s", c.baseURL, strings.ToUpper(strings.TrimSpace(base)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rate provider: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rate provider: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload ratesPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("rate provider: decode: %w", err)
	}
	rates := make(map[string]decimal.Decimal, len(payload.Rates))
	for code, raw := range payload.Rates {
		rate, err := decimal.NewFromString(raw.String())
		if err != nil || rate.Sign() <= 0 {
			continue
		}
		rates[NormalizeCode(code)] = rate
	}
	if len(rates) == 0 {
		return nil, fmt.Errorf("rate provider: empty rate table for %s", base)
	}
	return rates, nil
}
