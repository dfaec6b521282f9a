// internal/partnercenter/client.go
package partnercenter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/brioworks/recon-pipeline/internal/config"
	"github.com/brioworks/recon-pipeline/internal/model"
	"go.uber.org/zap"
)

// Client talks to the Partner Center billing API: token acquisition, invoice
// listing and invoice line-item retrieval. It does not retry; a failed call
// surfaces to the caller, and the hourly rerun picks the month up again.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokenURL   string
	clientID   string
	secret     string
	scope      string
	pageSize   int
	logger     *zap.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a Client from configuration. When cfg.TokenURL is empty
// the standard Microsoft login endpoint for cfg.TenantID is used.
func NewClient(cfg config.PartnerCenterConfig, logger *zap.Logger) *Client {
	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.TenantID)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 5000
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		tokenURL:   tokenURL,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		scope:      cfg.Scope,
		pageSize:   pageSize,
		logger:     logger,
	}
}

// Authenticate obtains an access token via the client-credentials grant and
// stores it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.secret},
		"scope":         {c.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed: %s: %s", resp.Status, snippet(resp.Body))
	}

	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	if body.AccessToken == "" {
		return fmt.Errorf("token response contained no access_token")
	}

	c.mu.Lock()
	c.token = body.AccessToken
	c.mu.Unlock()

	c.logger.Info("access token obtained")
	return nil
}

// Invoices lists all invoices visible to the partner account.
func (c *Client) Invoices(ctx context.Context) ([]model.Invoice, error) {
	var out struct {
		Items []model.Invoice `json:"items"`
	}
	if err := c.get(ctx, c.baseURL+"/v1/invoices", &out); err != nil {
		return nil, fmt.Errorf("fetching invoices: %w", err)
	}
	c.logger.Info("invoices fetched", zap.Int("count", len(out.Items)))
	return out.Items, nil
}

// LineItems retrieves the one-time billing line items of an invoice. Fields
// the pipeline does not model (priceAdjustmentDescription, attributes,
// productQualifiers) are dropped by the typed decode.
func (c *Client) LineItems(ctx context.Context, invoiceID string) ([]model.RawLineItem, error) {
	u := fmt.Sprintf("%s/v1/invoices/OneTime-%s/lineitems/OneTime/BillingLineItems?size=%d",
		c.baseURL, invoiceID, c.pageSize)

	var out struct {
		Items []model.RawLineItem `json:"items"`
	}
	if err := c.get(ctx, u, &out); err != nil {
		return nil, fmt.Errorf("fetching line items for invoice %s: %w", invoiceID, err)
	}
	c.logger.Info("invoice line items fetched",
		zap.String("invoice_id", invoiceID),
		zap.Int("count", len(out.Items)),
	)
	return out.Items, nil
}

func (c *Client) get(ctx context.Context, rawURL string, out interface{}) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return fmt.Errorf("not authenticated")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s: %s", resp.Status, snippet(resp.Body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// snippet reads the start of an error body for diagnostics.
func snippet(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(b)
}

// PreviousMonthOneTime filters invoices down to the one-time ("G"-prefixed)
// invoices whose billing period is the calendar month before now.
func PreviousMonthOneTime(invoices []model.Invoice, now time.Time) []model.Invoice {
	firstOfCurrent := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	lastMonth := firstOfCurrent.AddDate(0, 0, -1)

	var out []model.Invoice
	for _, inv := range invoices {
		if !inv.IsOneTime() {
			continue
		}
		start := inv.BillingPeriodStartDate
		if start.Year() == lastMonth.Year() && start.Month() == lastMonth.Month() {
			out = append(out, inv)
		}
	}
	return out
}
