// Package jquants provides a client for the J-Quants API
package jquants

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hfujita/kabuscreen/internal/common"
	"github.com/hfujita/kabuscreen/internal/interfaces"
	"github.com/hfujita/kabuscreen/internal/models"
)

const (
	DefaultBaseURL   = "https://api.jquants.com/v1"
	DefaultTimeout   = 30 * time.Second
	DefaultRateLimit = 10 // requests per second

	// Refresh tokens last a week. Warn as the cutoff approaches so the
	// scheduler's secret gets rotated before runs start failing.
	credentialWarnAgeDays  = 5
	credentialErrorAgeDays = 7
)

// Client implements interfaces.QuoteSource against the J-Quants API.
type Client struct {
	baseURL      string
	refreshToken string
	tokenCreated string // YYYY-MM-DD, optional
	httpClient   *http.Client
	logger       *common.Logger
	limiter      *rate.Limiter

	// idToken is refreshed lazily; the mutex coalesces concurrent refreshes
	// so a burst of 401s triggers a single re-auth.
	mu      sync.Mutex
	idToken string
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRateLimit sets the rate limit
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithTokenCreatedDate sets the refresh token's creation date (YYYY-MM-DD),
// enabling age warnings during Authenticate.
func WithTokenCreatedDate(date string) ClientOption {
	return func(c *Client) {
		c.tokenCreated = date
	}
}

// NewClient creates a new J-Quants client
func NewClient(refreshToken string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      DefaultBaseURL,
		refreshToken: refreshToken,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger:  common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Authenticate exchanges the refresh token for an ID token. Called once at
// startup; subsequent refreshes happen transparently on 401 responses.
func (c *Client) Authenticate(ctx context.Context) error {
	c.checkCredentialAge()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshIDToken(ctx)
}

// checkCredentialAge logs how old the configured refresh token is. An age at
// or past the token lifetime means runs are about to fail with auth errors.
func (c *Client) checkCredentialAge() {
	if c.tokenCreated == "" {
		return
	}
	created, err := time.Parse("2006-01-02", c.tokenCreated)
	if err != nil {
		c.logger.Warn().Str("token_created_date", c.tokenCreated).Msg("Unparseable token creation date")
		return
	}

	ageDays := int(time.Since(created).Hours() / 24)
	switch {
	case ageDays >= credentialErrorAgeDays:
		c.logger.Error().Int("age_days", ageDays).Msg("Refresh token has reached its lifetime, rotate it now")
	case ageDays >= credentialWarnAgeDays:
		c.logger.Warn().Int("age_days", ageDays).Msg("Refresh token expires soon, rotate it")
	default:
		c.logger.Debug().Int("age_days", ageDays).Msg("Refresh token age")
	}
}

// refreshIDToken must be called with c.mu held.
func (c *Client) refreshIDToken(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &AuthError{Kind: AuthTransport, Message: err.Error()}
	}

	reqURL := fmt.Sprintf("%s/token/auth_refresh?refreshtoken=%s", c.baseURL, url.QueryEscape(c.refreshToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, nil)
	if err != nil {
		return &AuthError{Kind: AuthTransport, Message: err.Error()}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &AuthError{Kind: AuthTransport, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		kind := AuthTransport
		switch {
		case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
			kind = AuthExpired
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			kind = AuthBadCredential
		}
		return &AuthError{Kind: kind, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, string(body))}
	}

	var tokenResp struct {
		IDToken string `json:"idToken"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return &AuthError{Kind: AuthTransport, Message: fmt.Sprintf("decoding token response: %v", err)}
	}
	if tokenResp.IDToken == "" {
		return &AuthError{Kind: AuthBadCredential, Message: "empty idToken in response"}
	}

	c.idToken = tokenResp.IDToken
	c.logger.Debug().Msg("Obtained J-Quants ID token")
	return nil
}

// currentToken returns the cached ID token, refreshing it if absent.
func (c *Client) currentToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idToken == "" {
		if err := c.refreshIDToken(ctx); err != nil {
			return "", err
		}
	}
	return c.idToken, nil
}

// invalidateToken drops the cached token unless another goroutine already
// replaced it.
func (c *Client) invalidateToken(stale string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idToken == stale {
		c.idToken = ""
	}
}

// get performs a rate-limited, authenticated GET. A 401 triggers one token
// refresh and a single retry of the request.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.currentToken(ctx)
		if err != nil {
			return err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}

		reqURL := c.baseURL + path
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		c.logger.Debug().Str("url", c.baseURL+path).Msg("J-Quants API request")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return &FetchError{Kind: FetchTransient, Endpoint: path, Message: err.Error()}
		}

		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			c.invalidateToken(token)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return &FetchError{
				Kind:       classifyStatus(resp.StatusCode),
				StatusCode: resp.StatusCode,
				Endpoint:   path,
				Message:    string(body),
			}
		}

		err = json.NewDecoder(resp.Body).Decode(result)
		resp.Body.Close()
		if err != nil {
			return &FetchError{Kind: FetchTransient, StatusCode: resp.StatusCode, Endpoint: path,
				Message: fmt.Sprintf("decoding response: %v", err)}
		}
		return nil
	}

	return &FetchError{Kind: FetchPermanent, StatusCode: http.StatusUnauthorized, Endpoint: path,
		Message: "still unauthorized after token refresh"}
}

func classifyStatus(status int) FetchKind {
	switch {
	case status == http.StatusTooManyRequests:
		return FetchRateLimited
	case status >= 500:
		return FetchTransient
	default:
		return FetchPermanent
	}
}

// listedInfoResponse mirrors /listed/info.
type listedInfoResponse struct {
	Info []struct {
		Code        string `json:"Code"`
		CompanyName string `json:"CompanyName"`
		MarketCode  string `json:"MarketCode"`
	} `json:"info"`
}

// ListSymbols retrieves all listed issues on the Prime, Standard, and Growth
// segments. Issues on other segments (TOKYO PRO, pre-2022 tiers) are skipped.
func (c *Client) ListSymbols(ctx context.Context) ([]models.Symbol, error) {
	var resp listedInfoResponse
	if err := c.get(ctx, "/listed/info", nil, &resp); err != nil {
		return nil, err
	}

	symbols := make([]models.Symbol, 0, len(resp.Info))
	for _, info := range resp.Info {
		segment, ok := models.MarketSegmentFromCode(info.MarketCode)
		if !ok {
			continue
		}
		symbols = append(symbols, models.Symbol{
			Code:   info.Code,
			Name:   info.CompanyName,
			Market: segment,
		})
	}

	c.logger.Debug().Int("total", len(resp.Info)).Int("target", len(symbols)).Msg("Listed symbols retrieved")
	return symbols, nil
}

// dailyQuotesResponse mirrors /prices/daily_quotes. Adjustment columns carry
// split-adjusted values; rows around halts can have null prices.
type dailyQuotesResponse struct {
	DailyQuotes []struct {
		Date             string   `json:"Date"`
		AdjustmentOpen   *float64 `json:"AdjustmentOpen"`
		AdjustmentHigh   *float64 `json:"AdjustmentHigh"`
		AdjustmentLow    *float64 `json:"AdjustmentLow"`
		AdjustmentClose  *float64 `json:"AdjustmentClose"`
		AdjustmentVolume *float64 `json:"AdjustmentVolume"`
	} `json:"daily_quotes"`
}

// FetchBars retrieves split-adjusted daily bars for one symbol, ascending by
// date. An empty upstream response returns (nil, nil); rows with null prices
// are dropped.
func (c *Client) FetchBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	params := url.Values{}
	params.Set("code", code)
	params.Set("from", from.Format("20060102"))
	params.Set("to", to.Format("20060102"))

	var resp dailyQuotesResponse
	if err := c.get(ctx, "/prices/daily_quotes", params, &resp); err != nil {
		return nil, err
	}
	if len(resp.DailyQuotes) == 0 {
		return nil, nil
	}

	bars := make([]models.Bar, 0, len(resp.DailyQuotes))
	for _, q := range resp.DailyQuotes {
		if q.AdjustmentOpen == nil || q.AdjustmentHigh == nil || q.AdjustmentLow == nil || q.AdjustmentClose == nil {
			continue
		}
		date, err := time.Parse("2006-01-02", q.Date)
		if err != nil {
			continue
		}
		var volume int64
		if q.AdjustmentVolume != nil {
			volume = int64(*q.AdjustmentVolume)
		}
		bars = append(bars, models.Bar{
			Date:   date,
			Open:   *q.AdjustmentOpen,
			High:   *q.AdjustmentHigh,
			Low:    *q.AdjustmentLow,
			Close:  *q.AdjustmentClose,
			Volume: volume,
		})
	}
	if len(bars) == 0 {
		return nil, nil
	}
	return bars, nil
}

// tradingCalendarResponse mirrors /markets/trading_calendar.
type tradingCalendarResponse struct {
	TradingCalendar []struct {
		Date            string `json:"Date"`
		HolidayDivision string `json:"HolidayDivision"`
	} `json:"trading_calendar"`
}

// IsTradingDay reports whether the exchange was open on the given date.
// HolidayDivision "1" marks a full business day; half days and holidays count
// as closed for screening purposes.
func (c *Client) IsTradingDay(ctx context.Context, date time.Time) (bool, error) {
	day := date.Format("2006-01-02")
	params := url.Values{}
	params.Set("from", day)
	params.Set("to", day)

	var resp tradingCalendarResponse
	if err := c.get(ctx, "/markets/trading_calendar", params, &resp); err != nil {
		return false, err
	}

	for _, entry := range resp.TradingCalendar {
		if entry.Date == day {
			return entry.HolidayDivision == "1", nil
		}
	}
	return false, nil
}

// Ensure Client implements QuoteSource
var _ interfaces.QuoteSource = (*Client)(nil)
