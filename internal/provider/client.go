package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dogmatiq/linger"
	fiber "github.com/gofiber/fiber/v2"

	"github.com/clyro-labs/enroller/internal/config"
	"github.com/clyro-labs/enroller/internal/logger"
	"github.com/clyro-labs/enroller/internal/types"
)

// Provider status-update actions.
const (
	actionRequestNewOTP = 3
	actionCancelNumber  = 8
)

// requestTimeout is the per-request timeout against the provider API.
const requestTimeout = 15 * time.Second

// countryPhonePrefix is stripped from returned numbers.
const countryPhonePrefix = "91"

var otpRe = regexp.MustCompile(`\b(\d{4,8})\b`)

// Client talks to the provider's plain-text handler API.
type Client struct {
	cfg          config.ProviderConfig
	pollInterval time.Duration
}

var _ Provider = (*Client)(nil)

// NewClient creates a provider client from configuration.
func NewClient(cfg config.ProviderConfig, pollInterval time.Duration) *Client {
	return &Client{cfg: cfg, pollInterval: pollInterval}
}

// get performs one GET against the handler API and returns the trimmed
// plain-text response body.
func (c *Client) get(ctx context.Context, params map[string]string) (string, error) {
	values := url.Values{}
	values.Set("api_key", c.cfg.APIKey)
	for k, v := range params {
		values.Set(k, v)
	}

	agent := fiber.Get(c.cfg.BaseURL)
	agent.QueryString(values.Encode())
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < requestTimeout {
		agent.Timeout(time.Until(deadline))
	} else {
		agent.Timeout(requestTimeout)
	}

	code, body, errs := agent.String()
	if len(errs) > 0 {
		return "", fmt.Errorf("provider request failed: %w", errs[0])
	}
	if code < 200 || code >= 300 {
		return "", fmt.Errorf("provider returned HTTP %d", code)
	}

	text := strings.TrimSpace(body)
	if err := fatalResponse(text); err != nil {
		return "", err
	}
	return text, nil
}

// fatalResponse maps non-retryable API responses to ErrProviderFatal.
func fatalResponse(text string) error {
	switch {
	case strings.HasPrefix(text, "BAD_KEY"),
		strings.HasPrefix(text, "BAD_ACTION"),
		strings.HasPrefix(text, "USER_BANNED"):
		return fmt.Errorf("%w: %s", types.ErrProviderFatal, text)
	}
	return nil
}

// Rent requests a fresh number from the provider.
func (c *Client) Rent(ctx context.Context) (*Channel, error) {
	text, err := c.get(ctx, map[string]string{
		"action":   "getNumber",
		"service":  c.cfg.Service,
		"country":  c.cfg.Country,
		"operator": c.cfg.Operator,
	})
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToUpper(text), "NO_NUMBERS") {
		return nil, types.ErrNoChannels
	}

	channel, err := ParseNumber(text)
	if err != nil {
		return nil, err
	}
	logger.Debugf("rented channel %s (%s)", channel.Handle, channel.Phone)
	return channel, nil
}

// PollOTP polls the provider for the code in the given slot until the
// context expires. The second slot first asks the provider for a fresh
// code and rejects anything equal to the previous one.
func (c *Client) PollOTP(ctx context.Context, handle string, slot int, opts PollOptions) (string, error) {
	if slot == SlotSecond {
		if _, err := c.setStatus(ctx, handle, actionRequestNewOTP); err != nil {
			return "", err
		}
	}

	for {
		text, err := c.get(ctx, map[string]string{"action": "getStatus", "id": handle})
		if err != nil {
			return "", err
		}

		status, code := ParseOTPStatus(text)
		switch status {
		case StatusCancelled:
			if code == "" {
				return "", ErrChannelCancelled
			}
			fallthrough
		case StatusOK:
			if code != "" && code != opts.Previous {
				return code, nil
			}
		case StatusWaiting:
			// keep polling
		}

		if err := linger.Sleep(ctx, c.pollInterval); err != nil {
			return "", err
		}
	}
}

// Release cancels the number.
func (c *Client) Release(ctx context.Context, handle string) error {
	text, err := c.setStatus(ctx, handle, actionCancelNumber)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(text, "ACCESS_CANCEL") {
		logger.Warnf("unexpected cancel response for %s: %s", handle, text)
	}
	return nil
}

func (c *Client) setStatus(ctx context.Context, handle string, status int) (string, error) {
	return c.get(ctx, map[string]string{
		"action": "setStatus",
		"status": strconv.Itoa(status),
		"id":     handle,
	})
}

// Balance returns the provider account balance.
func (c *Client) Balance(ctx context.Context) (float64, error) {
	text, err := c.get(ctx, map[string]string{"action": "getBalance"})
	if err != nil {
		return 0, err
	}
	return ParseBalance(text)
}

// Price returns the per-number price for the configured service.
func (c *Client) Price(ctx context.Context) (float64, error) {
	text, err := c.get(ctx, map[string]string{
		"action":   "getPrices",
		"country":  c.cfg.Country,
		"operator": c.cfg.Operator,
	})
	if err != nil {
		return 0, err
	}
	return ParsePrice(text, c.cfg.Country, c.cfg.Service)
}

// OTPStatus classifies a getStatus response.
type OTPStatus string

// getStatus response classes
const (
	StatusOK        OTPStatus = "ok"
	StatusWaiting   OTPStatus = "waiting"
	StatusCancelled OTPStatus = "cancelled"
	StatusUnknown   OTPStatus = "unknown"
)

// ParseNumber extracts a channel from an ACCESS_NUMBER:id:phone
// response, stripping the country prefix from the number.
func ParseNumber(text string) (*Channel, error) {
	if !strings.HasPrefix(text, "ACCESS_NUMBER:") {
		return nil, fmt.Errorf("unexpected getNumber response: %s", text)
	}
	parts := strings.SplitN(text, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed getNumber response: %s", text)
	}

	phone := parts[2]
	if strings.HasPrefix(phone, countryPhonePrefix) && len(phone) > len(countryPhonePrefix) {
		phone = phone[len(countryPhonePrefix):]
	}
	return &Channel{Handle: parts[1], Phone: phone}, nil
}

// ParseOTPStatus classifies a getStatus response and extracts the code
// if one is present.
func ParseOTPStatus(text string) (OTPStatus, string) {
	switch {
	case strings.HasPrefix(text, "STATUS_OK:"):
		return StatusOK, ExtractOTP(text)
	case strings.HasPrefix(text, "STATUS_CANCEL"):
		return StatusCancelled, ExtractOTP(text)
	case strings.HasPrefix(text, "ACCESS_WAITING"):
		return StatusWaiting, ""
	default:
		return StatusUnknown, ExtractOTP(text)
	}
}

// ExtractOTP returns the last 4-8 digit group in the text, which is the
// code in every response shape the provider emits. Empty when no code
// is present.
func ExtractOTP(text string) string {
	matches := otpRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	return matches[len(matches)-1][1]
}

// ParseBalance extracts the numeric balance from an ACCESS_BALANCE
// response.
func ParseBalance(text string) (float64, error) {
	if !strings.HasPrefix(text, "ACCESS_BALANCE:") {
		return 0, fmt.Errorf("unexpected getBalance response: %s", text)
	}
	value, err := strconv.ParseFloat(strings.SplitN(text, ":", 2)[1], 64)
	if err != nil {
		return 0, fmt.Errorf("malformed balance: %w", err)
	}
	return value, nil
}

// ParsePrice extracts the price for a service from a getPrices JSON
// response shaped like {"22": {"pfk": {"2.99": "467"}}}.
func ParsePrice(text, country, service string) (float64, error) {
	var data map[string]map[string]map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return 0, fmt.Errorf("malformed price response: %w", err)
	}
	serviceBlock, ok := data[country][service]
	if !ok {
		return 0, fmt.Errorf("no price listed for service %s in country %s", service, country)
	}
	for price := range serviceBlock {
		value, err := strconv.ParseFloat(price, 64)
		if err != nil {
			continue
		}
		return value, nil
	}
	return 0, fmt.Errorf("no parsable price for service %s", service)
}
