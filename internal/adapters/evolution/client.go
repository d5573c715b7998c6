package evolution

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"evolution-crm-bridge/internal/retry"
	"evolution-crm-bridge/pkg/httputil"
)

// Client talks to the Evolution API REST surface.
type Client struct {
	httpClient *resty.Client
	baseURL    string
	policy     retry.Policy
}

// StatusError is a non-2xx gateway response.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Evolution API %s error: status %d, body: %s", e.Op, e.StatusCode, e.Body)
}

// NewClient creates a new Evolution API client authenticated by apikey.
func NewClient(baseURL, apiKey string, timeout time.Duration, policy retry.Policy) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("Evolution API baseURL cannot be empty")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("Evolution API key cannot be empty")
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := httputil.NewClient(baseURL, timeout, map[string]string{"apikey": apiKey})

	log.Info().Str("baseURL", baseURL).Int("maxAttempts", policy.Attempts()).Msg("Evolution API client configured")

	return &Client{httpClient: client, baseURL: baseURL, policy: policy}, nil
}

// FormatNumber turns a bare phone number into a user JID. Values that are
// already JIDs pass through.
func FormatNumber(number string) string {
	if strings.Contains(number, "@") {
		return number
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, number)
	return digits + "@s.whatsapp.net"
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, instanceName, number, text string) (*SendResult, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}
	url := fmt.Sprintf("/message/sendText/%s", instanceName)
	payload := SendTextPayload{Number: FormatNumber(number), Text: text}

	var result SendResult
	if err := c.do(ctx, "SendText", http.MethodPost, url, payload, &result); err != nil {
		log.Error().Err(err).Str("instance", instanceName).Str("number", payload.Number).Msg("Evolution API: SendText failed")
		return nil, err
	}
	log.Info().Str("instance", instanceName).Str("number", payload.Number).Str("messageID", result.Key.ID).Msg("Successfully sent text message")
	return &result, nil
}

// SetWebhook points the instance's webhook at cfg.URL.
func (c *Client) SetWebhook(ctx context.Context, instanceName string, cfg WebhookConfig) error {
	if cfg.URL == "" {
		return fmt.Errorf("webhook URL cannot be empty")
	}
	url := fmt.Sprintf("/webhook/set/%s", instanceName)
	if err := c.do(ctx, "SetWebhook", http.MethodPost, url, cfg, nil); err != nil {
		log.Error().Err(err).Str("instance", instanceName).Str("url", cfg.URL).Msg("Evolution API: SetWebhook failed")
		return err
	}
	log.Info().Str("instance", instanceName).Str("url", cfg.URL).Int("events", len(cfg.Events)).Msg("Webhook configured")
	return nil
}

// ConnectionState returns the gateway's raw state string (open, connecting, close).
func (c *Client) ConnectionState(ctx context.Context, instanceName string) (string, error) {
	url := fmt.Sprintf("/instance/connectionState/%s", instanceName)
	var result connectionStateResponse
	if err := c.do(ctx, "ConnectionState", http.MethodGet, url, nil, &result); err != nil {
		return "", err
	}
	return result.state(), nil
}

func (c *Client) do(ctx context.Context, op, method, url string, body, result any) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context, attempt int) error {
		req := c.httpClient.R().SetContext(ctx)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Execute(method, url)
		if err != nil {
			if retryableTransport(err) {
				log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Evolution API request failed, retrying")
				return fmt.Errorf("Evolution API %s request failed: %w", op, err)
			}
			return retry.Permanent(fmt.Errorf("Evolution API %s request failed: %w", op, err))
		}
		if resp.IsError() {
			statusErr := &StatusError{Op: op, StatusCode: resp.StatusCode(), Body: resp.String()}
			if retryableStatus(resp.StatusCode()) {
				log.Warn().Str("op", op).Int("statusCode", resp.StatusCode()).Int("attempt", attempt).Msg("Evolution API returned a retryable status")
				return statusErr
			}
			return retry.Permanent(statusErr)
		}
		return nil
	})
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func retryableTransport(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
