package entitlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"murmur/apperr"
)

const checkoutSource = "murmur-desktop"

// Checkout is a purchase session opened with the commerce endpoint.
type Checkout struct {
	URL       string `json:"checkout_url"`
	SessionID string `json:"checkout_session_id"`
}

// CheckoutClient opens purchase sessions. Endpoint empty means checkout is
// not configured.
type CheckoutClient struct {
	Endpoint string
	Token    string
	Client   *http.Client
	MAC      func() string
}

func NewCheckoutClient(endpoint, token string) *CheckoutClient {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &CheckoutClient{
		Endpoint: endpoint,
		Token:    token,
		Client: &http.Client{
			Timeout:   20 * time.Second,
			Transport: &http.Transport{Proxy: http.ProxyFromEnvironment, DialContext: dialer.DialContext},
		},
		MAC: DeviceMAC,
	}
}

var (
	urlKeys     = []string{"checkoutUrl", "checkout_url", "url"}
	sessionKeys = []string{"checkoutSessionId", "checkout_session_id", "sessionId", "session_id", "id"}
)

// Create posts this device's identity to the endpoint and returns the
// session it opened.
func (c *CheckoutClient) Create(ctx context.Context) (Checkout, error) {
	if strings.TrimSpace(c.Endpoint) == "" {
		return Checkout{}, checkoutFailed(errNoCheckout)
	}
	mac := unknownMAC
	if c.MAC != nil {
		mac = c.MAC()
	}
	body, err := json.Marshal(map[string]string{
		"source":     checkoutSource,
		"platform":   runtime.GOOS,
		"macAddress": mac,
	})
	if err != nil {
		return Checkout{}, checkoutFailed(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Checkout{}, checkoutFailed(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Checkout{}, checkoutFailed(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Checkout{}, checkoutFailed(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Checkout{}, checkoutFailed(fmt.Errorf("checkout endpoint: %s", resp.Status))
	}

	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return Checkout{}, checkoutFailed(fmt.Errorf("checkout response: %w", err))
	}
	out := Checkout{URL: firstString(fields, urlKeys), SessionID: firstString(fields, sessionKeys)}
	if out.URL == "" {
		return Checkout{}, checkoutFailed(errors.New("checkout URL is missing from checkout response"))
	}
	if out.SessionID == "" {
		out.SessionID = "unknown"
	}
	return out, nil
}

func firstString(m map[string]any, keys []string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

func checkoutFailed(err error) error {
	return apperr.Wrap(apperr.CodeCheckoutFailed, err)
}
