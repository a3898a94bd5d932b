package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	devices "mdm-cloud/internal/devices/domain"
	"mdm-cloud/internal/push"
)

// Client is a minimal push gateway REST client. The gateway owns the
// APNs connection; this client only hands it the device routing fields.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient constructs a gateway client.
func NewClient(baseURL, token string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("push gateway: empty base url")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type pushRequest struct {
	Token     string `json:"token"`
	PushMagic string `json:"push_magic"`
	Topic     string `json:"topic"`
}

type pushResponse struct {
	PushID string `json:"push_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// Send delivers a wake signal and returns the gateway's notification id.
func (c *Client) Send(ctx context.Context, device devices.Device) (string, error) {
	if device.PushToken == "" {
		return "", errors.New("push gateway: empty token")
	}
	body := pushRequest{
		Token:     device.PushToken,
		PushMagic: device.PushMagic,
		Topic:     device.Topic,
	}
	var resp pushResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/v1/push", body, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", push.ErrDeliveryFailed, err)
	}
	if resp.Status == "failed" {
		message := resp.Error
		if message == "" {
			message = "gateway rejected push"
		}
		return "", fmt.Errorf("%w: %s", push.ErrDeliveryFailed, message)
	}
	return resp.PushID, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reqBody *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway: http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
