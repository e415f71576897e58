// Package gatewayclient calls the channel gateway from the backend.
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"

	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/webhook"
)

// ErrNotConfigured is returned when the gateway URL or token is missing.
var ErrNotConfigured = errors.New("gateway not configured")

// HTTPError is a non-2xx gateway response.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gateway responded %d: %s", e.Status, e.Message)
}

// Code is the HTTP status as a failure code.
func (e *HTTPError) Code() string {
	return strconv.Itoa(e.Status)
}

// SendRequest mirrors the gateway's POST /send body.
type SendRequest struct {
	ClientMessageID    string  `json:"client_message_id"`
	ToWaID             string  `json:"to_wa_id"`
	Type               string  `json:"type"`
	Text               *string `json:"text,omitempty"`
	MediaURL           *string `json:"media_url,omitempty"`
	MediaMime          *string `json:"media_mime,omitempty"`
	MediaName          *string `json:"media_name,omitempty"`
	ReplyToWaMessageID *string `json:"reply_to_wa_message_id,omitempty"`
	ReplyToSenderWaID  *string `json:"reply_to_sender_wa_id,omitempty"`
	ReplyToText        *string `json:"reply_to_text,omitempty"`
	ReplyToType        *string `json:"reply_to_type,omitempty"`
}

// SendResponse is the gateway's answer to a send.
type SendResponse struct {
	OK          bool    `json:"ok"`
	WaMessageID *string `json:"wa_message_id"`
	WaTimestamp string  `json:"wa_timestamp"`
}

// RevokeRequest mirrors the gateway's POST /revoke body.
type RevokeRequest struct {
	ToWaID      string `json:"to_wa_id"`
	WaMessageID string `json:"wa_message_id"`
	FromMe      bool   `json:"from_me"`
}

// Client is a resty client for the gateway.
type Client struct {
	http      *resty.Client
	sendURL   string
	revokeURL string
	baseURL   string
	token     string
}

// New builds a client from the outbound configuration.
func New(cfg config.OutboundConfig) *Client {
	return &Client{
		http:      resty.New().SetTimeout(cfg.Timeout()).SetHeader("Accept", "application/json"),
		sendURL:   cfg.GatewaySendURL,
		revokeURL: cfg.RevokeURL(),
		baseURL:   strings.TrimRight(cfg.GatewayBaseURL, "/"),
		token:     cfg.GatewayToken,
	}
}

// Configured reports whether sends can be attempted.
func (c *Client) Configured() bool {
	return c.sendURL != "" && c.token != ""
}

// Send posts a message. correlationID travels as X-Correlation-Id.
func (c *Client) Send(ctx context.Context, req SendRequest, correlationID string) (SendResponse, error) {
	if !c.Configured() {
		return SendResponse{}, ErrNotConfigured
	}
	r := c.request(ctx).SetBody(req)
	if correlationID != "" {
		r.SetHeader(webhook.HeaderCorrelationID, correlationID)
	}
	resp, err := r.Post(c.sendURL)
	if err := check(resp, err); err != nil {
		return SendResponse{}, err
	}
	// The body is decoded regardless of the response Content-Type.
	var out SendResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return SendResponse{}, fmt.Errorf("decode gateway send: %w", err)
	}
	return out, nil
}

// Revoke deletes a sent message for everyone.
func (c *Client) Revoke(ctx context.Context, req RevokeRequest) error {
	if c.revokeURL == "" || c.token == "" {
		return ErrNotConfigured
	}
	resp, err := c.request(ctx).SetBody(req).Post(c.revokeURL)
	return check(resp, err)
}

// Status proxies GET /status.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.admin(ctx, resty.MethodGet, "status")
}

// QR proxies GET /qr.
func (c *Client) QR(ctx context.Context) (map[string]any, error) {
	return c.admin(ctx, resty.MethodGet, "qr")
}

// Reconnect proxies POST /reconnect.
func (c *Client) Reconnect(ctx context.Context) (map[string]any, error) {
	return c.admin(ctx, resty.MethodPost, "reconnect")
}

// Logout proxies POST /logout.
func (c *Client) Logout(ctx context.Context) (map[string]any, error) {
	return c.admin(ctx, resty.MethodPost, "logout")
}

// Reset proxies POST /reset.
func (c *Client) Reset(ctx context.Context) (map[string]any, error) {
	return c.admin(ctx, resty.MethodPost, "reset")
}

func (c *Client) admin(ctx context.Context, method, path string) (map[string]any, error) {
	if c.baseURL == "" || c.token == "" {
		return nil, ErrNotConfigured
	}
	resp, err := c.request(ctx).Execute(method, c.baseURL+"/"+path)
	if err := check(resp, err); err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("decode gateway %s: %w", path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetAuthToken(c.token)
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if !resp.IsError() {
		return nil
	}
	msg := "gateway returned an error"
	var body struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(resp.Body(), &body) == nil && body.Message != "" {
		msg = body.Message
	}
	return &HTTPError{Status: resp.StatusCode(), Message: msg}
}
