package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/gatewayclient"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// ChannelAdmin is the gateway administration surface.
type ChannelAdmin interface {
	Status(ctx context.Context) (map[string]any, error)
	QR(ctx context.Context) (map[string]any, error)
	Reconnect(ctx context.Context) (map[string]any, error)
	Logout(ctx context.Context) (map[string]any, error)
	Reset(ctx context.Context) (map[string]any, error)
}

// ChannelHandler proxies channel administration to the gateway for admins.
type ChannelHandler struct {
	gateway ChannelAdmin
}

// NewChannelHandler constructs handler.
func NewChannelHandler(gateway ChannelAdmin) *ChannelHandler {
	return &ChannelHandler{gateway: gateway}
}

// Status GET /channel/status.
func (h *ChannelHandler) Status(c *fiber.Ctx) error {
	return h.proxy(c, h.gateway.Status)
}

// QR GET /channel/qr.
func (h *ChannelHandler) QR(c *fiber.Ctx) error {
	return h.proxy(c, h.gateway.QR)
}

// Reconnect POST /channel/reconnect.
func (h *ChannelHandler) Reconnect(c *fiber.Ctx) error {
	return h.proxy(c, h.gateway.Reconnect)
}

// Logout POST /channel/logout.
func (h *ChannelHandler) Logout(c *fiber.Ctx) error {
	return h.proxy(c, h.gateway.Logout)
}

// Reset POST /channel/reset.
func (h *ChannelHandler) Reset(c *fiber.Ctx) error {
	return h.proxy(c, h.gateway.Reset)
}

func (h *ChannelHandler) proxy(c *fiber.Ctx, call func(context.Context) (map[string]any, error)) error {
	body, err := call(c.UserContext())
	if err != nil {
		return gatewayError(err)
	}
	return c.JSON(body)
}

func gatewayError(err error) error {
	var httpErr *gatewayclient.HTTPError
	switch {
	case errors.Is(err, gatewayclient.ErrNotConfigured):
		return apperrors.NewDomainError("GATEWAY_NOT_CONFIGURED", "gateway url or token missing", http.StatusServiceUnavailable, nil)
	case errors.As(err, &httpErr):
		return apperrors.NewDomainError("GATEWAY_ERROR", httpErr.Message, http.StatusBadGateway, map[string]any{"status": httpErr.Status})
	}
	return apperrors.NewBadGateway("gateway unreachable", err)
}
