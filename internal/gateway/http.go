package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"go.uber.org/zap"

	"github.com/relaykit/wa-relay/internal/channel"
	"github.com/relaykit/wa-relay/internal/config"
	"github.com/relaykit/wa-relay/internal/observability"
	"github.com/relaykit/wa-relay/internal/webhook"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// ServiceName is reported by /health.
const ServiceName = "wa-gateway"

// SessionControl is the session surface exposed over HTTP.
type SessionControl interface {
	Health() channel.Health
	Pairing() channel.Pairing
	Reconnect(ctx context.Context) error
	Logout(ctx context.Context) error
	Reset(ctx context.Context) error
}

// Handler serves the gateway endpoints.
type Handler struct {
	session SessionControl
	sender  *Sender
	breaker *webhook.Breaker
	logger  *zap.Logger
}

// NewHandler wires the gateway handler. breaker may be nil.
func NewHandler(session SessionControl, sender *Sender, breaker *webhook.Breaker, logger *zap.Logger) *Handler {
	return &Handler{session: session, sender: sender, breaker: breaker, logger: logger.Named("gateway_http")}
}

// NewApp builds the fiber app with middlewares and routes.
func NewApp(cfg config.GatewayConfig, h *Handler, logger *zap.Logger, metrics *observability.Metrics) *fiber.App {
	bodyLimit := 4 * 1024 * 1024
	if cfg.SendMaxBytes > bodyLimit {
		bodyLimit = cfg.SendMaxBytes
	}
	app := fiber.New(fiber.Config{
		AppName:               ServiceName,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
	})
	app.Use(errorMiddleware(logger, metrics))
	app.Use(observability.RequestLogger(logger, metrics))
	RegisterRoutes(app, cfg, h)
	return app
}

// RegisterRoutes wires gateway routes. Everything except /health needs the bearer token.
func RegisterRoutes(app *fiber.App, cfg config.GatewayConfig, h *Handler) {
	app.Get("/health", h.Health)

	protected := app.Group("", bearerAuth(cfg.Token))
	protected.Get("/status", h.Status)
	protected.Get("/qr", h.QR)
	protected.Post("/reconnect", h.Reconnect)
	protected.Post("/logout", h.Logout)
	protected.Post("/reset", h.Reset)

	guarded := []fiber.Handler{payloadCap(cfg.SendMaxBytes)}
	if cfg.SendRateLimitRPM > 0 {
		guarded = append(guarded, rateLimit(cfg.SendRateLimitRPM))
	}
	protected.Post("/send", append(guarded, h.Send)...)
	protected.Post("/revoke", append(guarded, h.Revoke)...)
}

// Health GET /health.
func (h *Handler) Health(c *fiber.Ctx) error {
	resp := fiber.Map{
		"ok":      true,
		"service": ServiceName,
		"health":  h.session.Health(),
	}
	if h.breaker != nil {
		state, failures := h.breaker.State()
		resp["webhook_circuit"] = fiber.Map{"state": state, "failures": failures}
	}
	return c.JSON(resp)
}

// Status GET /status.
func (h *Handler) Status(c *fiber.Ctx) error {
	health := h.session.Health()
	return c.JSON(fiber.Map{
		"ok":                     true,
		"status":                 health.Connection,
		"last_disconnect_reason": health.LastDisconnectReason,
		"updated_at":             health.UpdatedAt,
	})
}

// QR GET /qr.
func (h *Handler) QR(c *fiber.Ctx) error {
	health := h.session.Health()
	pairing := h.session.Pairing()
	var image *string
	if pairing.Code != nil {
		if png, err := channel.PairingImage(*pairing.Code); err != nil {
			h.logger.Warn("failed to render pairing image", zap.Error(err))
		} else {
			image = &png
		}
	}
	return c.JSON(fiber.Map{
		"ok":            true,
		"status":        health.Connection,
		"qr":            pairing.Code,
		"qr_image":      image,
		"qr_updated_at": pairing.UpdatedAt,
	})
}

// Reconnect POST /reconnect.
func (h *Handler) Reconnect(c *fiber.Ctx) error {
	if err := h.session.Reconnect(c.UserContext()); err != nil {
		return apperrors.NewDomainError("RECONNECT_FAILED", "failed to reconnect client", http.StatusInternalServerError, nil)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Logout POST /logout.
func (h *Handler) Logout(c *fiber.Ctx) error {
	if err := h.session.Logout(c.UserContext()); err != nil {
		h.logger.Error("failed to logout client", zap.Error(err))
		return apperrors.NewDomainError("LOGOUT_FAILED", "failed to logout client", http.StatusInternalServerError, nil)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Reset POST /reset.
func (h *Handler) Reset(c *fiber.Ctx) error {
	if err := h.session.Reset(c.UserContext()); err != nil {
		h.logger.Error("failed to reset client", zap.Error(err))
		return apperrors.NewDomainError("RESET_FAILED", "failed to reset client", http.StatusInternalServerError, nil)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// Send POST /send.
func (h *Handler) Send(c *fiber.Ctx) error {
	var req SendRequest
	if err := decodeJSON(c.Body(), &req); err != nil {
		return apperrors.NewValidationError("invalid JSON payload", nil)
	}
	if err := req.Validate(); err != nil {
		return apperrors.NewUnprocessable(err.Error(), nil)
	}
	correlationID := c.Get(webhook.HeaderCorrelationID)
	if correlationID == "" {
		correlationID = req.ClientMessageID
	}
	resp, err := h.sender.Send(c.UserContext(), req, correlationID)
	if err != nil {
		h.logger.Error("failed to send outbound message",
			zap.String("client_message_id", req.ClientMessageID),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return sendError(err)
	}
	return c.JSON(resp)
}

// Revoke POST /revoke.
func (h *Handler) Revoke(c *fiber.Ctx) error {
	var req RevokeRequest
	if err := decodeJSON(c.Body(), &req); err != nil {
		return apperrors.NewValidationError("invalid JSON payload", nil)
	}
	if err := req.Validate(); err != nil {
		return apperrors.NewUnprocessable(err.Error(), nil)
	}
	if err := h.sender.Revoke(c.UserContext(), req); err != nil {
		h.logger.Error("failed to revoke message", zap.String("wa_message_id", req.WaMessageID), zap.Error(err))
		return sendError(err)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// decodeJSON treats an empty body as an empty object.
func decodeJSON(body []byte, dst any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, dst)
}

func sendError(err error) error {
	switch {
	case errors.Is(err, channel.ErrNotConnected):
		return apperrors.NewDomainError("NOT_CONNECTED", "channel session is not connected", http.StatusServiceUnavailable, nil)
	case errors.Is(err, ErrMediaUnavailable):
		return apperrors.NewBadGateway("media unavailable", err)
	}
	return apperrors.NewDomainError("SEND_FAILED", "failed to send message", http.StatusInternalServerError, nil)
}

func bearerAuth(token string) fiber.Handler {
	expected := []byte("Bearer " + token)
	return func(c *fiber.Ctx) error {
		if token == "" {
			return apperrors.NewDomainError("NOT_CONFIGURED", "gateway token not configured", http.StatusInternalServerError, nil)
		}
		got := []byte(c.Get(fiber.HeaderAuthorization))
		if subtle.ConstantTimeCompare(got, expected) != 1 {
			return apperrors.NewUnauthorized("unauthorized")
		}
		return c.Next()
	}
}

func payloadCap(maxBytes int) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if maxBytes <= 0 {
			return c.Next()
		}
		if c.Request().Header.ContentLength() > maxBytes || len(c.Body()) > maxBytes {
			return apperrors.NewPayloadTooLarge(maxBytes)
		}
		return c.Next()
	}
}

func rateLimit(perMinute int) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:          perMinute,
		Expiration:   time.Minute,
		KeyGenerator: RateLimitKey,
		LimitReached: func(*fiber.Ctx) error {
			return apperrors.NewTooManyRequests()
		},
	})
}

// RateLimitKey buckets callers by a hash of their Authorization header, or by IP.
func RateLimitKey(c *fiber.Ctx) string {
	if auth := c.Get(fiber.HeaderAuthorization); auth != "" {
		sum := sha256.Sum256([]byte(auth))
		return "auth:" + hex.EncodeToString(sum[:])
	}
	return "ip:" + c.IP()
}

// errorMiddleware renders errors as {"ok":false,"code","message"}.
func errorMiddleware(logger *zap.Logger, metrics *observability.Metrics) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
				err = apperrors.NewInternalError(nil)
			}
			if err == nil {
				return
			}
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				err = apperrors.NewDomainError("HTTP_ERROR", fiberErr.Message, fiberErr.Code, nil)
			}
			domainErr := apperrors.ToDomainError(err)
			metrics.RecordError(c.Path(), c.Method(), domainErr.Code)
			if domainErr.HTTPStatus >= 500 {
				logger.Error("request failed", zap.Error(domainErr))
			}
			c.Status(domainErr.HTTPStatus)
			_ = c.JSON(fiber.Map{"ok": false, "code": domainErr.Code, "message": domainErr.Message})
			err = nil
		}()
		return c.Next()
	}
}
