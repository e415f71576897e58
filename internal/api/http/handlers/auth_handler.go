package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/relaykit/wa-relay/internal/api/dto"
	"github.com/relaykit/wa-relay/internal/domain"
	"github.com/relaykit/wa-relay/internal/service"
	apperrors "github.com/relaykit/wa-relay/pkg/util/errorutil"
)

// AuthHandler issues access tokens.
type AuthHandler struct {
	service *service.AuthService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(authService *service.AuthService) *AuthHandler {
	return &AuthHandler{service: authService}
}

// Login POST /auth/login.
func (h *AuthHandler) Login(c *fiber.Ctx) error {
	var req dto.LoginRequest
	if err := c.BodyParser(&req); err != nil {
		return apperrors.NewValidationError("invalid payload", nil)
	}
	user, token, exp, err := h.service.Login(c.UserContext(), req.Email, req.Password)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.AuthResponse{Token: token, ExpiresAt: exp, User: userSummary(user)}})
}

func userSummary(u *domain.User) dto.UserSummary {
	return dto.UserSummary{ID: u.ID, Name: u.Name, Email: u.Email, Role: string(u.Role)}
}
