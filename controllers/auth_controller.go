package controller

import (
	"crypto/subtle"

	"crmflow/config"
	"crmflow/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

type AuthController struct {
	Logger *logrus.Entry
}

func NewAuthController(logger *logrus.Entry) *AuthController {
	return &AuthController{Logger: logger}
}

type tokenRequest struct {
	APIKey string `json:"api_key" validate:"required"`
}

// IssueToken exchanges the configured API key for a short-lived JWT.
func (ac *AuthController) IssueToken(c *fiber.Ctx) error {
	var req tokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	if subtle.ConstantTimeCompare([]byte(req.APIKey), []byte(config.AppConfig.APIKey)) != 1 {
		ac.Logger.WithField("ip", c.IP()).Warn("Rejected token request with bad API key")
		return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid API key", nil)
	}

	token, err := utils.GenerateJWTToken(1, config.AppConfig.JWTTokenTTL)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to issue token", err)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"token":      token,
		"expires_in": int(config.AppConfig.JWTTokenTTL.Seconds()),
	}))
}
