package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"lockgate/internal/auth"
	"lockgate/internal/changeemail"
	"lockgate/internal/config"
	puser "lockgate/internal/platform/user"
)

const accessTokenExp = 3600

type AuthToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func SigninWithPassword(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	db := c.Locals("db").(*gorm.DB)

	userService := puser.NewService(db)
	verifier := changeemail.NewVerifier(userService, changeemail.LockoutConfig{
		LockoutThreshold: cfg.FailedLoginLockoutThreshold,
		WarningThreshold: cfg.FailedLoginWarningThreshold,
		LockedDuration:   cfg.AccountLockedDuration,
	})

	type LoginInput struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}

	var input LoginInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Invalid input"})
	}

	if err := config.Validate.Struct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": err.Error()})
	}

	user, err := userService.Find(c.UserContext(), changeemail.FieldEmail, strings.ToLower(input.Email), nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "Internal server error"})
	}
	if user == nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Invalid credentials"})
	}

	if err := verifier.Verify(c.UserContext(), user, input.Password); err != nil {
		var ferr *changeemail.FlowError
		if errors.As(err, &ferr) {
			if ferr.Locked {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "account_locked"})
			}
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "Invalid credentials"})
		}
		return err
	}

	user.LoginCount++
	user.LastLogin = time.Now()
	if _, err := userService.Update(c.UserContext(), user); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "Internal server error"})
	}

	token, err := auth.GenerateJWT(cfg.JWTSecret, user.ID.String(), accessTokenExp*time.Second)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"message": "Internal server error"})
	}

	return c.JSON(AuthToken{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   accessTokenExp,
		ExpiresAt:   time.Now().Add(accessTokenExp * time.Second),
	})
}
