package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"lockgate/internal/changeemail"
	"lockgate/internal/config"
	"lockgate/internal/database"
)

// EmailChanger is the slice of the change-email service the handlers use.
type EmailChanger interface {
	RequestChange(ctx context.Context, requester changeemail.Requester, newEmail, password string, scope changeemail.Filter) (*changeemail.Result, error)
	ConfirmToken(ctx context.Context, token string, scope changeemail.Filter) (*changeemail.Result, error)
}

const (
	viewChangeEmail  = "change-email"
	viewSentEmail    = "sent-email"
	viewChangedEmail = "changed-email"
	viewLinkExpired  = "link-expired"
)

// presenter shapes a transition outcome either as a JSON body (structured
// mode) or as a redirect back into the web app (interactive mode). The mode
// is deployment policy, chosen once from config.
type presenter struct {
	mode string
}

func (p presenter) respond(c *fiber.Ctx, err error, view string, user *database.User, data fiber.Map, redirect string) error {
	var ferr *changeemail.FlowError

	if p.mode == config.ResponseModeInteractive {
		if errors.As(err, &ferr) {
			return c.Redirect(fmt.Sprintf("/account/%s?error=%s", view, ferr.Code))
		}
		if redirect != "" {
			return c.Redirect(redirect)
		}
		return c.Redirect(fmt.Sprintf("/account/%s", view))
	}

	if errors.As(err, &ferr) {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   ferr.Code,
			"message": ferr.Message,
		})
	}

	if data == nil {
		data = fiber.Map{"result": true}
	}
	if redirect != "" {
		data["redirect"] = redirect
	}
	return c.JSON(data)
}

// requestScope returns the tenant filter a scoping middleware may have
// placed on the request.
func requestScope(c *fiber.Ctx) changeemail.Filter {
	if scope, ok := c.Locals("scope").(changeemail.Filter); ok {
		return scope
	}
	return nil
}

func GetChangeEmailForm(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)

	p := presenter{mode: cfg.ResponseMode}
	return p.respond(c, nil, viewChangeEmail, nil, fiber.Map{"result": true}, "")
}

func PostChangeEmail(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	svc := c.Locals("changeemail").(EmailChanger)
	user := c.Locals("user").(database.User)

	p := presenter{mode: cfg.ResponseMode}

	// Empty or malformed values are business outcomes of the flow itself,
	// so no validator tags here.
	type ChangeEmailInput struct {
		Email    string `json:"email" form:"email"`
		Password string `json:"password" form:"password"`
	}

	var input ChangeEmailInput
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"message": "Invalid input"})
	}

	requester := changeemail.Requester{Email: user.Email, Name: user.Name}

	res, err := svc.RequestChange(c.UserContext(), requester, input.Email, input.Password, requestScope(c))
	if err != nil {
		var ferr *changeemail.FlowError
		if errors.As(err, &ferr) {
			return p.respond(c, ferr, viewChangeEmail, &user, nil, "")
		}
		return err
	}

	if res.Outcome == changeemail.VerificationRequired {
		return p.respond(c, nil, viewChangeEmail, res.User, fiber.Map{"result": true, "outcome": res.Outcome}, res.Redirect)
	}

	return p.respond(c, nil, viewSentEmail, res.User, fiber.Map{"result": true, "outcome": res.Outcome}, "")
}

func ConfirmChangeEmail(c *fiber.Ctx) error {
	cfg := c.Locals("config").(*config.Config)
	svc := c.Locals("changeemail").(EmailChanger)

	p := presenter{mode: cfg.ResponseMode}

	res, err := svc.ConfirmToken(c.UserContext(), c.Params("token"), requestScope(c))
	if err != nil {
		var ferr *changeemail.FlowError
		if errors.As(err, &ferr) {
			return p.respond(c, ferr, viewLinkExpired, nil, nil, "")
		}
		return err
	}

	return p.respond(c, nil, viewChangedEmail, res.User, fiber.Map{
		"result":         true,
		"outcome":        res.Outcome,
		"revert_offered": res.RevertOffered,
	}, "")
}
