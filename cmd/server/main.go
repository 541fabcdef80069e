package main

import (
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"

	"lockgate/internal/changeemail"
	"lockgate/internal/config"
	"lockgate/internal/database"
	"lockgate/internal/handlers"
	"lockgate/internal/mail"
	"lockgate/internal/middleware"
	puser "lockgate/internal/platform/user"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	db, err := database.Connect(cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}

	store := puser.NewService(db)
	mailer := mail.NewMailer(cfg.MailgunDomain, cfg.MailgunAPIKey, cfg.MailgunAPIBase, cfg.AppBaseURL)
	verifier := changeemail.NewVerifier(store, changeemail.LockoutConfig{
		LockoutThreshold: cfg.FailedLoginLockoutThreshold,
		WarningThreshold: cfg.FailedLoginWarningThreshold,
		LockedDuration:   cfg.AccountLockedDuration,
	})

	identityMode := changeemail.ResolveByEmail
	if cfg.IdentityMode == config.IdentityModeName {
		identityMode = changeemail.ResolveByName
	}

	changeEmail := changeemail.NewService(store, mailer, verifier, changeemail.Config{
		ChangeTokenExpiry: cfg.ChangeTokenExpiry,
		RevertTokenExpiry: cfg.RevertTokenExpiry,
		IdentityMode:      identityMode,
	}, logger)

	app := fiber.New()

	app.Use(compress.New())
	app.Use(helmet.New())
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(healthcheck.New())

	app.Use(func(c *fiber.Ctx) error {
		c.Locals("config", cfg)
		c.Locals("db", db)
		c.Locals("changeemail", changeEmail)
		return c.Next()
	})

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/signin", handlers.SigninWithPassword)

	account := api.Group("/account")
	account.Get("/change-email", handlers.GetChangeEmailForm)
	account.Post("/change-email", middleware.AuthMiddleware, handlers.PostChangeEmail)
	account.Get("/change-email/:token", handlers.ConfirmChangeEmail)

	user := api.Group("/user", middleware.AuthMiddleware)
	user.Get("/me", handlers.GetCurrentUser)

	admin := api.Group("/admin", middleware.AuthMiddleware, middleware.AdminMiddleware)
	admin.Post("/create-user", handlers.CreateUser)

	app.Use(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNotFound)
	})

	logger.Fatal("server stopped", zap.Error(app.Listen(fmt.Sprintf(":%d", cfg.ServerPort))))
}
