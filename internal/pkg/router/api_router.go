package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PaySync/app/controllers"
	"github.com/ManuelReschke/PaySync/internal/pkg/middleware"
)

type ApiRouter struct {
	gateway *controllers.GatewayController
	apiKeys []string
	limiter fiber.Storage
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// nil storage keeps the counters in process memory
	api := app.Group("/api", limiter.New(limiter.Config{Storage: h.limiter}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
	})
	v1.Post("/checkout", middleware.APIKeyAuthMiddleware(h.apiKeys), h.gateway.HandleCheckout)
}

func NewApiRouter(gateway *controllers.GatewayController, apiKeys []string, limiterStorage fiber.Storage) *ApiRouter {
	return &ApiRouter{gateway: gateway, apiKeys: apiKeys, limiter: limiterStorage}
}
