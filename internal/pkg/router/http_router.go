package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ManuelReschke/PaySync/app/controllers"
)

type HttpRouter struct {
	gateway *controllers.GatewayController
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Gateway delivery channels. The gateway may use either verb on return.
	gw := app.Group("/gateway/:purpose")
	gw.Post("/notify", h.gateway.HandleNotify)
	gw.Get("/return", h.gateway.HandleReturn)
	gw.Post("/return", h.gateway.HandleReturn)

	app.Get(controllers.ResultPath+"/:handle", h.gateway.HandleResult)
	app.Get(controllers.ResultPath, h.gateway.HandleResult)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

func NewHttpRouter(gateway *controllers.GatewayController) *HttpRouter {
	return &HttpRouter{gateway: gateway}
}
