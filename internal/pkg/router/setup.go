package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PaySync/app/controllers"
)

// InstallRouter registers the gateway channels first, then the API and
// operational routes. apiKeys guards the checkout API; nil leaves it open.
// limiterStorage shares the API rate limit across instances; nil keeps it
// per process.
func InstallRouter(app *fiber.App, gateway *controllers.GatewayController, apiKeys []string, limiterStorage fiber.Storage) {
	setup(app, NewHttpRouter(gateway), NewApiRouter(gateway, apiKeys, limiterStorage))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
