package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/photoproc/api/controllers"
	"github.com/angelmondragon/photoproc/api/middleware"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

func NewRouter(
	cfg *config.Config,
	logg *logger.Logger,
	processor controllers.JobProcessor,
	checks ...controllers.ReadinessCheck,
) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Get("/healthz", controllers.HealthLive(cfg))
	r.Get("/readyz", controllers.HealthReady(cfg, logg, checks...))

	r.Post("/pubsub/push", controllers.PubSubPush(processor, cfg.Push.MaxBodyBytes(), logg))

	return r
}
