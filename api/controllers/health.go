package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/photoproc/api/responses"
	pkgerrors "github.com/angelmondragon/photoproc/pkg/errors"
	"github.com/angelmondragon/photoproc/pkg/config"
	"github.com/angelmondragon/photoproc/pkg/logger"
)

const (
	envHeader           = "X-PhotoProc-Env"
	readinessPingBudget = 3 * time.Second
)

// ReadinessCheck pings one named dependency.
type ReadinessCheck struct {
	Name string
	Ping func(context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, logg *logger.Logger, checks ...ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		ctx, cancel := context.WithTimeout(r.Context(), readinessPingBudget)
		defer cancel()

		for _, check := range checks {
			if check.Ping == nil {
				continue
			}
			if err := check.Ping(ctx); err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeTransientDependency, err, check.Name+" not ready").
					WithDetails(map[string]any{"dependency": check.Name}))
				return
			}
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
