package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"crowdfundBack/internal/pledge"
)

func (app *application) routes() (http.Handler, error) {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders)
	authMiddleware := standardMiddleware.Append(app.authenticate)

	mux := pat.New()

	mux.Get("/healthz", standardMiddleware.ThenFunc(app.healthz))

	// Payments, project funding and live project updates
	if err := pledge.RegisterPledgeRoutes(mux, standardMiddleware, authMiddleware, app.pledgeDeps); err != nil {
		return nil, err
	}

	return mux, nil
}
