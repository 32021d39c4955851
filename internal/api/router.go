package api

import (
	"context"
	"net/http"

	"github.com/julienschmidt/httprouter"
	apiContext "webhookd/internal/api/context"
	"webhookd/internal/api/handlers"
	"webhookd/internal/api/middleware"
	"webhookd/internal/pkg/errors"
)

type Dependencies struct {
	WebhookHandler *handlers.WebhookHandler
	EventHandler   *handlers.EventHandler
	InboundHandler *handlers.InboundHandler
	HealthHandler  *handlers.HealthHandler
	MetricsHandler *handlers.MetricsHandler
	AuthMiddleware *middleware.AuthMiddleware
	RateLimiter    *middleware.RateLimiter
}

func NewRouter(deps *Dependencies) *httprouter.Router {
	router := httprouter.New()
	router.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errors.WriteError(w, http.StatusNotFound, errors.ErrCodeNotFound, "Route not found", nil)
	})

	router.GET("/health", wrap(deps.HealthHandler.Check))
	router.GET("/metrics", wrap(deps.MetricsHandler.Export))

	// Inbound webhooks from third parties
	limit := deps.RateLimiter.Handle
	router.POST("/webhooks/incoming/:provider", chain(deps.InboundHandler.Incoming, limit))
	router.POST("/webhooks/github", chain(deps.InboundHandler.GitHub, limit))
	router.POST("/webhooks/stripe", chain(deps.InboundHandler.Stripe, limit))

	authMid := deps.AuthMiddleware

	// Subscription management
	router.POST("/api/v1/webhooks", chain(deps.WebhookHandler.Create, authMid.Handle))
	router.GET("/api/v1/webhooks", chain(deps.WebhookHandler.List, authMid.Handle))
	router.GET("/api/v1/webhooks/:webhook_id", chain(deps.WebhookHandler.Get, authMid.Handle))
	router.PATCH("/api/v1/webhooks/:webhook_id", chain(deps.WebhookHandler.Update, authMid.Handle))
	router.DELETE("/api/v1/webhooks/:webhook_id", chain(deps.WebhookHandler.Delete, authMid.Handle))

	// Deliveries
	router.GET("/api/v1/webhooks/:webhook_id/deliveries",
		chain(deps.WebhookHandler.ListDeliveries, authMid.Handle))
	router.POST("/api/v1/webhooks/:webhook_id/deliveries/:delivery_id/retry",
		chain(deps.WebhookHandler.RetryDelivery, authMid.Handle))

	// Event publishing
	router.POST("/api/v1/events", chain(deps.EventHandler.Publish, authMid.Handle))

	return router
}

// Helper function to chain middlewares
func chain(handler http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) httprouter.Handle {
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return wrap(handler)
}

// Convert http.HandlerFunc to httprouter.Handle
func wrap(handler http.HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		ctx := context.WithValue(r.Context(), apiContext.Params, ps)
		handler(w, r.WithContext(ctx))
	}
}
