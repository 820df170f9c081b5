package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/Brownie44l1/modelserver/internal/metrics"
)

type RouterConfig struct {
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	instrument := func(route string, fn http.HandlerFunc) http.Handler {
		if cfg.Metrics == nil {
			return fn
		}
		return cfg.Metrics.Instrument(route, fn)
	}

	router := httprouter.New()
	router.Handler(http.MethodGet, "/health", instrument("/health", h.Health))
	router.Handler(http.MethodPost, "/init", instrument("/init", h.Init))
	router.Handler(http.MethodPost, "/predict", instrument("/predict", h.Predict))
	router.Handler(http.MethodPost, "/predict/image", instrument("/predict/image", h.PredictFromImage))
	if cfg.Metrics != nil {
		router.Handler(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		MaxAge:         600,
	})

	return Chain(c.Handler(router),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
		RecoveryMiddleware(logger),
	)
}
