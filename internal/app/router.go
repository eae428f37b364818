// Package app assembles the HTTP router and the process lifecycles.
package app

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/riskline/defector/internal/adapter/httpserver"
	"github.com/riskline/defector/internal/adapter/observability"
	"github.com/riskline/defector/internal/config"
)

// NewRouter assembles the control-plane HTTP surface.
func NewRouter(cfg config.Config, log *slog.Logger, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{cfg.CORSAllowOrigins},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/repositories", func(r chi.Router) {
			r.Post("/", srv.CreateRepository)
			r.Get("/", srv.ListRepositories)
			r.Route("/{repoID}", func(r chi.Router) {
				r.Get("/", srv.GetRepository)
				r.Delete("/", srv.DeleteRepository)
				r.Post("/bot-patterns", srv.AddBotPattern)
				r.Get("/bot-patterns", srv.ListBotPatterns)
				r.Post("/metrics/commit-guru", srv.UploadGuruMetrics)
				r.Post("/metrics/ck", srv.UploadCKMetrics)
				r.Route("/commits/{commitHash}", func(r chi.Router) {
					r.Get("/", srv.GetCommit)
					r.Post("/ingest", srv.IngestCommit)
				})
			})
		})

		r.Route("/datasets", func(r chi.Router) {
			r.Post("/", srv.SubmitDatasetGeneration)
			r.Get("/", srv.ListDatasets)
			r.Get("/{datasetID}", srv.GetDataset)
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", srv.ListModels)
			r.Get("/{modelID}", srv.GetModel)
		})

		r.Route("/ml", func(r chi.Router) {
			r.Post("/train", srv.SubmitTraining)
			r.Get("/train/{jobID}", srv.TrainingJob())
			r.Post("/search", srv.SubmitHPSearch)
			r.Get("/search/{jobID}", srv.HPSearchJob())
			r.Post("/infer", srv.SubmitInference)
			r.Get("/infer/{jobID}", srv.InferenceJob())
			r.Get("/model-types", srv.ModelTypes())
		})

		r.Route("/xai", func(r chi.Router) {
			r.Get("/infer/{jobID}/explanations", srv.ListExplanations)
			r.Get("/explanations/{explanationID}", srv.GetExplanation)
		})

		r.Route("/tasks/{taskID}", func(r chi.Router) {
			r.Get("/", srv.GetTask)
			r.Post("/revoke", srv.RevokeTask)
		})

		r.Get("/cleaning-rules", srv.CleaningRules())
		r.Get("/feature-selection-algorithms", srv.FeatureSelectionAlgorithms())
		r.Get("/dashboard", srv.GetDashboard)
	})

	return otelhttp.NewHandler(r, "http.server")
}

// requestLogger stamps a per-request logger carrying the request id into the
// context and logs one line per completed request.
func requestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := middleware.GetReqID(r.Context())
			lg := base.With(slog.String("request_id", reqID))
			ctx := observability.ContextWithLogger(r.Context(), lg)
			ctx = observability.ContextWithRequestID(ctx, reqID)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))
			lg.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
