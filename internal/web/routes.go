package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/kozaktomas/photo-index/internal/constants"
	"github.com/kozaktomas/photo-index/internal/web/handlers"
	"github.com/kozaktomas/photo-index/internal/web/middleware"
)

func (s *Server) setupRoutes() {
	vectorsHandler := handlers.NewVectorsHandler(s.engine, s.query, s.config.Engine.WorkerPoolSize, s.log)
	searchHandler := handlers.NewSearchHandler(s.query)
	clustersHandler := handlers.NewClustersHandler(s.engine, s.log)
	jobsHandler := handlers.NewJobsHandler(s.engine, s.jobManager)
	statsHandler := handlers.NewStatsHandler(s.config, s.engine, s.log)

	// Health check (no auth required)
	s.router.Get("/api/v1/health", handlers.HealthCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Event streams live as long as their job.
		r.Get("/jobs/{jobId}/events", jobsHandler.Events)

		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(constants.RequestTimeout))

			r.Get("/stats", statsHandler.Get)
			r.Get("/config", statsHandler.Config)

			// Search (POST, but read only)
			r.Post("/search", searchHandler.Search)
			r.Post("/search/image", searchHandler.SearchImage)
			r.Get("/entities/{kind}/{id}", vectorsHandler.Get)
			r.Get("/entities/{kind}/{id}/similar", vectorsHandler.Similar)

			// Clusters
			r.Get("/clusters", clustersHandler.List)
			r.Get("/clusters/{id}", clustersHandler.Get)
			r.Get("/clusters/{id}/members", clustersHandler.Members)
			r.Get("/clusters/{id}/photos", clustersHandler.Photos)
			r.Get("/faces/{id}", clustersHandler.Face)

			// Jobs
			r.Get("/jobs", jobsHandler.List)
			r.Get("/jobs/{jobId}", jobsHandler.Status)

			// Everything that changes state needs the token and is rate limited
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireToken(s.config.Web.APIToken))
				r.Use(middleware.RateLimit(s.limiter))

				r.Post("/vectors", vectorsHandler.Put)
				r.Post("/vectors/batch", vectorsHandler.Batch)
				r.Delete("/entities/{id}", vectorsHandler.DeleteEntity)
				r.Delete("/photos/{id}", vectorsHandler.DeletePhoto)

				r.Put("/clusters/{id}", clustersHandler.Rename)
				r.Post("/clusters/{id}/merge/{other}", clustersHandler.Merge)
				r.Post("/faces/{id}/detach", clustersHandler.Detach)
				r.Post("/faces/{id}/move/{cluster}", clustersHandler.Move)

				r.Post("/jobs/rebuild/{kind}", jobsHandler.StartRebuild)
				r.Post("/jobs/recluster", jobsHandler.StartRecluster)
				r.Delete("/jobs/{jobId}", jobsHandler.Cancel)

				r.Post("/checkpoint", statsHandler.Checkpoint)
			})
		})
	})
}
