// Package server exposes the classifier over HTTP: prediction endpoints,
// batch prediction, health and model info.
package server

import (
	"log/slog"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/digit-api/internal/envconfig"
	"github.com/Brownie44l1/digit-api/internal/model"
)

// Server wires the classifier into the HTTP router. The classifier is
// loaded before the listener starts and shared read-only by handlers.
type Server struct {
	classifier *model.Classifier
	batchLimit int
}

func init() {
	if envconfig.LogLevel() != slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
}

// New builds a server around a classifier. The classifier may be
// not-ready; prediction endpoints then answer 503 until it is.
func New(classifier *model.Classifier) *Server {
	return &Server{
		classifier: classifier,
		batchLimit: envconfig.BatchLimit(),
	}
}

// GenerateRoutes builds the gin router with CORS and all API routes.
func (s *Server) GenerateRoutes() http.Handler {
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowWildcard = true
	corsConfig.AllowHeaders = []string{"Authorization", "Content-Type", "Accept", "X-Requested-With"}
	corsConfig.AllowOrigins = envconfig.AllowedOrigins()

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))
	r.HandleMethodNotAllowed = true

	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, "digit-api is running") })
	r.HEAD("/", func(c *gin.Context) { c.String(http.StatusOK, "digit-api is running") })

	api := r.Group("/api/v1")
	api.POST("/predict", s.PredictHandler)
	api.POST("/predict/file", s.PredictFileHandler)
	api.POST("/batch-predict", s.BatchPredictHandler)
	api.GET("/health", s.HealthHandler)
	api.GET("/model/info", s.ModelInfoHandler)

	return r
}

// Run serves the API on addr until the listener fails.
func (s *Server) Run(addr string) error {
	slog.Info("server listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: s.GenerateRoutes()}
	return srv.ListenAndServe()
}
