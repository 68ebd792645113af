package router

import (
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	"github.com/weibaohui/fitnessgpt/backend/config"
	"github.com/weibaohui/fitnessgpt/backend/internal/handler"
)

func Setup(
	cfg *config.Config,
	profileHandler *handler.ProfileHandler,
	planHandler *handler.PlanHandler,
	healthHandler *handler.HealthHandler,
) *gin.Engine {
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length", "Content-Disposition"},
		AllowCredentials: true,
	}))

	// SSE 流不能被压缩缓冲
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPathsRegexs([]string{`^/api/plans/[^/]+/stream$`})))

	r.GET("/health", healthHandler.Health)

	api := r.Group("/api")
	{
		profileHandler.RegisterRoutes(api)
		planHandler.RegisterRoutes(api)
	}

	r.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api") {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Redirect(http.StatusFound, "/health")
	})

	return r
}
