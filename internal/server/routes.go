package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/caltaylor/dirwatch/internal/server/handlers/api"
	"github.com/caltaylor/dirwatch/internal/server/handlers/ingest"
	"github.com/caltaylor/dirwatch/internal/server/handlers/records"
	"github.com/caltaylor/dirwatch/internal/server/middlewares"
	"github.com/caltaylor/dirwatch/internal/version"
)

func SetupRoutes(config *Config, svc *Services) (http.Handler, error) {
	r := gin.New()

	ingestH := ingest.New(svc.Ingest, config.HTTP.MaxBodyBytes)
	recordsH := records.New(svc.Store)

	r.Use(middlewares.Logger())
	r.Use(gin.Recovery())
	r.Use(middlewares.Secure(config.HTTP.TLS()))
	r.Use(middlewares.GZIP())
	r.Use(middlewares.CORS())

	r.GET("/", IndexHandler)
	r.GET("/healthz", HealthHandler)

	ingestHandlers := []gin.HandlerFunc{ingestH.Ingest}
	if config.HTTP.RateLimit != "" {
		limit, err := middlewares.RateLimiter(config.HTTP.RateLimit)
		if err != nil {
			return nil, err
		}
		ingestHandlers = append([]gin.HandlerFunc{limit}, ingestHandlers...)
	}

	// alias of /api/v1/ingest
	r.POST("/json", ingestHandlers...)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/ingest", ingestHandlers...)

		v1.GET("/records", recordsH.Get)
		v1.GET("/changes", recordsH.Changes)

		// websocket events
		v1.GET("/events", svc.Events.Handler)

		v1.GET("/stats", func(ctx *gin.Context) {
			stats, err := svc.Stats(ctx.Request.Context())
			if err != nil {
				api.AbortWithError(ctx, http.StatusInternalServerError, api.CodeInternalError, err)
				return
			}
			ctx.PureJSON(http.StatusOK, stats)
		})
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "not found",
		})
	})

	r.NoMethod(func(c *gin.Context) {
		c.JSON(http.StatusMethodNotAllowed, gin.H{
			"error": "method not allowed",
		})
	})

	return r.Handler(), nil
}

func IndexHandler(ctx *gin.Context) {
	ctx.String(http.StatusOK, version.Detailed())
}

func HealthHandler(ctx *gin.Context) {
	ctx.PureJSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
