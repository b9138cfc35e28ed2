package controlplane

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type RouteConfig struct {
	Auth      TokenAuthConfig
	RateLimit string
}

func SetupRoutes(h *Handler, routeConfig *RouteConfig) (http.Handler, error) {
	rate := routeConfig.RateLimit
	if rate == "" {
		rate = DefaultRateLimit
	}
	rateLimiter, err := RateLimiter(rate)
	if err != nil {
		return nil, err
	}

	r := gin.New()
	r.Use(Logger())
	r.Use(gin.Recovery())
	r.Use(SecureHeaders())
	r.Use(CORS())
	r.Use(Gzip())
	r.Use(rateLimiter)

	r.GET("/", h.Index)
	r.GET("/healthz", h.Health)

	v1 := r.Group("/v1")
	v1.Use(TokenAuth(routeConfig.Auth))
	{
		v1.GET("/status", h.Status)
		v1.GET("/runs", h.Runs)
		v1.GET("/events", h.Events)
	}

	r.NoRoute(func(c *gin.Context) {
		c.PureJSON(http.StatusNotFound, ControlPlaneError{
			ErrorCode: ErrCodeNotFound,
			Error:     "not found",
		})
	})

	return r.Handler(), nil
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
