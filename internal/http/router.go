package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/smallbiznis/tpp-broker/internal/config"
	"github.com/smallbiznis/tpp-broker/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/tpp-broker/internal/http/middleware"
	"github.com/smallbiznis/tpp-broker/internal/middleware"
)

// NewRouter wires Gin routes and middleware.
func NewRouter(cfg config.Config, h *handler.BrokerHandler, sessions *httpmiddleware.Session, rateLimiter *middleware.RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(logger))
	r.Use(middleware.CORS(cfg))
	if rateLimiter != nil {
		r.Use(rateLimiter.Handler())
	}
	r.Use(otelgin.Middleware(cfg.ServiceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/.well-known/jwks.json", h.JWKS)

	authed := r.Group("/", sessions.Require)
	{
		authed.GET("/account-payment-service-provider-authorisation-servers", h.AuthorisationServers)
		authed.POST("/account-request-authorise-consent", h.AccountRequestAuthoriseConsent)
		authed.POST("/payment-authorise-consent", h.PaymentAuthoriseConsent)
		authed.GET("/tpp/authorized", h.AuthorisationCodeGranted)

		institution := authed.Group("/", httpmiddleware.RequireAuthorisationServer)
		institution.POST("/payment-submissions", h.PaymentSubmission)
		institution.DELETE("/account-requests", h.RevokeAccountRequest)
		institution.Any("/open-banking/*path", h.Resource)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Unknown route."})
	})

	return r
}
