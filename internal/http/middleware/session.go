package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

const (
	sessionKey               = "session"
	authorisationServerIDKey = "authorisationServerId"

	// HeaderAuthorisationServerID selects the institution a request is for.
	HeaderAuthorisationServerID = "x-authorization-server-id"
)

// SessionResolver looks up caller sessions by opaque token.
type SessionResolver interface {
	Resolve(ctx context.Context, sid string) (*domain.Session, error)
}

// Session validates the Authorization header against stored sessions.
type Session struct {
	Sessions SessionResolver
}

// NewSession constructs the session middleware.
func NewSession(sessions SessionResolver) *Session {
	return &Session{Sessions: sessions}
}

// Require rejects requests without a known session token. The token may be
// sent bare or with a Bearer prefix.
func (m *Session) Require(c *gin.Context) {
	sid := sessionToken(c.GetHeader("Authorization"))
	if sid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "message": "Authorization header required."})
		return
	}
	sess, err := m.Sessions.Resolve(c.Request.Context(), sid)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server_error", "message": err.Error()})
		return
	}
	if sess == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_session", "message": "Unknown session."})
		return
	}
	c.Set(sessionKey, sess)
	c.Next()
}

// RequireAuthorisationServer rejects requests without x-authorization-server-id.
func RequireAuthorisationServer(c *gin.Context) {
	id := strings.TrimSpace(c.GetHeader(HeaderAuthorisationServerID))
	if id == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": string(domain.KindValidationInput), "message": "x-authorization-server-id header missing"})
		return
	}
	c.Set(authorisationServerIDKey, id)
	c.Next()
}

// GetSession returns the session attached by Require.
func GetSession(c *gin.Context) (*domain.Session, bool) {
	value, ok := c.Get(sessionKey)
	if !ok {
		return nil, false
	}
	sess, ok := value.(*domain.Session)
	return sess, ok && sess != nil
}

// GetAuthorisationServerID returns the institution id attached by
// RequireAuthorisationServer.
func GetAuthorisationServerID(c *gin.Context) string {
	return c.GetString(authorisationServerIDKey)
}

// SetAuthorisationServerID records an institution id resolved from the body
// so the request log can include it.
func SetAuthorisationServerID(c *gin.Context, id string) {
	if id != "" {
		c.Set(authorisationServerIDKey, id)
	}
}

func sessionToken(header string) string {
	header = strings.TrimSpace(header)
	parts := strings.SplitN(header, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return header
}
