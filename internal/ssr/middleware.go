package ssr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

const clientContextKey = "ssr.client"

var ErrNoClient = errors.New("ssr: no auth client on request; is the middleware installed?")

// Middleware is the edge variant of the cookie bridge. For every request it
// builds a server client over the request's cookies, validates the session
// with the auth service (refreshing it when due) and forwards any rewritten
// cookies both to the response and to the handlers that follow.
func Middleware(opts Options, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		jar := NewRequestJar(c.Writer, c.Request, WithForwardedRequest())

		client, err := NewServerClient(opts, jar)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create auth client")
			_ = c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Set(clientContextKey, client)

		if _, err := client.GetUser(c.Request.Context()); err != nil && !isUnauthenticated(err) {
			log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Failed to refresh auth session")
			_ = c.Error(err)
		}

		c.Request = jar.Request()
		c.Next()
	}
}

// ClientFrom returns the client the middleware attached to c.
func ClientFrom(c *gin.Context) (*gotrue.Client, error) {
	v, ok := c.Get(clientContextKey)
	if !ok {
		return nil, ErrNoClient
	}
	client, ok := v.(*gotrue.Client)
	if !ok {
		return nil, ErrNoClient
	}
	return client, nil
}

// isUnauthenticated separates "nobody is signed in" from real failures.
func isUnauthenticated(err error) bool {
	if errors.Is(err, gotrue.ErrSessionMissing) {
		return true
	}
	return gotrue.IsAPIError(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
}
