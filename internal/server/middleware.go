package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/auth"
	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/ssr"
)

const userContextKey = "user"

var ErrNotSignedIn = errors.New("not signed in")

func setUser(c *gin.Context, user *gotrue.User) {
	c.Set(userContextKey, user)
}

// GetUser returns the user RequireUser validated for this request
func GetUser(c *gin.Context) (*gotrue.User, bool) {
	v, exists := c.Get(userContextKey)
	if !exists {
		return nil, false
	}

	user, ok := v.(*gotrue.User)
	return user, ok
}

func respondWithError(c *gin.Context, log zerolog.Logger, statusCode int, err error, message string) {
	log.Warn().Err(err).Msg(message)
	c.JSON(statusCode, gin.H{"error": message})
	c.Abort()
}

// RequireUser rejects requests without a valid session. It must run behind
// ssr.Middleware, whose client it reuses. With a verifier the access token
// is checked locally; otherwise the auth service validates it.
func RequireUser(log zerolog.Logger, verifier *auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		client, err := ssr.ClientFrom(c)
		if err != nil {
			respondWithError(c, log, http.StatusInternalServerError, err, "Internal server error")
			return
		}

		var user *gotrue.User
		if verifier != nil {
			user, err = verifiedUser(c, client, verifier)
		} else {
			user, err = client.GetUser(c.Request.Context())
		}
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				respondWithError(c, log, http.StatusUnauthorized, err, "Unauthorized")
				return
			}
			if errors.Is(err, gotrue.ErrSessionMissing) ||
				gotrue.IsAPIError(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden) {
				respondWithError(c, log, http.StatusUnauthorized, ErrNotSignedIn, "Unauthorized")
				return
			}
			respondWithError(c, log, http.StatusBadGateway, err, "Auth service unavailable")
			return
		}

		setUser(c, user)
		c.Next()
	}
}

// verifiedUser reads the (already refreshed) session and checks its access
// token against the JWT secret. The user comes from the signed claims; the
// user object stored beside the token in the cookie is client controlled.
func verifiedUser(c *gin.Context, client *gotrue.Client, verifier *auth.Verifier) (*gotrue.User, error) {
	session, err := client.GetSession(c.Request.Context())
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, gotrue.ErrSessionMissing
	}

	claims, err := verifier.Verify(session.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrInvalidToken, err)
	}
	return claims.User(), nil
}
