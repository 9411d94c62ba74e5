package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/models"
	"github.com/branchd-dev/sessionbridge/internal/ssr"
)

// LoginRequest represents a login request
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// SessionResponse is the client-safe view of a session. Tokens travel only
// in cookies.
type SessionResponse struct {
	User      *gotrue.User `json:"user"`
	ExpiresAt int64        `json:"expires_at"`
}

// CurrentUserResponse represents the signed-in user and their profile
type CurrentUserResponse struct {
	User    *gotrue.User    `json:"user"`
	Profile *models.Profile `json:"profile"`
}

// @Summary Sign in
// @Description Signs in with email and password and stores the session in cookies
// @Tags auth
// @Accept json
// @Produce json
// @Param request body LoginRequest true "Login request"
// @Success 200 {object} SessionResponse
// @Failure 400 {object} map[string]interface{}
// @Failure 401 {object} map[string]interface{}
// @Router /auth/login [post]
func (s *Server) login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client, err := ssr.NewServerClient(s.auth, ssr.NewRequestJar(c.Writer, c.Request))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create auth client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	session, err := client.SignInWithPassword(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		if gotrue.IsAPIError(err, http.StatusBadRequest, http.StatusUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}
		s.logger.Error().Err(err).Msg("Sign-in failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Auth service unavailable"})
		return
	}

	s.recordAuthEvent(c, session.User, gotrue.EventSignedIn)

	c.JSON(http.StatusOK, SessionResponse{User: session.User, ExpiresAt: session.ExpiresAt})
}

// @Summary Sign out
// @Description Revokes the session and clears its cookies
// @Tags auth
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /auth/logout [post]
func (s *Server) logout(c *gin.Context) {
	client, err := ssr.NewServerClient(s.auth, ssr.NewRequestJar(c.Writer, c.Request))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to create auth client")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	session, err := client.GetSession(c.Request.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to read session before sign-out")
	}

	if err := client.SignOut(c.Request.Context()); err != nil {
		s.logger.Error().Err(err).Msg("Sign-out failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": "Auth service unavailable"})
		return
	}

	if session != nil {
		s.recordAuthEvent(c, session.User, gotrue.EventSignedOut)
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// @Summary Current session
// @Description Returns the session the edge bridge resolved, or null
// @Tags auth
// @Produce json
// @Success 200 {object} SessionResponse
// @Router /api/session [get]
func (s *Server) getSession(c *gin.Context) {
	client, err := ssr.ClientFrom(c)
	if err != nil {
		respondWithError(c, s.logger, http.StatusInternalServerError, err, "Internal server error")
		return
	}

	session, err := client.GetSession(c.Request.Context())
	if err != nil {
		respondWithError(c, s.logger, http.StatusBadGateway, err, "Auth service unavailable")
		return
	}
	if session == nil {
		c.JSON(http.StatusOK, nil)
		return
	}

	c.JSON(http.StatusOK, SessionResponse{User: session.User, ExpiresAt: session.ExpiresAt})
}

// @Summary Current user
// @Tags auth
// @Produce json
// @Success 200 {object} CurrentUserResponse
// @Failure 401 {object} map[string]interface{}
// @Router /api/me [get]
func (s *Server) getCurrentUser(c *gin.Context) {
	user, ok := GetUser(c)
	if !ok {
		respondWithError(c, s.logger, http.StatusUnauthorized, ErrNotSignedIn, "Unauthorized")
		return
	}

	profile, err := models.EnsureProfile(s.db, user.ID, user.Email)
	if err != nil {
		s.logger.Error().Err(err).Str("user_id", user.ID).Msg("Failed to load profile")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, CurrentUserResponse{User: user, Profile: profile})
}

func (s *Server) recordAuthEvent(c *gin.Context, user *gotrue.User, event gotrue.AuthChangeEvent) {
	if user == nil {
		return
	}

	record := &models.AuthEvent{
		UserID:    user.ID,
		Event:     string(event),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	if err := models.RecordAuthEvent(s.db, record); err != nil {
		s.logger.Warn().Err(err).Str("user_id", user.ID).Msg("Failed to record auth event")
	}
}
