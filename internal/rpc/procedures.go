package rpc

import (
	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/models"
)

// SessionInfo is the client-safe view of a session; tokens stay in cookies.
type SessionInfo struct {
	User      *gotrue.User `json:"user"`
	ExpiresAt int64        `json:"expires_at"`
}

// UpdateProfileInput is the input of profile.update
type UpdateProfileInput struct {
	DisplayName string `json:"display_name" validate:"required,max=80"`
}

type empty struct{}

// RegisterDefaults installs the auth and profile procedures.
func RegisterDefaults(r *Router) {
	r.Register("auth.getSession", Typed(getSession))
	r.Register("auth.getUser", Protected(Typed(getUser)))
	r.Register("auth.signOut", Typed(signOut))
	r.Register("profile.get", Protected(Typed(getProfile)))
	r.Register("profile.update", Protected(Typed(updateProfile)))
}

// getSession returns null when signed out. The session comes from cookies
// and is not validated with the auth service; use auth.getUser for that.
func getSession(ctx *Context, _ empty) (*SessionInfo, error) {
	session, err := ctx.Client.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}
	return &SessionInfo{User: session.User, ExpiresAt: session.ExpiresAt}, nil
}

func getUser(ctx *Context, _ empty) (*gotrue.User, error) {
	return ctx.User, nil
}

func signOut(ctx *Context, _ empty) (map[string]bool, error) {
	session, err := ctx.Client.GetSession(ctx)
	if err != nil {
		return nil, err
	}
	if err := ctx.Client.SignOut(ctx); err != nil {
		return nil, err
	}

	if session != nil && session.User != nil && ctx.DB != nil {
		event := &models.AuthEvent{
			UserID:    session.User.ID,
			Event:     string(gotrue.EventSignedOut),
			UserAgent: ctx.Request.UserAgent(),
		}
		if err := models.RecordAuthEvent(ctx.DB, event); err != nil {
			ctx.Logger.Warn().Err(err).Msg("Failed to record sign-out")
		}
	}
	return map[string]bool{"ok": true}, nil
}

func getProfile(ctx *Context, _ empty) (*models.Profile, error) {
	return models.EnsureProfile(ctx.DB, ctx.User.ID, ctx.User.Email)
}

func updateProfile(ctx *Context, in UpdateProfileInput) (*models.Profile, error) {
	profile, err := models.EnsureProfile(ctx.DB, ctx.User.ID, ctx.User.Email)
	if err != nil {
		return nil, err
	}

	profile.DisplayName = in.DisplayName
	if err := ctx.DB.Save(profile).Error; err != nil {
		return nil, err
	}

	ctx.Logger.Info().Str("user_id", ctx.User.ID).Msg("Profile updated")
	return profile, nil
}
