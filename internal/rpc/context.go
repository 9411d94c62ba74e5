// Package rpc is a small JSON procedure layer served over gin. Each call
// gets a Context holding the request's own auth client, built from the
// request cookies by the same bridge the edge middleware uses.
package rpc

import (
	"context"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/ssr"
)

// ClientFactory builds the per-request auth client.
type ClientFactory func(opts ssr.Options, cookies ssr.CookieMethods) (*gotrue.Client, error)

// Deps are shared by every request.
type Deps struct {
	Auth      ssr.Options
	DB        *gorm.DB
	Logger    zerolog.Logger
	Validator *validator.Validate

	// NewClient defaults to ssr.NewServerClient.
	NewClient ClientFactory
}

// Context is the ambient state of one procedure call.
type Context struct {
	context.Context

	Request *http.Request
	Client  *gotrue.Client
	DB      *gorm.DB
	Logger  zerolog.Logger

	// User is set by Protected.
	User *gotrue.User

	validate *validator.Validate
}

// CreateContext builds the call context. The auth client is constructed
// here exactly once; procedures must use ctx.Client rather than build
// their own.
func CreateContext(w http.ResponseWriter, r *http.Request, deps Deps) (*Context, error) {
	newClient := deps.NewClient
	if newClient == nil {
		newClient = ssr.NewServerClient
	}

	client, err := newClient(deps.Auth, ssr.NewRequestJar(w, r))
	if err != nil {
		return nil, err
	}

	validate := deps.Validator
	if validate == nil {
		validate = validator.New()
	}

	return &Context{
		Context:  r.Context(),
		Request:  r,
		Client:   client,
		DB:       deps.DB,
		Logger:   deps.Logger,
		validate: validate,
	}, nil
}
