package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/gotrue"
)

// Procedure handles one call. input is the raw "input" member of the
// request body, or nil.
type Procedure func(ctx *Context, input json.RawMessage) (any, error)

// Router dispatches POST /<prefix>/:procedure to registered procedures.
type Router struct {
	deps       Deps
	procedures map[string]Procedure
}

func NewRouter(deps Deps) *Router {
	return &Router{deps: deps, procedures: make(map[string]Procedure)}
}

// Register adds a procedure under a dotted name such as "profile.get".
func (r *Router) Register(name string, proc Procedure) {
	if _, exists := r.procedures[name]; exists {
		panic("rpc: procedure registered twice: " + name)
	}
	r.procedures[name] = proc
}

// Names lists registered procedures.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.procedures))
	for name := range r.procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type request struct {
	Input json.RawMessage `json:"input"`
}

// Handler serves calls. Mount it on a route with a :procedure parameter.
func (r *Router) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("procedure")
		log := r.deps.Logger.With().Str("procedure", name).Logger()

		proc, ok := r.procedures[name]
		if !ok {
			r.respondError(c, NotFound("No such procedure: "+name))
			return
		}

		var req request
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				r.respondError(c, BadRequest("Malformed request body", err))
				return
			}
		}

		ctx, err := CreateContext(c.Writer, c.Request, r.deps)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create RPC context")
			r.respondError(c, err)
			return
		}

		start := time.Now()
		result, err := proc(ctx, req.Input)
		if err != nil {
			r.logError(log, err)
			r.respondError(c, err)
			return
		}

		log.Debug().Dur("duration", time.Since(start)).Msg("Procedure completed")
		c.JSON(http.StatusOK, gin.H{"result": result})
	}
}

func (r *Router) respondError(c *gin.Context, err error) {
	status, payload := toPayload(err)
	c.JSON(status, gin.H{"error": payload})
	c.Abort()
}

func (r *Router) logError(log zerolog.Logger, err error) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Status < http.StatusInternalServerError {
		log.Debug().Err(err).Msg("Procedure rejected call")
		return
	}
	log.Error().Err(err).Msg("Procedure failed")
}

// Typed adapts a function with a decoded, validated input to a Procedure.
func Typed[In any, Out any](fn func(ctx *Context, in In) (Out, error)) Procedure {
	return func(ctx *Context, raw json.RawMessage) (any, error) {
		var in In
		if len(bytes.TrimSpace(raw)) > 0 && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, BadRequest("Malformed input", err)
			}
		}
		if err := validateInput(ctx, in); err != nil {
			return nil, err
		}
		return fn(ctx, in)
	}
}

func validateInput(ctx *Context, in any) error {
	if ctx.validate == nil {
		return nil
	}
	err := ctx.validate.Struct(in)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		// Non-struct inputs carry no validation tags.
		return nil
	}
	return BadRequest("Invalid input", err)
}

// Protected requires a signed-in user. The user is validated with the auth
// service and placed on ctx.User before proc runs.
func Protected(proc Procedure) Procedure {
	return func(ctx *Context, input json.RawMessage) (any, error) {
		user, err := ctx.Client.GetUser(ctx)
		if err != nil {
			if errors.Is(err, gotrue.ErrSessionMissing) ||
				gotrue.IsAPIError(err, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden) {
				return nil, Unauthorized(err)
			}
			return nil, err
		}
		ctx.User = user
		return proc(ctx, input)
	}
}
