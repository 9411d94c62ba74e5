package commands

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/branchd-dev/sessionbridge/internal/cli/store"
	"github.com/branchd-dev/sessionbridge/internal/config"
	"github.com/branchd-dev/sessionbridge/internal/gotrue"
	"github.com/branchd-dev/sessionbridge/internal/logger"
	"github.com/branchd-dev/sessionbridge/internal/provider"
)

var errNotLoaded = errors.New("cli runtime not loaded")

// Runtime is the environment shared by all commands. The root command
// fills it in before any command runs; tests build it directly.
type Runtime struct {
	Config     *config.ClientConfig
	Storage    gotrue.Storage
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Out        io.Writer
	In         *os.File
}

// Load reads CLI configuration from the environment and wires the
// keychain storage.
func (rt *Runtime) Load() error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}

	logger.InitWithWriter(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	rt.Config = cfg
	rt.Storage = store.New()
	rt.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	rt.Logger = logger.With("cli")
	if rt.Out == nil {
		rt.Out = os.Stdout
	}
	if rt.In == nil {
		rt.In = os.Stdin
	}
	return nil
}

// mount scopes one auth client to a command run. Callers must Unmount.
func (rt *Runtime) mount(ctx context.Context) (context.Context, *provider.Provider, error) {
	if rt.Config == nil {
		return nil, nil, errNotLoaded
	}

	log := rt.Logger
	return provider.Mount(ctx, provider.Options{
		URL:        rt.Config.Auth.URL,
		Key:        rt.Config.Auth.AnonKey,
		Storage:    rt.Storage,
		HTTPClient: rt.HTTPClient,
		Logger:     &log,
	})
}

func (rt *Runtime) out() io.Writer {
	if rt.Out == nil {
		return os.Stdout
	}
	return rt.Out
}
