package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/clevertree/relay-sub003/internal/config"
	"github.com/clevertree/relay-sub003/internal/indexer"
	"github.com/clevertree/relay-sub003/internal/registry"
)

// RunParams contains dependencies for the run function
type RunParams struct {
	LoadSettings  func(*pflag.FlagSet) (*config.Settings, error)
	ValidSettings func(*config.Settings) error
	StartServer   func(context.Context, *http.Server) error
}

// DefaultRunParams returns production dependencies
func DefaultRunParams() RunParams {
	return RunParams{
		LoadSettings:  config.LoadSettingsWithFlags,
		ValidSettings: config.ValidateSettings,
		StartServer:   StartServer,
	}
}

// RunWithDeps executes the server with the provided dependencies
func RunWithDeps(ctx context.Context, params RunParams, flags *pflag.FlagSet, version string) error {
	settings, err := params.LoadSettings(flags)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if err := params.ValidSettings(settings); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Configure logging - always use stderr to avoid buffering issues
	handler := slog.NewTextHandler(os.Stderr, nil)
	slog.SetDefault(slog.New(handler))

	slog.Info("Starting relay server", "version", version)
	config.Log(settings)

	reg, err := registry.NewRegistry(&settings.Repos)
	if err != nil {
		return fmt.Errorf("failed to create registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			slog.Error("Failed to release registry lock", "error", err)
		}
	}()

	if err := reg.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	idx := indexer.NewStore(settings.Repos.BaseDir)
	defer func() {
		if err := idx.Close(); err != nil {
			slog.Error("Failed to close index store", "error", err)
		}
	}()

	server := NewServer(settings, reg, idx)
	routes, err := server.Handler()
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", settings.Host, settings.Port)
	slog.Info("Server listening (HTTP)", "addr", addr, "auth_type", settings.Auth.Type)

	return params.StartServer(ctx, &http.Server{Addr: addr, Handler: routes})
}

// StartServer runs the HTTP server until it fails or ctx is cancelled,
// then drains in-flight requests.
func StartServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
