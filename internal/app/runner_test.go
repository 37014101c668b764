package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/spf13/pflag"

	"github.com/clevertree/relay-sub003/internal/config"
)

func TestRunWithDepsStartsServer(t *testing.T) {
	settings := testSettings(t)
	started := false

	params := RunParams{
		LoadSettings:  func(*pflag.FlagSet) (*config.Settings, error) { return settings, nil },
		ValidSettings: func(*config.Settings) error { return nil },
		StartServer: func(ctx context.Context, srv *http.Server) error {
			started = true
			if srv.Handler == nil {
				t.Error("server must carry the route tree")
			}
			if srv.Addr != "127.0.0.1:0" {
				t.Errorf("Addr = %q, want 127.0.0.1:0", srv.Addr)
			}
			return nil
		},
	}

	if err := RunWithDeps(context.Background(), params, nil, "test"); err != nil {
		t.Fatalf("RunWithDeps() error = %v", err)
	}
	if !started {
		t.Error("StartServer was not invoked")
	}
}

func TestRunWithDepsLoadFailure(t *testing.T) {
	params := RunParams{
		LoadSettings: func(*pflag.FlagSet) (*config.Settings, error) {
			return nil, errors.New("boom")
		},
	}

	if err := RunWithDeps(context.Background(), params, nil, "test"); err == nil {
		t.Error("RunWithDeps() should propagate settings failures")
	}
}

func TestRunWithDepsInvalidSettings(t *testing.T) {
	settings := testSettings(t)
	params := RunParams{
		LoadSettings:  func(*pflag.FlagSet) (*config.Settings, error) { return settings, nil },
		ValidSettings: func(*config.Settings) error { return errors.New("bad config") },
	}

	if err := RunWithDeps(context.Background(), params, nil, "test"); err == nil {
		t.Error("RunWithDeps() should reject invalid configuration")
	}
}

func TestRegisterFlags(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)

	for _, name := range []string{
		"host", "port", "auth-type", "repo-urls", "base-dir",
		"default-repo", "default-branch", "io-timeout",
		"query-default-page-size", "query-max-page-size",
	} {
		if flags.Lookup(name) == nil {
			t.Errorf("flag %q not registered", name)
		}
	}
}
