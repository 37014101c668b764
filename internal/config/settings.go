package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Auth type constants
const (
	AuthTypeNone   = "none"
	AuthTypeBasic  = "basic"
	AuthTypeAPIKey = "apikey"
)

// AuthSettings configuration for authentication
type AuthSettings struct {
	Type    string            `mapstructure:"type"` // AuthTypeNone, AuthTypeBasic, or AuthTypeAPIKey
	Basic   BasicAuthSettings `mapstructure:"basic"`
	APIKeys []string          `mapstructure:"api_keys"`
}

// BasicAuthSettings configuration for basic auth
type BasicAuthSettings struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RepoSettings configuration for the hosted repositories
type RepoSettings struct {
	URLs          []string      `mapstructure:"urls"`
	BaseDir       string        `mapstructure:"base_dir"`
	DefaultRepo   string        `mapstructure:"default_repo"`
	DefaultBranch string        `mapstructure:"default_branch"`
	IOTimeout     time.Duration `mapstructure:"io_timeout"`
	IORetries     int           `mapstructure:"io_retries"`
	MaxFileSize   int64         `mapstructure:"max_file_size"`
}

// QuerySettings configuration for the query engine
type QuerySettings struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
}

// Settings application settings
type Settings struct {
	Host  string        `mapstructure:"host"`
	Port  int           `mapstructure:"port"`
	Auth  AuthSettings  `mapstructure:"auth"`
	Repos RepoSettings  `mapstructure:"repos"`
	Query QuerySettings `mapstructure:"query"`
}

// LoadSettings loads settings from environment variables and optional .env file
func LoadSettings() (*Settings, error) {
	return LoadSettingsWithFlags(nil)
}

// LoadSettingsWithFlags loads settings with optional CLI flag overrides.
// Priority: CLI flags > environment variables > .env file > defaults.
// If flags is nil, only env vars and defaults are used.
func LoadSettingsWithFlags(flags *pflag.FlagSet) (*Settings, error) {
	v := viper.New()

	// Default values
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("auth.type", AuthTypeNone)

	// Repository defaults
	v.SetDefault("repos.base_dir", defaultBaseDir())
	v.SetDefault("repos.default_branch", "main")
	v.SetDefault("repos.io_timeout", 30*time.Second)
	v.SetDefault("repos.io_retries", 3)
	v.SetDefault("repos.max_file_size", int64(8*1024*1024)) // 8MB

	// Query defaults
	v.SetDefault("query.default_page_size", 20)
	v.SetDefault("query.max_page_size", 100)

	// Environment variables
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific env vars for nested config
	_ = v.BindEnv("auth.type", "RELAY_AUTH_TYPE")
	_ = v.BindEnv("auth.basic.username", "RELAY_AUTH_BASIC_USERNAME")
	_ = v.BindEnv("auth.basic.password", "RELAY_AUTH_BASIC_PASSWORD")
	_ = v.BindEnv("auth.api_keys", "RELAY_AUTH_API_KEYS")

	// Repository env var bindings
	_ = v.BindEnv("repos.urls", "RELAY_REPOS_URLS")
	_ = v.BindEnv("repos.base_dir", "RELAY_REPOS_BASE_DIR")
	_ = v.BindEnv("repos.default_repo", "RELAY_REPOS_DEFAULT_REPO")
	_ = v.BindEnv("repos.default_branch", "RELAY_REPOS_DEFAULT_BRANCH")
	_ = v.BindEnv("repos.io_timeout", "RELAY_REPOS_IO_TIMEOUT")
	_ = v.BindEnv("repos.io_retries", "RELAY_REPOS_IO_RETRIES")
	_ = v.BindEnv("repos.max_file_size", "RELAY_REPOS_MAX_FILE_SIZE")

	// Query env var bindings
	_ = v.BindEnv("query.default_page_size", "RELAY_QUERY_DEFAULT_PAGE_SIZE")
	_ = v.BindEnv("query.max_page_size", "RELAY_QUERY_MAX_PAGE_SIZE")

	// Bind CLI flags if provided (highest priority)
	if flags != nil {
		_ = v.BindPFlag("host", flags.Lookup("host"))
		_ = v.BindPFlag("port", flags.Lookup("port"))
		_ = v.BindPFlag("auth.type", flags.Lookup("auth-type"))
		_ = v.BindPFlag("auth.basic.username", flags.Lookup("auth-basic-username"))
		_ = v.BindPFlag("auth.basic.password", flags.Lookup("auth-basic-password"))
		_ = v.BindPFlag("auth.api_keys", flags.Lookup("auth-api-keys"))

		_ = v.BindPFlag("repos.urls", flags.Lookup("repo-urls"))
		_ = v.BindPFlag("repos.base_dir", flags.Lookup("base-dir"))
		_ = v.BindPFlag("repos.default_repo", flags.Lookup("default-repo"))
		_ = v.BindPFlag("repos.default_branch", flags.Lookup("default-branch"))
		_ = v.BindPFlag("repos.io_timeout", flags.Lookup("io-timeout"))
		_ = v.BindPFlag("repos.io_retries", flags.Lookup("io-retries"))
		_ = v.BindPFlag("repos.max_file_size", flags.Lookup("max-file-size"))

		_ = v.BindPFlag("query.default_page_size", flags.Lookup("query-default-page-size"))
		_ = v.BindPFlag("query.max_page_size", flags.Lookup("query-max-page-size"))
	}

	// Helper to look for .env file
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	var settings Settings
	if err := v.Unmarshal(&settings); err != nil {
		return nil, err
	}

	// Handle explicit parsing of API keys if provided via env var as comma-separated string
	apiKeysEnv := os.Getenv("RELAY_AUTH_API_KEYS")
	if apiKeysEnv != "" {
		if len(settings.Auth.APIKeys) == 0 || (len(settings.Auth.APIKeys) == 1 && strings.Contains(settings.Auth.APIKeys[0], ",")) {
			settings.Auth.APIKeys = strings.Split(apiKeysEnv, ",")
		}
	}

	// Trim spaces from API keys
	for i := range settings.Auth.APIKeys {
		settings.Auth.APIKeys[i] = strings.TrimSpace(settings.Auth.APIKeys[i])
	}

	// Handle explicit parsing of repo URLs if provided via env var as comma-separated string
	repoURLsEnv := os.Getenv("RELAY_REPOS_URLS")
	if repoURLsEnv != "" {
		if len(settings.Repos.URLs) == 0 || (len(settings.Repos.URLs) == 1 && strings.Contains(settings.Repos.URLs[0], ",")) {
			settings.Repos.URLs = strings.Split(repoURLsEnv, ",")
		}
	}

	// Trim spaces from repo URLs
	for i := range settings.Repos.URLs {
		settings.Repos.URLs[i] = strings.TrimSpace(settings.Repos.URLs[i])
	}

	// Filter out empty URLs
	settings.Repos.URLs = filterEmptyStrings(settings.Repos.URLs)

	// Expand home directory in base_dir
	settings.Repos.BaseDir = expandHomeDir(settings.Repos.BaseDir)

	return &settings, nil
}

// defaultBaseDir returns the default base directory for hosted repositories
func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

// expandHomeDir expands ~ to the user's home directory
func expandHomeDir(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return home
	}
	return path
}

// filterEmptyStrings removes empty strings from a slice
func filterEmptyStrings(s []string) []string {
	var result []string
	for _, str := range s {
		if str != "" {
			result = append(result, str)
		}
	}
	return result
}

// ValidateSettings checks for conflicting configurations.
// Returns an error if the settings contain mutually exclusive or incomplete config.
func ValidateSettings(s *Settings) error {
	if s.Port <= 0 || s.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	hasBasicCreds := s.Auth.Basic.Username != "" || s.Auth.Basic.Password != ""
	hasAPIKeys := len(s.Auth.APIKeys) > 0

	switch s.Auth.Type {
	case AuthTypeNone, "":
		if hasBasicCreds || hasAPIKeys {
			return errors.New("auth-type 'none' is incompatible with auth credentials")
		}
	case AuthTypeBasic:
		if hasAPIKeys {
			return errors.New("auth-type 'basic' is mutually exclusive with auth-api-keys")
		}
		if s.Auth.Basic.Username == "" || s.Auth.Basic.Password == "" {
			return errors.New("auth-type 'basic' requires both username and password")
		}
	case AuthTypeAPIKey:
		if hasBasicCreds {
			return errors.New("auth-type 'apikey' is mutually exclusive with basic auth credentials")
		}
		if !hasAPIKeys {
			return errors.New("auth-type 'apikey' requires at least one API key")
		}
	default:
		return errors.New("unknown auth-type: " + s.Auth.Type)
	}

	if err := validateRepoSettings(&s.Repos); err != nil {
		return err
	}

	return validateQuerySettings(&s.Query)
}

// validateRepoSettings validates the repository configuration.
// An empty URL list is valid: the server starts with zero repositories.
func validateRepoSettings(r *RepoSettings) error {
	if r.BaseDir == "" {
		return errors.New("base-dir cannot be empty")
	}

	if r.DefaultBranch == "" {
		return errors.New("default-branch cannot be empty")
	}

	if r.IOTimeout <= 0 {
		return errors.New("io-timeout must be positive")
	}

	if r.IORetries < 0 {
		return errors.New("io-retries cannot be negative")
	}

	if r.MaxFileSize <= 0 {
		return errors.New("max-file-size must be positive")
	}

	return nil
}

// validateQuerySettings validates the query engine configuration
func validateQuerySettings(q *QuerySettings) error {
	if q.DefaultPageSize <= 0 {
		return errors.New("query-default-page-size must be positive")
	}

	if q.MaxPageSize < q.DefaultPageSize {
		return errors.New("query-max-page-size must be at least query-default-page-size")
	}

	return nil
}
