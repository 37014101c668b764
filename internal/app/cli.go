package app

import "github.com/spf13/pflag"

// RegisterFlags registers all CLI flags on the given FlagSet
func RegisterFlags(flags *pflag.FlagSet) {
	flags.StringP("host", "H", "", "Host to listen on")
	flags.IntP("port", "p", 0, "Port to listen on")
	flags.StringP("auth-type", "a", "", "Authentication type: none, basic, or apikey")
	flags.StringP("auth-basic-username", "u", "", "Basic auth username")
	flags.StringP("auth-basic-password", "P", "", "Basic auth password")
	flags.StringSliceP("auth-api-keys", "k", nil, "API keys (comma-separated)")

	flags.StringSliceP("repo-urls", "r", nil, "Repository clone URLs (comma-separated)")
	flags.StringP("base-dir", "d", "", "Base directory for repositories and indexes")
	flags.String("default-repo", "", "Repository served when no hint is given")
	flags.String("default-branch", "", "Branch for repositories created on first push")
	flags.Duration("io-timeout", 0, "Timeout for store and index operations")
	flags.Int("io-retries", 0, "Retry count for transient store failures")
	flags.Int64("max-file-size", 0, "Maximum indexable file size in bytes")

	flags.Int("query-default-page-size", 0, "Default query page size")
	flags.Int("query-max-page-size", 0, "Maximum query page size")
}
