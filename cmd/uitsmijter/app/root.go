// Package app provides the entry point for the uitsmijter core server.
package app

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "uitsmijter",
	DisableAutoGenTag: true,
	Short:             "OAuth2/OIDC authorization and forward-auth gatekeeper",
	Long: `uitsmijter is an OAuth2/OIDC authorization server and forward-auth
interceptor. It serves the authorize/login/token/interceptor/well-known
protocol surface and is configured from UITSMIJTER_-prefixed environment
variables (optionally a YAML file) and the serve command's flags.`,
}

// NewRootCmd creates a new root command for the uitsmijter CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}
