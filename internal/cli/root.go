// Package cli implements campusctl, the command-line client for the bridge.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pendergraft/campusbridge/pkg/client"
)

var (
	cfgFile    string
	server     string
	jsonOutput bool
	cliVersion = "dev"
)

// Execute runs the CLI
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

func newRootCmd(version string) *cobra.Command {
	cliVersion = version

	rootCmd := &cobra.Command{
		Use:     "campusctl",
		Short:   "CampusDAO bridge CLI",
		Long:    `campusctl reads projects and badges through a campusbridge server, publishes proposals and dispatches smart-account operations.`,
		Version: version,
		// main prints the error; usage is noise once a request has been made
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: campusctl.toml)")
	rootCmd.PersistentFlags().StringVar(&server, "server", "", "server URL (default from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output as JSON")

	rootCmd.AddCommand(createInfoCmd())
	rootCmd.AddCommand(createProjectsCmd())
	rootCmd.AddCommand(createBadgesCmd())
	rootCmd.AddCommand(createProposalCmd())
	rootCmd.AddCommand(createOperationCmd())
	rootCmd.AddCommand(createConfigCmd())

	return rootCmd
}

// getServer returns the server URL from flag, env, project config, global
// config, or the default
func getServer() string {
	if server != "" {
		return server
	}

	if env := os.Getenv("CAMPUSCTL_SERVER"); env != "" {
		return env
	}

	if config := loadProjectConfigSilent(); config != nil && config.Server != "" {
		return config.Server
	}

	if global := loadGlobalConfig(); global != nil && global.Server != "" {
		return global.Server
	}

	return "http://localhost:8080"
}

func newClient() *client.Client {
	return client.New(getServer(), client.WithUserAgent("campusctl/"+cliVersion))
}
