// Package convohubcmder
package convohubcmder

import (
	"github.com/spf13/cobra"

	servecmder "github.com/convohubhq/convohub/cmd/convohub/serve"
	versioncmder "github.com/convohubhq/convohub/cmd/version"
)

const convohubLongDesc string = `Convohub is branchable, mergeable conversation history.

Run services using:
  convohub serve       Run the API server`

const convohubShortDesc string = "Convohub - Conversation Version Control"

func NewConvohubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convohub",
		Short: convohubShortDesc,
		Long:  convohubLongDesc,
	}

	// Global flags
	cmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug logging")
	cmd.PersistentFlags().StringP("config", "c", "", "Path to config.toml")

	// Add subcommands
	cmd.AddCommand(servecmder.NewServeCmd())
	cmd.AddCommand(versioncmder.NewVersionCmd())

	return cmd
}
