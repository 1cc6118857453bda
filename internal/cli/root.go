// Package cli implements jobctl, the command line client for the control plane.
package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config keys. Each is also read from JOBCTL_<KEY> with dashes as underscores.
const (
	keyServer  = "server"
	keyAPIKey  = "api-key"
	keyTimeout = "timeout"
)

// NewRootCommand builds the jobctl command tree with its own configuration.
func NewRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("JOBCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "jobctl",
		Short: "Submit and inspect control plane jobs",
		Long: `jobctl talks to the control plane HTTP API.

Settings come from flags or from the environment:

  JOBCTL_SERVER    control plane base URL
  JOBCTL_API_KEY   bearer token for the job endpoints
  JOBCTL_TIMEOUT   per-request timeout`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String(keyServer, "http://localhost:8080", "Control plane base URL")
	flags.String(keyAPIKey, "", "API key for the job endpoints")
	flags.Duration(keyTimeout, 30*time.Second, "Per-request timeout")
	_ = v.BindPFlags(flags)

	newClient := func() *Client {
		return NewClient(v.GetString(keyServer), v.GetString(keyAPIKey), v.GetDuration(keyTimeout))
	}

	root.AddCommand(
		newSubmitCommand(newClient),
		newStatusCommand(newClient),
		newCancelCommand(newClient),
		newListCommand(newClient),
	)
	return root
}
