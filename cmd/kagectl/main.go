// Package main implements kagectl, the operator CLI for a running kage server.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	server  string
	token   string
	timeout time.Duration
}

func (g *globals) client() *client {
	return newClient(g.server, g.token, g.timeout)
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:   "kagectl",
		Short: "Operator CLI for the kage rule server",
		Long: `kagectl publishes and activates rule versions, runs A/B experiments,
explains rule evaluations and triggers batch jobs on a kage server.

The server URL and bearer token default to $KAGE_SERVER and $KAGE_TOKEN.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&g.server, "server", envOr("KAGE_SERVER", "http://localhost:8080"), "kage server URL")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("KAGE_TOKEN"), "bearer token (operator role)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newPublishCmd(g),
		newActivateCmd(g),
		newVersionsCmd(g),
		newExplainCmd(g),
		newExperimentCmd(g),
		newJobCmd(g),
		newHealthCmd(g),
		newKeygenCmd(),
		newTokenCmd(),
	)
	return root
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
