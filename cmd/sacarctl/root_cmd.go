package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kolonialno/sacar/pkg/api"
	transport "github.com/kolonialno/sacar/pkg/http"
	"github.com/kolonialno/sacar/pkg/http/client"
)

const (
	EnvVariableURL   = "SACAR_URL"
	EnvVariableToken = "SACAR_TOKEN"
)

type rootOpts struct {
	URL   string
	Token string
	API   api.Server
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
sacarctl drives releases through the coordinator.

Workflow:
  sacarctl list-releases           # What is in flight, and what is live?
  sacarctl show-release main-ab12  # How far has each machine got?
  sacarctl deploy main-ab12        # Activate a prepared release.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "sacarctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:3031",
		fmt.Sprintf("base URL of the sacard API server; you can also set the environment variable %s", EnvVariableURL))
	cmd.PersistentFlags().StringVarP(&opts.Token, "token", "t", "",
		fmt.Sprintf("API token; you can also set the environment variable %s", EnvVariableToken))

	cmd.AddCommand(
		newListReleases(opts).Command(),
		newShowRelease(opts).Command(),
		newDeploy(opts).Command(),
		newVersionCommand(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	if !cmd.Flags().Changed("url") {
		if url := os.Getenv(EnvVariableURL); url != "" {
			opts.URL = url
		}
	}
	if !cmd.Flags().Changed("token") {
		if token := os.Getenv(EnvVariableToken); token != "" {
			opts.Token = token
		}
	}
	opts.API = client.New(http.DefaultClient, transport.NewAPIRouter(), opts.URL, client.Token(opts.Token))
	return nil
}
