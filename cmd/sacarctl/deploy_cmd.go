package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kolonialno/sacar/pkg/release"
)

type deployOpts struct {
	*rootOpts
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <id>",
		Short: "Activate a prepared release on every agent.",
		RunE:  opts.RunE,
	}
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedReleaseID
	}

	id := release.ID(args[0])
	if err := opts.API.DeployRelease(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deploy of %s requested; watch it with: sacarctl show-release %s\n", id, id)
	return nil
}
