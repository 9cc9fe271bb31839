package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kolonialno/sacar/pkg/release"
)

type showReleaseOpts struct {
	*rootOpts
}

func newShowRelease(parent *rootOpts) *showReleaseOpts {
	return &showReleaseOpts{rootOpts: parent}
}

func (opts *showReleaseOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "show-release <id>",
		Short: "Show one release and every agent's progress on it.",
		RunE:  opts.RunE,
	}
}

func (opts *showReleaseOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return errorWantedReleaseID
	}

	rel, err := opts.API.GetRelease(cmd.Context(), release.ID(args[0]))
	if err != nil {
		return err
	}

	fmt.Printf("Release:   %s\n", rel.ID)
	fmt.Printf("Branch:    %s\n", rel.Branch)
	fmt.Printf("Commit:    %s\n", rel.CommitRef)
	fmt.Printf("Phase:     %s\n", rel.Phase)
	if rel.ArtifactRef != "" {
		fmt.Printf("Artifact:  %s\n", rel.ArtifactRef)
	}
	if len(rel.AgentPhases) == 0 {
		return nil
	}

	agents := make([]string, 0, len(rel.AgentPhases))
	for id := range rel.AgentPhases {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	fmt.Println()
	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "AGENT\tPHASE\tUPDATED\tERROR\n")
	for _, id := range agents {
		rep := rel.AgentPhases[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, rep.Phase, age(rep.UpdatedAt)+" ago", rep.Error.String())
	}
	return w.Flush()
}
