package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type listReleasesOpts struct {
	*rootOpts
}

func newListReleases(parent *rootOpts) *listReleasesOpts {
	return &listReleasesOpts{rootOpts: parent}
}

func (opts *listReleasesOpts) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "list-releases",
		Short: "List tracked releases, newest first.",
		RunE:  opts.RunE,
	}
}

func (opts *listReleasesOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}

	rels, err := opts.API.ListReleases(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintf(w, "RELEASE\tBRANCH\tCOMMIT\tPHASE\tAGE\n")
	for _, rel := range rels {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			rel.ID, rel.Branch, shortRef(rel.CommitRef), rel.Phase, age(rel.CreatedAt))
	}
	return w.Flush()
}

func shortRef(ref string) string {
	if len(ref) > 12 {
		return ref[:12]
	}
	return ref
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Truncate(time.Second).String()
}
