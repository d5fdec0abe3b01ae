package main

import "github.com/spf13/cobra"

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return writeResult(a.stdout, a.output, VersionResult{Version: Version})
		},
	}
}
