package main

import (
	"github.com/spf13/cobra"
)

func newShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print a shared zine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := ctx.build(cmd)
			if err != nil {
				return err
			}
			defer application.Close()

			zine, err := application.ShareService().Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, zine)
		},
	}
}
