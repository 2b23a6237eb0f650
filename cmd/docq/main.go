package main

import (
	"fmt"
	"os"

	"docqueue/cli"

	"github.com/spf13/cobra"
)

func main() {
	command := NewDocqCommand()
	if err := command.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func NewDocqCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "docq [command]",
		Short:         "docq submits documents to the conversion queue.",
		SilenceErrors: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
			os.Exit(cli.ExitFailure)
		},
	}
	cmd.AddCommand(cli.NewCmdLogin())
	cmd.AddCommand(cli.NewCmdSubmit())
	cmd.AddCommand(cli.NewCmdStatus())
	cmd.AddCommand(cli.NewCmdList())
	cmd.AddCommand(cli.NewCmdResult())
	cmd.AddCommand(cli.NewCmdHashPassword())

	return cmd
}
