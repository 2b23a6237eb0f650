package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"docqueue/api"
	"docqueue/client"
	"docqueue/model"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type StatusOptions struct {
	GlobalOptions
}

func NewCmdStatus() *cobra.Command {
	o := &StatusOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "status ID",
		Short: "Show the status of a task.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			c, err := o.Client(cmd.Context())
			if err != nil {
				return err
			}
			task, err := c.Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printTask(cmd.OutOrStdout(), task)
			if task.Status == model.StatusFailed {
				return &ExitError{Code: ExitFailure, Err: fmt.Errorf("task %s failed: %s", task.TaskID, describeError(task))}
			}
			return nil
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

type ListOptions struct {
	GlobalOptions

	Status string
	Limit  int
}

func NewCmdList() *cobra.Command {
	o := &ListOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd)
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ListOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.StringVar(&o.Status, "status", "", "Only show tasks in this status")
	fs.IntVar(&o.Limit, "limit", 20, "Maximum number of tasks to show")
}

func (o *ListOptions) Validate(args []string) error {
	if o.Status != "" && !model.Status(o.Status).Valid() {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	return o.GlobalOptions.Validate(args)
}

func (o *ListOptions) Run(ctx context.Context, cmd *cobra.Command) error {
	c, err := o.Client(ctx)
	if err != nil {
		return err
	}
	tasks, err := c.List(ctx, client.ListOptions{Status: model.Status(o.Status), Limit: o.Limit})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tMODE\tATTEMPTS\tCREATED\tFILENAME")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.TaskID, t.Status, t.Mode, t.AttemptCount, t.CreatedAt.Format(time.RFC3339), t.Filename)
	}
	return w.Flush()
}

type ResultOptions struct {
	GlobalOptions

	Output string
}

func NewCmdResult() *cobra.Command {
	o := &ResultOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "result ID",
		Short: "Download the Markdown produced for a completed task.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.Validate(args); err != nil {
				return err
			}
			return o.Run(cmd.Context(), cmd, args[0])
		},
		SilenceUsage: true,
	}
	o.Bind(cmd.Flags())
	return cmd
}

func (o *ResultOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)
	fs.StringVarP(&o.Output, "output", "o", "-", "File to write the result to (- for stdout)")
}

func (o *ResultOptions) Run(ctx context.Context, cmd *cobra.Command, id string) error {
	c, err := o.Client(ctx)
	if err != nil {
		return err
	}
	return fetchResult(ctx, cmd, c, id, o.Output)
}

func printTask(out io.Writer, task *api.TaskReply) {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintf(w, "ID:\t%s\n", task.TaskID)
	fmt.Fprintf(w, "STATUS:\t%s\n", task.Status)
	fmt.Fprintf(w, "MODE:\t%s\n", task.Mode)
	if task.Backend != "" {
		fmt.Fprintf(w, "BACKEND:\t%s\n", task.Backend)
	}
	fmt.Fprintf(w, "ATTEMPTS:\t%d\n", task.AttemptCount)
	fmt.Fprintf(w, "CREATED:\t%s\n", task.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "UPDATED:\t%s\n", task.UpdatedAt.Format(time.RFC3339))
	if task.Result != nil {
		fmt.Fprintf(w, "RESULT:\t%s (%d bytes)\n", task.Result.URL, task.Result.Size)
	}
	if task.Error != nil {
		fmt.Fprintf(w, "ERROR:\t%s\n", describeError(task))
	}
	_ = w.Flush()
}
