package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"docqueue/api"
	"docqueue/client"
	"docqueue/model"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type SubmitOptions struct {
	GlobalOptions

	ViaPDF       bool
	Backend      string
	Wait         bool
	Timeout      time.Duration
	PollInterval time.Duration
	Output       string
}

func DefaultSubmitOptions() *SubmitOptions {
	return &SubmitOptions{
		GlobalOptions: DefaultGlobalOptions(),
		Timeout:       10 * time.Minute,
		PollInterval:  2 * time.Second,
	}
}

func NewCmdSubmit() *cobra.Command {
	o := DefaultSubmitOptions()
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a document for conversion to Markdown.",
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

func (o *SubmitOptions) Bind(fs *pflag.FlagSet) {
	o.GlobalOptions.Bind(fs)

	fs.BoolVar(&o.ViaPDF, "via-pdf", o.ViaPDF, "Convert through PDF instead of straight to Markdown")
	fs.StringVar(&o.Backend, "backend", o.Backend, "Converter backend (server default when empty)")
	fs.BoolVarP(&o.Wait, "wait", "w", o.Wait, "Wait for the task to finish")
	fs.DurationVar(&o.Timeout, "timeout", o.Timeout, "How long --wait waits before giving up")
	fs.DurationVar(&o.PollInterval, "poll-interval", o.PollInterval, "How often --wait polls the task")
	fs.StringVarP(&o.Output, "output", "o", o.Output, "Write the result here when --wait finishes (- for stdout)")
}

func (o *SubmitOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if _, err := os.Stat(args[0]); err != nil {
		return err
	}
	if o.Output != "" && !o.Wait {
		return errors.New("--output requires --wait")
	}
	if o.Wait && o.Timeout <= 0 {
		return errors.New("--timeout must be positive")
	}
	return nil
}

func (o *SubmitOptions) Run(ctx context.Context, cmd *cobra.Command, path string) error {
	c, err := o.Client(ctx)
	if err != nil {
		return err
	}

	reply, err := c.Submit(ctx, path, client.SubmitOptions{ViaPDF: o.ViaPDF, Backend: o.Backend})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s as task %s\n", path, reply.TaskID)
	if !o.Wait {
		fmt.Fprintln(cmd.OutOrStdout(), reply.TaskID)
		return nil
	}

	return waitAndFetch(ctx, cmd, c, reply.TaskID, o.Timeout, o.PollInterval, o.Output)
}

// waitAndFetch waits for the task and maps its outcome to an exit code. The
// task keeps running on the server if the wait times out.
func waitAndFetch(ctx context.Context, cmd *cobra.Command, c *client.Client, id string, timeout, interval time.Duration, output string) error {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	task, err := c.Wait(waitCtx, id, interval)
	if errors.Is(err, context.DeadlineExceeded) {
		status := "unknown"
		if task != nil {
			status = string(task.Status)
		}
		return &ExitError{Code: ExitTimeout, Err: fmt.Errorf("timed out after %s waiting for task %s (last status %s)", timeout, id, status)}
	}
	if err != nil {
		return err
	}

	if task.Status == model.StatusFailed {
		return &ExitError{Code: ExitFailure, Err: fmt.Errorf("task %s failed: %s", id, describeError(task))}
	}

	if output == "" {
		printTask(cmd.OutOrStdout(), task)
		return nil
	}
	return fetchResult(ctx, cmd, c, id, output)
}

func fetchResult(ctx context.Context, cmd *cobra.Command, c *client.Client, id, output string) error {
	var w io.Writer = cmd.OutOrStdout()
	if output != "-" && output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if err := c.Result(ctx, id, w); err != nil {
		return fmt.Errorf("fetching result: %w", err)
	}
	if output != "-" && output != "" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s\n", output)
	}
	return nil
}

func describeError(task *api.TaskReply) string {
	if task.Error == nil {
		return "unknown error"
	}
	return fmt.Sprintf("%s (%s)", task.Error.Message, task.Error.Code)
}
