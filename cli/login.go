package cli

import (
	"context"
	"errors"
	"fmt"

	"docqueue/auth"
	"docqueue/client"

	"github.com/spf13/cobra"
)

type LoginOptions struct {
	GlobalOptions
}

func NewCmdLogin() *cobra.Command {
	o := &LoginOptions{GlobalOptions: DefaultGlobalOptions()}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and save the access token for later commands.",
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

func (o *LoginOptions) Validate(args []string) error {
	if err := o.GlobalOptions.Validate(args); err != nil {
		return err
	}
	if o.Username == "" || o.Password == "" {
		return errors.New("username and password are required (flags or DOCQ_USERNAME/DOCQ_PASSWORD)")
	}
	return nil
}

func (o *LoginOptions) Run(ctx context.Context, cmd *cobra.Command) error {
	c := client.New(o.ServerUrl)
	tok, err := c.Login(ctx, o.Username, o.Password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := o.saveToken(tok.AccessToken); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s, token valid for %ds\n", o.Username, tok.ExpiresIn)
	return nil
}

func NewCmdHashPassword() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password PASSWORD",
		Short: "Print a bcrypt hash for use in AUTH_USERS.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
		SilenceUsage: true,
	}
}
