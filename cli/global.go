package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"docqueue/client"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	ExitOK      = 0
	ExitFailure = 1
	ExitTimeout = 2
)

// ExitError carries the process exit code for a command error.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

type GlobalOptions struct {
	ServerUrl string
	Username  string
	Password  string
	TokenFile string
}

func DefaultGlobalOptions() GlobalOptions {
	serverUrl := os.Getenv("DOCQ_SERVER")
	if serverUrl == "" {
		serverUrl = "http://localhost:8080"
	}
	return GlobalOptions{
		ServerUrl: serverUrl,
		Username:  os.Getenv("DOCQ_USERNAME"),
		Password:  os.Getenv("DOCQ_PASSWORD"),
		TokenFile: defaultTokenFile(),
	}
}

func (o *GlobalOptions) Bind(fs *pflag.FlagSet) {
	fs.StringVarP(&o.ServerUrl, "server-url", "u", o.ServerUrl, "Address of the server (env DOCQ_SERVER)")
	fs.StringVar(&o.Username, "username", o.Username, "Username (env DOCQ_USERNAME)")
	fs.StringVar(&o.Password, "password", o.Password, "Password (env DOCQ_PASSWORD)")
	fs.StringVar(&o.TokenFile, "token-file", o.TokenFile, "Where the access token from 'docq login' is kept")
}

func (o *GlobalOptions) Complete(cmd *cobra.Command, args []string) error {
	return nil
}

func (o *GlobalOptions) Validate(args []string) error {
	if o.ServerUrl == "" {
		return errors.New("server url is required")
	}
	return nil
}

// Client returns an authenticated client. Explicit credentials win over a
// saved token.
func (o *GlobalOptions) Client(ctx context.Context) (*client.Client, error) {
	if o.Username != "" && o.Password != "" {
		c := client.New(o.ServerUrl)
		if _, err := c.Login(ctx, o.Username, o.Password); err != nil {
			return nil, fmt.Errorf("login: %w", err)
		}
		return c, nil
	}

	token, err := o.readToken()
	if err != nil {
		return nil, err
	}
	return client.New(o.ServerUrl, client.WithToken(token)), nil
}

func (o *GlobalOptions) readToken() (string, error) {
	if o.TokenFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(o.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (o *GlobalOptions) saveToken(token string) error {
	if o.TokenFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(o.TokenFile), 0o700); err != nil {
		return err
	}
	return os.WriteFile(o.TokenFile, []byte(token+"\n"), 0o600)
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "docq", "token")
}
