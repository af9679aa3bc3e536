package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	apperrors "b2c-session/pkg/errors"
)

// Exit codes for scripting
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
	// ExitCodeAuthRequired means there is no usable session
	ExitCodeAuthRequired = 2
	// ExitCodeCancelled means the hosted UI was closed before completing
	ExitCodeCancelled = 3
	// ExitCodeAuthFailed means the provider rejected the attempt or returned
	// an unusable token
	ExitCodeAuthFailed = 4
)

// errSignedOut is returned by status when no session can be restored
var errSignedOut = errors.New("not signed in")

// appLoader builds the client for one command invocation
type appLoader func(cmd *cobra.Command) (*app, error)

func newRootCmd(load appLoader) *cobra.Command {
	root := &cobra.Command{
		Use:   "b2c-session",
		Short: "Sign in with Azure AD B2C and keep the session fresh",
		Long: `b2c-session signs you in through the identity provider's hosted UI,
stores the resulting credential locally and refreshes it on later runs.

Configuration is read from the environment (or a .env file). Logs go to
stderr; command output goes to stdout as JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().String("platform", "", "flow variant: native (code flow) or browser (implicit flow); overrides CLIENT_PLATFORM")
	root.PersistentFlags().String("store", "", "token store: file, redis or memory; overrides TOKEN_STORE")
	root.PersistentFlags().String("log-level", "", "log level; overrides LOG_LEVEL")

	root.AddCommand(
		newSignInCmd(load),
		newEditCmd(load),
		newStatusCmd(load),
		newSignOutCmd(load),
	)
	return root
}

// run executes args and maps the outcome to an exit code
func run(ctx context.Context, args []string, stdout, stderr io.Writer, load appLoader) int {
	root := newRootCmd(load)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return getExitCode(err)
	}
	return ExitCodeSuccess
}

func getExitCode(err error) int {
	if errors.Is(err, errSignedOut) {
		return ExitCodeAuthRequired
	}

	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeUserCancelled:
		return ExitCodeCancelled
	case apperrors.ErrorTypeProvider, apperrors.ErrorTypeDecode, apperrors.ErrorTypeAuthentication:
		return ExitCodeAuthFailed
	}
	return ExitCodeError
}
