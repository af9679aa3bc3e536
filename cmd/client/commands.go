package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"b2c-session/internal/domain"
	"b2c-session/internal/flow"
)

func newSignInCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "signin",
		Short: "Sign in through the hosted UI",
		Long: `Open the identity provider's sign-up/sign-in page and wait for the redirect.
The resulting credential replaces any stored one.

Examples:
  b2c-session signin
  b2c-session signin --platform browser`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, load, flow.IntentSignIn)
		},
	}
}

func newEditCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit your profile through the hosted UI",
		Long: `Open the profile-edit page. Only the access token is replaced; the stored
refresh token and its expiry are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlow(cmd, load, flow.IntentEdit)
		},
	}
}

func runFlow(cmd *cobra.Command, load appLoader, intent flow.Intent) error {
	a, err := load(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	user, err := a.flow.Run(cmd.Context(), intent)
	if err != nil {
		return err
	}
	return printUser(cmd, user)
}

func newStatusCmd(load appLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Restore the stored session and show the signed-in user",
		Long: `Load the stored credential, refresh it when the access token has expired,
and print the reconciled user. Exits with code 2 when there is no usable
session.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.session.Activate(cmd.Context())
			if err != nil {
				return err
			}
			if user == nil {
				return errSignedOut
			}
			return printUser(cmd, user)
		},
	}
}

func newSignOutCmd(load appLoader) *cobra.Command {
	var local bool

	cmd := &cobra.Command{
		Use:   "signout",
		Short: "Sign out and clear the stored credential",
		Long: `Open the provider's logout page, then clear the stored credential.
The local credential is cleared even if the logout page is closed early.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			if local {
				err = a.session.SignOut(cmd.Context())
			} else {
				err = a.flow.SignOut(cmd.Context())
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		},
	}
	cmd.Flags().BoolVar(&local, "local", false, "only clear the local credential, skip the provider logout page")
	return cmd
}

func printUser(cmd *cobra.Command, user *domain.UserInfo) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(user)
}
