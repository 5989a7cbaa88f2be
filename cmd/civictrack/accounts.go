package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guarzo/civictrack/common/model"
	"github.com/guarzo/civictrack/modules/accounts"
)

func newLoginCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("CIVIC_PASSWORD")
			}
			resp, err := a.accounts.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "logged in as %s (%s)\n", resp.Username, resp.Role)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "account name")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (default $CIVIC_PASSWORD)")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newSignupCmd(a *app) *cobra.Command {
	var in model.SignupInput
	var role string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Register a new account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in.Role = model.Role(role)
			if in.Password == "" {
				in.Password = os.Getenv("CIVIC_PASSWORD")
			}
			user, err := a.accounts.Signup(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printJSON(cmd, user)
		},
	}
	cmd.Flags().StringVarP(&in.Username, "username", "u", "", "account name")
	cmd.Flags().StringVar(&in.Email, "email", "", "email address")
	cmd.Flags().StringVarP(&in.Password, "password", "p", "", "password (default $CIVIC_PASSWORD)")
	cmd.Flags().StringVar(&role, "role", string(model.RoleConsumer), "consumer or provider")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newLogoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.accounts.Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func newProfileCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Show the logged-in user's profile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			profile, err := a.accounts.Profile(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, profile)
		},
	}

	var update model.ProfileUpdate
	var picPath string
	updateCmd := &cobra.Command{
		Use:   "update",
		Short: "Change profile fields or the profile picture",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var pic *accounts.ProfilePicture
			if picPath != "" {
				f, err := openUpload(picPath)
				if err != nil {
					return err
				}
				defer f.Close()
				pic = &accounts.ProfilePicture{FileName: f.name, ContentType: f.contentType, Content: f}
			}
			profile, err := a.accounts.UpdateProfile(cmd.Context(), update, pic)
			if err != nil {
				return err
			}
			return printJSON(cmd, profile)
		},
	}
	updateCmd.Flags().StringVar(&update.Username, "username", "", "new account name")
	updateCmd.Flags().StringVar(&update.Email, "email", "", "new email address")
	updateCmd.Flags().StringVar(&update.Contact, "contact", "", "new contact number")
	updateCmd.Flags().StringVar(&picPath, "pic", "", "image file to use as profile picture")

	cmd.AddCommand(updateCmd)
	return cmd
}

func newPasswordResetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password-reset",
		Short: "Request or confirm a password reset",
	}

	var email string
	requestCmd := &cobra.Command{
		Use:   "request",
		Short: "Email a reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			detail, err := a.accounts.RequestPasswordReset(cmd.Context(), email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), detail)
			return nil
		},
	}
	requestCmd.Flags().StringVar(&email, "email", "", "account email")
	_ = requestCmd.MarkFlagRequired("email")

	var uid, token, password string
	confirmCmd := &cobra.Command{
		Use:   "confirm",
		Short: "Set a new password using the uid and token from the reset link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if password == "" {
				password = os.Getenv("CIVIC_PASSWORD")
			}
			detail, err := a.accounts.ConfirmPasswordReset(cmd.Context(), uid, token, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), detail)
			return nil
		},
	}
	confirmCmd.Flags().StringVar(&uid, "uid", "", "uid from the reset link")
	confirmCmd.Flags().StringVar(&token, "token", "", "token from the reset link")
	confirmCmd.Flags().StringVarP(&password, "password", "p", "", "new password (default $CIVIC_PASSWORD)")

	cmd.AddCommand(requestCmd, confirmCmd)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a usable access token, refreshing it if it has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := a.client.AccessToken(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}
