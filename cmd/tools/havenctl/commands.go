package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/haven/backend/internal/config"
	"github.com/zhouzirui/haven/backend/internal/model/user"
	"github.com/zhouzirui/haven/backend/internal/service/auth"
	"github.com/zhouzirui/haven/backend/internal/store"
)

type app struct {
	open func() (*config.Config, store.Store, error)
	cfg  *config.Config
	db   store.Store
}

func (a *app) authenticator() *auth.Authenticator {
	return auth.NewAuthenticator(a.cfg.Auth, a.db, a.db, nil)
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "havenctl",
		Short:         "Manage Haven users and access tokens",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.db != nil {
				return nil
			}
			cfg, db, err := a.open()
			if err != nil {
				return err
			}
			a.cfg, a.db = cfg, db
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.open == nil {
				return nil
			}
			return a.db.Close()
		},
	}

	root.AddCommand(newUserCmd(a), newTokenCmd(a))
	return root
}

func newUserCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}

	var u user.User
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(u.Username) == "" {
				u.Username = strings.SplitN(u.Email, "@", 2)[0]
			}
			created, err := a.db.CreateUser(cmd.Context(), u)
			if err != nil {
				return fmt.Errorf("create user: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (%s)\n", created.ID, created.Email)
			return nil
		},
	}
	create.Flags().StringVar(&u.Email, "email", "", "email address (required)")
	create.Flags().StringVar(&u.Username, "username", "", "display name, defaults to the email local part")
	create.Flags().IntVar(&u.Age, "age", 0, "age")
	create.Flags().StringVar(&u.Gender, "gender", "", "gender")
	_ = create.MarkFlagRequired("email")

	cmd.AddCommand(create)
	return cmd
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "Issue and revoke access tokens"}

	var email string
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue an access token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := a.db.FindUserByEmail(cmd.Context(), email)
			if err != nil {
				return fmt.Errorf("find user %s: %w", email, err)
			}
			token, expiresAt, err := a.authenticator().Issue(u)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	issue.Flags().StringVar(&email, "email", "", "email of the user (required)")
	_ = issue.MarkFlagRequired("email")

	var token string
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke an access token until it expires",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.authenticator().Revoke(cmd.Context(), token); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
			return nil
		},
	}
	revoke.Flags().StringVar(&token, "token", "", "token to revoke (required)")
	_ = revoke.MarkFlagRequired("token")

	cmd.AddCommand(issue, revoke)
	return cmd
}
