package main

import (
	"fmt"

	"github.com/dkeye/Consult/internal/app"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a dev server token signed with server.secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		role, err := domain.ParseRole(v.GetString("realtime.role"))
		if err != nil {
			return err
		}
		user, err := domain.NewUser(args[0], role)
		if err != nil {
			return err
		}
		auth := app.NewAuth(v.GetString("server.secret"), v.GetDuration("server.token_ttl"))
		token, err := auth.Issue(user)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
}
