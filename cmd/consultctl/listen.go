package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dkeye/Consult/internal/domain"
	"github.com/spf13/cobra"
)

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Print pending session requests as they arrive",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		client.OnNotification(func(r domain.SessionRequest) {
			fmt.Fprintf(out, "request %s session=%s client=%q\n", r.ResourceID, r.SessionID, r.ClientName)
		})
		client.OnStateChange(func(s domain.ConnState) {
			fmt.Fprintf(cmd.ErrOrStderr(), "connection %s\n", s)
		})

		if err := client.Connect(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(listenCmd)
}
