package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dkeye/Consult/internal/app/rooms"
	"github.com/dkeye/Consult/internal/domain"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat <primary-id> [secondary-id]",
	Short: "Join a room, print incoming messages and send stdin lines",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		client, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer client.Close()

		secondary := ""
		if len(args) == 2 {
			secondary = args[1]
		}
		key := domain.NewRoomKey(args[0], secondary)
		out := cmd.OutOrStdout()

		client.OnInboundMessage(func(m domain.InboundMessage) {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.SenderRole, m.Text)
		})
		client.OnTyping(func(ev domain.TypingEvent) {
			if ev.IsTyping {
				fmt.Fprintln(out, "... typing")
			}
		})

		joined, err := client.JoinRoom(ctx, key, rooms.JoinOptions{})
		if err != nil {
			return fmt.Errorf("join %s: %w", key, err)
		}
		fmt.Fprintf(out, "joined %s via %s\n", joined.RoomRef, joined.Strategy)

		if history, err := client.History(ctx, key); err == nil {
			for _, m := range history {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.SentAt.Format("15:04:05"), m.SenderRole, m.Text)
			}
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				res, err := client.SendMessage(ctx, key, line)
				if err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
					continue
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "sent %s via %s\n", res.ServerID, res.Transport)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
}
