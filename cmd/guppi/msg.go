package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"guppi/internal/broker"
)

var (
	sendAs      string
	postChannel string
)

var sendCmd = &cobra.Command{
	Use:   "send <agent> <text>",
	Short: "Push a message onto an agent's inbox",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()

		payload, err := json.Marshal(map[string]any{
			"event_type": "NewMessage",
			"source":     sendAs,
			"timestamp":  time.Now().UTC(),
			"content":    strings.Join(args[1:], " "),
		})
		if err != nil {
			return err
		}
		return b.QueuePush(cmd.Context(), broker.Inbox(args[0]), payload)
	},
}

var postCmd = &cobra.Command{
	Use:   "post <text>",
	Short: "Post to a chat stream",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()

		_, err = b.StreamAdd(cmd.Context(), postChannel, map[string]any{
			"agent": sendAs,
			"text":  strings.Join(args, " "),
			"ts":    time.Now().UTC().Format(time.RFC3339),
		})
		return err
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail [stream]",
	Short: "Follow a broker stream (default: the audit log)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream := broker.ActionLog
		if len(args) == 1 {
			stream = args[0]
		}
		b, err := openBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()

		cursors := map[string]string{stream: "$"}
		for {
			msgs, err := b.StreamRead(cmd.Context(), cursors, 5*time.Second, 100)
			if err != nil {
				if cmd.Context().Err() != nil {
					return nil
				}
				return err
			}
			for _, m := range msgs {
				cursors[m.Stream] = m.ID
				line, _ := json.Marshal(m.Values)
				fmt.Fprintf(os.Stdout, "%s %s\n", m.ID, line)
			}
		}
	},
}

var killCmd = &cobra.Command{
	Use:   "kill <agent|all>",
	Short: "Fire the kill switch for an agent, or the whole fleet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := openBroker(cmd.Context())
		if err != nil {
			return err
		}
		defer b.Close()

		_, err = b.StreamAdd(cmd.Context(), broker.KillSwitch, map[string]any{
			"target": args[0],
			"by":     sendAs,
			"ts":     time.Now().UTC().Format(time.RFC3339),
		})
		return err
	},
}

func init() {
	sendCmd.Flags().StringVar(&sendAs, "from", "human:operator", "source attribution")
	postCmd.Flags().StringVar(&sendAs, "from", "human:operator", "chat display name")
	postCmd.Flags().StringVar(&postChannel, "channel", broker.ChatGeneral, "chat stream to post on")
}
