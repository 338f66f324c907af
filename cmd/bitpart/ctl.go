package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"bitpart/internal/config"
	"bitpart/internal/control"

	"github.com/spf13/cobra"
)

var ctlCommands = []string{
	control.MessageListBots, control.MessageCreateBot, control.MessageReadBot, control.MessageBotVersions,
	control.MessageRollbackBot, control.MessageDeleteBot, control.MessageCreateChannel, control.MessageReadChannel,
	control.MessageListChannels, control.MessageDeleteChannel, control.MessageLinkChannel,
	control.MessageSendMessage, control.MessageChatRequest,
}

func ctlCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ctl <command> [json|-]",
		Short: "Send one request to a running server's control plane",
		Long: "Sends a control plane request and prints the response as JSON. " +
			"The request body is the second argument, or stdin when it is \"-\".\n\n" +
			"Commands: " + strings.Join(ctlCommands, ", "),
		Example: `  bitpart ctl ListBots
  bitpart ctl CreateBot '{"id":"support","default_flow":"main"}'
  bitpart ctl LinkChannel '{"id":"<channel>","device_name":"bitpart"}'
  cat bot.json | bitpart ctl CreateBot -`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Read(resolveConfigPath())
			if err != nil {
				// The flags alone are enough to reach a server.
				if bindFlag == "" || authFlag == "" {
					return fmt.Errorf("load config: %w", err)
				}
				cfg = config.Defaults()
			}
			applyOverrides(cfg)

			body, err := ctlBody(args[1:], cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			client, err := control.Dial(ctx, cfg.Server.Bind, cfg.Server.Auth)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Do(ctx, args[0], body)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			var out bytes.Buffer
			if err := json.Indent(&out, resp, "", "  "); err != nil {
				w.Write(resp)
				fmt.Fprintln(w)
				return nil
			}
			fmt.Fprintln(w, out.String())
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

// ctlBody returns the request body, which must be a JSON value. Without one
// the request carries no data.
func ctlBody(args []string, stdin io.Reader) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	data := []byte(args[0])
	if args[0] == "-" {
		var err error
		if data, err = io.ReadAll(stdin); err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, fmt.Errorf("request body is not valid JSON")
	}
	return json.RawMessage(data), nil
}
