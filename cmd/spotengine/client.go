package main

import (
	"SpotEngine/internal/server"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func withClient(cmd *cobra.Command, run func(ctx context.Context, c *server.Client) (any, error)) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := server.Dial(cfg.GRPCAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	resp, err := run(ctx, client)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show a running engine's sequence, state hash and health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.GetSystemStatus(ctx)
			})
		},
	}
}

func newSubmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <event.json|->",
		Short: "Inject one sequenced event through the admin service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if args[0] == "-" {
				data, err = io.ReadAll(cmd.InOrStdin())
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read event: %w", err)
			}
			return withClient(cmd, func(ctx context.Context, c *server.Client) (any, error) {
				return c.SubmitEvent(ctx, data)
			})
		},
	}
}
