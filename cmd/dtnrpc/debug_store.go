package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dtnrpc/dtnrpc/internal/config"
	"github.com/dtnrpc/dtnrpc/internal/logging"
	"github.com/dtnrpc/dtnrpc/internal/store"
)

// newDebugStoreCmd is the Go-native equivalent of the original project's
// standalone curl-style overlay probe: list bundles (optionally since a
// token) and print the decoded rows. Operational tooling, hidden from
// --help, not part of the core engine.
func newDebugStoreCmd() *cobra.Command {
	var configPath string
	var since string
	var fetchID string

	cmd := &cobra.Command{
		Use:    "debug-store",
		Short:  "Probe the bundle store directly (list, newsince, fetch)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebugStore(cmd.Context(), configPath, since, fetchID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "f", config.EnvOrDefault("DTNRPC_CONFIG", "rpc.conf"), "Path to rpc.conf")
	cmd.Flags().StringVar(&since, "since", "", "Only list bundles newer than this token")
	cmd.Flags().StringVar(&fetchID, "fetch", "", "Fetch and print one bundle by id instead of listing")

	return cmd
}

func runDebugStore(ctx context.Context, configPath, since, fetchID string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	cl := store.New(store.Config{
		BaseURL:       cfg.StoreBaseURL,
		BasicAuthUser: cfg.BasicAuthUser,
		BasicAuthPass: cfg.BasicAuthPass,
	}, logger)

	if fetchID != "" {
		b, err := cl.Fetch(ctx, fetchID)
		if err != nil {
			return err
		}
		fmt.Printf("%-40s service=%-10s name=%-20s sender=%-10s recipient=%-10s type=%s payload_bytes=%d\n",
			b.ID, b.Manifest.Service, b.Manifest.Name, b.Manifest.Sender, b.Manifest.Recipient, b.Manifest.Type, len(b.Payload))
		return nil
	}

	var rows []listRow

	results, err := cl.NewSince(ctx, since)
	if err != nil {
		return err
	}
	for _, b := range results {
		rows = append(rows, listRow{id: b.ID, token: b.Token, service: b.Manifest.Service, name: b.Manifest.Name, sender: b.Manifest.Sender, recipient: b.Manifest.Recipient})
	}
	for _, r := range rows {
		fmt.Printf("%-40s token=%-12s service=%-10s name=%-20s sender=%-10s recipient=%-10s\n", r.id, r.token, r.service, r.name, r.sender, r.recipient)
	}
	fmt.Printf("%d bundle(s)\n", len(rows))
	return nil
}

type listRow struct {
	id        string
	token     string
	service   string
	name      string
	sender    string
	recipient string
}
