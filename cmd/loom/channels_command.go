package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"loom/internal/channel"
	"loom/internal/channel/natsjs"
	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
)

func newChannelsCommand(ctx *commandContext) *cobra.Command {
	channelsCmd := &cobra.Command{
		Use:   "channels",
		Short: "Inspect or reset the message channels",
	}
	channelsCmd.AddCommand(newChannelsListCommand(ctx))
	channelsCmd.AddCommand(newChannelsPurgeCommand(ctx))
	return channelsCmd
}

func newChannelsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show message counts on the sqlite channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Channels.Backend != "sqlite" {
				return fmt.Errorf("channel depths are only recorded by the sqlite backend (configured: %s)", cfg.Channels.Backend)
			}
			store, err := queue.Open(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			depths, err := store.Depths(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(depths) == 0 {
				fmt.Fprintln(out, "No channels declared")
				return nil
			}
			rows := make([][]string, 0, len(depths))
			for _, d := range depths {
				rows = append(rows, []string{d.Name, strconv.Itoa(d.Ready), strconv.Itoa(d.Claimed)})
			}
			fmt.Fprintln(out, renderTable(
				[]column{left("Channel"), right("Ready"), right("Claimed")},
				rows,
			))
			return nil
		},
	}
}

func newChannelsPurgeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Drop every message left on the configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire run lock: %w", err)
			}
			if !locked {
				return errors.New("a run is active in this state directory; refusing to purge its channels")
			}
			defer lock.Unlock() //nolint:errcheck

			broker, err := openPurgeBroker(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer broker.Close()

			names := channel.NewNames(cfg.Channels.Prefix)
			if err := channel.DeclareAll(cmd.Context(), broker, names); err != nil {
				return err
			}
			for _, name := range names.All() {
				if err := broker.Purge(cmd.Context(), name); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d channel(s) on the %s backend\n", len(names.All()), cfg.Channels.Backend)
			return nil
		},
	}
}

func openPurgeBroker(ctx context.Context, cfg *config.Config) (channel.Broker, error) {
	switch cfg.Channels.Backend {
	case "sqlite":
		store, err := queue.Open(cfg)
		if err != nil {
			return nil, err
		}
		return channel.Instrument(store), nil
	case "nats":
		js, err := natsjs.Connect(ctx, natsjs.Options{
			URL:     cfg.Channels.NATSURL,
			Stream:  cfg.Channels.NATSStream,
			AckWait: cfg.VisibilityTimeout(),
			Logger:  logging.NewNop(),
		})
		if err != nil {
			return nil, err
		}
		return channel.Instrument(js), nil
	default:
		return nil, fmt.Errorf("the %s backend keeps no messages between runs", cfg.Channels.Backend)
	}
}
