package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/config"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/conflicts"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/events"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/logging"
	"github.com/MarcoPoloResearchLab/stockpile/offline/internal/queue"
	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	cliOrigin          = "cli"
	defaultSubject     = "cli"
	watchRequestReason = "watch"
	defaultListLimit   = 100
)

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the server and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			core, err := openCore(appConfig, cliOrigin, logger)
			if err != nil {
				return err
			}
			defer core.Close()

			orchestrator, _, err := newOrchestrator(appConfig, core, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			result, err := orchestrator.Run(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List mutation queue entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			rawStatus, err := cmd.Flags().GetString("status")
			if err != nil {
				return err
			}
			core, err := openLocalCore()
			if err != nil {
				return err
			}
			defer core.Close()

			var entries []queue.Entry
			if rawStatus == "" {
				entries, err = core.store.ListAll(cmd.Context())
			} else {
				status, parseErr := queue.ParseStatus(rawStatus)
				if parseErr != nil {
					return parseErr
				}
				entries, err = core.store.ListByStatus(cmd.Context(), status)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().String("status", "", "Only list entries with this status (pending, syncing, failed)")
	return cmd
}

func newConflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List the conflict log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			unresolvedOnly, err := cmd.Flags().GetBool("unresolved")
			if err != nil {
				return err
			}
			core, err := openLocalCore()
			if err != nil {
				return err
			}
			defer core.Close()

			listed := make([]conflicts.Entry, 0)
			for entry, err := range core.log.Entries(cmd.Context(), limit) {
				if err != nil {
					return err
				}
				if unresolvedOnly && entry.Resolved() {
					continue
				}
				listed = append(listed, entry)
			}
			return printJSON(cmd.OutOrStdout(), listed)
		},
	}
	cmd.Flags().Int("limit", defaultListLimit, "Maximum number of conflicts to read")
	cmd.Flags().Bool("unresolved", false, "Only list conflicts awaiting a resolution")
	return cmd
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a control API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, err := cmd.Flags().GetString("subject")
			if err != nil {
				return err
			}
			appConfig, err := config.LoadControl(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueToken(subject)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().String("subject", defaultSubject, "Subject recorded in the token")
	return cmd
}

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print events from a running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			request, err := cmd.Flags().GetBool("request")
			if err != nil {
				return err
			}
			appConfig, err := config.LoadControl(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, _, err := issuer.IssueToken(defaultSubject)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return watchChannel(ctx, channelURL(appConfig), token, request, cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().Bool("request", false, "Ask the daemon for a sync pass before watching")
	return cmd
}

func channelURL(appConfig config.AppConfig) string {
	target := url.URL{
		Scheme: "ws",
		Host:   appConfig.ControlAddress,
		Path:   "/channels/" + appConfig.EventsChannel,
	}
	return target.String()
}

func watchChannel(ctx context.Context, channel, token string, request bool, out io.Writer, logger *zap.Logger) error {
	bridge, err := events.DialWebSocket(ctx, channel, token, logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", channel, err)
	}
	defer bridge.Close()

	if request {
		if err := bridge.Send(ctx, events.Event{Type: events.TypeSyncRequested, Reason: watchRequestReason}); err != nil {
			return err
		}
	}

	encoder := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-bridge.Receive():
			if !ok {
				logger.Info("event channel closed")
				return nil
			}
			if err := encoder.Encode(event); err != nil {
				return err
			}
		}
	}
}

// openLocalCore opens the store for commands that never reach the server.
func openLocalCore() (*syncCore, error) {
	appConfig, err := config.LoadControl(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewConsoleLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	return openCore(appConfig, cliOrigin, logger)
}

func printJSON(out io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(encoded))
	return err
}
