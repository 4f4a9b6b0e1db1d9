/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"muse/pkg/config"
	"muse/pkg/fault"
	"muse/pkg/logger"
	"muse/pkg/ui/quote"
	"muse/pkg/upstream"

	"github.com/spf13/cobra"
)

var (
	fetchCount       int
	fetchInteractive bool
)

// fetchCmd represents the fetch command
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Print inspirations straight from the upstream generator",
	Long:  "Loads the upstream settings, fetches one or more inspirations and prints them, or opens an interactive viewer.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cfg.Upstream.Validate(); err != nil {
			return err
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		client, err := upstream.New(cfg.Upstream, nil, appLogger)
		if err != nil {
			return fmt.Errorf("initialize upstream client: %w", err)
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		if fetchInteractive {
			return quote.RunInteractive(ctx, fetchText(client), client.URL())
		}

		return printInspirations(ctx, cmd.OutOrStdout(), fetchText(client), fetchCount)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	fetchCmd.Flags().IntVarP(&fetchCount, "count", "n", 1, "number of inspirations to print")
	fetchCmd.Flags().BoolVarP(&fetchInteractive, "interactive", "i", false, "open the interactive viewer")
}

// fetcher is the part of *upstream.Client the fetch command uses.
type fetcher interface {
	Fetch(ctx context.Context) (upstream.Result, error)
}

func fetchText(client fetcher) quote.FetchFunc {
	return func(ctx context.Context) (string, error) {
		result, err := client.Fetch(ctx)
		if err != nil {
			return "", err
		}
		if result.Anomaly != nil {
			fmt.Fprintf(os.Stderr, "warning: %s\n", fault.TextCode(result.Anomaly))
		}
		return result.Text, nil
	}
}

func printInspirations(ctx context.Context, out io.Writer, fetchFn quote.FetchFunc, count int) error {
	if count < 1 {
		return fmt.Errorf("count must be at least 1, got %d", count)
	}

	for i := 0; i < count; i++ {
		text, err := fetchFn(ctx)
		if err != nil {
			return fmt.Errorf("fetch inspiration: %w", err)
		}
		if _, err := fmt.Fprintln(out, strings.TrimSpace(text)); err != nil {
			return err
		}
	}

	return nil
}
