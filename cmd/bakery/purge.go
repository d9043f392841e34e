package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"bakery/internal/builder"
	"bakery/internal/infra"
)

func newPurgeCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:       "purge <old|old:runner|all|all:runner>",
		Short:     "Remove containers, volumes and images this tool created",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"old", "old:runner", "all", "all:runner"},
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parsePurgeScope(args[0])
			if err != nil {
				return err
			}
			return runPurge(opts, verbose)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose mode")
	return cmd
}

// parsePurgeScope maps the scope argument onto purge options: "all" also
// removes current-version artifacts, the ":runner" suffix also removes
// final runner images.
func parsePurgeScope(scope string) (builder.PurgeOptions, error) {
	switch scope {
	case "old":
		return builder.PurgeOptions{}, nil
	case "old:runner":
		return builder.PurgeOptions{Runners: true}, nil
	case "all":
		return builder.PurgeOptions{CurrentVersion: true}, nil
	case "all:runner":
		return builder.PurgeOptions{CurrentVersion: true, Runners: true}, nil
	default:
		return builder.PurgeOptions{}, fmt.Errorf("unknown purge scope %q", scope)
	}
}

func runPurge(opts builder.PurgeOptions, verbose bool) error {
	settings, err := infra.LoadSettings()
	if err != nil {
		return err
	}
	logger, err := initLogger(settings.LogLevel, verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := builder.NewDockerEngine(settings.Docker.Host, logger, os.Stdout)
	if err != nil {
		return err
	}
	defer engine.Close()

	_, err = builder.NewPurgeService(engine, logger).Purge(context.Background(), opts)
	return err
}
