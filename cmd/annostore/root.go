package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/store"
)

type globalFlags struct {
	config   string
	root     string
	logLevel string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "annostore [subcommand]",
		Short: "Inspect and maintain an annotation state store",
		Long: `Inspect and maintain an annotation state store.
The store is opened from --config, or from --root as a standalone filesystem store.`,
		// Errors are printed once by main.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.logLevel != "" {
				annostore.SetLogLevel(annostore.ParseLogLevel(g.logLevel))
			}
		},
	}
	cmd.PersistentFlags().StringVar(&g.config, "config", "", "JSON or YAML store configuration file")
	cmd.PersistentFlags().StringVar(&g.root, "root", "", "filesystem root of a standalone store (ignored with --config)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")
	cmd.AddCommand(
		ownersCmd(g),
		catCmd(g),
		historyCmd(g),
		restoreCmd(g),
		rmCmd(g),
		pruneCmd(g),
		upgradeCmd(g),
		initCmd(g),
	)
	return cmd
}

func (g *globalFlags) open(ctx context.Context) (*store.Store, error) {
	var cfg annostore.Config
	switch {
	case g.config != "":
		var err error
		if cfg, err = annostore.LoadConfig(g.config); err != nil {
			return nil, err
		}
	case g.root != "":
		cfg = annostore.DefaultConfig(g.root)
	default:
		return nil, fmt.Errorf("one of --config or --root is required")
	}
	return store.Open(ctx, cfg)
}

// withStore opens the store for the duration of fn.
func (g *globalFlags) withStore(cmd *cobra.Command, fn func(*store.Store) error) error {
	s, err := g.open(cmd.Context())
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	return id, nil
}

func parseDocument(args []string) (int64, int64, error) {
	p, err := parseID(args[0], "project id")
	if err != nil {
		return 0, 0, err
	}
	d, err := parseID(args[1], "document id")
	if err != nil {
		return 0, 0, err
	}
	return p, d, nil
}

func parseKey(args []string) (annostore.StorageKey, error) {
	p, d, err := parseDocument(args)
	if err != nil {
		return annostore.StorageKey{}, err
	}
	return annostore.NewStorageKey(p, d, args[2])
}

// parseTimestamp accepts nanoseconds since the epoch, as printed by history,
// or an RFC 3339 time.
func parseTimestamp(s string) (time.Time, error) {
	if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(0, ns).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", s)
	}
	return t, nil
}
