package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sharedcode/annostore"
	"github.com/sharedcode/annostore/materialize"
	"github.com/sharedcode/annostore/persist"
	"github.com/sharedcode/annostore/store"
)

const keyArgs = "<project> <document> <owner>"

func ownersCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "owners <project> <document>",
		Short: "List the owners having a state for a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, d, err := parseDocument(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				owners, err := s.ListOwners(cmd.Context(), p, d)
				if err != nil {
					return err
				}
				for _, o := range owners {
					fmt.Fprintln(cmd.OutOrStdout(), o)
				}
				return nil
			})
		},
	}
}

func catCmd(g *globalFlags) *cobra.Command {
	var snapshot string
	var raw bool
	cmd := &cobra.Command{
		Use:   "cat " + keyArgs,
		Short: "Print the current revision, or a snapshot, of a state",
		Long: `Print the current revision of a state without taking locks.
Revisions stored under an older schema are printed upgraded unless --raw is set.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				var ba []byte
				switch {
				case snapshot != "":
					ts, err := parseTimestamp(snapshot)
					if err != nil {
						return err
					}
					if ba, err = s.ReadSnapshot(cmd.Context(), key, ts); err != nil {
						return err
					}
				case raw:
					if ba, err = s.Backend().ReadFile(cmd.Context(), persist.StatePath(key)); err != nil {
						return err
					}
				default:
					h, err := s.ReadState(cmd.Context(), nil, key, annostore.AutoUpgrade, annostore.Unmanaged)
					if err != nil {
						return err
					}
					ba = h.Data
				}
				_, err := cmd.OutOrStdout().Write(append(ba, '\n'))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&snapshot, "snapshot", "", "print the snapshot taken at this timestamp")
	cmd.Flags().BoolVar(&raw, "raw", false, "print the stored bytes without upgrading them")
	return cmd
}

func historyCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "history " + keyArgs,
		Short: "List the snapshots of a state, oldest first",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				history, err := s.History(cmd.Context(), key)
				if err != nil {
					return err
				}
				for _, snap := range history {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\t%d\n",
						snap.Timestamp.UnixNano(), snap.Timestamp.UTC().Format(time.RFC3339Nano), snap.Size)
				}
				return nil
			})
		},
	}
}

func restoreCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restore " + keyArgs + " <timestamp>",
		Short: "Make a snapshot the current revision of a state",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			ts, err := parseTimestamp(args[3])
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				if _, err := s.RestoreSnapshot(cmd.Context(), nil, key, ts); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "restored %s to %s\n", key, ts.Format(time.RFC3339Nano))
				return nil
			})
		},
	}
}

func rmCmd(g *globalFlags) *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "rm " + keyArgs,
		Short: "Delete a state and its history",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				if wait {
					return s.DeleteState(cmd.Context(), key)
				}
				return s.TryDeleteState(cmd.Context(), key)
			})
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for holders instead of failing on a busy key")
	return cmd
}

func pruneCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune " + keyArgs,
		Short: "Apply the retention limits to the history of a state",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				return s.Prune(cmd.Context(), nil, key)
			})
		},
	}
}

func upgradeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade " + keyArgs,
		Short: "Persist a state upgraded to the configured schema version",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}
			return g.withStore(cmd, func(s *store.Store) error {
				h, err := s.ReadState(cmd.Context(), nil, key, annostore.AutoUpgrade, annostore.ExclusiveWrite)
				if err != nil {
					return err
				}
				if h.Upgraded {
					fmt.Fprintf(cmd.OutOrStdout(), "upgraded %s to schema version %d\n", key, h.SchemaVersion)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%s is at schema version %d\n", key, h.SchemaVersion)
				}
				return nil
			})
		},
	}
}

func initCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init <project> <document> <source-file>",
		Short: "Import a source file and build the document's initial state",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, d, err := parseDocument(args)
			if err != nil {
				return err
			}
			src, err := os.ReadFile(args[2])
			if err != nil {
				return err
			}
			ref := materialize.DocumentRef{
				ProjectID:  p,
				DocumentID: d,
				Name:       filepath.Base(args[2]),
				Format:     format,
			}
			return g.withStore(cmd, func(s *store.Store) error {
				if err := s.PutSource(cmd.Context(), ref, src); err != nil {
					return err
				}
				h, err := s.CreateOrReadInitialState(cmd.Context(), nil, ref, annostore.SharedReadOnly)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", h.Key, len(h.Data))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "source format (text or textlines); inferred from the file name when empty")
	return cmd
}
