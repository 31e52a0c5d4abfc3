// Package history implements the history subcommand.
package history

import (
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/sheerbytes/shareio/internal/config"
	store "github.com/sheerbytes/shareio/internal/history"
	"github.com/sheerbytes/shareio/internal/termio"
)

// Run executes the history subcommand and returns the process exit code.
func Run(args []string) int {
	cfg, err := config.ParseHistoryConfig(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(termio.Stderr(), "history: %v\n", err)
		fmt.Fprintln(termio.Stderr(), "usage: shareio history -history FILE [-role R] [-status S] [-limit N] [-prune-older-than D]")
		return 2
	}

	s, err := store.Open(cfg.Path)
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "history: %v\n", err)
		return 1
	}
	defer s.Close()

	if cfg.PruneOlder > 0 {
		n, err := s.Prune(time.Now().Add(-cfg.PruneOlder))
		if err != nil {
			fmt.Fprintf(termio.Stderr(), "history: prune: %v\n", err)
			return 1
		}
		fmt.Fprintf(termio.Stdout(), "pruned %d entries\n", n)
	}

	entries, err := s.List(store.Filter{Role: cfg.Role, Status: cfg.Status, Limit: cfg.Limit})
	if err != nil {
		fmt.Fprintf(termio.Stderr(), "history: %v\n", err)
		return 1
	}

	tw := tabwriter.NewWriter(termio.Stdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tROLE\tSTATUS\tBYTES\tFILE\tSTORED AS\tVERIFIED\tREASON")
	for _, e := range entries {
		verified := "-"
		if e.Role == "sender" && e.Status == "completed" {
			verified = fmt.Sprintf("%t", e.Verified)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			e.FinishedAt.Local().Format(time.DateTime), e.Role, e.Status, e.Bytes, e.FileName, e.StoredAs, verified, e.Reason)
	}
	if err := tw.Flush(); err != nil {
		return 1
	}
	return 0
}
