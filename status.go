package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/adestefa/tm-isync-adapter/internal/config"
	"github.com/adestefa/tm-isync-adapter/internal/sync"
)

// maxFailureRows caps the failures table so a badly broken store doesn't
// flood the terminal.
const maxFailureRows = 20

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and sync state",
		Long: `Read the state store and print a summary: whether a daemon appears to
be running, record counts by state, and recent upload failures. Read-only;
safe to run while the daemon is active.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout, err := config.ResolveLayout()
			if err != nil {
				return err
			}

			return printStatus(cmd.OutOrStdout(), layout)
		},
	}
}

func printStatus(w io.Writer, layout config.Layout) error {
	printDaemonLine(w, layout)

	if _, err := os.Stat(layout.StatePath()); errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(w, "State:  empty (no sync has run yet)")
		return nil
	}

	records, err := sync.ReadRecords(layout.StatePath())
	if err != nil {
		return err
	}

	printSummary(w, records)
	printFailures(w, records)

	return nil
}

// printDaemonLine reports whether a daemon appears to be running, based on
// the PID file.
func printDaemonLine(w io.Writer, layout config.Layout) {
	pid, err := readPIDFile(layout.PIDPath())
	if err != nil {
		fmt.Fprintln(w, "Daemon: not running")
		return
	}

	fmt.Fprintf(w, "Daemon: running (pid %d)\n", pid)
}

func printSummary(w io.Writer, records []*sync.FileRecord) {
	var uploaded, pending, failed int

	var totalBytes int64

	var lastSuccess int64

	for _, rec := range records {
		switch rec.State {
		case sync.StateUploaded:
			uploaded++
			totalBytes += rec.Size
		case sync.StatePending:
			pending++
		case sync.StateFailed:
			failed++
		}

		if rec.LastSuccess > lastSuccess {
			lastSuccess = rec.LastSuccess
		}
	}

	fmt.Fprintf(w, "Files:  %d tracked — %d uploaded (%s), %d pending, %d failed\n",
		len(records), uploaded, humanize.Bytes(uint64(totalBytes)), pending, failed)

	if lastSuccess > 0 {
		fmt.Fprintf(w, "Last upload: %s\n", humanize.Time(time.Unix(0, lastSuccess)))
	}
}

// printFailures lists failed records, most recently attempted first.
func printFailures(w io.Writer, records []*sync.FileRecord) {
	var failures []*sync.FileRecord

	for _, rec := range records {
		if rec.State == sync.StateFailed {
			failures = append(failures, rec)
		}
	}

	if len(failures) == 0 {
		return
	}

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].LastAttempt > failures[j].LastAttempt
	})

	if len(failures) > maxFailureRows {
		failures = failures[:maxFailureRows]
	}

	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FAILED FILE\tLAST ATTEMPT\tERROR")

	for _, rec := range failures {
		fmt.Fprintf(tw, "%s\t%s\t%s\n",
			rec.RelativePath,
			humanize.Time(time.Unix(0, rec.LastAttempt)),
			rec.LastError,
		)
	}

	tw.Flush()
}
