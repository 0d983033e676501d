package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sweeney/callstats/internal/aggregator"
	"github.com/sweeney/callstats/internal/ingest"
	"github.com/sweeney/callstats/internal/record"
)

func newReplayCommand() *cobra.Command {
	var (
		asJSON bool
		strict bool
		top    int
	)

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Apply a capture file and print the resulting statistics",
		Long: `Replay applies every record in a capture file, in order, against a clock
driven by the capture's elapsed-millisecond timestamps. Untimed lines reuse
the previous timestamp. Files ending in .lz4 are decompressed; "-" reads stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := ingest.OpenCapture(args[0])
			if err != nil {
				return err
			}
			defer in.Close()

			res, err := replay(in, strict)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res.snapshot)
			}
			renderReport(out, res, top)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on the first unexpected transition or clock regression")
	cmd.Flags().IntVar(&top, "top", 20, "Number of parties to list (0 for all)")
	return cmd
}

type replayResult struct {
	entries  int
	lastAt   int64
	snapshot aggregator.Snapshot
}

// replay applies every entry in r serially. In strict mode the first
// unexpected transition or clock regression is returned as an error.
func replay(r io.Reader, strict bool) (res replayResult, err error) {
	clock := aggregator.NewManualClock(0)
	agg := aggregator.New(aggregator.WithClock(clock.Now), aggregator.WithStrict(strict))

	rd := record.NewReader(r)
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("entry %d: %v", res.entries+1, p)
		}
	}()

	for {
		e, ok := rd.Next()
		if !ok {
			break
		}
		if e.Timed {
			clock.Set(e.At)
			res.lastAt = e.At
		}
		agg.OnRecord(e.Text)
		res.entries++
	}
	if err := rd.Err(); err != nil {
		return res, fmt.Errorf("reading capture: %w", err)
	}

	res.snapshot = agg.Snapshot()
	return res, nil
}

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	return tbl
}

func humanMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func renderReport(w io.Writer, res replayResult, top int) {
	snap := res.snapshot

	summary := newTable(w)
	summary.SetTitle("Summary")
	summary.AppendRows([]table.Row{
		{"Entries", humanize.Comma(int64(res.entries))},
		{"Span", humanMs(res.lastAt)},
		{"Active calls", humanize.Comma(int64(snap.ActiveCalls))},
		{"Completed calls", humanize.Comma(int64(snap.CompletedCalls))},
	})
	for _, reason := range aggregator.RejectReasons() {
		summary.AppendRow(table.Row{"Rejected " + string(reason), humanize.Comma(snap.Rejected.Get(reason))})
	}
	summary.Render()

	phases := newTable(w)
	phases.SetTitle("Time per phase")
	phases.AppendHeader(table.Row{"Phase", "Total ms", "Duration"})
	for _, p := range record.Phases() {
		ms, ok := snap.PhaseMs[p]
		if !ok {
			continue
		}
		phases.AppendRow(table.Row{p.String(), humanize.Comma(ms), humanMs(ms)})
	}
	phases.Render()

	type partyTotal struct {
		party string
		ms    int64
	}
	parties := make([]partyTotal, 0, len(snap.PartyMs))
	for party, ms := range snap.PartyMs {
		parties = append(parties, partyTotal{party, ms})
	}
	sort.Slice(parties, func(i, j int) bool {
		if parties[i].ms != parties[j].ms {
			return parties[i].ms > parties[j].ms
		}
		return parties[i].party < parties[j].party
	})
	total := len(parties)
	if top > 0 && len(parties) > top {
		parties = parties[:top]
	}

	pt := newTable(w)
	pt.SetTitle("Time per party")
	pt.AppendHeader(table.Row{"Party", "Total ms", "Duration"})
	for _, p := range parties {
		pt.AppendRow(table.Row{p.party, humanize.Comma(p.ms), humanMs(p.ms)})
	}
	pt.AppendFooter(table.Row{fmt.Sprintf("%d of %d parties", len(parties), total), "", ""})
	pt.Render()
}
