package cmd

import (
	"fmt"
	"io"
	"strconv"

	"github.com/ethpandaops/chaincache/pkg/blockrange"
	"github.com/ethpandaops/chaincache/pkg/chunkstore"
	"github.com/ethpandaops/chaincache/pkg/coverage"
	"github.com/fatih/color"
	"github.com/rodaine/table"
)

//nolint:gochecknoglobals // Shared terminal colours
var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

func newTable(w io.Writer, headers ...any) table.Table {
	headerFmt := color.New(color.FgCyan, color.Underline).SprintfFunc()

	tbl := table.New(headers...)
	tbl.WithHeaderFormatter(headerFmt)
	tbl.WithWriter(w)

	return tbl
}

func formatStatus(s coverage.Status) string {
	switch s {
	case coverage.Full:
		return green(s.String())
	case coverage.Partial:
		return yellow(s.String())
	default:
		return red(s.String())
	}
}

func renderRanges(w io.Writer, key string, ranges []blockrange.Range) {
	fmt.Fprintln(w, bold("Coverage of "+key))

	if len(ranges) == 0 {
		fmt.Fprintln(w, "  no cached blocks")
		fmt.Fprintln(w)

		return
	}

	tbl := newTable(w, "Start", "End", "Blocks")

	var total uint64
	for _, r := range ranges {
		tbl.AddRow(r.Start, r.End, r.Len())
		total += r.Len()
	}

	tbl.Print()
	fmt.Fprintf(w, "%d ranges, %d blocks\n\n", len(ranges), total)
}

func renderGaps(w io.Writer, request blockrange.Range, gaps []blockrange.Range) {
	status := coverage.StatusOf(request, gaps)
	fmt.Fprintf(w, "%s %s: %s\n", bold("Request"), request, formatStatus(status))

	if len(gaps) == 0 {
		fmt.Fprintln(w)
		return
	}

	tbl := newTable(w, "Gap Start", "Gap End", "Blocks")
	for _, g := range gaps {
		tbl.AddRow(g.Start, g.End, g.Len())
	}

	tbl.Print()
	fmt.Fprintln(w)
}

func renderChunks(w io.Writer, chunks []chunkstore.Chunk) {
	tbl := newTable(w, "Chunk", "Start", "End", "Bytes")

	var total int64
	for _, c := range chunks {
		tbl.AddRow(c.ID, c.Range.Start, c.Range.End, c.ByteSize)
		total += c.ByteSize
	}

	tbl.Print()
	fmt.Fprintf(w, "%d chunks, %d bytes\n\n", len(chunks), total)
}

func renderPlan(w io.Writer, plan *chunkstore.RechunkPlan) {
	fmt.Fprintf(w, "%s %s (target %d bytes, split factor %s)\n",
		bold("Rechunk"), plan.Key, plan.TargetBytes, strconv.FormatFloat(plan.SplitFactor, 'f', -1, 64))

	tbl := newTable(w, "Action", "Inputs", "Outputs", "Range")

	for _, g := range plan.Groups {
		if g.Action == chunkstore.ActionKeep {
			continue
		}

		span := blockrange.Range{Start: g.Inputs[0].Range.Start, End: g.Inputs[len(g.Inputs)-1].Range.End}

		action := yellow(string(g.Action))
		if g.Action == chunkstore.ActionSplit {
			action = red(string(g.Action))
		}

		tbl.AddRow(action, len(g.Inputs), len(g.Outputs), span)
	}

	tbl.Print()

	state := "dry run"
	if plan.Applied {
		state = green("applied")
	}

	fmt.Fprintf(w, "%d merges, %d splits, %d chunks after (%s)\n", plan.Merges(), plan.Splits(), plan.ChunksAfter(), state)
}
