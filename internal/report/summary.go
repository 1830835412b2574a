package report

import (
	"io"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

// WriteSummary renders rows as a table on w.
func WriteSummary(w io.Writer, rows []Row) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault

	t.AppendHeader(table.Row{"#", "workload", "backend", "participation", "filter", "timer", "calls", "seconds", "per chunk"})
	for _, r := range rows {
		t.AppendRow(table.Row{
			r.Iteration,
			r.Workload,
			r.Backend,
			r.Participation,
			r.Filter,
			r.Timer,
			r.Calls,
			formatSeconds(r.Seconds()),
			formatSeconds(r.SecondsPerChunk()),
		})
	}
	t.Render()
}
