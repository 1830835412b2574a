package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/arkilian/iobench/internal/backend"
	"github.com/arkilian/iobench/internal/backend/builtin"
	"github.com/arkilian/iobench/pkg/types"
)

func newBackendsCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List compiled-in backends and their capabilities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return writeBackends(stdout, builtin.NewRegistry())
		},
	}
}

func writeBackends(w io.Writer, r *backend.Registry) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.Style().Format.Header = text.FormatDefault
	t.AppendHeader(table.Row{"id", "collective", "filters", "max ranks"})

	for _, id := range r.IDs() {
		b, err := r.Instance(id)
		if err != nil {
			return err
		}
		caps := backend.CapabilitiesOf(b)
		filters := lo.Map(caps.Filters, func(f types.Filter, _ int) string { return string(f) })
		maxRanks := "any"
		if caps.MaxRanks > 0 {
			maxRanks = fmt.Sprint(caps.MaxRanks)
		}
		t.AppendRow(table.Row{id, caps.Collective, strings.Join(filters, ", "), maxRanks})
	}
	t.Render()
	return nil
}
