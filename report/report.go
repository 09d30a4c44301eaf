// Package report renders pairing manifests as terminal tables.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"pairfinder/types"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Row is one line of the summary: how many records ended in State with Reason
type Row struct {
	State  types.TerminalState
	Reason string
	Count  int
}

// Summary counts records per terminal state and reason. Confirmed rows come
// first, then orphans, each sorted by reason.
func Summary(m types.PairingManifest) []Row {
	counts := make(map[Row]int)
	for _, a := range m.Actions {
		counts[Row{State: a.State, Reason: a.Reason}]++
	}
	rows := make([]Row, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		rows = append(rows, k)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].State != rows[j].State {
			return rows[i].State == types.StateConfirmed
		}
		return rows[i].Reason < rows[j].Reason
	})
	return rows
}

// RenderSummary writes the per-state table followed by the totals line
func RenderSummary(w io.Writer, m types.PairingManifest) error {
	rows := Summary(m)
	body := make([][]string, 0, len(rows))
	for _, r := range rows {
		body = append(body, []string{string(r.State), r.Reason, fmt.Sprintf("%d", r.Count)})
	}
	out := renderTable([]string{"State", "Reason", "Records"}, body, []text.Align{text.AlignLeft, text.AlignLeft, text.AlignRight})

	var b strings.Builder
	if out != "" {
		b.WriteString(out)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%d pairs, %d hq orphans, %d lq orphans", len(m.Pairs), len(m.OrphansHQ), len(m.OrphansLQ))
	if m.Partial {
		b.WriteString(" (partial: session was cancelled)")
	}
	b.WriteByte('\n')
	for _, warning := range m.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", warning)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RenderPairs writes one row per confirmed pair
func RenderPairs(w io.Writer, m types.PairingManifest) error {
	if len(m.Pairs) == 0 {
		_, err := io.WriteString(w, "no confirmed pairs\n")
		return err
	}
	body := make([][]string, 0, len(m.Pairs))
	for _, p := range m.Pairs {
		transform := "-"
		if p.Transform != nil {
			transform = fmt.Sprintf("%s (%.2f px)", p.Transform.Kind, p.Transform.ResidualError)
		}
		method := string(p.Method)
		if p.Ambiguous {
			method += "*"
		}
		body = append(body, []string{
			p.HQPath,
			p.LQPath,
			fmt.Sprintf("%.3f", p.Similarity),
			p.Scale.String(),
			method,
			transform,
		})
	}
	out := renderTable(
		[]string{"HQ", "LQ", "Similarity", "Scale", "Method", "Transform"},
		body,
		[]text.Align{text.AlignLeft, text.AlignLeft, text.AlignRight, text.AlignRight, text.AlignLeft, text.AlignLeft},
	)
	_, err := io.WriteString(w, out+"\n")
	return err
}

func renderTable(headers []string, rows [][]string, aligns []text.Align) string {
	if len(rows) == 0 {
		return ""
	}
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, len(headers))
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, len(headers))
		for i := range headers {
			if i < len(row) {
				r[i] = row[i]
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, len(headers))
	for i := range headers {
		align := text.AlignLeft
		if i < len(aligns) {
			align = aligns[i]
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)
	return tw.Render()
}
