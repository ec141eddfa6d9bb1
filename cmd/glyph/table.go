package main

import (
	"io"
	"math"
	"os"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/mattn/go-isatty"

	"xdao.co/glyph/timeindex"
)

var inf = math.Inf(1)

type columnAlignment int

const (
	alignLeft columnAlignment = iota
	alignRight
)

// renderTable writes a rounded table on terminals and TSV otherwise.
func renderTable(w io.Writer, headers []string, rows [][]string, aligns []columnAlignment) {
	columns := len(headers)
	if columns == 0 {
		return
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i := range headers {
		header[i] = headers[i]
	}
	tw.AppendHeader(header)
	for _, row := range rows {
		r := make(table.Row, columns)
		for i := 0; i < columns; i++ {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		align := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			align = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	if isTerminal(w) {
		tw.Render()
		return
	}
	tw.RenderTSV()
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func renderPoints(w io.Writer, pts []timeindex.TimePoint) {
	rows := make([][]string, len(pts))
	for i, p := range pts {
		ref := p.Ref.Key()
		if p.Provisional {
			ref = "(provisional)"
		}
		rows[i] = []string{
			p.Layer,
			strconv.FormatUint(p.Index, 10),
			strconv.FormatFloat(p.Phase, 'f', 6, 64),
			strconv.FormatFloat(p.Radius, 'f', 6, 64),
			strconv.FormatFloat(p.Weight, 'f', 3, 64),
			ref,
		}
	}
	renderTable(w, []string{"LAYER", "INDEX", "PHASE", "RADIUS", "WEIGHT", "FINGERPRINT"}, rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignLeft})
}
