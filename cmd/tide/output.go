package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/olekukonko/tablewriter"

	"github.com/23skdu/longbow-tide/internal/client"
	"github.com/23skdu/longbow-tide/internal/series"
)

// writeTable renders one row per series and step.
func writeTable(w io.Writer, ids []string, full [][][]float32, quantiles []float64) {
	header := []string{"ID", "STEP", "MEAN"}
	for _, q := range quantiles {
		header = append(header, "Q"+strconv.FormatFloat(q, 'f', -1, 64))
	}

	var data [][]string
	for i, f := range full {
		for step, row := range f {
			line := []string{ids[i], strconv.Itoa(step + 1)}
			for _, v := range row {
				line = append(line, fmt.Sprintf("%.4f", v))
			}
			data = append(data, line)
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

// writeArrow writes forecasts as an Arrow IPC stream.
func writeArrow(w io.Writer, ids []string, full [][][]float32, quantiles []float64, transport series.Transport) error {
	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator(), quantiles, transport)
	rec, err := builder.BuildRecordBatch(ids, full)
	if err != nil || rec == nil {
		return err
	}
	defer rec.Release()
	return series.WriteIPC(w, rec)
}
