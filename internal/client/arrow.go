package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/23skdu/longbow-tide/internal/series"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/float16"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	FieldMean      = "mean"
	quantilePrefix = "quantile_"
)

// QuantileField names the column holding quantile q.
func QuantileField(q float64) string {
	return quantilePrefix + strconv.FormatFloat(q, 'f', -1, 64)
}

// SchemaQuantiles returns the quantile levels of a forecast schema in column order.
func SchemaQuantiles(schema *arrow.Schema) ([]float64, error) {
	var out []float64
	for _, f := range schema.Fields() {
		level, ok := strings.CutPrefix(f.Name, quantilePrefix)
		if !ok {
			continue
		}
		q, err := strconv.ParseFloat(level, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad quantile column %q", series.ErrSchema, f.Name)
		}
		out = append(out, q)
	}
	return out, nil
}

// RecordBatchBuilder creates Arrow RecordBatches from forecasts.
type RecordBatchBuilder struct {
	mem       memory.Allocator
	quantiles []float64
	transport series.Transport
}

// NewRecordBatchBuilder creates a builder for forecasts with the given
// quantile levels. fp16 transport stores values as list<float16>.
func NewRecordBatchBuilder(mem memory.Allocator, quantiles []float64, transport series.Transport) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem, quantiles: quantiles, transport: transport}
}

func (b *RecordBatchBuilder) valueType() arrow.DataType {
	if b.transport == series.TransportFP16 {
		return arrow.FixedWidthTypes.Float16
	}
	return arrow.PrimitiveTypes.Float32
}

// Schema is id, mean, then one column per quantile level.
func (b *RecordBatchBuilder) Schema() *arrow.Schema {
	fields := []arrow.Field{
		{Name: series.FieldID, Type: arrow.BinaryTypes.String},
		{Name: FieldMean, Type: arrow.ListOf(b.valueType())},
	}
	for _, q := range b.quantiles {
		fields = append(fields, arrow.Field{Name: QuantileField(q), Type: arrow.ListOf(b.valueType())})
	}
	return arrow.NewSchema(fields, nil)
}

// BuildRecordBatch converts forecasts laid out [series][step][mean, quantiles...]
// into a RecordBatch. It returns nil for an empty batch.
func (b *RecordBatchBuilder) BuildRecordBatch(ids []string, full [][][]float32) (arrow.RecordBatch, error) {
	if len(full) == 0 {
		return nil, nil
	}
	if len(ids) != len(full) {
		return nil, fmt.Errorf("%d ids for %d forecasts", len(ids), len(full))
	}
	channels := 1 + len(b.quantiles)
	for i, f := range full {
		for _, row := range f {
			if len(row) != channels {
				return nil, fmt.Errorf("forecast %d has %d channels, want %d", i, len(row), channels)
			}
		}
	}

	idBuilder := array.NewStringBuilder(b.mem)
	defer idBuilder.Release()
	idBuilder.AppendValues(ids, nil)

	cols := []arrow.Array{idBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	for c := 0; c < channels; c++ {
		cols = append(cols, b.buildChannel(full, c))
	}
	return array.NewRecordBatch(b.Schema(), cols, int64(len(full))), nil
}

func (b *RecordBatchBuilder) buildChannel(full [][][]float32, c int) arrow.Array {
	listBuilder := array.NewListBuilder(b.mem, b.valueType())
	defer listBuilder.Release()

	switch vb := listBuilder.ValueBuilder().(type) {
	case *array.Float16Builder:
		for _, f := range full {
			listBuilder.Append(true)
			for _, row := range f {
				vb.Append(float16.New(row[c]))
			}
		}
	case *array.Float32Builder:
		for _, f := range full {
			listBuilder.Append(true)
			for _, row := range f {
				vb.Append(row[c])
			}
		}
	}
	return listBuilder.NewArray()
}

// ReadForecastRecord decodes a record produced by BuildRecordBatch back into
// ids and [series][step][channel] values.
func ReadForecastRecord(rec arrow.RecordBatch) ([]string, [][][]float32, error) {
	schema := rec.Schema()
	idIdx := schema.FieldIndices(series.FieldID)
	if len(idIdx) == 0 {
		return nil, nil, fmt.Errorf("%w: missing %q column", series.ErrSchema, series.FieldID)
	}
	idCol, ok := rec.Column(idIdx[0]).(*array.String)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q is not a string column", series.ErrSchema, series.FieldID)
	}

	rows := int(rec.NumRows())
	ids := make([]string, rows)
	for i := range ids {
		ids[i] = idCol.Value(i)
	}

	var channels [][][]float32
	for i, f := range schema.Fields() {
		if i == idIdx[0] {
			continue
		}
		list, ok := rec.Column(i).(*array.List)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %q is not a list column", series.ErrSchema, f.Name)
		}
		values, err := channelValues(list)
		if err != nil {
			return nil, nil, err
		}
		channels = append(channels, values)
	}
	if len(channels) == 0 {
		return nil, nil, fmt.Errorf("%w: no value columns", series.ErrSchema)
	}

	full := make([][][]float32, rows)
	for r := range full {
		steps := len(channels[0][r])
		full[r] = make([][]float32, steps)
		for s := range full[r] {
			row := make([]float32, len(channels))
			for c := range channels {
				row[c] = channels[c][r][s]
			}
			full[r][s] = row
		}
	}
	return ids, full, nil
}

func channelValues(list *array.List) ([][]float32, error) {
	out := make([][]float32, list.Len())
	switch child := list.ListValues().(type) {
	case *array.Float32:
		raw := child.Float32Values()
		for i := range out {
			start, end := list.ValueOffsets(i)
			out[i] = append([]float32(nil), raw[start:end]...)
		}
	case *array.Float16:
		raw := child.Values()
		for i := range out {
			start, end := list.ValueOffsets(i)
			row := make([]float32, end-start)
			for j, v := range raw[start:end] {
				row[j] = v.Float32()
			}
			out[i] = row
		}
	default:
		return nil, fmt.Errorf("%w: unsupported value type %s", series.ErrSchema, child.DataType())
	}
	return out, nil
}
