package series

import (
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

const (
	FieldID     = "id"
	FieldSeries = "series"
	FieldFreq   = "freq"
)

// InputSchema is the record layout accepted by the Arrow endpoints.
var InputSchema = arrow.NewSchema(
	[]arrow.Field{
		{Name: FieldID, Type: arrow.BinaryTypes.String},
		{Name: FieldSeries, Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
		{Name: FieldFreq, Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	},
	nil,
)

// BuildRecord encodes b with InputSchema. The caller releases the record.
func BuildRecord(mem memory.Allocator, b *Batch) arrow.RecordBatch {
	idBuilder := array.NewStringBuilder(mem)
	defer idBuilder.Release()
	listBuilder := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float32)
	defer listBuilder.Release()
	valueBuilder := listBuilder.ValueBuilder().(*array.Float32Builder)
	freqBuilder := array.NewInt32Builder(mem)
	defer freqBuilder.Release()

	for i, values := range b.Values {
		idBuilder.Append(b.IDs[i])
		listBuilder.Append(true)
		valueBuilder.AppendValues(values, nil)
		freqBuilder.Append(int32(b.Freq[i]))
	}

	cols := []arrow.Array{idBuilder.NewArray(), listBuilder.NewArray(), freqBuilder.NewArray()}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()
	return array.NewRecordBatch(InputSchema, cols, int64(b.Len()))
}

// FromRecord decodes a record carrying a list<float32|float64> "series"
// column. The "id" and "freq" columns are optional.
func FromRecord(rec arrow.RecordBatch) (*Batch, error) {
	schema := rec.Schema()
	indices := schema.FieldIndices(FieldSeries)
	if len(indices) == 0 {
		return nil, fmt.Errorf("%w: missing %q column", ErrSchema, FieldSeries)
	}
	list, ok := rec.Column(indices[0]).(*array.List)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s, want list", ErrSchema, FieldSeries, rec.Column(indices[0]).DataType())
	}

	values, err := listValues(list)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(values))
	if idx := schema.FieldIndices(FieldID); len(idx) > 0 {
		switch col := rec.Column(idx[0]).(type) {
		case *array.String:
			for i := range ids {
				ids[i] = col.Value(i)
			}
		case *array.Binary:
			for i := range ids {
				ids[i] = string(col.Value(i))
			}
		default:
			return nil, fmt.Errorf("%w: %q is %s", ErrSchema, FieldID, col.DataType())
		}
	}

	freq := make([]int, len(values))
	if idx := schema.FieldIndices(FieldFreq); len(idx) > 0 {
		switch col := rec.Column(idx[0]).(type) {
		case *array.Int32:
			for i := range freq {
				if col.IsValid(i) {
					freq[i] = int(col.Value(i))
				}
			}
		case *array.Int64:
			for i := range freq {
				if col.IsValid(i) {
					freq[i] = int(col.Value(i))
				}
			}
		default:
			return nil, fmt.Errorf("%w: %q is %s", ErrSchema, FieldFreq, col.DataType())
		}
	}

	b := &Batch{}
	for i := range values {
		b.Append(ids[i], values[i], freq[i])
	}
	return b, nil
}

func listValues(list *array.List) ([][]float32, error) {
	out := make([][]float32, list.Len())
	switch child := list.ListValues().(type) {
	case *array.Float32:
		raw := child.Float32Values()
		for i := range out {
			start, end := list.ValueOffsets(i)
			out[i] = append([]float32(nil), raw[start:end]...)
		}
	case *array.Float64:
		raw := child.Float64Values()
		for i := range out {
			start, end := list.ValueOffsets(i)
			row := make([]float32, end-start)
			for j, v := range raw[start:end] {
				row[j] = float32(v)
			}
			out[i] = row
		}
	default:
		return nil, fmt.Errorf("%w: %q values are %s", ErrSchema, FieldSeries, child.DataType())
	}
	return out, nil
}

// ReadIPC decodes every record of an Arrow IPC stream into one batch.
func ReadIPC(r io.Reader, mem memory.Allocator) (*Batch, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	out := &Batch{}
	for reader.Next() {
		b, err := FromRecord(reader.Record())
		if err != nil {
			return nil, err
		}
		out.Merge(b)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// WriteIPC writes records as a single Arrow IPC stream.
func WriteIPC(w io.Writer, recs ...arrow.RecordBatch) error {
	if len(recs) == 0 {
		return nil
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(recs[0].Schema()))
	for _, rec := range recs {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}
