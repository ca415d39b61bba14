package series

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"store-1", "store-1"},
		{"  Café Sales ", "cafe_sales"},
		{"Zürich\tNorth", "zurich_north"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeID(tt.in), "NormalizeID(%q)", tt.in)
	}
}

func TestBatch_Append(t *testing.T) {
	b := &Batch{}
	b.Append("A", []float32{1}, 2)
	b.Append("", []float32{2}, 0)

	assert.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"a", "series-1"}, b.IDs)
	assert.Equal(t, []int{2, 0}, b.Freq)
}

func TestArrow_RoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	in := &Batch{}
	in.Append("a", []float32{1, 2, 3}, 0)
	in.Append("b", []float32{4, 5}, 2)

	rec := BuildRecord(mem, in)
	defer rec.Release()
	assert.Equal(t, int64(2), rec.NumRows())
	assert.True(t, rec.Schema().Equal(InputSchema))

	out, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	t.Run("IPC", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteIPC(&buf, rec, rec))

		got, err := ReadIPC(&buf, mem)
		require.NoError(t, err)
		assert.Equal(t, 4, got.Len())
		assert.Equal(t, []float32{4, 5}, got.Values[3])
	})
}

func TestFromRecord_Float64Values(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{
		{Name: FieldSeries, Type: arrow.ListOf(arrow.PrimitiveTypes.Float64)},
	}, nil)

	lb := array.NewListBuilder(mem, arrow.PrimitiveTypes.Float64)
	defer lb.Release()
	vb := lb.ValueBuilder().(*array.Float64Builder)
	lb.Append(true)
	vb.AppendValues([]float64{0.5, 1.5}, nil)

	col := lb.NewArray()
	defer col.Release()
	rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
	defer rec.Release()

	b, err := FromRecord(rec)
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 1.5}, b.Values[0])
	assert.Equal(t, []string{"series-0"}, b.IDs)
	assert.Equal(t, []int{0}, b.Freq)
}

func TestFromRecord_SchemaErrors(t *testing.T) {
	mem := memory.NewGoAllocator()

	fb := array.NewFloat32Builder(mem)
	defer fb.Release()
	fb.AppendValues([]float32{1}, nil)
	col := fb.NewArray()
	defer col.Release()

	t.Run("MissingColumn", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: "other", Type: arrow.PrimitiveTypes.Float32}}, nil)
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()
		_, err := FromRecord(rec)
		assert.ErrorIs(t, err, ErrSchema)
	})

	t.Run("NotAList", func(t *testing.T) {
		schema := arrow.NewSchema([]arrow.Field{{Name: FieldSeries, Type: arrow.PrimitiveTypes.Float32}}, nil)
		rec := array.NewRecordBatch(schema, []arrow.Array{col}, 1)
		defer rec.Release()
		_, err := FromRecord(rec)
		assert.ErrorIs(t, err, ErrSchema)
	})
}

func TestReadCSV(t *testing.T) {
	input := `# comment
store one, 1, 2, 3
4,5,6,
`
	b, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)
	require.Equal(t, 2, b.Len())
	assert.Equal(t, []string{"store_one", "series-1"}, b.IDs)
	assert.Equal(t, []float32{1, 2, 3}, b.Values[0])
	assert.Equal(t, []float32{4, 5, 6}, b.Values[1])

	t.Run("BadValue", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("a,1,x\n"))
		assert.Error(t, err)
	})

	t.Run("NoValues", func(t *testing.T) {
		_, err := ReadCSV(strings.NewReader("only-id\n"))
		assert.ErrorIs(t, err, ErrEmpty)
		_, err = ReadCSV(strings.NewReader(""))
		assert.ErrorIs(t, err, ErrEmpty)
	})
}

func TestSynthetic(t *testing.T) {
	a := Synthetic(3, 50, 7)
	b := Synthetic(3, 50, 7)
	assert.Equal(t, a, b)
	assert.Equal(t, 3, a.Len())
	for _, v := range a.Values {
		assert.Len(t, v, 50)
	}
	assert.Equal(t, []int{0, 1, 2}, a.Freq)
	assert.NotEqual(t, a.Values, Synthetic(3, 50, 8).Values)
}

func TestTransport(t *testing.T) {
	tr, err := ParseTransport("FP16")
	require.NoError(t, err)
	assert.Equal(t, TransportFP16, tr)
	assert.Equal(t, "fp16", tr.String())

	tr, err = ParseTransport("")
	require.NoError(t, err)
	assert.Equal(t, TransportFP32, tr)

	_, err = ParseTransport("int8")
	assert.Error(t, err)

	values := []float32{0, 1, -2.5, 1024, 0.333}
	back := FromFloat16(ToFloat16(values))
	assert.InDeltaSlice(t, values, back, 1e-3)
	assert.Equal(t, uint16(0x3c00), ToFloat16([]float32{1})[0])
}
