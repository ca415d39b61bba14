package client

import (
	"testing"

	"github.com/23skdu/longbow-tide/internal/series"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRecordBatch(t *testing.T) {
	pool := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer pool.AssertSize(t, 0)

	quantiles := []float64{0.1, 0.9}
	builder := NewRecordBatchBuilder(pool, quantiles, series.TransportFP32)
	full := [][][]float32{
		{{1, 0.5, 1.5}, {2, 1.5, 2.5}},
		{{3, 2.5, 3.5}, {4, 3.5, 4.5}},
	}

	t.Run("Empty input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch(nil, nil)
		assert.NoError(t, err)
		assert.Nil(t, rb)
	})

	t.Run("Mismatch", func(t *testing.T) {
		_, err := builder.BuildRecordBatch([]string{"a"}, full)
		assert.Error(t, err)
		_, err = builder.BuildRecordBatch([]string{"a"}, [][][]float32{{{1}}})
		assert.Error(t, err)
	})

	t.Run("Valid input", func(t *testing.T) {
		rb, err := builder.BuildRecordBatch([]string{"a", "b"}, full)
		require.NoError(t, err)
		defer rb.Release()

		assert.Equal(t, int64(2), rb.NumRows())
		assert.Equal(t, int64(4), rb.NumCols())
		assert.Equal(t, "id", rb.ColumnName(0))
		assert.Equal(t, "mean", rb.ColumnName(1))
		assert.Equal(t, "quantile_0.1", rb.ColumnName(2))
		assert.Equal(t, "quantile_0.9", rb.ColumnName(3))

		mean := rb.Column(1).(*array.List)
		assert.Equal(t, []int32{0, 2, 4}, mean.Offsets())
		values := mean.ListValues().(*array.Float32)
		assert.Equal(t, []float32{1, 2, 3, 4}, values.Float32Values())

		ids, got, err := ReadForecastRecord(rb)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
		assert.Equal(t, full, got)
	})

	t.Run("FP16", func(t *testing.T) {
		half := NewRecordBatchBuilder(pool, quantiles, series.TransportFP16)
		rb, err := half.BuildRecordBatch([]string{"a", "b"}, full)
		require.NoError(t, err)
		defer rb.Release()

		assert.True(t, arrow.TypeEqual(arrow.ListOf(arrow.FixedWidthTypes.Float16), rb.Schema().Field(1).Type))
		_, got, err := ReadForecastRecord(rb)
		require.NoError(t, err)
		// every value here is exactly representable in binary16
		assert.Equal(t, full, got)
	})
}

func TestSchemaQuantiles(t *testing.T) {
	quantiles := []float64{0.1, 0.25, 0.9}
	schema := NewRecordBatchBuilder(memory.NewGoAllocator(), quantiles, series.TransportFP16).Schema()

	got, err := SchemaQuantiles(schema)
	require.NoError(t, err)
	assert.Equal(t, quantiles, got)

	bad := arrow.NewSchema([]arrow.Field{
		{Name: series.FieldID, Type: arrow.BinaryTypes.String},
		{Name: "quantile_high", Type: arrow.ListOf(arrow.PrimitiveTypes.Float32)},
	}, nil)
	_, err = SchemaQuantiles(bad)
	assert.ErrorIs(t, err, series.ErrSchema)
}
