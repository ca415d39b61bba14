package weights

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"testing/iotest"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/forecast/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newModel(t *testing.T, seed int64) *model.Model {
	t.Helper()
	config := model.TinyConfig()
	config.Seed = seed
	m, err := model.New(config, device.NewCPUBackend())
	require.NoError(t, err)
	return m
}

func TestLoader_RoundTrip(t *testing.T) {
	src := newModel(t, 1)
	dst := newModel(t, 2)

	srcHead := src.Head.Output.Weight.ToHost()
	require.NotEqual(t, srcHead, dst.Head.Output.Weight.ToHost())

	path := filepath.Join(t.TempDir(), "tiny.bin")
	require.NoError(t, NewLoader(src).SaveToRawBinary(path))
	require.NoError(t, NewLoader(dst).LoadFromRawBinary(path))

	assert.Equal(t, srcHead, dst.Head.Output.Weight.ToHost())
	assert.Equal(t,
		src.Decoder.Layers[1].Attention.QKV.Weight.ToHost(),
		dst.Decoder.Layers[1].Attention.QKV.Weight.ToHost())

	info, err := os.Stat(path)
	require.NoError(t, err)
	var values int
	for _, p := range model.Parameters(src.Components()) {
		r, c := p.Tensor.Dims()
		values += r * c
	}
	assert.Equal(t, int64(4*values), info.Size())
}

// stallingReader returns (0, nil) on every other Read.
type stallingReader struct {
	r     io.Reader
	stall bool
}

func (s *stallingReader) Read(p []byte) (int, error) {
	s.stall = !s.stall
	if s.stall {
		return 0, nil
	}
	return s.r.Read(p)
}

func TestLoader_Errors(t *testing.T) {
	m := newModel(t, 1)
	loader := NewLoader(m)

	t.Run("MissingFile", func(t *testing.T) {
		assert.Error(t, loader.LoadFromRawBinary("non_existent_file"))
	})

	t.Run("Truncated", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, loader.Save(&buf))
		truncated := buf.Bytes()[:buf.Len()-2]

		err := loader.Load(bytes.NewReader(truncated))
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("TrailingData", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, loader.Save(&buf))
		buf.Write([]byte{0, 0, 0, 0})

		assert.ErrorIs(t, loader.Load(&buf), ErrTrailingData)
	})

	t.Run("TrailingDataAfterEmptyRead", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, loader.Save(&buf))
		buf.WriteByte(1)

		r := &stallingReader{r: &buf}
		assert.ErrorIs(t, loader.Load(r), ErrTrailingData)
	})

	t.Run("ExactLengthAfterEmptyRead", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, loader.Save(&buf))

		assert.NoError(t, loader.Load(&stallingReader{r: &buf}))
	})

	t.Run("ReadErrorAtEnd", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, loader.Save(&buf))
		errDisk := errors.New("disk failure")

		err := loader.Load(io.MultiReader(&buf, iotest.ErrReader(errDisk)))
		assert.ErrorIs(t, err, errDisk)
		assert.NotErrorIs(t, err, ErrTrailingData)
	})
}
