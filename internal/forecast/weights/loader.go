package weights

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/23skdu/longbow-tide/internal/device"
	"github.com/23skdu/longbow-tide/internal/forecast/model"
	"github.com/rs/zerolog/log"
)

// ErrTrailingData is returned when a weights file holds more values than the model.
var ErrTrailingData = errors.New("weights file has trailing data")

// Loader reads and writes model parameters as raw little-endian float32
// values, one tensor after another in model.Components order.
type Loader struct {
	Model *model.Model
}

// NewLoader creates a new weight loader for the given model.
func NewLoader(m *model.Model) *Loader {
	return &Loader{Model: m}
}

func (l *Loader) LoadFromRawBinary(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := l.Load(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads every parameter from r and requires r to be exhausted afterwards.
func (l *Loader) Load(r io.Reader) error {
	params := model.Parameters(l.Model.Components())
	var total int
	for i, p := range params {
		n, err := loadDense(r, p.Tensor)
		if err != nil {
			return fmt.Errorf("failed to load parameter %d (%s): %w", i, p.Name, err)
		}
		total += n
	}

	var extra [1]byte
	switch _, err := io.ReadFull(r, extra[:]); {
	case err == nil:
		return ErrTrailingData
	case !errors.Is(err, io.EOF):
		return fmt.Errorf("failed to check for trailing data: %w", err)
	}

	log.Info().Int("tensors", len(params)).Int("values", total).Msg("Weights loaded")
	return nil
}

func (l *Loader) SaveToRawBinary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	if err := l.Save(w); err != nil {
		file.Close()
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Save writes every parameter to w.
func (l *Loader) Save(w io.Writer) error {
	for i, p := range model.Parameters(l.Model.Components()) {
		if err := binary.Write(w, binary.LittleEndian, p.Tensor.ToHost()); err != nil {
			return fmt.Errorf("failed to save parameter %d (%s): %w", i, p.Name, err)
		}
	}
	return nil
}

func loadDense(r io.Reader, d device.Tensor) (int, error) {
	rows, cols := d.Dims()
	data := make([]float32, rows*cols)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return 0, err
	}
	d.CopyFromFloat32(data)
	return len(data), nil
}
