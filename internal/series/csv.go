package series

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ReadCSV parses one series per line. A leading field that is not a number
// is taken as the series id. Lines starting with '#' are skipped.
func ReadCSV(r io.Reader) (*Batch, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	b := &Batch{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		line, _ := reader.FieldPos(0)

		id := ""
		fields := record
		if len(fields) > 0 {
			if _, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 32); err != nil {
				id, fields = fields[0], fields[1:]
			}
		}

		values := make([]float32, 0, len(fields))
		for _, f := range fields {
			f = strings.TrimSpace(f)
			if f == "" {
				continue
			}
			v, err := strconv.ParseFloat(f, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
			values = append(values, float32(v))
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("line %d: %w", line, ErrEmpty)
		}
		b.Append(id, values, 0)
	}

	if b.Len() == 0 {
		return nil, ErrEmpty
	}
	return b, nil
}
