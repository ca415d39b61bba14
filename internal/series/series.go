// Package series holds batches of named time series and their wire codecs.
package series

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	ErrSchema = errors.New("series: unexpected record schema")
	ErrEmpty  = errors.New("series: no values")
)

// Batch is a set of series forecast together. IDs, Values and Freq are
// parallel slices.
type Batch struct {
	IDs    []string
	Values [][]float32
	Freq   []int
}

func (b *Batch) Len() int {
	return len(b.Values)
}

// Append adds a series, normalising its id. An empty id is replaced with a
// positional one.
func (b *Batch) Append(id string, values []float32, freq int) {
	id = NormalizeID(id)
	if id == "" {
		id = fmt.Sprintf("series-%d", len(b.Values))
	}
	b.IDs = append(b.IDs, id)
	b.Values = append(b.Values, values)
	b.Freq = append(b.Freq, freq)
}

// Merge appends every series of other.
func (b *Batch) Merge(other *Batch) {
	b.IDs = append(b.IDs, other.IDs...)
	b.Values = append(b.Values, other.Values...)
	b.Freq = append(b.Freq, other.Freq...)
}

// NormalizeID lower-cases id, strips accents and joins whitespace-separated
// words with underscores so ids from different sources compare equal.
func NormalizeID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		return ""
	}

	tform := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	normalized, _, err := transform.String(tform, id)
	if err != nil {
		normalized = id
	}
	return strings.Join(strings.Fields(normalized), "_")
}
