// Package export writes point-in-time training sets to Parquet files.
package export

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/featstore/internal/types"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{Compression: CompressionZstd}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func getCompression(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	default:
		return &parquet.Uncompressed
	}
}

// TrainingRow is one (entity, feature) cell of a training set in long
// format. ReferenceMs is the point-in-time reference the cell answers
// for; TimestampMs is the timestamp of the value actually selected and
// is always at or before ReferenceMs.
type TrainingRow struct {
	EntityID    string  `parquet:"entity_id,zstd"`
	FeatureName string  `parquet:"feature_name,zstd"`
	ReferenceMs int64   `parquet:"reference_ms"`
	TimestampMs int64   `parquet:"timestamp_ms,optional"`
	Dtype       string  `parquet:"dtype,zstd"`
	FloatValue  float64 `parquet:"float_value,optional"`
	IntValue    int64   `parquet:"int_value,optional"`
	StringValue string  `parquet:"string_value,optional,zstd"`
	BoolValue   bool    `parquet:"bool_value,optional"`
	BytesValue  []byte  `parquet:"bytes_value,optional"`

	// Found is false when the entity had no value at or before the
	// reference; the value columns are then zero.
	Found bool `parquet:"found"`
}

// CellToRow builds a TrainingRow from one matrix cell.
func CellToRow(entityID, featureName string, referenceMs int64, value types.Value, timestampMs int64, found bool) TrainingRow {
	row := TrainingRow{
		EntityID:    entityID,
		FeatureName: featureName,
		ReferenceMs: referenceMs,
		Found:       found,
	}
	if !found {
		return row
	}

	row.TimestampMs = timestampMs
	row.Dtype = value.Type.String()
	switch value.Type {
	case types.ValueTypeInt64:
		row.IntValue = value.Int
	case types.ValueTypeFloat64:
		row.FloatValue = value.Float
	case types.ValueTypeString:
		row.StringValue = value.Str
	case types.ValueTypeBool:
		row.BoolValue = value.Bool
	case types.ValueTypeBytes:
		row.BytesValue = value.Bytes
	}
	return row
}

// RowValue reconstructs the typed value of a row.
func RowValue(r *TrainingRow) (types.Value, error) {
	dtype, err := types.ParseValueType(r.Dtype)
	if err != nil {
		return types.Value{}, err
	}
	switch dtype {
	case types.ValueTypeInt64:
		return types.IntValue(r.IntValue), nil
	case types.ValueTypeFloat64:
		return types.FloatValue(r.FloatValue), nil
	case types.ValueTypeString:
		return types.StringValue(r.StringValue), nil
	case types.ValueTypeBool:
		return types.BoolValue(r.BoolValue), nil
	default:
		return types.BytesValue(r.BytesValue), nil
	}
}

// TrainingWriter writes training rows to a Parquet file.
type TrainingWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[TrainingRow]
	rowCount int64
	closed   bool
}

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = fmt.Errorf("parquet writer is closed")

// NewTrainingWriter creates a training-set Parquet writer at path,
// creating parent directories as needed.
func NewTrainingWriter(path string, opts Options) (*TrainingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writer := parquet.NewGenericWriter[TrainingRow](f,
		parquet.Compression(getCompression(opts.Compression)))

	return &TrainingWriter{
		path:   path,
		file:   f,
		writer: writer,
	}, nil
}

// Write appends rows to the Parquet file.
func (w *TrainingWriter) Write(rows []TrainingRow) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes and closes the file.
func (w *TrainingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *TrainingWriter) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *TrainingWriter) Path() string {
	return w.path
}

// ReadTrainingRows reads back a training-set file. Primarily for tests
// and verification tooling.
func ReadTrainingRows(path string) ([]TrainingRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	reader := parquet.NewGenericReader[TrainingRow](f)
	defer reader.Close()

	rows := make([]TrainingRow, 0, st.Size()/64)
	buf := make([]TrainingRow, 256)
	for {
		n, err := reader.Read(buf)
		rows = append(rows, buf[:n]...)
		if err != nil {
			break
		}
	}
	return rows, nil
}
