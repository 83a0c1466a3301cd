package demparquet

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
	"github.com/segmentio/parquet-go/compress"
)

// ParquetExt is the extension of output files.
const ParquetExt = ".parquet"

// A pixelRow is a single output row. Field order is column order.
type pixelRow struct {
	Lat       float64 `parquet:"lat"`
	Lon       float64 `parquet:"lon"`
	Elevation int32   `parquet:"elevation"`
}

// PixelSchema is the schema of output files: required lat and lon doubles
// followed by a required int32 elevation.
var PixelSchema = parquet.SchemaOf(pixelRow{})

// Codecs are the supported compression codecs.
var Codecs = map[string]compress.Codec{
	"brotli": &parquet.Brotli,
	"gzip":   &parquet.Gzip,
	"lz4":    &parquet.Lz4Raw,
	"none":   &parquet.Uncompressed,
	"snappy": &parquet.Snappy,
	"zstd":   &parquet.Zstd,
}

// CodecNames returns the names of the supported compression codecs in order.
func CodecNames() []string {
	names := make([]string, 0, len(Codecs))
	for name := range Codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// A ParquetWriter writes pixels to Parquet files. It is safe for concurrent
// use.
type ParquetWriter struct {
	codecName string
	codec     compress.Codec
}

// A ParquetWriterOption sets an option on a ParquetWriter.
type ParquetWriterOption func(*ParquetWriter)

// NewParquetWriter returns a new ParquetWriter with the given options.
func NewParquetWriter(options ...ParquetWriterOption) (*ParquetWriter, error) {
	w := &ParquetWriter{
		codecName: "zstd",
	}
	for _, option := range options {
		option(w)
	}
	codec, ok := Codecs[w.codecName]
	if !ok {
		return nil, fmt.Errorf("%s: unknown compression codec (want one of %s)", w.codecName, strings.Join(CodecNames(), ", "))
	}
	w.codec = codec
	return w, nil
}

// WithCompression sets the compression codec applied to every column.
func WithCompression(codecName string) ParquetWriterOption {
	return func(w *ParquetWriter) {
		w.codecName = codecName
	}
}

// OutputFilename returns the output filename in dir for the raw file
// rawFilename.
func OutputFilename(dir, rawFilename string) string {
	base := filepath.Base(rawFilename)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+ParquetExt)
}

// Exists returns whether filename already exists.
func (w *ParquetWriter) Exists(filename string) (bool, error) {
	switch _, err := os.Stat(filename); {
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	case err != nil:
		return false, err
	default:
		return true, nil
	}
}

// Write writes pixels to filename as a single row group. If filename already
// exists then nothing is written and Write returns true. filename only
// appears once it is complete.
func (w *ParquetWriter) Write(pixels *Pixels, filename string) (bool, error) {
	switch exists, err := w.Exists(filename); {
	case err != nil:
		return false, err
	case exists:
		stageOutcomesTotal.WithLabelValues(string(StageEncode), outcomeSkipped).Inc()
		return true, nil
	}
	if len(pixels.Lat) != pixels.Len() || len(pixels.Lon) != pixels.Len() {
		return false, fmt.Errorf("column lengths %d, %d, %d differ", len(pixels.Lat), len(pixels.Lon), len(pixels.Elevation))
	}

	start := time.Now()
	if _, err := writeFileAtomic(filename, func(file io.Writer) (int64, error) {
		return w.encode(file, pixels)
	}); err != nil {
		stageOutcomesTotal.WithLabelValues(string(StageEncode), outcomeFailed).Inc()
		return false, err
	}
	stageDurationSeconds.WithLabelValues(string(StageEncode)).Observe(time.Since(start).Seconds())
	stageOutcomesTotal.WithLabelValues(string(StageEncode), outcomeWritten).Inc()
	return false, nil
}

// encode writes pixels to file as a single row group, copying each column
// directly into its column buffer.
func (w *ParquetWriter) encode(file io.Writer, pixels *Pixels) (int64, error) {
	buffer := parquet.NewBuffer(PixelSchema)
	columnBuffers := buffer.ColumnBuffers()
	for _, column := range []struct {
		name   string
		values any
	}{
		{name: "lat", values: pixels.Lat},
		{name: "lon", values: pixels.Lon},
		{name: "elevation", values: pixels.Elevation},
	} {
		leafColumn, ok := PixelSchema.Lookup(column.name)
		if !ok {
			return 0, fmt.Errorf("%s: no such column", column.name)
		}
		columnBuffer := columnBuffers[leafColumn.ColumnIndex]
		var err error
		switch values := column.values.(type) {
		case []float64:
			doubleWriter, ok := columnBuffer.(parquet.DoubleWriter)
			if !ok {
				return 0, fmt.Errorf("%s: %T: not a double column", column.name, columnBuffer)
			}
			_, err = doubleWriter.WriteDoubles(values)
		case []int32:
			int32Writer, ok := columnBuffer.(parquet.Int32Writer)
			if !ok {
				return 0, fmt.Errorf("%s: %T: not an int32 column", column.name, columnBuffer)
			}
			_, err = int32Writer.WriteInt32s(values)
		}
		if err != nil {
			return 0, fmt.Errorf("%s: %w", column.name, err)
		}
	}

	writer := parquet.NewWriter(file,
		PixelSchema,
		parquet.Compression(w.codec),
		parquet.KeyValueMetadata("compression", w.codecName),
	)
	n, err := writer.WriteRowGroup(buffer)
	if err != nil {
		return 0, err
	}
	if err := writer.Close(); err != nil {
		return 0, err
	}
	return n, nil
}
