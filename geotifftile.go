package demparquet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/klauspost/compress/zlib"
	"golang.org/x/image/tiff/lzw"
)

// TIFF tag values.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	planarChunky           = 1
	planarPlanar           = 2
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFP     = 3
	modelTransformationLen = 16
)

var (
	errNoGeoTransform = errors.New("no georeferencing")
	errNoIFD          = errors.New("no IFD")
	errShortChunk     = errors.New("short strip or tile")
	errShortRead      = errors.New("short read")
)

// A Raster is band 1 of a GeoTIFF file.
type Raster struct {
	Width        int
	Height       int
	GeoTransform GeoTransform
	Elevation    []int32 // Row-major, Width*Height samples.
}

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth             uint32    `tiff:"field,tag=256"`
	ImageLength            uint32    `tiff:"field,tag=257"`
	BitsPerSample          []uint16  `tiff:"field,tag=258"`
	Compression            uint16    `tiff:"field,tag=259"`
	StripOffsets           []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel        uint16    `tiff:"field,tag=277"`
	RowsPerStrip           uint32    `tiff:"field,tag=278"`
	StripByteCounts        []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration    uint16    `tiff:"field,tag=284"`
	Predictor              uint16    `tiff:"field,tag=317"`
	TileWidth              uint32    `tiff:"field,tag=322"`
	TileLength             uint32    `tiff:"field,tag=323"`
	TileOffsets            []uint64  `tiff:"field,tag=324"`
	TileByteCounts         []uint64  `tiff:"field,tag=325"`
	SampleFormat           []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag      string    `tiff:"field,tag=34737"`
}

// A chunkLayout describes how band 1's samples are split into strips or
// tiles.
type chunkLayout struct {
	byteOrder       binary.ByteOrder
	width           int
	height          int
	chunkWidth      int
	chunkHeight     int
	chunksAcross    int
	chunksDown      int
	offsets         []uint64
	byteCounts      []uint64
	tiled           bool
	samplesPerPixel int // Interleaved samples per pixel within a chunk.
	bytesPerSample  int
	compression     uint16
	predictor       uint16
	decodeSample    func([]byte) int32
}

// ReadGeoTIFF reads band 1 and the georeferencing of the GeoTIFF file
// filename.
func ReadGeoTIFF(filename string) (*Raster, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	byteOrder, err := readByteOrder(file)
	if err != nil {
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	tiffTIFF, err := tiff.Parse(file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}

	// Overviews, if any, follow the full resolution image.
	ifds := tiffTIFF.IFDs()
	if len(ifds) == 0 {
		return nil, errNoIFD
	}
	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(ifds[0], &ifd); err != nil {
		return nil, err
	}

	geoTransform, err := ifd.geoTransform()
	if err != nil {
		return nil, err
	}

	layout, err := newChunkLayout(&ifd, byteOrder)
	if err != nil {
		return nil, err
	}

	elevation, err := layout.readBand1(file)
	if err != nil {
		return nil, err
	}

	return &Raster{
		Width:        layout.width,
		Height:       layout.height,
		GeoTransform: geoTransform,
		Elevation:    elevation,
	}, nil
}

// readByteOrder returns the byte order declared in the TIFF header.
func readByteOrder(r io.Reader) (binary.ByteOrder, error) {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	switch string(header[:]) {
	case "II":
		return binary.LittleEndian, nil
	case "MM":
		return binary.BigEndian, nil
	default:
		return nil, fmt.Errorf("%q: invalid TIFF byte order", header[:])
	}
}

// geoTransform returns the affine transform from pixel to model coordinates.
func (ifd *geoTIFFIFD) geoTransform() (GeoTransform, error) {
	var geoTransform GeoTransform
	switch {
	case len(ifd.ModelTransformationTag) == modelTransformationLen:
		m := ifd.ModelTransformationTag
		geoTransform = GeoTransform{
			OriginX:     m[3],
			PixelWidth:  m[0],
			RotationX:   m[1],
			OriginY:     m[7],
			RotationY:   m[4],
			PixelHeight: m[5],
		}
	case len(ifd.ModelTiepointTag) >= 6 && len(ifd.ModelPixelScaleTag) >= 2:
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		geoTransform = GeoTransform{
			OriginX:     x - i*scaleX,
			PixelWidth:  scaleX,
			OriginY:     y + j*scaleY,
			PixelHeight: -scaleY,
		}
	default:
		return GeoTransform{}, errNoGeoTransform
	}

	if len(ifd.GeoKeyDirectoryTag) > 0 {
		geoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
		if err != nil {
			return GeoTransform{}, err
		}
		if geoKeys.PixelIsPoint() {
			geoTransform = geoTransform.pixelIsArea()
		}
	}

	return geoTransform, nil
}

func newChunkLayout(ifd *geoTIFFIFD, byteOrder binary.ByteOrder) (*chunkLayout, error) {
	l := &chunkLayout{
		byteOrder:       byteOrder,
		width:           int(ifd.ImageWidth),
		height:          int(ifd.ImageLength),
		samplesPerPixel: max(int(ifd.SamplesPerPixel), 1),
		compression:     ifd.Compression,
		predictor:       ifd.Predictor,
	}
	if l.width == 0 || l.height == 0 {
		return nil, fmt.Errorf("%dx%d: invalid image size", l.width, l.height)
	}
	if l.compression == 0 {
		l.compression = compressionNone
	}
	if l.predictor == 0 {
		l.predictor = predictorNone
	}

	if len(ifd.BitsPerSample) == 0 {
		return nil, fmt.Errorf("missing BitsPerSample: %w", errors.ErrUnsupported)
	}
	bitsPerSample := ifd.BitsPerSample[0]
	for _, bits := range ifd.BitsPerSample[1:] {
		if bits != bitsPerSample {
			return nil, fmt.Errorf("mixed BitsPerSample %v: %w", ifd.BitsPerSample, errors.ErrUnsupported)
		}
	}
	sampleFormat := uint16(sampleFormatUint)
	if len(ifd.SampleFormat) > 0 {
		sampleFormat = ifd.SampleFormat[0]
	}
	decodeSample, err := sampleDecoder(byteOrder, sampleFormat, bitsPerSample)
	if err != nil {
		return nil, err
	}
	l.decodeSample = decodeSample
	l.bytesPerSample = int(bitsPerSample) / 8

	switch l.predictor {
	case predictorNone:
	case predictorHorizontal:
		if sampleFormat == sampleFormatIEEEFP {
			return nil, fmt.Errorf("horizontal predictor with floating point samples: %w", errors.ErrUnsupported)
		}
	default:
		return nil, fmt.Errorf("predictor %d: %w", l.predictor, errors.ErrUnsupported)
	}

	switch l.compression {
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return nil, fmt.Errorf("compression %d: %w", l.compression, errors.ErrUnsupported)
	}

	if ifd.TileWidth != 0 && ifd.TileLength != 0 {
		l.tiled = true
		l.chunkWidth = int(ifd.TileWidth)
		l.chunkHeight = int(ifd.TileLength)
		l.offsets = ifd.TileOffsets
		l.byteCounts = ifd.TileByteCounts
	} else {
		l.chunkWidth = l.width
		l.chunkHeight = int(ifd.RowsPerStrip)
		if l.chunkHeight == 0 || l.chunkHeight > l.height {
			l.chunkHeight = l.height
		}
		l.offsets = ifd.StripOffsets
		l.byteCounts = ifd.StripByteCounts
	}
	l.chunksAcross = (l.width + l.chunkWidth - 1) / l.chunkWidth
	l.chunksDown = (l.height + l.chunkHeight - 1) / l.chunkHeight

	chunksPerBand := l.chunksAcross * l.chunksDown
	chunks := chunksPerBand
	switch ifd.PlanarConfiguration {
	case 0, planarChunky:
	case planarPlanar:
		// Band 1's chunks come first; each chunk holds a single sample per
		// pixel.
		chunks *= l.samplesPerPixel
		l.samplesPerPixel = 1
	default:
		return nil, fmt.Errorf("planar configuration %d: %w", ifd.PlanarConfiguration, errors.ErrUnsupported)
	}
	if len(l.offsets) != chunks || len(l.byteCounts) != chunks {
		return nil, fmt.Errorf("found %d offsets and %d byte counts, expected %d", len(l.offsets), len(l.byteCounts), chunks)
	}
	l.offsets = l.offsets[:chunksPerBand]
	l.byteCounts = l.byteCounts[:chunksPerBand]

	return l, nil
}

// readBand1 returns band 1's samples in row-major order.
func (l *chunkLayout) readBand1(r io.ReaderAt) ([]int32, error) {
	elevation := make([]int32, l.width*l.height)
	pixelStride := l.samplesPerPixel * l.bytesPerSample
	rowBytes := l.chunkWidth * pixelStride
	chunkData := make([]byte, l.chunkHeight*rowBytes)
	for chunkY := range l.chunksDown {
		rows := l.chunkHeight
		if !l.tiled {
			// The last strip may be short.
			rows = min(l.chunkHeight, l.height-chunkY*l.chunkHeight)
		}
		for chunkX := range l.chunksAcross {
			index := chunkX + l.chunksAcross*chunkY
			data, err := l.readChunk(r, index, chunkData[:rows*rowBytes])
			if err != nil {
				return nil, fmt.Errorf("chunk %d: %w", index, err)
			}
			x0, y0 := chunkX*l.chunkWidth, chunkY*l.chunkHeight
			columns := min(l.chunkWidth, l.width-x0)
			for dy := range min(rows, l.height-y0) {
				row := data[dy*rowBytes : (dy+1)*rowBytes]
				if l.predictor == predictorHorizontal {
					l.undoHorizontalDifferencing(row)
				}
				out := elevation[(y0+dy)*l.width+x0:]
				for dx := range columns {
					out[dx] = l.decodeSample(row[dx*pixelStride:])
				}
			}
		}
	}
	return elevation, nil
}

// readChunk reads and decompresses the chunk at index into dst.
func (l *chunkLayout) readChunk(r io.ReaderAt, index int, dst []byte) ([]byte, error) {
	byteCount := l.byteCounts[index]
	compressedData := make([]byte, byteCount)
	switch n, err := r.ReadAt(compressedData, int64(l.offsets[index])); {
	case err != nil && !(errors.Is(err, io.EOF) && uint64(n) == byteCount):
		return nil, err
	case uint64(n) != byteCount:
		return nil, errShortRead
	}

	var decompressor io.ReadCloser
	switch l.compression {
	case compressionNone:
		if len(compressedData) < len(dst) {
			return nil, errShortChunk
		}
		return compressedData[:len(dst)], nil
	case compressionLZW:
		decompressor = lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		decompressor = zr
	}
	defer decompressor.Close()

	if _, err := io.ReadFull(decompressor, dst); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, errShortChunk
		}
		return nil, err
	}
	return dst, nil
}

// undoHorizontalDifferencing reverses TIFF predictor 2 on a single row.
func (l *chunkLayout) undoHorizontalDifferencing(row []byte) {
	stride := l.samplesPerPixel
	switch l.bytesPerSample {
	case 1:
		for i := stride; i < len(row); i++ {
			row[i] += row[i-stride]
		}
	case 2:
		for i := stride; i < len(row)/2; i++ {
			v := l.byteOrder.Uint16(row[2*i:]) + l.byteOrder.Uint16(row[2*(i-stride):])
			l.byteOrder.PutUint16(row[2*i:], v)
		}
	case 4:
		for i := stride; i < len(row)/4; i++ {
			v := l.byteOrder.Uint32(row[4*i:]) + l.byteOrder.Uint32(row[4*(i-stride):])
			l.byteOrder.PutUint32(row[4*i:], v)
		}
	}
}

// sampleDecoder returns a function that decodes a single sample as an int32.
func sampleDecoder(byteOrder binary.ByteOrder, sampleFormat, bitsPerSample uint16) (func([]byte) int32, error) {
	switch {
	case sampleFormat == sampleFormatUint && bitsPerSample == 8:
		return func(b []byte) int32 { return int32(b[0]) }, nil
	case sampleFormat == sampleFormatUint && bitsPerSample == 16:
		return func(b []byte) int32 { return int32(byteOrder.Uint16(b)) }, nil
	case sampleFormat == sampleFormatUint && bitsPerSample == 32:
		return func(b []byte) int32 { return int32(min(byteOrder.Uint32(b), math.MaxInt32)) }, nil
	case sampleFormat == sampleFormatInt && bitsPerSample == 8:
		return func(b []byte) int32 { return int32(int8(b[0])) }, nil
	case sampleFormat == sampleFormatInt && bitsPerSample == 16:
		return func(b []byte) int32 { return int32(int16(byteOrder.Uint16(b))) }, nil
	case sampleFormat == sampleFormatInt && bitsPerSample == 32:
		return func(b []byte) int32 { return int32(byteOrder.Uint32(b)) }, nil
	case sampleFormat == sampleFormatIEEEFP && bitsPerSample == 32:
		return func(b []byte) int32 { return roundInt32(float64(math.Float32frombits(byteOrder.Uint32(b)))) }, nil
	case sampleFormat == sampleFormatIEEEFP && bitsPerSample == 64:
		return func(b []byte) int32 { return roundInt32(math.Float64frombits(byteOrder.Uint64(b))) }, nil
	default:
		return nil, fmt.Errorf("sample format %d with %d bits per sample: %w", sampleFormat, bitsPerSample, errors.ErrUnsupported)
	}
}

// roundInt32 rounds f to the nearest int32, saturating at the limits. NaN is
// converted to zero.
func roundInt32(f float64) int32 {
	switch {
	case math.IsNaN(f):
		return 0
	case f <= math.MinInt32:
		return math.MinInt32
	case f >= math.MaxInt32:
		return math.MaxInt32
	default:
		return int32(math.Round(f))
	}
}
