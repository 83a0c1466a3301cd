package demparquet

import (
	"bytes"
	"compress/lzw"
	"encoding/binary"
	"math"
	"os"
	"slices"
	"sort"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/klauspost/compress/zlib"
)

// TIFF field types.
const (
	testTypeASCII  = 2
	testTypeShort  = 3
	testTypeLong   = 4
	testTypeDouble = 12
	testTypeLong8  = 16
)

// testBandOffset is added to each sample of band n+1 for every n.
const testBandOffset = 1000

// A testGeoTIFF describes a GeoTIFF file to generate. Band 1 holds samples;
// any further bands hold samples offset by testBandOffset per band.
type testGeoTIFF struct {
	byteOrder       binary.ByteOrder
	bigTIFF         bool
	width           int
	height          int
	samplesPerPixel int
	planar          bool
	bitsPerSample   uint16
	sampleFormat    uint16
	samples         []float64 // Row-major.
	compression     uint16
	predictor       uint16
	rowsPerStrip    int
	tileSize        int
	overview        bool // Append a reduced resolution IFD.
	pixelScale      []float64
	tiepoint        []float64
	transformation  []float64
	geoKeyDirectory []uint16
	geoASCIIParams  string
}

type testIFDEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// newTestGeoTIFF returns a little-endian int16 uncompressed single band
// GeoTIFF with one degree pixels whose top left corner is at lon, lat.
func newTestGeoTIFF(width, height int, lon, lat float64, samples []float64) *testGeoTIFF {
	return &testGeoTIFF{
		byteOrder:       binary.LittleEndian,
		width:           width,
		height:          height,
		samplesPerPixel: 1,
		bitsPerSample:   16,
		sampleFormat:    sampleFormatInt,
		samples:         samples,
		compression:     compressionNone,
		pixelScale:      []float64{1, 1, 0},
		tiepoint:        []float64{0, 0, 0, lon, lat, 0},
	}
}

func (g *testGeoTIFF) writeFile(t *testing.T, filename string) {
	t.Helper()
	assert.NoError(t, os.WriteFile(filename, g.encode(t), 0o666))
}

func (g *testGeoTIFF) encode(t *testing.T) []byte {
	t.Helper()
	bo := g.byteOrder
	headerSize := 8
	if g.bigTIFF {
		headerSize = 16
	}

	samplesPerPixel := max(g.samplesPerPixel, 1)
	planes, chunkSamplesPerPixel := 1, samplesPerPixel
	if g.planar {
		planes, chunkSamplesPerPixel = samplesPerPixel, 1
	}
	chunkWidth, chunkHeight := g.width, g.rowsPerStrip
	if chunkHeight == 0 {
		chunkHeight = g.height
	}
	if g.tileSize != 0 {
		chunkWidth, chunkHeight = g.tileSize, g.tileSize
	}
	chunksAcross := (g.width + chunkWidth - 1) / chunkWidth
	chunksDown := (g.height + chunkHeight - 1) / chunkHeight
	bytesPerSample := int(g.bitsPerSample) / 8
	pixelBytes := chunkSamplesPerPixel * bytesPerSample

	var data bytes.Buffer
	var offsets, byteCounts []uint64
	for plane := range planes {
		for chunkY := range chunksDown {
			rows := chunkHeight
			if g.tileSize == 0 {
				rows = min(chunkHeight, g.height-chunkY*chunkHeight)
			}
			for chunkX := range chunksAcross {
				raw := make([]byte, rows*chunkWidth*pixelBytes)
				for dy := range rows {
					y := chunkY*chunkHeight + dy
					for dx := range chunkWidth {
						x := chunkX*chunkWidth + dx
						if x >= g.width || y >= g.height {
							continue
						}
						for sample := range chunkSamplesPerPixel {
							band := plane + sample
							v := g.samples[y*g.width+x] + float64(testBandOffset*band)
							g.putSample(raw[(dy*chunkWidth+dx)*pixelBytes+sample*bytesPerSample:], v)
						}
					}
					if g.predictor == predictorHorizontal {
						g.applyHorizontalDifferencing(raw[dy*chunkWidth*pixelBytes:(dy+1)*chunkWidth*pixelBytes], chunkSamplesPerPixel)
					}
				}
				compressed := raw
				switch g.compression {
				case compressionLZW:
					// compress/lzw widens its codes one code later than TIFF
					// LZW, so chunks must stay short enough to never widen.
					assert.True(t, len(raw) <= 250, "%d bytes is too long for an LZW chunk", len(raw))
					var buf bytes.Buffer
					lw := lzw.NewWriter(&buf, lzw.MSB, 8)
					_, err := lw.Write(raw)
					assert.NoError(t, err)
					assert.NoError(t, lw.Close())
					compressed = buf.Bytes()
				case compressionDeflate:
					var buf bytes.Buffer
					zw := zlib.NewWriter(&buf)
					_, err := zw.Write(raw)
					assert.NoError(t, err)
					assert.NoError(t, zw.Close())
					compressed = buf.Bytes()
				}
				offsets = append(offsets, uint64(headerSize+data.Len()))
				byteCounts = append(byteCounts, uint64(len(compressed)))
				data.Write(compressed)
			}
		}
	}
	if data.Len()%2 != 0 {
		data.WriteByte(0)
	}

	shorts := func(vs ...uint16) []byte {
		b := make([]byte, 2*len(vs))
		for i, v := range vs {
			bo.PutUint16(b[2*i:], v)
		}
		return b
	}
	longs := func(vs ...uint32) []byte {
		b := make([]byte, 4*len(vs))
		for i, v := range vs {
			bo.PutUint32(b[4*i:], v)
		}
		return b
	}
	long8s := func(vs ...uint64) []byte {
		b := make([]byte, 8*len(vs))
		for i, v := range vs {
			bo.PutUint64(b[8*i:], v)
		}
		return b
	}
	doubles := func(vs ...float64) []byte {
		b := make([]byte, 8*len(vs))
		for i, v := range vs {
			bo.PutUint64(b[8*i:], math.Float64bits(v))
		}
		return b
	}
	repeat := func(v uint16) []byte {
		vs := make([]uint16, samplesPerPixel)
		for i := range vs {
			vs[i] = v
		}
		return shorts(vs...)
	}
	offsetEntry := func(tag uint16, vs []uint64) testIFDEntry {
		if g.bigTIFF {
			return testIFDEntry{tag, testTypeLong8, uint32(len(vs)), long8s(vs...)}
		}
		vs32 := make([]uint32, len(vs))
		for i, v := range vs {
			vs32[i] = uint32(v)
		}
		return testIFDEntry{tag, testTypeLong, uint32(len(vs)), longs(vs32...)}
	}

	photometricInterpretation := uint16(1) // BlackIsZero.
	if samplesPerPixel >= 3 {
		photometricInterpretation = 2 // RGB.
	}
	planarConfiguration := uint16(planarChunky)
	if g.planar {
		planarConfiguration = planarPlanar
	}
	entries := []testIFDEntry{
		{256, testTypeLong, 1, longs(uint32(g.width))},
		{257, testTypeLong, 1, longs(uint32(g.height))},
		{258, testTypeShort, uint32(samplesPerPixel), repeat(g.bitsPerSample)},
		{259, testTypeShort, 1, shorts(g.compression)},
		{262, testTypeShort, 1, shorts(photometricInterpretation)},
		{277, testTypeShort, 1, shorts(uint16(samplesPerPixel))},
		{284, testTypeShort, 1, shorts(planarConfiguration)},
		{339, testTypeShort, uint32(samplesPerPixel), repeat(g.sampleFormat)},
	}
	if g.tileSize != 0 {
		entries = append(entries,
			testIFDEntry{322, testTypeLong, 1, longs(uint32(chunkWidth))},
			testIFDEntry{323, testTypeLong, 1, longs(uint32(chunkHeight))},
			offsetEntry(324, offsets),
			offsetEntry(325, byteCounts),
		)
	} else {
		entries = append(entries,
			offsetEntry(273, offsets),
			testIFDEntry{278, testTypeLong, 1, longs(uint32(chunkHeight))},
			offsetEntry(279, byteCounts),
		)
	}
	if g.predictor != 0 {
		entries = append(entries, testIFDEntry{317, testTypeShort, 1, shorts(g.predictor)})
	}
	if g.pixelScale != nil {
		entries = append(entries, testIFDEntry{33550, testTypeDouble, uint32(len(g.pixelScale)), doubles(g.pixelScale...)})
	}
	if g.tiepoint != nil {
		entries = append(entries, testIFDEntry{33922, testTypeDouble, uint32(len(g.tiepoint)), doubles(g.tiepoint...)})
	}
	if g.transformation != nil {
		entries = append(entries, testIFDEntry{34264, testTypeDouble, uint32(len(g.transformation)), doubles(g.transformation...)})
	}
	if g.geoKeyDirectory != nil {
		entries = append(entries, testIFDEntry{34735, testTypeShort, uint32(len(g.geoKeyDirectory)), shorts(g.geoKeyDirectory...)})
	}
	if g.geoASCIIParams != "" {
		ascii := append([]byte(g.geoASCIIParams), 0)
		entries = append(entries, testIFDEntry{34737, testTypeASCII, uint32(len(ascii)), ascii})
	}

	// The overview reuses the full resolution chunks, which hold more than
	// enough samples for a single pixel.
	ifds := [][]testIFDEntry{entries}
	if g.overview {
		overviewEntries := []testIFDEntry{
			{254, testTypeLong, 1, longs(1)}, // ReducedResolution.
		}
		for _, e := range entries {
			switch e.tag {
			case 256, 257:
				e.data = longs(1)
			}
			overviewEntries = append(overviewEntries, e)
		}
		ifds = append(ifds, overviewEntries)
	}

	var out bytes.Buffer
	if bo == binary.BigEndian {
		out.WriteString("MM")
	} else {
		out.WriteString("II")
	}
	ifdOffset := uint64(headerSize + data.Len())
	if g.bigTIFF {
		out.Write(shorts(43, 8, 0))
		out.Write(long8s(ifdOffset))
	} else {
		out.Write(shorts(42))
		out.Write(longs(uint32(ifdOffset)))
	}
	out.Write(data.Bytes())
	for i, entries := range ifds {
		// The encoded length does not depend on the next IFD's offset.
		ifd := g.encodeIFD(entries, ifdOffset, 0)
		var nextOffset uint64
		if i+1 < len(ifds) {
			nextOffset = ifdOffset + uint64(len(ifd))
			ifd = g.encodeIFD(entries, ifdOffset, nextOffset)
		}
		out.Write(ifd)
		ifdOffset = nextOffset
	}
	return out.Bytes()
}

// encodeIFD returns entries encoded as an IFD at offset followed by the
// values that do not fit in their entries.
func (g *testGeoTIFF) encodeIFD(entries []testIFDEntry, offset, nextOffset uint64) []byte {
	bo := g.byteOrder.(binary.AppendByteOrder)
	entries = slices.Clone(entries)
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].tag < entries[j].tag
	})

	countSize, entrySize, offsetSize := 2, 12, 4
	if g.bigTIFF {
		countSize, entrySize, offsetSize = 8, 20, 8
	}
	appendOffset := func(b []byte, v uint64) []byte {
		if g.bigTIFF {
			return bo.AppendUint64(b, v)
		}
		return bo.AppendUint32(b, uint32(v))
	}

	valueOffset := offset + uint64(countSize+entrySize*len(entries)+offsetSize)
	var ifd, values []byte
	if g.bigTIFF {
		ifd = bo.AppendUint64(ifd, uint64(len(entries)))
	} else {
		ifd = bo.AppendUint16(ifd, uint16(len(entries)))
	}
	for _, e := range entries {
		ifd = bo.AppendUint16(ifd, e.tag)
		ifd = bo.AppendUint16(ifd, e.datatype)
		ifd = appendOffset(ifd, uint64(e.count))
		if len(e.data) <= offsetSize {
			value := make([]byte, offsetSize)
			copy(value, e.data)
			ifd = append(ifd, value...)
		} else {
			ifd = appendOffset(ifd, valueOffset+uint64(len(values)))
			values = append(values, e.data...)
			if len(values)%2 != 0 {
				values = append(values, 0)
			}
		}
	}
	ifd = appendOffset(ifd, nextOffset)
	return append(ifd, values...)
}

func (g *testGeoTIFF) putSample(b []byte, v float64) {
	bo := g.byteOrder
	switch {
	case g.sampleFormat == sampleFormatIEEEFP && g.bitsPerSample == 32:
		bo.PutUint32(b, math.Float32bits(float32(v)))
	case g.sampleFormat == sampleFormatIEEEFP && g.bitsPerSample == 64:
		bo.PutUint64(b, math.Float64bits(v))
	case g.bitsPerSample == 8:
		b[0] = byte(int64(v))
	case g.bitsPerSample == 16:
		bo.PutUint16(b, uint16(int64(v)))
	case g.bitsPerSample == 32:
		bo.PutUint32(b, uint32(int64(v)))
	}
}

// applyHorizontalDifferencing applies TIFF predictor 2 to row, which holds
// stride interleaved samples per pixel.
func (g *testGeoTIFF) applyHorizontalDifferencing(row []byte, stride int) {
	bo := g.byteOrder
	switch g.bitsPerSample {
	case 8:
		for i := len(row) - 1; i >= stride; i-- {
			row[i] -= row[i-stride]
		}
	case 16:
		for i := len(row)/2 - 1; i >= stride; i-- {
			bo.PutUint16(row[2*i:], bo.Uint16(row[2*i:])-bo.Uint16(row[2*(i-stride):]))
		}
	case 32:
		for i := len(row)/4 - 1; i >= stride; i-- {
			bo.PutUint32(row[4*i:], bo.Uint32(row[4*i:])-bo.Uint32(row[4*(i-stride):]))
		}
	}
}
