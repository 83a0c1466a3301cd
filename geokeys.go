package demparquet

import (
	"errors"
	"fmt"
)

var errGeoKeyDirectory = errors.New("invalid GeoKey directory")

// A GeoKey identifies an entry in a GeoTIFF GeoKeyDirectoryTag.
type GeoKey uint16

// GeoKeys read by ReadGeoTIFF.
const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS   GeoKey = 2048
	GeoKeyGeogCitation  GeoKey = 2049
	GeoKeyGeodeticDatum GeoKey = 2050
	GeoKeyAngularUnits  GeoKey = 2054
	GeoKeyEllipsoid     GeoKey = 2056

	GeoKeyProjectedCRS GeoKey = 3072

	GeoKeyVertical      GeoKey = 4096
	GeoKeyVerticalUnits GeoKey = 4099
)

// Values of GeoKeyGTRasterType.
const (
	RasterPixelIsArea  = 1
	RasterPixelIsPoint = 2
)

const (
	geoDoubleParamsTag = 34736
	geoASCIIParamsTag  = 34737
)

// GeoKeys holds the parsed GeoKey directory of a GeoTIFF, keyed by GeoKey.
// Short values live in Params, values stored in GeoDoubleParamsTag in
// DoubleParams, and values stored in GeoASCIIParamsTag in ASCIIParams.
type GeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey]float64
	ASCIIParams  map[GeoKey]string
}

// ParseGeoKeys parses a GeoKey directory and its parameter tags.
func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*GeoKeys, error) {
	if len(directory) < 4 {
		return nil, fmt.Errorf("%w: %d entries", errGeoKeyDirectory, len(directory))
	}
	if version := directory[0]; version != 1 {
		return nil, fmt.Errorf("%w: version %d", errGeoKeyDirectory, version)
	}
	numberOfKeys := int(directory[3])
	if len(directory) != 4+4*numberOfKeys {
		return nil, fmt.Errorf("%w: %d keys in %d entries", errGeoKeyDirectory, numberOfKeys, len(directory))
	}

	geoKeys := &GeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		entry := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(entry[0])
		count := int(entry[2])
		switch location := entry[1]; location {
		case 0:
			geoKeys.Params[key] = int(entry[3])
		case geoDoubleParamsTag:
			index := int(entry[3])
			if count != 1 || index >= len(doubleParams) {
				return nil, fmt.Errorf("%w: key %d: double param %d", errGeoKeyDirectory, key, index)
			}
			geoKeys.DoubleParams[key] = doubleParams[index]
		case geoASCIIParamsTag:
			index := int(entry[3])
			if index+count > len(asciiParams) {
				return nil, fmt.Errorf("%w: key %d: ASCII param %d+%d", errGeoKeyDirectory, key, index, count)
			}
			geoKeys.ASCIIParams[key] = asciiParams[index : index+count]
		default:
			// Keys stored in other tags are not needed.
		}
	}
	return geoKeys, nil
}

// PixelIsPoint returns whether raster samples represent points rather than
// areas.
func (k *GeoKeys) PixelIsPoint() bool {
	return k != nil && k.Params[GeoKeyGTRasterType] == RasterPixelIsPoint
}
