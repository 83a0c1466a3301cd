package demparquet

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// A LatHemisphere is the hemisphere of a latitude, either 'N' or 'S'.
type LatHemisphere byte

// A LonHemisphere is the hemisphere of a longitude, either 'E' or 'W'.
type LonHemisphere byte

const (
	North LatHemisphere = 'N'
	South LatHemisphere = 'S'
	East  LonHemisphere = 'E'
	West  LonHemisphere = 'W'
)

// A Latitude is a hemisphere-tagged whole number of degrees in [0, 90].
type Latitude struct {
	Hemisphere LatHemisphere
	Degrees    uint8
}

// A Longitude is a hemisphere-tagged whole number of degrees in [0, 180].
type Longitude struct {
	Hemisphere LonHemisphere
	Degrees    uint16
}

// A TileCoord is the coordinate of a tile's corner as encoded in its name.
type TileCoord struct {
	Lat Latitude
	Lon Longitude
}

// tileNameRx matches elevation tile names like ALPSMLC30_N052E004_DSM. Mask
// and stack count rasters (_MSK, _STK) are not elevation tiles.
var tileNameRx = regexp.MustCompile(`\A([A-Za-z0-9]+)_([NS])(\d{2,3})([EW])(\d{3})_DSM\z`)

// ParseTileCoord parses the tile coordinate from identifier, which may be a
// bare tile name or an object key. Any leading path and a single trailing
// extension are ignored. It returns false if identifier does not name a tile.
func ParseTileCoord(identifier string) (TileCoord, bool) {
	name := path.Base(identifier)
	name = strings.TrimSuffix(name, path.Ext(name))
	m := tileNameRx.FindStringSubmatch(name)
	if m == nil {
		return TileCoord{}, false
	}
	lat, err := strconv.ParseUint(m[3], 10, 8)
	if err != nil || lat > 90 {
		return TileCoord{}, false
	}
	lon, err := strconv.ParseUint(m[5], 10, 16)
	if err != nil || lon > 180 {
		return TileCoord{}, false
	}
	return TileCoord{
		Lat: Latitude{Hemisphere: LatHemisphere(m[2][0]), Degrees: uint8(lat)},
		Lon: Longitude{Hemisphere: LonHemisphere(m[4][0]), Degrees: uint16(lon)},
	}, true
}

// String returns c in the tile name form, e.g. N052E004.
func (c TileCoord) String() string {
	return fmt.Sprintf("%c%03d%c%03d", c.Lat.Hemisphere, c.Lat.Degrees, c.Lon.Hemisphere, c.Lon.Degrees)
}

// SignedLat returns c's latitude in degrees, negative in the south.
func (c TileCoord) SignedLat() int {
	if c.Lat.Hemisphere == South {
		return -int(c.Lat.Degrees)
	}
	return int(c.Lat.Degrees)
}

// SignedLon returns c's longitude in degrees, negative in the west.
func (c TileCoord) SignedLon() int {
	if c.Lon.Hemisphere == West {
		return -int(c.Lon.Degrees)
	}
	return int(c.Lon.Degrees)
}
