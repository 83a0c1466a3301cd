package demparquet

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"
)

var errInvalidBand = errors.New("invalid band")

// A LatRange is an inclusive range of degrees within one hemisphere.
type LatRange struct {
	Hemisphere LatHemisphere
	Min        uint8
	Max        uint8
}

// A LonRange is an inclusive range of degrees within one hemisphere.
type LonRange struct {
	Hemisphere LonHemisphere
	Min        uint16
	Max        uint16
}

// A Band is a rectangle: a latitude range and any of several longitude ranges.
type Band struct {
	Lat LatRange
	Lon []LonRange
}

// A Region is a named set of bands. A Region with no bands matches every
// tile.
type Region struct {
	Name  string
	Bands []Band
}

// Regions are the named region presets.
var Regions = map[string]*Region{
	"world": {
		Name: "world",
	},
	"netherlands": {
		Name: "netherlands",
		Bands: []Band{
			{
				Lat: LatRange{Hemisphere: North, Min: 50, Max: 53},
				Lon: []LonRange{{Hemisphere: East, Min: 3, Max: 7}},
			},
		},
	},
	"europe": {
		Name: "europe",
		Bands: []Band{
			{
				Lat: LatRange{Hemisphere: North, Min: 34, Max: 71},
				Lon: []LonRange{
					{Hemisphere: West, Min: 0, Max: 25},
					{Hemisphere: East, Min: 0, Max: 49},
				},
			},
		},
	},
}

// RegionNames returns the names of all region presets in order.
func RegionNames() []string {
	names := make([]string, 0, len(Regions))
	for name := range Regions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupRegion returns the region preset called name.
func LookupRegion(name string) (*Region, error) {
	if region, ok := Regions[name]; ok {
		return region, nil
	}
	return nil, fmt.Errorf("%s: unknown region (want one of %s)", name, strings.Join(RegionNames(), ", "))
}

// Matches returns whether r contains c.
func (r *Region) Matches(c TileCoord) bool {
	if len(r.Bands) == 0 {
		return true
	}
	return slices.ContainsFunc(r.Bands, func(b Band) bool {
		return b.Matches(c)
	})
}

// Matches returns whether b contains c.
func (b Band) Matches(c TileCoord) bool {
	if !b.Lat.Matches(c.Lat) {
		return false
	}
	return slices.ContainsFunc(b.Lon, func(lonRange LonRange) bool {
		return lonRange.Matches(c.Lon)
	})
}

func (r LatRange) Matches(lat Latitude) bool {
	return lat.Hemisphere == r.Hemisphere && r.Min <= lat.Degrees && lat.Degrees <= r.Max
}

func (r LonRange) Matches(lon Longitude) bool {
	return lon.Hemisphere == r.Hemisphere && r.Min <= lon.Degrees && lon.Degrees <= r.Max
}

// ParseBands parses a custom region from s. Bands are separated by
// semicolons. Each band is a latitude range and a comma-separated list of
// longitude ranges separated by a slash, for example
// "N34-71/W0-25,E0-49;N27-29/W13-18".
func ParseBands(name, s string) (*Region, error) {
	region := &Region{
		Name: name,
	}
	for bandStr := range strings.SplitSeq(s, ";") {
		bandStr = strings.TrimSpace(bandStr)
		if bandStr == "" {
			continue
		}
		latStr, lonStrs, ok := strings.Cut(bandStr, "/")
		if !ok {
			return nil, fmt.Errorf("%s: %w: missing longitude ranges", bandStr, errInvalidBand)
		}
		hemisphere, minDeg, maxDeg, err := parseRange(latStr, "NS", 90)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", bandStr, err)
		}
		band := Band{
			Lat: LatRange{
				Hemisphere: LatHemisphere(hemisphere),
				Min:        uint8(minDeg),
				Max:        uint8(maxDeg),
			},
		}
		for lonStr := range strings.SplitSeq(lonStrs, ",") {
			hemisphere, minDeg, maxDeg, err := parseRange(lonStr, "EW", 180)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", bandStr, err)
			}
			band.Lon = append(band.Lon, LonRange{
				Hemisphere: LonHemisphere(hemisphere),
				Min:        uint16(minDeg),
				Max:        uint16(maxDeg),
			})
		}
		region.Bands = append(region.Bands, band)
	}
	if len(region.Bands) == 0 {
		return nil, fmt.Errorf("%q: %w: no bands", s, errInvalidBand)
	}
	return region, nil
}

// parseRange parses a range like N50-53 or E7.
func parseRange(s, hemispheres string, limit uint64) (byte, uint64, uint64, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || !strings.ContainsRune(hemispheres, rune(s[0])) {
		return 0, 0, 0, fmt.Errorf("%q: %w: want hemisphere %s", s, errInvalidBand, strings.Join(strings.Split(hemispheres, ""), " or "))
	}
	minStr, maxStr, ok := strings.Cut(s[1:], "-")
	if !ok {
		maxStr = minStr
	}
	minDeg, err := strconv.ParseUint(minStr, 10, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: %w", s, errInvalidBand)
	}
	maxDeg, err := strconv.ParseUint(maxStr, 10, 16)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%q: %w", s, errInvalidBand)
	}
	if minDeg > maxDeg || maxDeg > limit {
		return 0, 0, 0, fmt.Errorf("%q: %w: out of range", s, errInvalidBand)
	}
	return s[0], minDeg, maxDeg, nil
}
