package demparquet

import (
	"fmt"
	"time"
)

// A GeoTransform is an affine transform from pixel coordinates to
// longitude and latitude, with the same coefficients as GDAL's geotransform.
type GeoTransform struct {
	OriginX     float64
	PixelWidth  float64
	RotationX   float64
	OriginY     float64
	RotationY   float64
	PixelHeight float64
}

// Apply returns the longitude and latitude of the pixel at x, y.
func (t GeoTransform) Apply(x, y int) (lon, lat float64) {
	fx, fy := float64(x), float64(y)
	lon = t.OriginX + fx*t.PixelWidth + fy*t.RotationX
	lat = t.OriginY + fx*t.RotationY + fy*t.PixelHeight
	return lon, lat
}

// pixelIsArea converts t from addressing pixel centers to addressing pixel
// corners.
func (t GeoTransform) pixelIsArea() GeoTransform {
	t.OriginX -= (t.PixelWidth + t.RotationX) / 2
	t.OriginY -= (t.RotationY + t.PixelHeight) / 2
	return t
}

// Pixels are the pixels of a raster as three parallel columns. Index i in
// each column is the pixel at x = i % width, y = i / width.
type Pixels struct {
	Lat       []float64
	Lon       []float64
	Elevation []int32
}

// NewPixels returns the pixels of a width x height raster with the given
// transform and row-major elevation samples. elevation is used directly, not
// copied.
func NewPixels(geoTransform GeoTransform, width, height int, elevation []int32) (*Pixels, error) {
	if width < 0 || height < 0 || len(elevation) != width*height {
		return nil, fmt.Errorf("%dx%d raster with %d samples", width, height, len(elevation))
	}
	n := width * height
	pixels := &Pixels{
		Lat:       make([]float64, n),
		Lon:       make([]float64, n),
		Elevation: elevation,
	}
	i := 0
	for y := range height {
		for x := range width {
			pixels.Lon[i], pixels.Lat[i] = geoTransform.Apply(x, y)
			i++
		}
	}
	return pixels, nil
}

// Len returns the number of pixels.
func (p *Pixels) Len() int {
	return len(p.Elevation)
}

// TransformFile reads the GeoTIFF file filename and returns its pixels.
func TransformFile(filename string) (*Pixels, error) {
	start := time.Now()
	raster, err := ReadGeoTIFF(filename)
	if err != nil {
		return nil, err
	}
	pixels, err := NewPixels(raster.GeoTransform, raster.Width, raster.Height, raster.Elevation)
	if err != nil {
		return nil, err
	}
	stageDurationSeconds.WithLabelValues(string(StageDecode)).Observe(time.Since(start).Seconds())
	return pixels, nil
}
