package raster

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"

	gsraster "github.com/jblindsay/go-spatial/geospatialfiles/raster"
	"github.com/jblindsay/go-spatial/geospatialfiles/raster/geotiff"
)

// ErrUnsupportedFormat is returned by Write for paths that are not GeoTIFF.
var ErrUnsupportedFormat = errors.New("unsupported raster format")

// recovered turns a panic raised inside the raster library into an error.
// The library reports malformed files and unknown EPSG codes by panicking.
func recovered(op, path string, err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = fmt.Errorf("failed to %s raster %s: %w", op, path, e)
			return
		}
		*err = fmt.Errorf("failed to %s raster %s: %v", op, path, r)
	}
}

// Read loads a raster file into a Grid. The format is chosen by the raster
// library from the file extension (GeoTIFF for .tif).
func Read(path string) (g *Grid, err error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	defer recovered("read", path, &err)

	r, err := gsraster.CreateRasterFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read raster %s: %w", path, err)
	}
	if r.Rows <= 0 || r.Columns <= 0 {
		return nil, fmt.Errorf("failed to read raster %s: empty grid %dx%d", path, r.Rows, r.Columns)
	}
	cfg := r.GetRasterConfig()

	g = &Grid{
		Geometry: Geometry{
			Rows:    r.Rows,
			Columns: r.Columns,
			North:   r.North,
			South:   r.South,
			East:    r.East,
			West:    r.West,
			EPSG:    cfg.EPSGCode,
			WKT:     cfg.CoordinateRefSystemWKT,
		},
		NoData: r.NoDataValue,
		Values: make([]float64, r.Rows*r.Columns),
	}
	for row := 0; row < r.Rows; row++ {
		for col := 0; col < r.Columns; col++ {
			g.Values[row*r.Columns+col] = r.Value(row, col)
		}
	}
	return g, nil
}

// Write stores g as a single-band 32-bit float GeoTIFF at path.
//
// The GeoTIFF is assembled directly rather than through the library's
// generic raster writer, which records GDAL_NODATA without its terminating
// NUL so that the last character of the value is lost on read.
func Write(g *Grid, path string) (err error) {
	rasterType, err := gsraster.DetermineRasterFormat(path)
	if err != nil || rasterType != gsraster.RT_GeoTiff {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if len(g.Values) != g.Rows*g.Columns {
		return fmt.Errorf("failed to write raster %s: %d values for a %dx%d grid", path, len(g.Values), g.Rows, g.Columns)
	}
	defer recovered("write", path, &err)

	dx, dy := g.CellSize()
	gt := geotiff.GeoTIFF{
		ByteOrder:         binary.LittleEndian,
		Rows:              uint(g.Rows),
		Columns:           uint(g.Columns),
		Data:              g.Values,
		BitsPerSample:     []uint{32},
		SampleFormat:      geotiff.SF_FloatingPoint,
		PhotometricInterp: geotiff.PI_BlackIsZero,
		TiepointData: geotiff.TiepointTransformationParameters{
			X: g.West, Y: g.North, ScaleX: dx, ScaleY: dy,
		},
		NodataValue:       nodataTag(g.NoData),
		RasterPixelIsArea: true,
		EPSGCode:          uint(g.EPSG),
	}
	if err := gt.Write(path); err != nil {
		return fmt.Errorf("failed to save raster %s: %w", path, err)
	}
	return nil
}

// nodataTag formats v as a NUL-terminated TIFF ASCII value.
func nodataTag(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64) + "\x00"
}
