package raster

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNoData = -32768.0

func testGeometry(rows, cols int) Geometry {
	return Geometry{
		Rows: rows, Columns: cols,
		North: 4_980_000 + float64(rows), South: 4_980_000,
		East: 500_000 + float64(cols), West: 500_000,
		EPSG: 26917,
	}
}

func gridOf(rows, cols int, values ...float64) *Grid {
	g := New(testGeometry(rows, cols), testNoData)
	copy(g.Values, values)
	return g
}

func TestGeometryMatch(t *testing.T) {
	base := testGeometry(10, 10)

	assert.NoError(t, base.Match(base))

	shifted := base
	shifted.West += 1e-9
	shifted.East += 1e-9
	assert.NoError(t, base.Match(shifted), "sub-tolerance shift must match")

	tests := []struct {
		name   string
		mutate func(g *Geometry)
	}{
		{"rows", func(g *Geometry) { g.Rows = 11 }},
		{"columns", func(g *Geometry) { g.Columns = 9 }},
		{"crs", func(g *Geometry) { g.EPSG = 32617 }},
		{"extent", func(g *Geometry) {
			g.North += 5
			g.South += 5
		}},
		{"resolution", func(g *Geometry) { g.East += 10 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			tt.mutate(&other)
			err := base.Match(other)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrGeometryMismatch))
		})
	}

	unknown := base
	unknown.EPSG = 0
	assert.NoError(t, base.Match(unknown), "unknown CRS is not compared")
}

func TestThreshold(t *testing.T) {
	g := gridOf(2, 3, 0, 12, 12.5, testNoData, 100, 11.99)
	mask := Threshold(g, 12)

	assert.Equal(t, []float64{0, 0, 1, testNoData, 1, 0}, mask.Values)
	assert.Equal(t, g.Geometry, mask.Geometry)
}

func TestThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	g := New(testGeometry(40, 40), testNoData)
	for i := range g.Values {
		if rng.Intn(20) == 0 {
			continue
		}
		g.Values[i] = math.Exp(rng.Float64() * 8)
	}

	prev := Threshold(g, 0)
	for _, th := range []float64{1, 5, 12, 50, 200, 1000, 3000} {
		cur := Threshold(g, th)
		for i := range cur.Values {
			if cur.Values[i] == 1 {
				require.Equal(t, 1.0, prev.Values[i], "threshold %g added stream cell %d", th, i)
			}
		}
		prev = cur
	}
}

func TestSubtractPolicies(t *testing.T) {
	dsm := gridOf(1, 4, 110, 100, 95, testNoData)
	dem := gridOf(1, 4, 100, 100, 100, 100)

	tests := []struct {
		policy NegativePolicy
		want   []float64
	}{
		{KeepNegative, []float64{10, 0, -5, testNoData}},
		{ClampNegative, []float64{10, 0, 0, testNoData}},
		{NoDataNegative, []float64{10, 0, testNoData, testNoData}},
	}
	for _, tt := range tests {
		chm, negatives, err := Subtract(dsm, dem, tt.policy)
		require.NoError(t, err)
		assert.Equal(t, 1, negatives)
		assert.Equal(t, tt.want, chm.Values)
	}

	_, _, err := Subtract(dsm, gridOf(2, 2, 1, 2, 3, 4), KeepNegative)
	assert.ErrorIs(t, err, ErrGeometryMismatch)
}

func TestParseNegativePolicy(t *testing.T) {
	for in, want := range map[string]NegativePolicy{"": KeepNegative, "keep": KeepNegative, "clamp": ClampNegative, "nodata": NoDataNegative} {
		got, err := ParseNegativePolicy(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseNegativePolicy("abs")
	assert.Error(t, err)
}

func TestMaskWhereFlatSlope(t *testing.T) {
	// Flat 10x10 terrain: slope is zero everywhere, so every index cell is undefined.
	slope := New(testGeometry(10, 10), testNoData)
	twi := New(testGeometry(10, 10), testNoData)
	for i := range slope.Values {
		slope.Values[i] = 0
		twi.Values[i] = math.Inf(1)
	}
	slope.Values[0] = 2.5
	twi.Values[0] = 7.1

	out, masked, err := MaskWhere(twi, slope, func(v, s float64) bool {
		return math.IsNaN(s) || s == 0 || math.IsNaN(v) || math.IsInf(v, 0)
	})
	require.NoError(t, err)
	assert.Equal(t, 99, masked)
	assert.Equal(t, 7.1, out.Values[0])
	for _, v := range out.Values[1:] {
		assert.Equal(t, testNoData, v)
	}
	assert.Equal(t, math.Inf(1), twi.Values[1], "input must not be modified")
}

func TestCheckRange(t *testing.T) {
	ok := gridOf(2, 2, 0, 0.5, 1, testNoData)
	assert.NoError(t, CheckRange(ok, 0, 1))

	bad := gridOf(2, 2, 0, 1.2, math.NaN(), -0.1)
	err := CheckRange(bad, 0, 1)
	var rangeErr *RangeError
	require.ErrorAs(t, err, &rangeErr)
	assert.Equal(t, 3, rangeErr.Count)
	assert.Equal(t, 0, rangeErr.Row)
	assert.Equal(t, 1, rangeErr.Col)
}

func TestCount(t *testing.T) {
	g := gridOf(1, 5, 1, 0, 1, testNoData, 1)
	assert.Equal(t, 3, Count(g, func(v float64) bool { return v == 1 }))
}

func TestSummarize(t *testing.T) {
	g := gridOf(2, 3, 2, 4, 4, 4, testNoData, math.Inf(1))
	s := Summarize(g)

	assert.Equal(t, 6, s.Cells)
	assert.Equal(t, 4, s.Valid)
	assert.Equal(t, 1, s.NoData)
	assert.Equal(t, 1, s.NonFinite)
	assert.Equal(t, 2.0, s.Min)
	assert.Equal(t, 4.0, s.Max)
	assert.InDelta(t, 3.5, s.Mean, 1e-12)
	assert.InDelta(t, 1.0, s.StdDev, 1e-12)

	empty := Summarize(New(testGeometry(2, 2), testNoData))
	assert.Equal(t, 0, empty.Valid)
	assert.Equal(t, 4, empty.NoData)
}

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dsm := gridOf(3, 3, 101.5, 102.25, 100, 99.75, 100, 100.5, testNoData, 104, 100)
	dem := gridOf(3, 3, 100, 100, 100, 100, 100, 100, 100, 100, 100)

	chm, _, err := Subtract(dsm, dem, KeepNegative)
	require.NoError(t, err)

	path := filepath.Join(dir, "canopyHeight.tif")
	require.NoError(t, Write(chm, path))

	back, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, chm.Rows, back.Rows)
	assert.Equal(t, chm.Columns, back.Columns)
	assert.NoError(t, chm.Match(back.Geometry))
	assert.Equal(t, chm.NoData, back.NoData)
	assert.Equal(t, chm.Values, back.Values, "values must survive write and read exactly")

	// Writing the re-read grid again gives the same cells.
	again := filepath.Join(dir, "again.tif")
	require.NoError(t, Write(back, again))
	back2, err := Read(again)
	require.NoError(t, err)
	assert.Equal(t, back.Values, back2.Values)
}

func TestWriteReadNoData(t *testing.T) {
	for _, nodata := range []float64{testNoData, -1, -9999, 0, math.NaN()} {
		t.Run(fmt.Sprint(nodata), func(t *testing.T) {
			g := New(testGeometry(2, 3), nodata)
			copy(g.Values, []float64{1, 2, nodata, 4, 5.5, 6})

			path := filepath.Join(t.TempDir(), "mask.tif")
			require.NoError(t, Write(g, path))
			back, err := Read(path)
			require.NoError(t, err)

			if math.IsNaN(nodata) {
				assert.True(t, math.IsNaN(back.NoData))
			} else {
				assert.Equal(t, nodata, back.NoData)
			}
			assert.True(t, back.IsNoData(back.At(0, 2)), "cell written as nodata must read back as nodata")
			assert.False(t, back.IsNoData(back.At(1, 1)))
			assert.Equal(t, 5, Summarize(back).Valid)
		})
	}
}

func TestReadMalformed(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string][]byte{
		"text.tif":      []byte("not a tiff"),
		"empty.tif":     {},
		"truncated.tif": []byte("II*\x00\x08\x00\x00\x00\x01"),
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, data, 0o644))
			var err error
			require.NotPanics(t, func() { _, err = Read(path) })
			assert.ErrorContains(t, err, path)
		})
	}
}

func TestWriteRejects(t *testing.T) {
	dir := t.TempDir()
	g := gridOf(2, 2, 1, 2, 3, 4)

	assert.ErrorIs(t, Write(g, filepath.Join(dir, "out.png")), ErrUnsupportedFormat)

	short := &Grid{Geometry: testGeometry(2, 2), NoData: testNoData, Values: []float64{1}}
	assert.ErrorContains(t, Write(short, filepath.Join(dir, "short.tif")), "1 values for a 2x2 grid")

	unknown := gridOf(2, 2, 1, 2, 3, 4)
	unknown.EPSG = 1
	var err error
	require.NotPanics(t, func() { err = Write(unknown, filepath.Join(dir, "crs.tif")) })
	assert.ErrorContains(t, err, "EPSG")
}

func TestReadMissing(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "dem.tif"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestWriteQuicklook(t *testing.T) {
	dir := t.TempDir()
	g := New(testGeometry(20, 30), testNoData)
	for i := range g.Values {
		g.Values[i] = float64(i % 17)
	}
	g.Values[5] = testNoData

	path := filepath.Join(dir, "d8.png")
	require.NoError(t, WriteQuicklook(g, path, "d8"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	flat := New(testGeometry(10, 10), testNoData)
	for i := range flat.Values {
		flat.Values[i] = 100
	}
	assert.NoError(t, WriteQuicklook(flat, filepath.Join(dir, "flat.png"), "flat"))
}

func TestGridXYZStride(t *testing.T) {
	g := New(testGeometry(2000, 1000), testNoData)
	xyz := newGridXYZ(g)
	c, r := xyz.Dims()
	assert.Equal(t, 4, xyz.stride)
	assert.Equal(t, 250, c)
	assert.Equal(t, 500, r)
	assert.True(t, math.IsNaN(xyz.Z(0, 0)))
	assert.Equal(t, 0.0, xyz.Min())
	assert.Equal(t, 1.0, xyz.Max())
}
