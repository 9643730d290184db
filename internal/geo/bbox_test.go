package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var konya = BBox{MinLon: 32.4351, MinLat: 37.8216, MaxLon: 32.5351, MaxLat: 37.9216}

func TestParse(t *testing.T) {
	t.Parallel()

	b, err := Parse("32.4351, 37.8216,32.5351,37.9216")
	require.NoError(t, err)
	assert.Equal(t, konya, b)

	for _, bad := range []string{"", "1,2,3", "a,b,c,d", "10,10,5,20", "0,-95,1,1"} {
		_, err := Parse(bad)
		assert.Error(t, err, "expected %q to be rejected", bad)
	}
}

func TestCentroid(t *testing.T) {
	t.Parallel()

	lon, lat := konya.Centroid()
	assert.InDelta(t, 32.4851, lon, 1e-9)
	assert.InDelta(t, 37.8716, lat, 1e-9)
}

func TestCellCenter(t *testing.T) {
	t.Parallel()

	b := BBox{MinLon: 0, MinLat: 0, MaxLon: 4, MaxLat: 8}

	lon, lat := b.CellCenter(0, 0, 4, 4)
	assert.InDelta(t, 0.5, lon, 1e-12)
	assert.InDelta(t, 1.0, lat, 1e-12)

	lon, lat = b.CellCenter(3, 2, 4, 4)
	assert.InDelta(t, 2.5, lon, 1e-12)
	assert.InDelta(t, 7.0, lat, 1e-12)

	// A 1x1 grid collapses to the centroid
	lon, lat = b.CellCenter(0, 0, 1, 1)
	clon, clat := b.Centroid()
	assert.InDelta(t, clon, lon, 1e-12)
	assert.InDelta(t, clat, lat, 1e-12)
}

func TestDimensions(t *testing.T) {
	t.Parallel()

	// 0.1 degrees is roughly 8.8 km of longitude at 37.87N and 11.1 km of latitude
	w, h := konya.Dimensions(10, 2500)
	assert.InDelta(t, 879, w, 5)
	assert.InDelta(t, 1112, h, 5)

	w, h = konya.Dimensions(1, 2500)
	assert.Equal(t, 2500, w)
	assert.Equal(t, 2500, h)

	w, h = BBox{MinLon: 0, MinLat: 0, MaxLon: 0.000001, MaxLat: 0.000001}.Dimensions(100, 2500)
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)
}

func TestAreaAndJSON(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[32.4351,37.8216,32.5351,37.9216]", konya.JSON())
	assert.InDelta(t, 97.8, konya.AreaKm2(), 1.5)
}
