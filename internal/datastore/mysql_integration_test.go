package datastore

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/tphakala/trafficsat/internal/conf"
	"github.com/tphakala/trafficsat/internal/logger"
)

// TestMySQLStore_Integration runs the store against a real MySQL server.
func TestMySQLStore_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping MySQL container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	container, err := tcmysql.Run(ctx, "mysql:8.4",
		tcmysql.WithDatabase("trafficsat"),
		tcmysql.WithUsername("traffic"),
		tcmysql.WithPassword("traffic"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	settings := &conf.Settings{}
	settings.Output.MySQL = conf.MySQLSettings{
		Enabled:  true,
		Username: "traffic",
		Password: "traffic",
		Host:     host,
		Port:     port.Port(),
		Database: "trafficsat",
	}

	store, err := New(settings, WithLogger(logger.NewSlogLogger(io.Discard, logger.LogLevelError, time.UTC)))
	require.NoError(t, err)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	saveImage(t, store, "mysql-img", StatusProcessing)
	require.NoError(t, store.CompleteRun(ctx, "mysql-img", 4, []TrafficDensity{
		{Latitude: 37.87, Longitude: 32.48, DensityScore: 1, VehicleCount: 4},
	}))

	img, err := store.GetSatelliteImage(ctx, "mysql-img")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, img.ProcessingStatus)

	summary, err := store.DensitySummary(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalRecords)
	assert.Equal(t, int64(4), summary.TotalVehiclesDetected)
}
