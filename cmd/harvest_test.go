package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPolygonFromBBox(t *testing.T) {
	t.Parallel()
	polygon, err := polygonFromBBox("13.3,52.5,13.5,52.6")
	require.NoError(t, err)
	require.Len(t, polygon, 1)
	require.Len(t, polygon[0], 5)
	require.Equal(t, polygon[0][0], polygon[0][4])

	_, err = polygonFromBBox("13.3,52.5,13.5")
	require.Error(t, err)

	_, err = polygonFromBBox("13.5,52.5,13.3,52.6")
	require.Error(t, err)

	_, err = polygonFromBBox("a,b,c,d")
	require.Error(t, err)
}

func TestLoadPolygonFromFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "region.json")
	content := []byte(`[[[13.3,52.5],[13.5,52.5],[13.5,52.6],[13.3,52.6],[13.3,52.5]]]`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	polygon, err := loadPolygon("", path)
	require.NoError(t, err)
	require.Len(t, polygon, 1)
	require.Len(t, polygon[0], 5)
}

func TestLoadPolygonFlagValidation(t *testing.T) {
	t.Parallel()
	_, err := loadPolygon("", "")
	require.Error(t, err)

	_, err = loadPolygon("1,2,3,4", "somewhere.json")
	require.Error(t, err)
}
