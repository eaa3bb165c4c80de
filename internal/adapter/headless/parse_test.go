package headless

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/placegrid/harvester/internal/harvest"
)

func feedItem(name, placeID string, lat, lng string) string {
	return `<div class="result"><a href="https://www.google.com/maps/place/` +
		strings.ReplaceAll(name, " ", "+") +
		`/data=!4m2!3m1!1s` + placeID + `!3d` + lat + `!4d` + lng +
		`" aria-label="` + name + `"></a>` +
		`<span aria-label="4.5 stars 132 Reviews"></span></div>`
}

func workItem() harvest.WorkItem {
	return harvest.WorkItem{
		Cell:     harvest.Cell{Token: "891f1d48a87ffff", Resolution: 9, Lat: 52.52, Lng: 13.405},
		Category: harvest.Category{Name: "cafe", Query: "cafe"},
	}
}

func TestParseResultsExtractsCandidates(t *testing.T) {
	t.Parallel()

	page := `<html><div role="feed">` +
		feedItem("Cafe Aroma", "0x47a851c655f20989:0x26ac8dba3d96b8ba", "52.520100", "13.405100") +
		feedItem("Kaffee Mitte", "0x47a851c655f20989:0x11ac8dba3d96b8bb", "52.521500", "13.407800") +
		`</div></html>`

	candidates, err := ParseResults(page, workItem())
	require.NoError(t, err)
	require.Len(t, candidates, 2)

	first := candidates[0]
	require.Equal(t, "Cafe Aroma", first.Name)
	require.Equal(t, "0x47a851c655f20989:0x26ac8dba3d96b8ba", first.ProviderID)
	require.InDelta(t, 52.5201, first.Lat, 1e-6)
	require.InDelta(t, 13.4051, first.Lng, 1e-6)
	require.Equal(t, "cafe", first.Category)
	require.Equal(t, "891f1d48a87ffff", first.SourceCell)
	require.InDelta(t, 4.5, first.Rating, 1e-9)
	require.Equal(t, 132, first.ReviewCount)
}

func TestParseResultsDeduplicatesRepeatedAnchors(t *testing.T) {
	t.Parallel()

	entry := feedItem("Cafe Aroma", "0x1:0x2", "52.52", "13.40")
	page := `<html>` + entry + entry + `</html>`

	candidates, err := ParseResults(page, workItem())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
}

func TestParseResultsFallsBackToCellCentroid(t *testing.T) {
	t.Parallel()

	page := `<html><a href="https://www.google.com/maps/place/Nameless+Spot/data=!1s0x1:0x9" aria-label="Nameless Spot"></a></html>`

	candidates, err := ParseResults(page, workItem())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.InDelta(t, 52.52, candidates[0].Lat, 1e-9)
	require.InDelta(t, 13.405, candidates[0].Lng, 1e-9)
}

func TestParseResultsEmptyFeedNotice(t *testing.T) {
	t.Parallel()

	page := `<html><div>No results found for this search.</div></html>`

	candidates, err := ParseResults(page, workItem())
	require.NoError(t, err)
	require.Empty(t, candidates)
}

func TestParseResultsUnrecognizedMarkupFails(t *testing.T) {
	t.Parallel()

	_, err := ParseResults(`<html><body>redesigned page</body></html>`, workItem())
	require.Error(t, err)
}

func TestClassifyResponse(t *testing.T) {
	t.Parallel()

	kind, blocked := classifyResponse(429, "https://maps.example/search", "")
	require.True(t, blocked)
	require.Equal(t, harvest.FetchRateLimited, kind)

	kind, blocked = classifyResponse(200, "https://www.google.com/sorry/index", "")
	require.True(t, blocked)
	require.Equal(t, harvest.FetchBlocked, kind)

	kind, blocked = classifyResponse(200, "https://maps.example/search", "detected unusual traffic from your network")
	require.True(t, blocked)
	require.Equal(t, harvest.FetchBlocked, kind)

	_, blocked = classifyResponse(200, "https://maps.example/search", "<html>fine</html>")
	require.False(t, blocked)
}

func TestZoomForResolution(t *testing.T) {
	t.Parallel()

	require.Equal(t, 16, zoomForResolution(9))
	require.Equal(t, 10, zoomForResolution(1))
	require.Equal(t, 21, zoomForResolution(15))
}
