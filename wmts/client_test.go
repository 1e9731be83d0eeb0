package wmts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	capabilities, err := os.ReadFile("testdata/capabilities.xml")
	require.NoError(t, err)

	var capabilitiesRequests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		assert.Equal(t, "WMTS", query.Get("SERVICE"))
		switch query.Get("REQUEST") {
		case "GetCapabilities":
			capabilitiesRequests.Add(1)
			w.Header().Set("Content-Type", "application/xml")
			_, _ = w.Write(capabilities)
		case "GetTile":
			if query.Get("LAYER") != "lufo_rd" {
				http.Error(w, "unknown layer", http.StatusBadRequest)
				return
			}
			if query.Get("TILEROW") == "666" {
				w.Header().Set("Content-Type", "text/xml")
				_, _ = w.Write([]byte(`<ExceptionReport><Exception>TileOutOfRange</Exception></ExceptionReport>`))
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("jpegbytes " + query.Get("TILEROW") + "/" + query.Get("TILECOL")))
		default:
			http.Error(w, "unknown request", http.StatusBadRequest)
		}
	}))
	t.Cleanup(server.Close)
	return server, &capabilitiesRequests
}

func TestClientCapabilitiesIsCached(t *testing.T) {
	server, requests := newTestService(t)
	client, err := NewClient(server.URL)
	require.NoError(t, err)

	caps, err := client.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Map of Amsterdam", caps.ServiceIdentification.Title)

	again, err := client.Capabilities(context.Background())
	require.NoError(t, err)
	assert.Same(t, caps, again)
	assert.Equal(t, int32(1), requests.Load())
}

func TestClientGetTile(t *testing.T) {
	server, _ := newTestService(t)
	client, err := NewClient(server.URL)
	require.NoError(t, err)

	data, err := client.GetTile(context.Background(), TileRequest{
		Layer:         "lufo_rd",
		TileMatrixSet: "nl_grid",
		TileMatrix:    "12",
		Row:           1205,
		Col:           972,
		Format:        "image/jpeg",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegbytes 1205/972"), data)
}

func TestClientGetTileErrorStatus(t *testing.T) {
	server, _ := newTestService(t)
	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.GetTile(context.Background(), TileRequest{
		Layer:  "unknown",
		Format: "image/jpeg",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "status 400")
}

func TestClientGetTileExceptionReport(t *testing.T) {
	server, _ := newTestService(t)
	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.GetTile(context.Background(), TileRequest{
		Layer:      "lufo_rd",
		TileMatrix: "12",
		Row:        666,
		Format:     "image/jpeg",
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "exception report")
}

func TestClientPreservesBaseQueryParams(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL + "/service?apikey=secret")
	require.NoError(t, err)

	_, err = client.GetTile(context.Background(), TileRequest{Layer: "l", Format: "image/png"})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "apikey=secret")
	assert.Contains(t, gotQuery, "REQUEST=GetTile")
	assert.Contains(t, gotQuery, "STYLE=default")
}
