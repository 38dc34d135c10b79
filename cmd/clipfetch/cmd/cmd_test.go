package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/clip-prefetch/pkg/config"
	"github.com/psantana5/clip-prefetch/pkg/models"
)

func TestNewClientSendsAPIKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k1" {
			http.Error(w, "Missing API key", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	prevURL, prevCfg := apiURL, cfg
	defer func() { apiURL, cfg = prevURL, prevCfg }()
	apiURL = srv.URL + "/"
	cfg = &config.Config{Client: config.ClientConfig{APIKey: "k1"}}

	c, err := newClient()
	require.NoError(t, err)
	health, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", health["status"])
}

func TestNewClientBadCA(t *testing.T) {
	prevCfg := cfg
	defer func() { cfg = prevCfg }()
	cfg = &config.Config{Client: config.ClientConfig{TLSCA: "/does/not/exist.pem"}}

	_, err := newClient()
	assert.Error(t, err)
}

func TestBuildClip(t *testing.T) {
	defer func(id, src string) { clipID, clipSource = id, src }(clipID, clipSource)
	clipID, clipSource = "", ""

	clip, err := buildClip("/shots/plate.0001.exr")
	require.NoError(t, err)
	assert.Equal(t, models.SourceSequence, clip.Source)
	assert.Equal(t, "/shots/plate.0001.exr", clip.ID)
	assert.Equal(t, "plate.0001.exr", clip.Name)

	clip, err = buildClip("/edit/take3.MOV")
	require.NoError(t, err)
	assert.Equal(t, models.SourceMovie, clip.Source)

	clipSource = "tape"
	_, err = buildClip("/edit/take3.mov")
	assert.Error(t, err)
}

func TestListenPort(t *testing.T) {
	assert.Equal(t, ":8090", listenPort(":8090"))
	assert.Equal(t, ":9000", listenPort("127.0.0.1:9000"))
	assert.Equal(t, ":8090", listenPort("localhost"))
}
