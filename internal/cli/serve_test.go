package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scoresync/internal/presence"
	"github.com/roach88/scoresync/internal/remote"
)

const eventSeed = `
- id: card-9
  type: scorecard
  fields: { hole_9: 0 }
- id: t-1
  type: tournament
  fields: { phase: registration }
`

// startServe runs the serve command until the test ends and returns its
// base URL.
func startServe(t *testing.T, seed string) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	addrc := make(chan string, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		Seed:        seed,
		ready:       func(addr string) { addrc <- addr },
	}
	cmd := &cobra.Command{}
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(ctx)

	errc := make(chan error, 1)
	go func() { errc <- runServe(opts, cmd) }()

	var addr string
	select {
	case addr = <-addrc:
	case err := <-errc:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("serve did not stop")
		}
	})
	return "http://" + addr
}

func TestServeSeededStore(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte(eventSeed), 0644))
	url := startServe(t, seedPath)

	resp, err := http.Get(url + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(url + "/entities/t-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(url + "/entities/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// A device can pull from and sync against the served store.
	cfg := writeDeviceConfig(t, t.TempDir(), "dev-a", url)
	out, _, err := runCLI(t, "--config", cfg, "pull", "card-9")
	require.NoError(t, err)
	assert.Contains(t, out, "Pulled card-9")

	out, _, err = runCLI(t, "--config", cfg, "enqueue", "card-9", "scorecard", "hole_9=3", "--sync")
	require.NoError(t, err)
	assert.Contains(t, out, "(0 pending)")
}

func TestServeBadSeed(t *testing.T) {
	seedPath := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seedPath, []byte("- id: card-1\n"), 0644))

	buf := &bytes.Buffer{}
	opts := &ServeOptions{RootOptions: &RootOptions{Format: "text"}, Addr: "127.0.0.1:0", Seed: seedPath}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "id and type are required")
}

func TestServeMissingSeed(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		Seed:        filepath.Join(t.TempDir(), "missing.yaml"),
	}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load seed")
}

func TestServerRouterPresenceRoute(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.SetErr(&bytes.Buffer{})
	router := newServerRouter(remote.NewMemory(), presence.NewHub(nil), &RootOptions{}, cmd)
	srv := httptest.NewServer(router)
	defer srv.Close()

	// A plain GET is not a websocket upgrade.
	resp, err := http.Get(srv.URL + "/presence")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
