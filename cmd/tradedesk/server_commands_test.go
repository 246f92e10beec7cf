package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestHealthCommand_Success(t *testing.T) {
	// Create test server that returns 200 OK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer server.Close()

	// Set server URL
	os.Setenv("SERVER_URL", server.URL)
	defer os.Unsetenv("SERVER_URL")

	err := newApp().Run([]string{"tradedesk", "server", "health"})
	require.NoError(t, err)
}

func TestHealthCommand_Failure(t *testing.T) {
	// Create test server that returns 500
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	os.Setenv("SERVER_URL", server.URL)
	defer os.Unsetenv("SERVER_URL")

	err := newApp().Run([]string{"tradedesk", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestHealthCommand_NoServerURL(t *testing.T) {
	app := &cli.App{
		Name: "tradedesk",
		Commands: []*cli.Command{
			{
				Name: "server",
				Subcommands: []*cli.Command{
					healthCommand(),
				},
			},
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name: "server-url",
			},
		},
	}

	err := app.Run([]string{"tradedesk", "server", "health"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server-url is required")
}

func TestHealthCommand_Timeout(t *testing.T) {
	// Point to an address nothing listens on
	os.Setenv("SERVER_URL", "http://127.0.0.1:1")
	defer os.Unsetenv("SERVER_URL")

	err := newApp().Run([]string{"tradedesk", "server", "health", "--timeout", "100ms"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health check failed")
}

func TestVersionCommand(t *testing.T) {
	err := newApp().Run([]string{"tradedesk", "server", "version"})
	require.NoError(t, err)
}
