package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramID(t *testing.T) {
	assert.Equal(t, "UberSDR-PSKReporter 1.2.0", programID("UberSDR-PSKReporter", "v1.2"))
	assert.Equal(t, "UberSDR-PSKReporter 0.4.2", programID("UberSDR-PSKReporter", "0.4.2"))
	assert.Equal(t, "Tool dev-build", programID("Tool", "dev-build"))
	assert.Equal(t, "Tool", programID("Tool", ""))
}

func TestIsNewerVersion(t *testing.T) {
	assert.True(t, isNewerVersion("0.5.0", "0.4.2"))
	assert.True(t, isNewerVersion("0.4.10", "0.4.9"))
	assert.False(t, isNewerVersion("0.4.2", "0.4.2"))
	assert.False(t, isNewerVersion("0.4.1", "0.4.2"))
	assert.False(t, isNewerVersion("garbage", "0.4.2"))
}

func TestFetchVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/version.go":
			fmt.Fprintln(w, "package main")
			fmt.Fprintln(w, `const Version = "9.9.9"`)
		case "/empty.go":
			fmt.Fprintln(w, "package main")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v, err := fetchVersion(context.Background(), srv.URL+"/version.go")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9", v)

	_, err = fetchVersion(context.Background(), srv.URL+"/empty.go")
	assert.Error(t, err)

	_, err = fetchVersion(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)
}
