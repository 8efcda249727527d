//go:build !integration

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildHandler(t *testing.T) {
	loadTestConfig(t)
	cfg.Store.DatabaseURL = filepath.Join(t.TempDir(), "serve.db")
	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	h, metrics := buildHandler(st)
	require.NotNil(t, metrics)

	for target, want := range map[string]int{
		"/health":      http.StatusOK,
		"/runs":        http.StatusOK,
		"/runs/absent": http.StatusNotFound,
		"/metrics":     http.StatusOK,
		"/status":      http.StatusOK,
	} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, want, rr.Code, target)
	}
}
