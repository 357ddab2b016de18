package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSONError(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteJSONError(rec, http.StatusNotFound, "no estimates yet")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "no estimates yet", resp["error"])
}

func TestWriteJSONOKIndents(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	WriteJSONOK(rec, map[string]int{"cycles": 42})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "{\n  \"cycles\": 42\n}\n", rec.Body.String())
}

func TestRequireGet(t *testing.T) {
	t.Parallel()
	for _, tt := range []struct {
		method string
		ok     bool
	}{
		{http.MethodGet, true},
		{http.MethodHead, true},
		{http.MethodPost, false},
		{http.MethodDelete, false},
	} {
		t.Run(tt.method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			got := RequireGet(rec, httptest.NewRequest(tt.method, "/api/status", nil))
			assert.Equal(t, tt.ok, got)
			if !tt.ok {
				assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
				assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
			}
		})
	}
}

func TestPositiveIntParam(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		query  string
		want   int
		ok     bool
		status int
	}{
		{name: "missing", query: "", want: 7, ok: true, status: http.StatusOK},
		{name: "valid", query: "?limit=25", want: 25, ok: true, status: http.StatusOK},
		{name: "zero", query: "?limit=0", ok: false, status: http.StatusBadRequest},
		{name: "negative", query: "?limit=-3", ok: false, status: http.StatusBadRequest},
		{name: "text", query: "?limit=lots", ok: false, status: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			v, ok := PositiveIntParam(rec, httptest.NewRequest(http.MethodGet, "/api/estimates"+tt.query, nil), "limit", 7)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, v)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
