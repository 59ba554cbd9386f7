package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	writeJSON(rec, http.StatusCreated, map[string]int{"n": 1})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"n":1}`, rec.Body.String())

	rec = httptest.NewRecorder()
	writeError(rec, http.StatusBadRequest, "bad")
	assert.JSONEq(t, `{"error":"bad"}`, rec.Body.String())
}

func TestWriteJSONUnencodableValueIsLogged(t *testing.T) {
	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() { writeJSON(rec, http.StatusOK, make(chan int)) })
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestDecodeJSON(t *testing.T) {
	var v struct {
		Force bool `json:"force"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	require.NoError(t, decodeJSON(req, &v))
	assert.False(t, v.Force)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"force":true}`))
	require.NoError(t, decodeJSON(req, &v))
	assert.True(t, v.Force)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"forse":true}`))
	assert.Error(t, decodeJSON(req, &v))
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, bearerToken(req))
	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, bearerToken(req))
	req.Header.Set("Authorization", "Bearer  tok ")
	assert.Equal(t, "tok", bearerToken(req))
}
