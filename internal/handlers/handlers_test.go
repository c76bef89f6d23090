package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracetrack/backend/internal/apperr"
)

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		QRID string `json:"qr_id"`
	}
	r := httptest.NewRequest(http.MethodPost, "/scan/parent", strings.NewReader(`{"qr_id":"P1"}`))
	require.NoError(t, decodeJSON(httptest.NewRecorder(), r, &dst))
	assert.Equal(t, "P1", dst.QRID)
}

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	var dst struct {
		QRID string `json:"qr_id"`
	}
	r := httptest.NewRequest(http.MethodPost, "/scan/parent", strings.NewReader(`{"qr":"P1"}`))
	err := decodeJSON(httptest.NewRecorder(), r, &dst)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDecodeJSONRejectsGarbage(t *testing.T) {
	var dst struct{}
	r := httptest.NewRequest(http.MethodPost, "/bills", strings.NewReader(`not json`))
	err := decodeJSON(httptest.NewRecorder(), r, &dst)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestDecodeJSONRejectsOversizedBody(t *testing.T) {
	var dst struct {
		Notes string `json:"notes"`
	}
	body := `{"notes":"` + strings.Repeat("x", maxBodyBytes+1) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/api/bags", strings.NewReader(body))
	err := decodeJSON(httptest.NewRecorder(), r, &dst)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}
