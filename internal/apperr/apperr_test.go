package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, KindValidation.HTTPStatus())
	assert.Equal(t, http.StatusUnauthorized, KindAuth.HTTPStatus())
	assert.Equal(t, http.StatusForbidden, KindAuthz.HTTPStatus())
	assert.Equal(t, http.StatusNotFound, KindNotFound.HTTPStatus())
	assert.Equal(t, http.StatusConflict, KindConflict.HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, KindRateLimited.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, KindTransient.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, KindFatal.HTTPStatus())
}

func TestKindOfDefaultsToFatal(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("boom")))
	assert.Equal(t, KindConflict, KindOf(New(KindConflict, "dup")))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := Wrap(KindTransient, "db unavailable", cause)
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindTransient, KindOf(err))
	assert.Equal(t, "db unavailable", Message(err))
}

func TestWrapInnerKindSurvivesOuterWrap(t *testing.T) {
	inner := New(KindConflict, "duplicate qr")
	outer := Wrap(KindConflict, "bag exists", inner)
	assert.True(t, Is(outer, KindConflict))
	assert.False(t, Is(outer, KindValidation))
}

func TestMessageOnPlainError(t *testing.T) {
	assert.Equal(t, "internal server error", Message(errors.New("secret detail")))
}

func TestDetail(t *testing.T) {
	err := New(KindConflict, "already linked")
	err.Detail = "PARENT-7"
	assert.Equal(t, "PARENT-7", DetailOf(err))
	assert.Equal(t, "", DetailOf(errors.New("x")))
}
