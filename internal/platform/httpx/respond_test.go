package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type payload struct {
	Name     string `json:"name" validate:"required"`
	Quantity int64  `json:"quantity" validate:"gt=0"`
}

func TestDecodeJSONRejectsUnknownAndTrailing(t *testing.T) {
	cases := map[string]string{
		"unknown field": `{"name":"a","quantity":1,"extra":true}`,
		"trailing data": `{"name":"a","quantity":1} {}`,
		"not json":      `name=a`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			var p payload
			err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), &p)
			require.ErrorIs(t, err, ErrMalformedBody)
		})
	}

	var p payload
	require.NoError(t, DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"a","quantity":2}`)), &p))
	require.Equal(t, payload{Name: "a", Quantity: 2}, p)
}

func TestRespondErrorReportsValidationFieldsByJSONName(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondError(rec, Validate(payload{}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, map[string]string{"name": "required", "quantity": "gt"}, problem.Fields)
}

func TestRespondErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("%w: variant", ErrBadParam), http.StatusBadRequest},
		{ErrUnauthorized, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		RespondError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}

	rec := httptest.NewRecorder()
	RespondError(rec, errors.New("db password leaked in message"))
	require.NotContains(t, rec.Body.String(), "password")
}

func TestRetryAfterRoundsUpToOneSecond(t *testing.T) {
	rec := httptest.NewRecorder()
	RetryAfter(rec, 200*time.Millisecond)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	RetryAfter(rec, 5*time.Second)
	require.Equal(t, "5", rec.Header().Get("Retry-After"))
}
