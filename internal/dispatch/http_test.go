package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mutq/internal/request"
)

func TestHTTPSender_Success(t *testing.T) {
	r := request.Request{Command: "AddComment", RequestID: 7, Data: json.RawMessage(`{"text":"hi"}`)}
	wantKey, err := request.IdempotencyKey(r)
	require.NoError(t, err)

	var gotPath, gotKey, gotID, gotAuth string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		gotKey = req.Header.Get(HeaderIdempotencyKey)
		gotID = req.Header.Get(HeaderRequestID)
		gotAuth = req.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(req.Body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(srv.URL+"/api/", WithHeader("Authorization", "Bearer t"))
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), r))

	assert.Equal(t, "/api/AddComment", gotPath)
	assert.Equal(t, wantKey, gotKey)
	assert.Equal(t, "7", gotID)
	assert.Equal(t, "Bearer t", gotAuth)
	assert.JSONEq(t, `{"text":"hi"}`, string(gotBody))
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusConflict, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			s, err := NewHTTPSender(srv.URL)
			require.NoError(t, err)
			err = s.Send(context.Background(), request.Request{Command: "X", RequestID: 1})
			require.Error(t, err)
			assert.Equal(t, tt.permanent, IsPermanent(err))

			var se *StatusError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, tt.status, se.StatusCode)
			assert.Equal(t, "nope", se.Body)
		})
	}
}

func TestHTTPSender_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(url)
	require.NoError(t, err)
	err = s.Send(context.Background(), request.Request{Command: "X", RequestID: 1})
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestNewHTTPSender_RejectsBadEndpoint(t *testing.T) {
	_, err := NewHTTPSender("ftp://example.com")
	assert.Error(t, err)
	_, err = NewHTTPSender("://bad")
	assert.Error(t, err)
}
