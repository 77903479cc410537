package connector

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPGateway_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPGateway(HTTPGatewayConfig{})
	require.Error(t, err)
}

func TestHTTPGateway_SendsRequest(t *testing.T) {
	var gotMethod, gotPath, gotQuery, gotBody string
	var gotContentType, gotRequestID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotContentType = r.Header.Get("Content-Type")
		gotRequestID = r.Header.Get("X-Request-ID")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		_, _ = w.Write([]byte(`[{"id":"i-1"}]`))
	}))
	defer srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL + "/connector-iaas/", Timeout: 5 * time.Second})
	require.NoError(t, err)

	out, err := gw.Do(context.Background(), http.MethodPost, "/infrastructures/x/instances",
		url.Values{"instanceId": {"i-1"}}, []byte(`{"tag":"t"}`))

	require.NoError(t, err)
	assert.Equal(t, `[{"id":"i-1"}]`, string(out))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/connector-iaas/infrastructures/x/instances", gotPath)
	assert.Equal(t, "instanceId=i-1", gotQuery)
	assert.Equal(t, `{"tag":"t"}`, gotBody)
	assert.Equal(t, "application/json", gotContentType)
	assert.NotEmpty(t, gotRequestID)
}

func TestHTTPGateway_Non200IsStatusError(t *testing.T) {
	for _, code := range []int{http.StatusCreated, http.StatusNotFound, http.StatusInternalServerError} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(code)
				_, _ = w.Write([]byte("nope\n"))
			}))
			defer srv.Close()

			gw, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: srv.URL})
			require.NoError(t, err)

			_, err = gw.Do(context.Background(), http.MethodDelete, "/infrastructures/x", nil, nil)

			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, code, statusErr.StatusCode)
			assert.Equal(t, "nope", statusErr.Body)
			assert.Equal(t, code == http.StatusNotFound, IsNotFound(err))
		})
	}
}

func TestHTTPGateway_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	gw, err := NewHTTPGateway(HTTPGatewayConfig{BaseURL: base})
	require.NoError(t, err)

	_, err = gw.Do(context.Background(), http.MethodGet, "/infrastructures", nil, nil)
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestStatusError_Message(t *testing.T) {
	err := &StatusError{Method: "GET", URL: "http://c/infrastructures", StatusCode: 503}
	assert.Equal(t, "GET http://c/infrastructures: HTTP error code 503", err.Error())
}
