package httpserver

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestBaseServerRoutes(t *testing.T) {
	srv := New(&HTTPServerConfig{ListenAddr: ":0", Log: slog.Default()}, pingRoutes{})
	h := srv.Handler()

	w := get(t, h, "/ping")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "pong", w.Body.String())

	w = get(t, h, "/livez")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"alive"}`, w.Body.String())
}

func TestBaseServerDrain(t *testing.T) {
	srv := New(&HTTPServerConfig{ListenAddr: ":0", Log: slog.Default()})
	h := srv.Handler()

	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	w := get(t, h, "/drain")
	require.JSONEq(t, `{"status":"draining"}`, w.Body.String())
	require.False(t, srv.IsReady())
	require.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	w = get(t, h, "/drain")
	require.JSONEq(t, `{"status":"already draining"}`, w.Body.String())

	w = get(t, h, "/undrain")
	require.JSONEq(t, `{"status":"ready"}`, w.Body.String())
	require.True(t, srv.IsReady())
	require.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)
}
