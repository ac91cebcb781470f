package locker_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/pimotion/generichttp"
	"github.com/nasa-jpl/pimotion/server/middleware/locker"
	"github.com/stretchr/testify/require"
)

func ok(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }

func router(rt generichttp.RouteTable, lock locker.ManipulableLock) http.Handler {
	lock.Inject(rt)
	r := chi.NewRouter()
	r.Use(lock.Check)
	rt.Bind(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
	return w
}

func TestLocker(t *testing.T) {
	l := locker.New()
	h := router(generichttp.RouteTable{{Method: http.MethodGet, Path: "/pos"}: ok}, l)

	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/pos", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/lock", `{"bool": true}`).Code)
	require.True(t, l.Locked())
	require.Equal(t, http.StatusLocked, do(h, http.MethodGet, "/pos", "").Code)

	w := do(h, http.MethodGet, "/lock", "")
	require.JSONEq(t, `{"bool": true}`, w.Body.String())

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/lock", `{"bool": false}`).Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/pos", "").Code)
	require.Equal(t, http.StatusBadRequest, do(h, http.MethodPost, "/lock", `nope`).Code)
}

func TestAxisLocker(t *testing.T) {
	al := locker.NewAL()
	h := router(generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/axis/{axis}/pos"}: ok,
		{Method: http.MethodGet, Path: "/axes"}:            ok,
	}, al)

	require.Equal(t, http.StatusOK, do(h, http.MethodPost, "/axis/X/lock", `{"bool": true}`).Code)
	require.True(t, al.Locked("X"))
	require.Equal(t, http.StatusLocked, do(h, http.MethodGet, "/axis/X/pos", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/axis/Y/pos", "").Code)
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/axes", "").Code)

	w := do(h, http.MethodGet, "/axis/X/lock", "")
	require.JSONEq(t, `{"bool": true}`, w.Body.String())

	al.Unlock("X")
	require.Equal(t, http.StatusOK, do(h, http.MethodGet, "/axis/X/pos", "").Code)
}
