package generichttp_test

import (
	"errors"
	"go/types"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/nasa-jpl/pimotion/generichttp"
	"github.com/stretchr/testify/require"
)

func TestSubMuxSanitize(t *testing.T) {
	for in, want := range map[string]string{
		"omc/nkt":    "/omc/nkt",
		"/omc/nkt/*": "/omc/nkt",
		"omc/nkt/":   "/omc/nkt",
		"/stage":     "/stage",
	} {
		if got := generichttp.SubMuxSanitize(in); got != want {
			t.Errorf("SubMuxSanitize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEndpointsSorted(t *testing.T) {
	nop := func(http.ResponseWriter, *http.Request) {}
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/b"}: nop,
		{Method: http.MethodGet, Path: "/b"}:  nop,
		{Method: http.MethodGet, Path: "/a"}:  nop,
	}
	want := []string{"GET /a", "GET /b", "POST /b"}
	if diff := cmp.Diff(want, rt.Endpoints()); diff != "" {
		t.Fatal(diff)
	}
}

func TestHumanPayload(t *testing.T) {
	hp := generichttp.HumanPayload{T: types.Float64, Float: 1.5}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	hp.EncodeAndRespond(w, r)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"f64": 1.5}`, w.Body.String())

	r.Header.Set("Accept", "text/plain")
	w = httptest.NewRecorder()
	hp.EncodeAndRespond(w, r)
	require.Equal(t, "1.5", w.Body.String())

	w = httptest.NewRecorder()
	generichttp.HumanPayload{T: types.Complex128}.EncodeAndRespond(w, r)
	require.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestBindAndSetters(t *testing.T) {
	var got string
	rt := generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/name"}: generichttp.SetString(func(s string) error {
			if s == "" {
				return errors.New("empty")
			}
			got = s
			return nil
		}),
		{Method: http.MethodGet, Path: "/name"}: generichttp.GetString(func() (string, error) {
			return got, nil
		}),
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/name", strings.NewReader(`{"str": "stage"}`)))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/name", nil))
	require.JSONEq(t, `{"str": "stage"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/name", strings.NewReader(`{"str": ""}`)))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/name", strings.NewReader(`not json`)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}
