package ascii_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/pimotion/generichttp"
	"github.com/nasa-jpl/pimotion/generichttp/ascii"
	"github.com/stretchr/testify/require"
)

type echo struct{}

func (echo) Raw(s string) (string, error) {
	if s == "fail" {
		return "", errors.New("link down")
	}
	if strings.HasSuffix(s, "?") {
		return strings.ToUpper(s), nil
	}
	return "", nil
}

func TestRaw(t *testing.T) {
	rt := generichttp.RouteTable{}
	ascii.InjectRawComm(rt, echo{})
	r := chi.NewRouter()
	rt.Bind(r)

	for _, tc := range []struct {
		body string
		code int
		resp string
	}{
		{`{"str": "pos?"}`, http.StatusOK, `{"str": "POS?"}`},
		{`{"str": "MOV 1 2"}`, http.StatusOK, `{"str": ""}`},
		{`{"str": "fail"}`, http.StatusInternalServerError, ""},
		{`{`, http.StatusBadRequest, ""},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/raw", strings.NewReader(tc.body)))
		require.Equal(t, tc.code, w.Code, tc.body)
		if tc.resp != "" {
			require.JSONEq(t, tc.resp, w.Body.String())
		}
	}
}
