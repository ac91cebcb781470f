package actuator_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/pimotion/actuator"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, a actuator.Actuator, info string) (*httptest.Server, actuator.HTTPWrapper) {
	t.Helper()
	w := actuator.NewHTTPWrapper(a, info)
	r := chi.NewRouter()
	w.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, w
}

func post(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	buf := &bytes.Buffer{}
	if body != nil {
		require.NoError(t, json.NewEncoder(buf).Encode(body))
	}
	resp, err := http.Post(url, "application/json", buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestHTTPMoveAndWait(t *testing.T) {
	a, _ := newPI(t, mockSettings())
	srv, _ := serve(t, a, "mock")

	resp := post(t, srv.URL+"/actuator/pos", map[string]float64{"f64": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var f struct {
		F64 float64 `json:"f64"`
	}
	decode(t, post(t, srv.URL+"/actuator/wait", nil), &f)
	require.InDelta(t, 3, f.F64, 1e-6)

	resp = post(t, srv.URL+"/actuator/pos?relative=true", map[string]float64{"f64": -1})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, post(t, srv.URL+"/actuator/wait", nil), &f)
	require.InDelta(t, 2, f.F64, 1e-6)

	get, err := http.Get(srv.URL + "/actuator/pos")
	require.NoError(t, err)
	defer get.Body.Close()
	decode(t, get, &f)
	require.InDelta(t, 2, f.F64, 1e-6)

	resp = post(t, srv.URL+"/actuator/pos?relative=maybe", map[string]float64{"f64": 1})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPWaitTimesOut(t *testing.T) {
	a, _ := newPI(t, mockSettings())
	require.NoError(t, a.Controller().SetVelocity("1", 1))
	srv, _ := serve(t, a, "mock")
	resp := post(t, srv.URL+"/actuator/pos", map[string]float64{"f64": 50})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = post(t, srv.URL+"/actuator/wait?timeout=0.05", nil)
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	resp = post(t, srv.URL+"/actuator/stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHTTPCommitRoutes(t *testing.T) {
	a, _ := newPI(t, mockSettings())
	srv, w := serve(t, a, "connected on device:mock")

	resp := post(t, srv.URL+"/actuator/closed-loop", map[string]bool{"bool": false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.False(t, a.Settings().ClosedLoop)

	resp = post(t, srv.URL+"/actuator/axis", map[string]string{"str": "2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	get, err := http.Get(srv.URL + "/actuator/axis")
	require.NoError(t, err)
	defer get.Body.Close()
	var s struct {
		Str string `json:"str"`
	}
	decode(t, get, &s)
	require.Equal(t, "2", s.Str)

	resp = post(t, srv.URL+"/actuator/joystick", map[string]bool{"bool": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, a.Settings().UseJoystick)

	info, err := http.Get(srv.URL + "/actuator/info")
	require.NoError(t, err)
	defer info.Body.Close()
	var body struct {
		Info     string `json:"info"`
		Settings struct {
			Axis   string `json:"axis"`
			Limits struct {
				Min *float64 `json:"min"`
			} `json:"limits"`
		} `json:"settings"`
	}
	decode(t, info, &body)
	require.Equal(t, "connected on device:mock", body.Info)
	require.Equal(t, "2", body.Settings.Axis)
	require.NotNil(t, body.Settings.Limits.Min)
	require.Equal(t, -100., *body.Settings.Limits.Min)

	require.NotContains(t, w.RT().Endpoints(), "POST /actuator/stage")
}

func TestHTTPMercuryRoutes(t *testing.T) {
	a := actuator.NewMMC(mockSettings())
	info, err := a.Initialize(nil)
	require.NoError(t, err)
	defer a.Close()
	srv, w := serve(t, a, info)
	eps := w.RT().Endpoints()
	require.Contains(t, eps, "POST /actuator/stage")
	require.Contains(t, eps, "POST /actuator/controller")
	require.NotContains(t, eps, "POST /actuator/closed-loop")

	resp := post(t, srv.URL+"/actuator/controller", map[string]int{"int": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 2, a.Settings().ControllerAddress)
	resp = post(t, srv.URL+"/actuator/stage", map[string]string{"str": "nope"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
