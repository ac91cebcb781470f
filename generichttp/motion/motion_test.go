package motion_test

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/nasa-jpl/pimotion/generichttp/motion"
	"github.com/nasa-jpl/pimotion/pi"
	"github.com/nasa-jpl/pimotion/util"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, lim map[string]util.Limiter) (*httptest.Server, *pi.MockController) {
	t.Helper()
	ctl := pi.NewControllerMock(1, "1", "2")
	h := motion.NewHTTPMotionController(ctl)
	l := motion.LimitMiddleware{Limits: lim, Mov: ctl}
	l.Inject(h)
	r := chi.NewRouter()
	r.Use(l.Check)
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, ctl
}

func post(t *testing.T, url, body string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestRoutesFollowCapabilities(t *testing.T) {
	h := motion.NewHTTPMotionController(pi.NewControllerMock(1))
	eps := h.RT().Endpoints()
	for _, want := range []string{
		"GET /axes",
		"GET /axis/{axis}/enabled",
		"GET /axis/{axis}/inposition",
		"GET /axis/{axis}/stream",
		"POST /axis/{axis}/home",
		"POST /axis/{axis}/initialize",
		"POST /axis/{axis}/stop",
		"POST /axis/{axis}/velocity",
	} {
		require.Contains(t, eps, want)
	}
}

func TestMoveOverHTTP(t *testing.T) {
	srv, _ := newServer(t, nil)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/axis/1/enabled", `{"bool": true}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/axis/1/pos", `{"f64": 5}`))
	time.Sleep(20 * time.Millisecond)

	var f struct {
		F64 float64 `json:"f64"`
	}
	getJSON(t, srv.URL+"/axis/1/pos", &f)
	require.Equal(t, 5., f.F64)

	var b struct {
		Bool bool `json:"bool"`
	}
	getJSON(t, srv.URL+"/axis/1/inposition", &b)
	require.True(t, b.Bool)

	var axes []string
	getJSON(t, srv.URL+"/axes", &axes)
	require.Equal(t, []string{"1", "2"}, axes)

	// servo off
	require.Equal(t, http.StatusInternalServerError, post(t, srv.URL+"/axis/2/pos", `{"f64": 5}`))
	require.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/axis/1/pos?relative=sure", `{"f64": 5}`))
}

func TestLimitMiddleware(t *testing.T) {
	lim := map[string]util.Limiter{"1": {Min: -1, Max: 1}, "2": {Min: math.NaN(), Max: 2}}
	srv, _ := newServer(t, lim)
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/axis/1/enabled", `{"bool": true}`))

	require.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/axis/1/pos", `{"f64": 5}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/axis/1/pos", `{"f64": 0.5}`))
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/axis/1/pos?relative=true", `{"f64": 1}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/axis/1/pos?relative=true", `{"f64": -1}`))

	var l struct {
		Min *float64 `json:"min"`
		Max *float64 `json:"max"`
	}
	getJSON(t, srv.URL+"/axis/2/limits", &l)
	require.Nil(t, l.Min)
	require.Equal(t, 2., *l.Max)
}

func TestStream(t *testing.T) {
	srv, _ := newServer(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/axis/1/stream?hz=100"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	for i := 0; i < 2; i++ {
		var s motion.Sample
		require.NoError(t, conn.ReadJSON(&s))
		require.Equal(t, "1", s.Axis)
		require.Empty(t, s.Error)
	}

	resp, err := http.Get(srv.URL + "/axis/1/stream?hz=-1")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// waveMock records the wave generator calls it receives
type waveMock struct {
	*pi.MockController
	calls []string
}

func (m *waveMock) SetLinearWaveform(amplitude, offset float64, npts, gen, rate int) error {
	m.calls = append(m.calls, fmt.Sprintf("linear %d %g %g %d %d", gen, amplitude, offset, npts, rate))
	return nil
}

func (m *waveMock) StartWaveform(gen, cycles int) error {
	m.calls = append(m.calls, fmt.Sprintf("start %d %d", gen, cycles))
	return nil
}

func (m *waveMock) StopWaveform(gen int) error {
	m.calls = append(m.calls, fmt.Sprintf("stop %d", gen))
	return nil
}

func (m *waveMock) SetTriggerWaveform(points []int, line int) error {
	m.calls = append(m.calls, fmt.Sprintf("trigger %v %d", points, line))
	return nil
}

func (m *waveMock) ServoCycle() (time.Duration, error) {
	return 50 * time.Microsecond, nil
}

func TestWaveformRoutes(t *testing.T) {
	m := &waveMock{MockController: pi.NewControllerMock(1)}
	h := motion.NewHTTPMotionController(m)
	r := chi.NewRouter()
	h.RT().Bind(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	require.Equal(t, http.StatusOK, post(t, srv.URL+"/waveform/1/linear", `{"amplitude": 2, "offset": -1, "npts": 100, "rate": 5}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/waveform/trigger", `{"points": [0, 50], "line": 2}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/waveform/1/start", `{"int": 3}`))
	require.Equal(t, http.StatusOK, post(t, srv.URL+"/waveform/1/stop", ``))
	require.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/waveform/x/stop", ``))
	require.Equal(t, http.StatusBadRequest, post(t, srv.URL+"/waveform/1/linear", `{"npts": 1}`))
	require.Equal(t, []string{
		"linear 1 2 -1 100 5",
		"trigger [0 50] 2",
		"start 1 3",
		"stop 1",
	}, m.calls)

	var f struct {
		F64 float64 `json:"f64"`
	}
	getJSON(t, srv.URL+"/servo-cycle", &f)
	require.InDelta(t, 50e-6, f.F64, 1e-12)

	require.NotContains(t, motion.NewHTTPMotionController(pi.NewControllerMock(1)).RT().Endpoints(), "GET /servo-cycle")
}
