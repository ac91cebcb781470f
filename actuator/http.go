package actuator

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/nasa-jpl/pimotion/generichttp"
	"github.com/nasa-jpl/pimotion/util"
)

// HTTPWrapper exposes an actuator over HTTP, under /actuator
type HTTPWrapper struct {
	Actuator

	// Info is the description returned by Initialize
	Info string

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table
// pre-configured.  Commit routes are bound when the actuator supports them.
func NewHTTPWrapper(a Actuator, info string) HTTPWrapper {
	w := HTTPWrapper{Actuator: a, Info: info}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/actuator/pos"}:   generichttp.GetFloat(a.GetPosition),
		{Method: http.MethodPost, Path: "/actuator/pos"}:  w.move,
		{Method: http.MethodPost, Path: "/actuator/home"}: action(a.MoveHome),
		{Method: http.MethodPost, Path: "/actuator/stop"}: action(a.Stop),
		{Method: http.MethodPost, Path: "/actuator/wait"}: w.wait,
		{Method: http.MethodGet, Path: "/actuator/info"}:  w.info,
		{Method: http.MethodGet, Path: "/actuator/target"}: generichttp.GetFloat(func() (float64, error) {
			return a.Target(), nil
		}),
	}
	if lc, ok := a.(LoopCloser); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/actuator/closed-loop"}] = generichttp.GetBool(func() (bool, error) {
			return a.Settings().ClosedLoop, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/actuator/closed-loop"}] = generichttp.SetBool(lc.SetClosedLoop)
	}
	if js, ok := a.(JoystickUser); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/actuator/joystick"}] = generichttp.GetBool(func() (bool, error) {
			return a.Settings().UseJoystick, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/actuator/joystick"}] = generichttp.SetBool(js.SetJoystick)
	}
	if as, ok := a.(AxisSelector); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/actuator/axis"}] = generichttp.GetString(func() (string, error) {
			return a.Settings().Axis, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/actuator/axis"}] = generichttp.SetString(as.SelectAxis)
	}
	if ss, ok := a.(StageSetter); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/actuator/stage"}] = generichttp.GetString(func() (string, error) {
			return a.Settings().Stage, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/actuator/stage"}] = generichttp.SetString(ss.SetStage)
	}
	if cs, ok := a.(ControllerSelector); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/actuator/controller"}] = generichttp.GetInt(func() (int, error) {
			return a.Settings().ControllerAddress, nil
		})
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/actuator/controller"}] = generichttp.SetInt(cs.SelectController)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func action(fcn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fcn(); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func queryBool(r *http.Request, key string) (bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// move moves to {"f64": x}, or by it with ?relative=true
func (h HTTPWrapper) move(w http.ResponseWriter, r *http.Request) {
	relative, err := queryBool(r, "relative")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fcn := h.Actuator.MoveAbs
	if relative {
		fcn = h.Actuator.MoveRel
	}
	generichttp.SetFloat(fcn)(w, r)
}

// wait blocks until the move is done and returns the position.  The
// timeout is ?timeout= in seconds, or the Timeout setting.
func (h HTTPWrapper) wait(w http.ResponseWriter, r *http.Request) {
	timeout := h.Actuator.Settings().Timeout
	if s := r.URL.Query().Get("timeout"); s != "" {
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil || secs <= 0 {
			http.Error(w, "timeout must be a positive number of seconds", http.StatusBadRequest)
			return
		}
		timeout = util.SecsToDuration(secs)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()
	pos, err := WaitDone(ctx, h.Actuator, DefaultPoll)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			code = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), code)
		return
	}
	generichttp.GetFloat(func() (float64, error) { return pos, nil })(w, r)
}

type infoJSON struct {
	Info     string   `json:"info"`
	Target   float64  `json:"target"`
	Settings Settings `json:"settings"`
}

func (h HTTPWrapper) info(w http.ResponseWriter, r *http.Request) {
	generichttp.JSON(w, infoJSON{Info: h.Info, Target: h.Actuator.Target(), Settings: h.Actuator.Settings()})
}
