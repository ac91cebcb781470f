// Package motion provides an HTTP interface to motion controllers
package motion

/*
A controller may implement any number of the interfaces in this package.
NewHTTPMotionController checks which ones the concrete type satisfies and
binds their routes.
*/
import (
	"net/http"

	"github.com/nasa-jpl/pimotion/generichttp"
)

// Controller is used for the HTTP interface.  All Controllers are Movers.
type Controller interface {
	Mover
}

// AxisLister can report the names of its axes
type AxisLister interface {
	Axes() ([]string, error)
}

// HTTPMotionController wraps a motion controller with HTTP
type HTTPMotionController struct {
	Controller

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the route table pre-configured
func NewHTTPMotionController(c Controller) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	HTTPMove(c, rt)
	HTTPStream(c, rt)
	if stopper, ok := c.(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if enabler, ok := c.(Enabler); ok {
		HTTPEnable(enabler, rt)
	}
	if speeder, ok := c.(Speeder); ok {
		HTTPSpeed(speeder, rt)
	}
	if initializer, ok := c.(Initializer); ok {
		HTTPInitialize(initializer, rt)
	}
	if inpos, ok := c.(InPositionQueryer); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/inposition"}] = GetInPosition(inpos)
	}
	if wg, ok := c.(WaveformGenerator); ok {
		HTTPWaveform(wg, rt)
	}
	if lister, ok := c.(AxisLister); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axes"}] = Axes(lister)
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}

// Axes returns an HTTP handler func that lists the axes of a controller as a JSON array
func Axes(l AxisLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axes, err := l.Axes()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		generichttp.JSON(w, axes)
	}
}
