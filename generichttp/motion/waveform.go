package motion

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/pimotion/generichttp"
)

// WaveformGenerator can play linear sweeps on numbered wave generators
type WaveformGenerator interface {
	// SetLinearWaveform loads a sweep into generator gen, output every rate servo cycles
	SetLinearWaveform(amplitude, offset float64, npts, gen, rate int) error

	// StartWaveform runs generator gen for a number of cycles
	StartWaveform(gen, cycles int) error

	// StopWaveform stops generator gen
	StopWaveform(gen int) error

	// SetTriggerWaveform pulses digital output line at each of the points
	SetTriggerWaveform(points []int, line int) error

	// ServoCycle is the servo update period
	ServoCycle() (time.Duration, error)
}

// LinearWaveform is the body of POST /waveform/{gen}/linear
type LinearWaveform struct {
	Amplitude float64 `json:"amplitude"`
	Offset    float64 `json:"offset"`
	Points    int     `json:"npts"`
	Rate      int     `json:"rate"`
}

// TriggerWaveform is the body of POST /waveform/trigger
type TriggerWaveform struct {
	Points []int `json:"points"`
	Line   int   `json:"line"`
}

// HTTPWaveform adds the wave generator routes to the route table
func HTTPWaveform(wg WaveformGenerator, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/waveform/{gen}/linear"}] = SetLinearWaveform(wg)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/waveform/{gen}/start"}] = StartWaveform(wg)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/waveform/{gen}/stop"}] = StopWaveform(wg)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/waveform/trigger"}] = SetTriggerWaveform(wg)
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/servo-cycle"}] = generichttp.GetFloat(func() (float64, error) {
		d, err := wg.ServoCycle()
		return d.Seconds(), err
	})
}

func generator(w http.ResponseWriter, r *http.Request) (int, bool) {
	gen, err := strconv.Atoi(chi.URLParam(r, "gen"))
	if err != nil || gen < 1 {
		http.Error(w, "wave generator must be a positive integer", http.StatusBadRequest)
		return 0, false
	}
	return gen, true
}

// SetLinearWaveform returns a handler which loads a linear sweep from a LinearWaveform body
func SetLinearWaveform(wg WaveformGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gen, ok := generator(w, r)
		if !ok {
			return
		}
		lw := LinearWaveform{Rate: 1}
		err := json.NewDecoder(r.Body).Decode(&lw)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if lw.Points < 2 || lw.Rate < 1 {
			http.Error(w, "npts must be at least 2 and rate at least 1", http.StatusBadRequest)
			return
		}
		if err = wg.SetLinearWaveform(lw.Amplitude, lw.Offset, lw.Points, gen, lw.Rate); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// StartWaveform returns a handler which runs a generator for {"int": cycles}
func StartWaveform(wg WaveformGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gen, ok := generator(w, r)
		if !ok {
			return
		}
		generichttp.SetInt(func(cycles int) error {
			return wg.StartWaveform(gen, cycles)
		})(w, r)
	}
}

// StopWaveform returns a handler which stops a generator
func StopWaveform(wg WaveformGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gen, ok := generator(w, r)
		if !ok {
			return
		}
		if err := wg.StopWaveform(gen); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

// SetTriggerWaveform returns a handler which loads the trigger table from a TriggerWaveform body
func SetTriggerWaveform(wg WaveformGenerator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tw := TriggerWaveform{}
		err := json.NewDecoder(r.Body).Decode(&tw)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err = wg.SetTriggerWaveform(tw.Points, tw.Line); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}
