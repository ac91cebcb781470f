package motion

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/nasa-jpl/pimotion/generichttp"
)

const (
	// DefaultStreamRate is the position sample rate of a stream, in Hz
	DefaultStreamRate = 10.

	// MaxStreamRate bounds the rate a client may ask for
	MaxStreamRate = 100.
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Sample is one message of a position stream
type Sample struct {
	Axis  string    `json:"axis"`
	Pos   float64   `json:"pos"`
	Time  time.Time `json:"time"`
	Error string    `json:"error,omitempty"`
}

// HTTPStream adds a /axis/{axis}/stream websocket route to the table
func HTTPStream(m Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/stream"}] = Stream(m)
}

// Stream returns an HTTP handler func which upgrades to a websocket and
// pushes the position of an axis as JSON Samples.  The rate in Hz is set
// by the hz query parameter.  The stream ends when the client closes the socket.
func Stream(m Mover) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		axis := chi.URLParam(r, "axis")
		hz := DefaultStreamRate
		if s := r.URL.Query().Get("hz"); s != "" {
			f, err := strconv.ParseFloat(s, 64)
			if err != nil || f <= 0 {
				http.Error(w, "hz must be a positive number", http.StatusBadRequest)
				return
			}
			if f > MaxStreamRate {
				f = MaxStreamRate
			}
			hz = f
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println(err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// read until the client goes away, incoming messages are ignored
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		ticker := time.NewTicker(time.Duration(float64(time.Second) / hz))
		defer ticker.Stop()
		for {
			s := Sample{Axis: axis, Time: time.Now()}
			pos, err := m.GetPos(axis)
			if err != nil {
				s.Error = err.Error()
			} else {
				s.Pos = pos
			}
			if err = conn.WriteJSON(s); err != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}
