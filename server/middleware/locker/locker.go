// Package locker provides an HTTP middleware which allows an HTTPHandler to be locked, returning 423 (locked)
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi"
	"github.com/nasa-jpl/pimotion/generichttp"
)

// ManipulableLock is a lock that can be exposed over HTTP
type ManipulableLock interface {
	// Check is the middleware
	Check(http.Handler) http.Handler

	// Inject adds the routes which manipulate the lock to a table
	Inject(generichttp.RouteTable)
}

// Inject adds the lock routes of l to the table of an HTTPer
func Inject(other generichttp.HTTPer, l ManipulableLock) {
	l.Inject(other.RT())
}

// Locker is a type which behaves like a sync.Mutex without the blocking,
// and holds a list of path fragments to not protect
type Locker struct {
	mu       sync.Mutex
	isLocked bool

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns a new Locker with DoNotProtect prepopulated with "lock"
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker
func (l *Locker) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = true
}

// Unlock the locker
func (l *Locker) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLocked = false
}

// Locked returns true if the locker is locked
func (l *Locker) Locked() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLocked
}

func protected(path string, exempt []string) bool {
	for _, str := range exempt {
		if strings.Contains(path, str) {
			return false
		}
	}
	return true
}

// Check is an HTTP middleware that returns http.StatusLocked if Locked() is true, otherwise passes down the line
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() && protected(r.URL.Path, l.DoNotProtect) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject adds GET and POST /lock routes to the table
func (l *Locker) Inject(rt generichttp.RouteTable) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// HTTPSet calls Lock or Unlock based on json:bool on the request body
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() over HTTP as JSON
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}

// AxisLocker locks individual axes.  Requests under /axis/{axis}/ for a
// locked axis are refused, other axes and routes are unaffected.
type AxisLocker struct {
	mu     sync.Mutex
	locked map[string]bool
}

// NewAL returns a new AxisLocker with every axis unlocked
func NewAL() *AxisLocker {
	return &AxisLocker{locked: map[string]bool{}}
}

// Lock an axis
func (al *AxisLocker) Lock(axis string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	al.locked[axis] = true
}

// Unlock an axis
func (al *AxisLocker) Unlock(axis string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.locked, axis)
}

// Locked returns true if the axis is locked
func (al *AxisLocker) Locked(axis string) bool {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.locked[axis]
}

// axisOf returns the axis of an /axis/{axis}/... path, and if the request
// manipulates the lock itself
func axisOf(path string) (axis string, lockRoute bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "axis" {
			axis = parts[i+1]
			lockRoute = i+2 < len(parts) && parts[i+2] == "lock"
			return axis, lockRoute
		}
	}
	return "", false
}

// Check is an HTTP middleware that returns http.StatusLocked for requests
// to a locked axis
func (al *AxisLocker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		axis, lockRoute := axisOf(r.URL.Path)
		if axis != "" && !lockRoute && al.Locked(axis) {
			w.WriteHeader(http.StatusLocked)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Inject adds GET and POST /axis/{axis}/lock routes to the table
func (al *AxisLocker) Inject(rt generichttp.RouteTable) {
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/lock"}] = al.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/lock"}] = al.HTTPSet
}

// HTTPSet locks or unlocks the axis based on json:bool on the request body
func (al *AxisLocker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	axis := chi.URLParam(r, "axis")
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		al.Lock(axis)
	} else {
		al.Unlock(axis)
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns the lock state of the axis as JSON
func (al *AxisLocker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: al.Locked(chi.URLParam(r, "axis"))}
	hp.EncodeAndRespond(w, r)
}
