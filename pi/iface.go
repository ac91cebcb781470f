package pi

import "strings"

// PIController is the set of operations the actuators and HTTP layer use.
// *Controller and *MockController satisfy it.
type PIController interface {
	Identify() (string, error)
	Axes() ([]string, error)
	Has(string) (bool, error)

	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs moves an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel moves an axis a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error

	// Stop aborts motion of the axis
	Stop(string) error
	StopAll() error

	// Enable turns the servo on
	Enable(string) error

	// Disable turns the servo off
	Disable(string) error

	// GetEnabled gets if the servo is on
	GetEnabled(string) (bool, error)
	SetServo(string, bool) error

	GetReferenced(string) (bool, error)
	SetReferencing(...string) error

	// Initialize runs a reference move
	Initialize(string) error

	// GetInPosition returns True if the axis is in position
	GetInPosition(string) (bool, error)

	// SetVelocity sets the velocity setpoint on the axis
	SetVelocity(string, float64) error

	// GetVelocity gets the velocity setpoint on the axis
	GetVelocity(string) (float64, error)

	Limits(string) (float64, float64, error)
	Units(string, string) string
	UseJoystick(bool) error
	OpenLoopStep(int, float64) error
	SelectDemuxAxis(string) error

	Raw(string) (string, error)
	Close() error
}

var (
	lengthUnits = []string{"m", "mm", "um", "µm", "nm", "pm", "cm", "km", "in", "inch"}
	angleUnits  = []string{"deg", "°", "rad", "mrad", "urad", "µrad", "degree"}
)

func knownUnit(u string) bool {
	for _, list := range [][]string{lengthUnits, angleUnits} {
		for _, k := range list {
			if u == k {
				return true
			}
		}
	}
	return false
}

// NormalizeUnit returns u if it is a length or angle unit, its lower case
// form if that is ("MM" is megamolar, not millimeters), and def otherwise
func NormalizeUnit(u, def string) string {
	u = strings.TrimSpace(u)
	if knownUnit(u) {
		return u
	}
	if l := strings.ToLower(u); knownUnit(l) {
		return l
	}
	return def
}
