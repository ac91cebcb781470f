package util_test

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/nasa-jpl/pimotion/util"
)

func ExampleClamp() {
	fmt.Println(util.Clamp(12, 0, 10))
	// Output: 10
}

func TestUniqueString(t *testing.T) {
	inp := []string{"a", "b", "c", "a"}
	expected := []string{"a", "b", "c"}
	output := util.UniqueString(inp)
	if len(output) != len(expected) {
		t.Fatalf("expected %d elements got %d", len(expected), len(output))
	}
	for i := 0; i < len(output); i++ {
		if output[i] != expected[i] {
			t.Errorf("expected %s got %s", expected[i], output[i])
		}
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestLimiterCheck(t *testing.T) {
	l := util.Limiter{Min: -1, Max: 1}
	if !l.Check(0.5) {
		t.Error("0.5 should be within [-1, 1]")
	}
	if l.Check(1.5) || l.Check(-1.5) {
		t.Error("values outside [-1, 1] should fail the check")
	}
	open := util.Limiter{Min: math.NaN(), Max: 3}
	if !open.Check(-1e9) {
		t.Error("NaN min should not bound below")
	}
}

func TestContainsString(t *testing.T) {
	if !util.ContainsString([]string{"x", "y"}, "y") {
		t.Error("expected y to be found")
	}
	if util.ContainsString(nil, "y") {
		t.Error("nil slice contains nothing")
	}
}
