package mixer

import "fmt"

// ClockPolicy selects the output sample rate of a two-source session.
type ClockPolicy int

const (
	// ClockLoopback runs the output at the loopback device's native rate.
	ClockLoopback ClockPolicy = iota
	// ClockHighest runs the output at the higher of the two native rates
	// and resamples both sources to it.
	ClockHighest
)

func (p ClockPolicy) String() string {
	if p == ClockHighest {
		return "highest"
	}
	return "loopback"
}

// ParseClockPolicy accepts "loopback" (or empty) and "highest".
func ParseClockPolicy(s string) (ClockPolicy, error) {
	switch s {
	case "", "loopback":
		return ClockLoopback, nil
	case "highest":
		return ClockHighest, nil
	default:
		return 0, fmt.Errorf("unknown clock policy %q", s)
	}
}

// OutputRate is the session output rate under policy.
func (p ClockPolicy) OutputRate(micRate, loopbackRate int) int {
	if p == ClockHighest {
		return max(micRate, loopbackRate)
	}
	return loopbackRate
}
