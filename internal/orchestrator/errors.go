package orchestrator

import (
	"fmt"
	"strings"
)

// AttemptError records one failed bring-up attempt.
type AttemptError struct {
	DeviceUID  string
	DeviceName string
	Err        error
}

func (a AttemptError) Error() string {
	return fmt.Sprintf("%s (%s): %v", a.DeviceName, a.DeviceUID, a.Err)
}

func (a AttemptError) Unwrap() error { return a.Err }

// BringUpError aggregates every failed attempt of one fallback pass. It is
// the only transport/device condition that surfaces as a hard failure to
// the orchestrator's caller; everything else self-heals behind counters.
type BringUpError struct {
	Attempts []AttemptError
}

func (e *BringUpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v after %d attempts:", ErrAllDevicesFailed, len(e.Attempts))
	for _, a := range e.Attempts {
		b.WriteString(" [")
		b.WriteString(a.Error())
		b.WriteString("]")
	}
	return b.String()
}

func (e *BringUpError) Unwrap() error { return ErrAllDevicesFailed }
