//go:build linux && arm64

package vmm

import (
	"math"
	"time"
)

// timerDeadline converts the virtual timer comparator into a host sleep
// bound for a vcpu blocked in WFI. ok is false when the timer cannot fire
// (disabled or masked), in which case the vcpu sleeps until kicked. A zero
// duration means the comparator already passed.
func timerDeadline(mon Monitor, sys *SysRegState) (d time.Duration, ok bool) {
	ctl := sys.CntvCtl
	if ctl&cntvCtlEnable == 0 || ctl&cntvCtlImask != 0 {
		return 0, false
	}

	now := mon.Now()
	if sys.CntvCval <= now {
		return 0, true
	}

	ticks := sys.CntvCval - now
	freq := mon.TimerFreq()

	secs := ticks / freq
	rem := ticks % freq

	const nanos = uint64(time.Second)
	if secs > uint64(math.MaxInt64)/nanos-1 {
		return math.MaxInt64, true
	}

	return time.Duration(secs*nanos + rem*nanos/freq), true
}
