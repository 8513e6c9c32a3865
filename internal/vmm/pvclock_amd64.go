//go:build linux && amd64

package vmm

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Paravirtual clock MSRs (KVM-compatible interface).
const (
	msrPvWallClock  = 0x4b564d00
	msrPvSystemTime = 0x4b564d01
)

const pvclockEnable = 1 << 0

const pvclockTscStable = 1 << 0

// pvclockTimeInfo is the per-vcpu time page the guest polls. The version
// field is odd while an update is in flight.
type pvclockTimeInfo struct {
	Version        uint32
	_              uint32
	TscTimestamp   uint64
	SystemTime     uint64
	TscToSystemMul uint32
	TscShift       int8
	Flags          uint8
	_              [2]uint8
}

const pvclockTimeInfoBytes = 32

type pvclockWallClock struct {
	Version uint32
	Sec     uint32
	Nsec    uint32
}

const pvclockWallClockBytes = 12

var (
	_ [pvclockTimeInfoBytes - unsafe.Sizeof(pvclockTimeInfo{})]struct{}
	_ [unsafe.Sizeof(pvclockTimeInfo{}) - pvclockTimeInfoBytes]struct{}
	_ [pvclockWallClockBytes - unsafe.Sizeof(pvclockWallClock{})]struct{}
	_ [unsafe.Sizeof(pvclockWallClock{}) - pvclockWallClockBytes]struct{}
)

// timeScale converts a counter frequency into the mul/shift pair the guest
// applies as ns = (delta << shift) * mul >> 32, with mul normalized into
// [2^31, 2^32).
func timeScale(freq uint64) (uint32, int8) {
	shift := int8(0)
	mul := (uint64(time.Second) << 32) / freq

	for mul >= 1<<32 {
		mul >>= 1
		shift++
	}
	for mul < 1<<31 {
		mul <<= 1
		shift--
	}

	return uint32(mul), shift
}

// pvclock owns the mapping of one guest time page and republishes host
// time into it.
type pvclock struct {
	mon  Monitor
	ptr  GuestPtr
	info *pvclockTimeInfo
}

func newPvclock(mon Monitor, as AddressSpace, gpa uint64) (*pvclock, error) {
	ptr, err := as.CreateGuestPtr(gpa, pvclockTimeInfoBytes, "pvclock")
	if err != nil {
		return nil, fmt.Errorf("map time page: %w", err)
	}

	return &pvclock{
		mon:  mon,
		ptr:  ptr,
		info: (*pvclockTimeInfo)(unsafe.Pointer(&ptr.Bytes()[0])),
	}, nil
}

// update republishes the TSC/boot-time pairing. Version goes odd for the
// duration of the write so a concurrent guest reader retries.
func (p *pvclock) update() {
	version := atomic.LoadUint32(&p.info.Version) + 1
	atomic.StoreUint32(&p.info.Version, version)

	var ts unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_BOOTTIME, &ts)

	mul, shift := timeScale(p.mon.TSCFreq())

	p.info.TscTimestamp = p.mon.ReadTSC()
	p.info.SystemTime = uint64(ts.Nano())
	p.info.TscToSystemMul = mul
	p.info.TscShift = shift
	p.info.Flags = pvclockTscStable

	atomic.StoreUint32(&p.info.Version, version+1)
}

func (p *pvclock) close() error {
	p.info = nil
	return p.ptr.Close()
}

// writeWallClock fills a one-shot wall clock page at the guest-chosen
// address.
func writeWallClock(as AddressSpace, gpa uint64) error {
	ptr, err := as.CreateGuestPtr(gpa, pvclockWallClockBytes, "pvclock-wall")
	if err != nil {
		return fmt.Errorf("map wall clock page: %w", err)
	}
	defer ptr.Close()

	wc := (*pvclockWallClock)(unsafe.Pointer(&ptr.Bytes()[0]))

	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &ts); err != nil {
		return fmt.Errorf("read wall clock: %w", err)
	}

	version := atomic.LoadUint32(&wc.Version) + 1
	atomic.StoreUint32(&wc.Version, version)

	wc.Sec = uint32(ts.Sec)
	wc.Nsec = uint32(ts.Nsec)

	atomic.StoreUint32(&wc.Version, version+1)

	return nil
}
