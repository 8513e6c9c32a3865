// Package console adapts guest serial traffic into a terminal emulator so
// tests and tools can assert on rendered screen content instead of raw byte
// streams. It is the headless sibling of a windowed terminal: same emulator,
// no renderer.
package console

import (
	"io"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"

	"github.com/osmium-kernel/hyp/internal/vmm"
)

// Register offsets within the console window, following the 16550 layout a
// kernel earlycon writes to: data at +0, line status at +5.
const (
	RegData   = 0x0
	RegStatus = 0x5

	// StatusTxIdle is always set: the emulator consumes output synchronously,
	// so the transmitter never has a backlog.
	StatusTxIdle  = 0x60
	StatusRxReady = 0x01
)

const (
	DefaultCols = 80
	DefaultRows = 24
)

// Console is a serial sink backed by a VT emulator. Guest output lands in
// the emulator's screen model; injected keys and text accumulate as
// guest-bound input served through data register reads.
type Console struct {
	emu *vt.SafeEmulator

	closeOnce sync.Once

	mu      sync.Mutex
	pending []byte
	closed  bool
}

var (
	_ vmm.Port  = (*Console)(nil)
	_ io.Writer = (*Console)(nil)
)

// New creates a console with the given grid size. Non-positive dimensions
// fall back to 80x24.
func New(cols, rows int) *Console {
	if cols < 1 {
		cols = DefaultCols
	}
	if rows < 1 {
		rows = DefaultRows
	}

	emu := vt.NewSafeEmulator(cols, rows)
	muteReportQueries(emu)

	c := &Console{emu: emu}
	go c.pump()
	return c
}

// muteReportQueries stops the emulator from answering status probes on its
// own. Guest output regularly contains DSR and DA queries; the automatic
// replies would accumulate as guest-bound input and surface as phantom
// keystrokes on the next data register read.
func muteReportQueries(emu *vt.SafeEmulator) {
	swallow := func(def int, want ...int) func(ansi.Params) bool {
		return func(params ansi.Params) bool {
			n, _, _ := params.Param(0, def)
			return slices.Contains(want, n)
		}
	}

	// Device Status Report: CSI n and CSI ? n.
	emu.RegisterCsiHandler('n', swallow(1, 5, 6))
	emu.RegisterCsiHandler(ansi.Command('?', 0, 'n'), swallow(1, 6))

	// Device Attributes: CSI c and CSI > c, query form only.
	emu.RegisterCsiHandler('c', swallow(0, 0))
	emu.RegisterCsiHandler(ansi.Command('>', 0, 'c'), swallow(0, 0))
}

// pump moves emulator-generated input into the pending buffer. The read
// unblocks with an error once the emulator is closed.
func (c *Console) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := c.emu.Read(buf)
		if n > 0 {
			c.mu.Lock()
			c.pending = append(c.pending, buf[:n]...)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// Write implements io.Writer. It feeds bytes into the emulator as guest
// output.
func (c *Console) Write(p []byte) (int, error) {
	if c == nil || c.emu == nil {
		return 0, io.EOF
	}
	return c.emu.Write(p)
}

// Queue implements vmm.Port. Write packets are rendered immediately. Reads
// cannot be completed through a queued copy and bell rings carry no
// payload, so both are accepted and dropped.
func (c *Console) Queue(pkt vmm.Packet) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return vmm.ErrBadState
	}

	switch pkt.Kind {
	case vmm.PacketGuestMem:
		if !pkt.Mem.Read {
			c.writeReg(pkt.Mem.Addr&0xfff, byte(pkt.Mem.Data))
		}
	case vmm.PacketGuestIO:
		if !pkt.IO.Read {
			c.writeReg(uint64(pkt.IO.Port)&0x7, byte(pkt.IO.Data))
		}
	}
	return nil
}

// Emulate serves one guest access to the console register window. The
// caller resolves the device base; off is the register offset. Loads leave
// their result in the packet's Data field for the resume-side completion.
func (c *Console) Emulate(off uint64, pkt *vmm.Packet) {
	switch pkt.Kind {
	case vmm.PacketGuestMem:
		if pkt.Mem.Read {
			pkt.Mem.Data = c.readReg(off)
		} else {
			c.writeReg(off, byte(pkt.Mem.Data))
		}
	case vmm.PacketGuestIO:
		if pkt.IO.Read {
			pkt.IO.Data = uint32(c.readReg(off))
		} else {
			c.writeReg(off, byte(pkt.IO.Data))
		}
	}
}

func (c *Console) readReg(off uint64) uint64 {
	switch off {
	case RegData:
		b, _ := c.takeByte()
		return uint64(b)
	case RegStatus:
		s := uint64(StatusTxIdle)
		if c.InputPending() {
			s |= StatusRxReady
		}
		return s
	default:
		return 0
	}
}

// writeReg emits the low byte of a data register store. The data register
// is byte wide; wider stores emit the low byte only.
func (c *Console) writeReg(off uint64, b byte) {
	if off != RegData {
		return
	}
	_, _ = c.emu.Write([]byte{b})
}

func (c *Console) takeByte() (byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return 0, false
	}
	b := c.pending[0]
	c.pending = c.pending[1:]
	return b, true
}

// InputPending reports whether guest-bound input is waiting.
func (c *Console) InputPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

// TakeInput drains and returns all pending guest-bound input.
func (c *Console) TakeInput() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.pending
	c.pending = nil
	return b
}

// SendText injects printable text as keyboard input.
func (c *Console) SendText(s string) {
	c.emu.SendText(s)
}

// SendEnter injects an Enter keypress.
func (c *Console) SendEnter() {
	c.emu.SendKey(vt.KeyPressEvent{Code: vt.KeyEnter})
}

// Resize changes the emulator grid.
func (c *Console) Resize(cols, rows int) {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	c.emu.Resize(cols, rows)
}

// Size returns the emulator grid dimensions.
func (c *Console) Size() (cols, rows int) {
	return c.emu.Width(), c.emu.Height()
}

// Cursor returns the cursor cell position.
func (c *Console) Cursor() (x, y int) {
	cur := c.emu.CursorPosition()
	return cur.X, cur.Y
}

// Snapshot renders the screen as text: one string per row, trailing blanks
// trimmed, trailing empty rows dropped.
func (c *Console) Snapshot() string {
	w, h := c.emu.Width(), c.emu.Height()

	lines := make([]string, 0, h)
	var sb strings.Builder
	for y := 0; y < h; y++ {
		sb.Reset()
		for x := 0; x < w; {
			cell := c.emu.CellAt(x, y)
			if cell == nil {
				sb.WriteByte(' ')
				x++
				continue
			}
			if cell.Content == "" {
				sb.WriteByte(' ')
			} else {
				sb.WriteString(cell.Content)
			}
			x += max(cell.Width, 1)
		}
		lines = append(lines, strings.TrimRight(sb.String(), " "))
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}

func (c *Console) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		_ = c.emu.Close()
	})
	return nil
}
