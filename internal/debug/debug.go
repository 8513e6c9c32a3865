// Package debug is a process-wide binary breadcrumb log for the resume
// path. While closed, writes cost one atomic load; opened, every source's
// records go to a single WriterAt at offsets reserved atomically, so
// concurrent vcpu threads never interleave.
//
// Record layout, little endian:
//
//	kind      uint16
//	sourceLen uint16
//	dataLen   uint32
//	unixNano  int64
//	source, data bytes
//
// The log disarms itself on the first write error; losing breadcrumbs is
// acceptable, stalling an exit handler is not.
package debug

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Kind tags a record's payload encoding.
type Kind uint16

const (
	KindInvalid Kind = iota
	KindBytes
	KindString
)

const headerSize = 16

type sink struct {
	w io.WriterAt
	c io.Closer
}

var (
	out    atomic.Pointer[sink]
	offset atomic.Int64
)

// Open routes records to w until Close. If w also closes, Close closes it.
// A second Open discards the previous writer and reports it.
func Open(w io.WriterAt) error {
	s := &sink{w: w}
	s.c, _ = w.(io.Closer)

	offset.Store(0)
	if out.Swap(s) != nil {
		return fmt.Errorf("debug: already open, old writer discarded")
	}
	return nil
}

// OpenFile truncates and opens path as the record sink.
func OpenFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("debug: open %s: %w", path, err)
	}
	return Open(f)
}

// Enabled reports whether records currently go anywhere.
func Enabled() bool { return out.Load() != nil }

// Close detaches the sink and closes it if it is closable.
func Close() error {
	s := out.Swap(nil)
	offset.Store(0)
	if s != nil && s.c != nil {
		return s.c.Close()
	}
	return nil
}

func write(kind Kind, source string, data []byte) {
	s := out.Load()
	if s == nil {
		return
	}

	rec := make([]byte, headerSize+len(source)+len(data))
	binary.LittleEndian.PutUint16(rec[0:2], uint16(kind))
	binary.LittleEndian.PutUint16(rec[2:4], uint16(len(source)))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(len(data)))
	binary.LittleEndian.PutUint64(rec[8:16], uint64(time.Now().UnixNano()))
	copy(rec[headerSize:], source)
	copy(rec[headerSize+len(source):], data)

	off := offset.Add(int64(len(rec))) - int64(len(rec))
	if _, err := s.w.WriteAt(rec, off); err != nil {
		out.CompareAndSwap(s, nil)
	}
}

// WriteBytes logs a binary payload under source.
func WriteBytes(source string, data []byte) { write(KindBytes, source, data) }

// Write logs a message under source.
func Write(source, msg string) { write(KindString, source, []byte(msg)) }

// Writef logs a formatted message under source. Formatting is skipped
// entirely while the log is closed.
func Writef(source, format string, args ...any) {
	if out.Load() == nil {
		return
	}
	write(KindString, source, fmt.Appendf(nil, format, args...))
}

// Debug is a handle bound to one source, cheap to keep per vcpu.
type Debug struct {
	source string
}

// WithSource returns a handle whose records all carry source.
func WithSource(source string) Debug {
	return Debug{source: source}
}

func (d Debug) WriteBytes(data []byte) { write(KindBytes, d.source, data) }
func (d Debug) Write(msg string)       { write(KindString, d.source, []byte(msg)) }

func (d Debug) Writef(format string, args ...any) {
	if out.Load() == nil {
		return
	}
	write(KindString, d.source, fmt.Appendf(nil, format, args...))
}

// Buffer is an in-memory sink for tests and short captures.
type Buffer struct {
	mu sync.Mutex
	b  []byte
}

func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if end := off + int64(len(p)); end > int64(len(b.b)) {
		grown := make([]byte, end)
		copy(grown, b.b)
		b.b = grown
	}
	copy(b.b[off:], p)
	return len(p), nil
}

// Bytes returns a copy of everything written so far.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, len(b.b))
	copy(out, b.b)
	return out
}

// Record is one decoded log entry.
type Record struct {
	Time   time.Time
	Kind   Kind
	Source string
	Data   []byte
}

// ReadAll streams records to fn in reservation order, which is the order
// writers claimed their offsets.
func ReadAll(r io.Reader, fn func(rec Record) error) error {
	br := bufio.NewReader(r)

	var header [headerSize]byte
	for {
		if _, err := io.ReadFull(br, header[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("debug: read header: %w", err)
		}

		kind := Kind(binary.LittleEndian.Uint16(header[0:2]))
		if kind == KindInvalid || kind > KindString {
			return fmt.Errorf("debug: corrupt record kind %d", kind)
		}
		sourceLen := binary.LittleEndian.Uint16(header[2:4])
		dataLen := binary.LittleEndian.Uint32(header[4:8])
		ts := int64(binary.LittleEndian.Uint64(header[8:16]))

		buf := make([]byte, int(sourceLen)+int(dataLen))
		if _, err := io.ReadFull(br, buf); err != nil {
			return fmt.Errorf("debug: read record: %w", err)
		}

		err := fn(Record{
			Time:   time.Unix(0, ts),
			Kind:   kind,
			Source: string(buf[:sourceLen]),
			Data:   buf[sourceLen:],
		})
		if err != nil {
			return err
		}
	}
}

// ReadFile streams records from a log file.
func ReadFile(path string, fn func(rec Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("debug: open %s: %w", path, err)
	}
	defer f.Close()
	return ReadAll(f, fn)
}
