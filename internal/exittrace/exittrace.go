// Package exittrace records one binary record per guest world switch:
// which vcpu exited, the exit class, and how long the guest ran. The file
// starts with a JSON table naming the architecture's exit classes, so a
// trace decodes without knowing which architecture produced it.
package exittrace

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

const (
	Magic   uint32 = 0x54585648 // "HVXT"
	Version uint32 = 1
)

type header struct {
	Magic         uint32
	Version       uint32
	ClassTableLen uint32
}

type record struct {
	Vcpu     uint32
	Class    uint32
	Duration int64
}

var recordSize = binary.Size(record{})

// Log is an open trace. Records funnel through a buffered channel to a
// background writer so the resume path never blocks on the sink.
type Log struct {
	records chan record
	done    chan error
	closed  atomic.Bool
}

// Create writes the trace preamble to w and starts the writer. The classes
// table maps raw exit class values to display names.
func Create(w io.Writer, classes map[uint32]string) (*Log, error) {
	table, err := json.Marshal(classes)
	if err != nil {
		return nil, fmt.Errorf("exittrace: marshal class table: %w", err)
	}

	if err := binary.Write(w, binary.LittleEndian, header{
		Magic:         Magic,
		Version:       Version,
		ClassTableLen: uint32(len(table)),
	}); err != nil {
		return nil, fmt.Errorf("exittrace: write header: %w", err)
	}

	off := binary.Size(header{})

	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("exittrace: write class table: %w", err)
	}
	off += len(table)

	// pad to 4096 so records start aligned
	if off%4096 != 0 {
		if _, err := w.Write(make([]byte, 4096-off%4096)); err != nil {
			return nil, fmt.Errorf("exittrace: write padding: %w", err)
		}
	}

	l := &Log{
		records: make(chan record, 4096),
		done:    make(chan error),
	}
	go l.run(w)

	return l, nil
}

func (l *Log) run(w io.Writer) {
	var buf [4096]byte
	off := 0

	for rec := range l.records {
		if off+recordSize > len(buf) {
			if _, err := w.Write(buf[:off]); err != nil {
				l.done <- err
				return
			}
			off = 0
		}
		binary.LittleEndian.PutUint32(buf[off:off+4], rec.Vcpu)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], rec.Class)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], uint64(rec.Duration))
		off += recordSize
	}

	if off > 0 {
		if _, err := w.Write(buf[:off]); err != nil {
			l.done <- err
			return
		}
	}

	l.done <- nil
}

// Record appends one world switch. Safe from any goroutine; dropped after
// Close.
func (l *Log) Record(vcpu, class uint32, duration time.Duration) {
	if l == nil || l.closed.Load() {
		return
	}
	l.records <- record{
		Vcpu:     vcpu,
		Class:    class,
		Duration: duration.Nanoseconds(),
	}
}

// Close flushes buffered records and stops the writer.
func (l *Log) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("exittrace: already closed")
	}

	close(l.records)

	if err := <-l.done; err != nil {
		return fmt.Errorf("exittrace: writer: %w", err)
	}

	return nil
}

// ReadAll decodes a trace, calling fn once per record with the class name
// resolved through the embedded table.
func ReadAll(r io.Reader, fn func(vcpu uint32, class string, duration time.Duration) error) error {
	buf := bufio.NewReaderSize(r, 4096)

	var h header
	if err := binary.Read(buf, binary.LittleEndian, &h); err != nil {
		return fmt.Errorf("exittrace: read header: %w", err)
	}
	if h.Magic != Magic {
		return fmt.Errorf("exittrace: invalid magic")
	}
	if h.Version != Version {
		return fmt.Errorf("exittrace: invalid version")
	}

	classes := make(map[uint32]string)
	dec := json.NewDecoder(io.LimitReader(buf, int64(h.ClassTableLen)))
	if err := dec.Decode(&classes); err != nil {
		return fmt.Errorf("exittrace: decode class table: %w", err)
	}

	off := binary.Size(header{}) + int(h.ClassTableLen)
	if off%4096 != 0 {
		if _, err := buf.Discard(4096 - off%4096); err != nil {
			return fmt.Errorf("exittrace: skip padding: %w", err)
		}
	}

	for {
		var rec record
		if err := binary.Read(buf, binary.LittleEndian, &rec); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("exittrace: read record: %w", err)
		}

		name, ok := classes[rec.Class]
		if !ok {
			name = fmt.Sprintf("class-%d", rec.Class)
		}

		if err := fn(rec.Vcpu, name, time.Duration(rec.Duration)); err != nil {
			return err
		}
	}

	return nil
}
