package debug

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func collect(t *testing.T, buf []byte) []Record {
	t.Helper()
	var recs []Record
	if err := ReadAll(bytes.NewReader(buf), func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return recs
}

func TestRoundTrip(t *testing.T) {
	buf := new(Buffer)
	if err := Open(buf); err != nil {
		t.Fatalf("Open: %v", err)
	}

	Write("vcpu1", "hello, world")
	WriteBytes("vcpu1", []byte{0xde, 0xad})
	Writef("vcpu2", "exit %s at %#x", "wfx", 0x8000)

	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	recs := collect(t, buf.Bytes())
	if len(recs) != 3 {
		t.Fatalf("got %d records", len(recs))
	}
	if recs[0].Source != "vcpu1" || string(recs[0].Data) != "hello, world" {
		t.Fatalf("record 0 = %q %q", recs[0].Source, recs[0].Data)
	}
	if recs[1].Kind != KindBytes || !bytes.Equal(recs[1].Data, []byte{0xde, 0xad}) {
		t.Fatalf("record 1 = %v %x", recs[1].Kind, recs[1].Data)
	}
	if string(recs[2].Data) != "exit wfx at 0x8000" {
		t.Fatalf("record 2 = %q", recs[2].Data)
	}
}

func TestClosedLogDropsRecords(t *testing.T) {
	if Enabled() {
		t.Fatal("log open at test start")
	}

	Write("vcpu1", "dropped")
	d := WithSource("vcpu1")
	d.Writef("also %s", "dropped")

	buf := new(Buffer)
	if err := Open(buf); err != nil {
		t.Fatalf("Open: %v", err)
	}
	Write("vcpu1", "kept")
	Close()

	recs := collect(t, buf.Bytes())
	if len(recs) != 1 || string(recs[0].Data) != "kept" {
		t.Fatalf("records = %v", recs)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.dbg")
	if err := OpenFile(path); err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	d := WithSource("vcpu7")
	for i := range 5 {
		d.Writef("step %d", i)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var n int
	if err := ReadFile(path, func(rec Record) error {
		if rec.Source != "vcpu7" {
			t.Fatalf("source = %q", rec.Source)
		}
		if want := fmt.Sprintf("step %d", n); string(rec.Data) != want {
			t.Fatalf("data = %q, want %q", rec.Data, want)
		}
		n++
		return nil
	}); err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if n != 5 {
		t.Fatalf("read %d records", n)
	}
}

func TestConcurrentWriters(t *testing.T) {
	buf := new(Buffer)
	if err := Open(buf); err != nil {
		t.Fatalf("Open: %v", err)
	}

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := WithSource(fmt.Sprintf("vcpu%d", i))
			for j := range 50 {
				d.Writef("exit %d", j)
			}
		}()
	}
	wg.Wait()
	Close()

	recs := collect(t, buf.Bytes())
	if len(recs) != 200 {
		t.Fatalf("got %d records", len(recs))
	}

	perSource := make(map[string]int)
	for _, rec := range recs {
		perSource[rec.Source]++
		if rec.Time.After(time.Now()) {
			t.Fatalf("future timestamp %v", rec.Time)
		}
	}
	for src, n := range perSource {
		if n != 50 {
			t.Fatalf("source %s has %d records", src, n)
		}
	}
}

func BenchmarkWritefClosed(b *testing.B) {
	d := WithSource("vcpu1")
	for b.Loop() {
		d.Writef("exit %s qual=%#x", "io", 0x3f8)
	}
}

func BenchmarkWritef(b *testing.B) {
	buf := new(Buffer)
	Open(buf)
	defer Close()

	d := WithSource("vcpu1")
	for b.Loop() {
		d.Writef("exit %s qual=%#x", "io", 0x3f8)
	}
}
