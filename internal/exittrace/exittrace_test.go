package exittrace

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

var testClasses = map[uint32]string{
	1:  "wfx",
	22: "hvc",
	36: "data-abort",
}

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	l, err := Create(&buf, testClasses)
	if err != nil {
		t.Fatal(err)
	}

	l.Record(1, 22, 1500*time.Nanosecond)
	l.Record(2, 36, 3*time.Microsecond)
	l.Record(1, 99, time.Millisecond) // not in the table

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	type row struct {
		vcpu uint32
		name string
		dur  time.Duration
	}
	var got []row
	err = ReadAll(&buf, func(vcpu uint32, class string, duration time.Duration) error {
		got = append(got, row{vcpu, class, duration})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []row{
		{1, "hvc", 1500 * time.Nanosecond},
		{2, "data-abort", 3 * time.Microsecond},
		{1, "class-99", time.Millisecond},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

// Records start at the first 4096 boundary regardless of table size.
func TestPreambleAlignment(t *testing.T) {
	var buf bytes.Buffer

	l, err := Create(&buf, testClasses)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	if buf.Len() != 4096 {
		t.Fatalf("empty trace is %d bytes, want one preamble page", buf.Len())
	}

	b := buf.Bytes()
	if b[0] != 0x48 || b[1] != 0x56 || b[2] != 0x58 || b[3] != 0x54 {
		t.Fatalf("magic bytes %x", b[:4])
	}
}

func TestManyRecords(t *testing.T) {
	var buf bytes.Buffer

	l, err := Create(&buf, testClasses)
	if err != nil {
		t.Fatal(err)
	}

	// Enough to force intermediate flushes of the writer's page buffer.
	const n = 1000
	for i := range n {
		l.Record(uint32(i%4), 1, time.Duration(i))
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	count := 0
	err = ReadAll(&buf, func(vcpu uint32, class string, duration time.Duration) error {
		if vcpu != uint32(count%4) || class != "wfx" || duration != time.Duration(count) {
			t.Fatalf("record %d: vcpu=%d class=%q dur=%d", count, vcpu, class, duration)
		}
		count++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if count != n {
		t.Fatalf("read %d records, want %d", count, n)
	}
}

func TestNilAndClosed(t *testing.T) {
	var nilLog *Log
	nilLog.Record(1, 2, 3) // must not panic

	var buf bytes.Buffer
	l, err := Create(&buf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	l.Record(1, 2, 3) // dropped, must not panic

	if err := l.Close(); err == nil {
		t.Fatal("second close succeeded")
	}
}

func TestReadAllCallbackError(t *testing.T) {
	var buf bytes.Buffer

	l, err := Create(&buf, testClasses)
	if err != nil {
		t.Fatal(err)
	}
	l.Record(1, 1, time.Second)
	l.Record(2, 1, time.Second)
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	stop := errors.New("stop")
	calls := 0
	err = ReadAll(&buf, func(uint32, string, time.Duration) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want the callback's", err)
	}
	if calls != 1 {
		t.Fatalf("callback ran %d times after failing", calls)
	}
}

func TestReadAllRejectsGarbage(t *testing.T) {
	err := ReadAll(bytes.NewReader(make([]byte, 64)), func(uint32, string, time.Duration) error {
		t.Fatal("callback ran on garbage input")
		return nil
	})
	if err == nil {
		t.Fatal("garbage input accepted")
	}
}
