package output

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBufferChunking(t *testing.T) {
	buf := NewBuffer()

	// Force several chunk boundaries.
	payload := strings.Repeat("x", ChunkSize/2+1)
	for i := 0; i < 5; i++ {
		buf.WriteString(payload)
	}
	buf.WriteByte('!')
	buf.WriteInt(-42)

	want := strings.Repeat(payload, 5) + "!-42"
	if got := string(buf.Bytes()); got != want {
		t.Fatalf("buffer contents mismatch: got %d bytes, want %d", len(got), len(want))
	}
	if buf.Len() != len(want) {
		t.Errorf("Len() = %d, want %d", buf.Len(), len(want))
	}

	buf.Reset()
	if buf.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", buf.Len())
	}
	buf.WriteString("again")
	if got := string(buf.Bytes()); got != "again" {
		t.Errorf("reused buffer = %q, want %q", got, "again")
	}
}

// TestOrderedEqualsSequential submits N jobs completing in random order and
// verifies the destination sees exactly the sequential concatenation.
func TestOrderedEqualsSequential(t *testing.T) {
	const jobs = 64

	for trial := 0; trial < 20; trial++ {
		var dest bytes.Buffer
		s := NewSync(Ordered, &dest, nil)

		order := rand.New(rand.NewSource(int64(trial))).Perm(jobs)
		var wg sync.WaitGroup
		for _, slot := range order {
			wg.Add(1)
			go func(slot int) {
				defer wg.Done()
				buf := NewBuffer()
				fmt.Fprintf(buf, "job-%03d;", slot)
				s.End(uint64(slot), buf)
			}(slot)
		}
		wg.Wait()
		if err := s.Flush(); err != nil {
			t.Fatalf("flush: %v", err)
		}

		var want strings.Builder
		for i := 0; i < jobs; i++ {
			fmt.Fprintf(&want, "job-%03d;", i)
		}
		if dest.String() != want.String() {
			t.Fatalf("trial %d: ordered output diverged from sequential run:\n%s", trial, dest.String())
		}
	}
}

// TestOrderedEmptySlotAdvances verifies that a job with no output still
// advances the turn so successors are not stuck.
func TestOrderedEmptySlotAdvances(t *testing.T) {
	var dest bytes.Buffer
	s := NewSync(Ordered, &dest, nil)

	one := NewBuffer()
	one.WriteString("B")
	s.End(1, one)
	s.End(0, nil) // matchless file, empty output

	if err := s.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if dest.String() != "B" {
		t.Errorf("got %q, want %q", dest.String(), "B")
	}
}

// TestUnorderedSegmentsIntact verifies that unordered mode emits every
// job's segment exactly once and never splits one.
func TestUnorderedSegmentsIntact(t *testing.T) {
	const jobs = 50
	var dest bytes.Buffer
	var destMu sync.Mutex
	safe := writerFunc(func(p []byte) (int, error) {
		destMu.Lock()
		defer destMu.Unlock()
		return dest.Write(p)
	})

	s := NewSync(Unordered, safe, nil)

	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			buf := NewBuffer()
			fmt.Fprintf(buf, "<%03d>", slot)
			s.End(uint64(slot), buf)
		}(i)
	}
	wg.Wait()

	out := dest.String()
	for i := 0; i < jobs; i++ {
		seg := fmt.Sprintf("<%03d>", i)
		if strings.Count(out, seg) != 1 {
			t.Errorf("segment %q appears %d times", seg, strings.Count(out, seg))
		}
	}
	if len(out) != jobs*5 {
		t.Errorf("output length %d, want %d", len(out), jobs*5)
	}
}

// TestAcquireTurnBlocksUntilPredecessor exercises the direct-streaming
// path: slot 1 must not write before slot 0 has been released.
func TestAcquireTurnBlocksUntilPredecessor(t *testing.T) {
	var dest bytes.Buffer
	s := NewSync(Ordered, &dest, nil)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		if !s.AcquireTurn(1) {
			t.Error("AcquireTurn(1) reported canceled")
			close(done)
			return
		}
		s.Writer().Write([]byte("second"))
		s.ReleaseTurn(1)
		close(done)
	}()

	<-started
	time.Sleep(20 * time.Millisecond)
	if dest.Len() != 0 {
		t.Fatalf("slot 1 wrote before slot 0: %q", dest.String())
	}

	if !s.AcquireTurn(0) {
		t.Fatal("AcquireTurn(0) reported canceled")
	}
	s.Writer().Write([]byte("first"))
	s.ReleaseTurn(0)

	<-done
	if dest.String() != "firstsecond" {
		t.Errorf("got %q, want %q", dest.String(), "firstsecond")
	}
}

// TestCancelUnblocksWaiter verifies a worker stuck on a turn that will
// never come is released by Cancel.
func TestCancelUnblocksWaiter(t *testing.T) {
	s := NewSync(Ordered, &bytes.Buffer{}, nil)

	released := make(chan bool, 1)
	go func() {
		released <- s.AcquireTurn(5)
	}()

	time.Sleep(10 * time.Millisecond)
	s.Cancel()

	select {
	case ok := <-released:
		if ok {
			t.Error("AcquireTurn should report canceled after Cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker still blocked after Cancel")
	}
}

// TestWriteFailureStopsSync verifies a destination write failure reports
// through the error handler once and discards subsequent output.
func TestWriteFailureStopsSync(t *testing.T) {
	broken := writerFunc(func(p []byte) (int, error) {
		return 0, errors.New("broken pipe")
	})

	handled := make(chan error, 2)
	s := NewSync(Unordered, broken, func(err error) { handled <- err })

	buf := NewBuffer()
	buf.WriteString("data")
	s.End(0, buf)

	select {
	case err := <-handled:
		if err == nil || !strings.Contains(err.Error(), "broken pipe") {
			t.Errorf("handler got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("error handler never invoked")
	}

	again := NewBuffer()
	again.WriteString("more")
	s.End(1, again) // dropped silently

	if err := s.Err(); err == nil {
		t.Error("Err() should report the write failure")
	}
	select {
	case <-handled:
		t.Error("error handler invoked more than once")
	case <-time.After(50 * time.Millisecond):
	}
}

type writerFunc func(p []byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }
