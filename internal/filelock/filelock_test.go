package filelock

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	l := New(lockPath)

	if err := l.Acquire(); err != nil {
		t.Fatalf("Failed to acquire lock: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Failed to release lock: %v", err)
	}
}

func TestTryAcquire(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "test.lock")
	l := New(lockPath)

	held, err := l.TryAcquire()
	if err != nil {
		t.Fatalf("TryAcquire failed: %v", err)
	}
	if !held {
		t.Error("TryAcquire should succeed on an uncontended lock")
	}
	l.Release()
}

func TestConcurrentCounter(t *testing.T) {
	tmpDir := t.TempDir()
	lockPath := filepath.Join(tmpDir, "test.lock")
	counterPath := filepath.Join(tmpDir, "counter.txt")
	os.WriteFile(counterPath, []byte("0"), 0644)

	const goroutines = 5
	const iterations = 10

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			l := New(lockPath)
			for j := 0; j < iterations; j++ {
				if err := l.Acquire(); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				data, _ := os.ReadFile(counterPath)
				n, _ := strconv.Atoi(string(data))
				os.WriteFile(counterPath, []byte(strconv.Itoa(n+1)), 0644)
				l.Release()
			}
		}()
	}
	wg.Wait()

	data, _ := os.ReadFile(counterPath)
	n, _ := strconv.Atoi(string(data))
	if n != goroutines*iterations {
		t.Errorf("counter = %d, want %d", n, goroutines*iterations)
	}
}

func TestWriteAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yml")

	if err := WriteAtomic(path, []byte("first\n")); err != nil {
		t.Fatalf("WriteAtomic: %v", err)
	}
	if err := WriteAtomic(path, []byte("second\n")); err != nil {
		t.Fatalf("WriteAtomic overwrite: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "second\n" {
		t.Errorf("content %q", data)
	}

	// No temp files may remain next to the target.
	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if e.Name() != "config.yml" {
			t.Errorf("leftover file %s", e.Name())
		}
	}
}
