package feed

import (
	"bytes"
	"errors"
	"sync"
)

// TestablePort implements Port with controllable reads for tests and
// local tooling.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error

	// BlockReads causes Read to block until data is added or Close is
	// called. Without it an empty buffer reads as EOF.
	BlockReads bool

	// Closed indicates whether Close was called.
	Closed bool

	readCond *sync.Cond
}

// NewTestablePort returns a port that serves data and then reports EOF.
func NewTestablePort(data string) *TestablePort {
	p := &TestablePort{ReadBuffer: bytes.NewBufferString(data)}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read reads from the read buffer.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Closed {
		return 0, errors.New("port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.BlockReads {
		for !t.Closed && t.ReadBuffer.Len() == 0 {
			t.readCond.Wait()
		}
		if t.Closed {
			return 0, errors.New("port closed")
		}
	}
	return t.ReadBuffer.Read(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	t.readCond.Broadcast()
	return nil
}

// AddReadData appends data for subsequent Read calls.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}
