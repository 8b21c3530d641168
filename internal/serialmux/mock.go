package serialmux

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrPortClosed is returned by the test ports once Close has been called.
var ErrPortClosed = errors.New("serial port closed")

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// ShortWrite makes the next Write report one byte fewer than it was given
	ShortWrite bool

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// BlockReads causes Read to block until data is added or Close is called
	BlockReads bool

	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort with blocking reads,
// which is how a real port behaves while the board is silent.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
		BlockReads:  true,
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read reads from the read buffer, optionally simulating errors.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.Closed {
			return 0, ErrPortClosed
		}
		if t.ReadError != nil {
			err := t.ReadError
			t.ReadError = nil
			return 0, err
		}
		if t.ReadBuffer.Len() > 0 || !t.BlockReads {
			return t.ReadBuffer.Read(p)
		}
		t.readCond.Wait()
	}
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, ErrPortClosed
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	if t.ShortWrite && len(p) > 0 {
		t.ShortWrite = false
		return t.WriteBuffer.Write(p[:len(p)-1])
	}
	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed and wakes blocked readers.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast()

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Broadcast()
}

// FailReads makes the next Read return err, waking a blocked reader.
func (t *TestableSerialPort) FailReads(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadError = err
	t.readCond.Broadcast()
}

// SetWriteError makes the next Write return err.
func (t *TestableSerialPort) SetWriteError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.WriteError = err
}

// SetShortWrite makes the next Write accept one byte less than requested.
func (t *TestableSerialPort) SetShortWrite() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ShortWrite = true
}

// GetWrittenData returns a copy of all data written to the port.
func (t *TestableSerialPort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	return bytes.Clone(t.WriteBuffer.Bytes())
}

// WrittenLines splits the written data into newline-terminated lines without
// their terminators. A trailing partial line is dropped.
func (t *TestableSerialPort) WrittenLines() []string {
	data := string(t.GetWrittenData())
	if data == "" {
		return nil
	}
	lines := strings.Split(data, "\n")
	return lines[:len(lines)-1]
}

// IsClosed reports whether Close has been called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// DefaultStatusLine is what SimulatedBoard reports unless told otherwise:
// healthy batteries and no shutdown request.
const DefaultStatusLine = "5.02,7.61,3.81,3.80,87,74,0"

// SimulatedBoard is a SerialPorter that behaves like the motor board: it
// records every command line written to it and answers each STATUS request
// with a status line. It backs dev mode and the link tests.
type SimulatedBoard struct {
	*TestableSerialPort

	mu       sync.Mutex
	partial  []byte
	commands []string
	status   string
	silent   bool
}

// NewSimulatedBoard returns a board that answers STATUS with DefaultStatusLine.
func NewSimulatedBoard() *SimulatedBoard {
	return &SimulatedBoard{
		TestableSerialPort: NewTestableSerialPort(),
		status:             DefaultStatusLine,
	}
}

// SetStatusLine changes the line returned for subsequent STATUS requests.
func (b *SimulatedBoard) SetStatusLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = line
}

// SetSilent stops the board answering STATUS requests.
func (b *SimulatedBoard) SetSilent(silent bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.silent = silent
}

// Write records complete command lines and queues a reply for each STATUS.
func (b *SimulatedBoard) Write(p []byte) (int, error) {
	n, err := b.TestableSerialPort.Write(p)
	if err != nil {
		return n, err
	}

	b.mu.Lock()
	b.partial = append(b.partial, p[:n]...)
	var replies []string
	for {
		i := bytes.IndexByte(b.partial, '\n')
		if i < 0 {
			break
		}
		line := string(b.partial[:i])
		b.partial = b.partial[i+1:]
		if line == "STATUS" {
			if !b.silent {
				replies = append(replies, b.status+"\n")
			}
			continue
		}
		b.commands = append(b.commands, line)
	}
	b.mu.Unlock()

	for _, r := range replies {
		b.AddReadData([]byte(r))
	}
	return n, nil
}

// Commands returns every non-STATUS line the board has received.
func (b *SimulatedBoard) Commands() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.commands))
	copy(out, b.commands)
	return out
}

// LastCommand returns the most recent non-STATUS line, or "" if none.
func (b *SimulatedBoard) LastCommand() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.commands) == 0 {
		return ""
	}
	return b.commands[len(b.commands)-1]
}

// Opener returns an Opener that always hands out this board.
func (b *SimulatedBoard) Opener() Opener {
	return func(string, PortOptions) (SerialPorter, error) {
		return b, nil
	}
}
