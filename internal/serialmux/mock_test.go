package serialmux

import (
	"io"
	"testing"
	"time"
)

func TestSimulatedBoard_AnswersStatus(t *testing.T) {
	board := NewSimulatedBoard()

	if _, err := board.Write([]byte("VEL 10 20\nSTA")); err != nil {
		t.Fatalf("Write error = %v", err)
	}
	if _, err := board.Write([]byte("TUS\n")); err != nil {
		t.Fatalf("Write error = %v", err)
	}

	buf := make([]byte, 64)
	n, err := board.Read(buf)
	if err != nil {
		t.Fatalf("Read error = %v", err)
	}
	if got, want := string(buf[:n]), DefaultStatusLine+"\n"; got != want {
		t.Errorf("reply = %q, want %q", got, want)
	}

	if got := board.Commands(); len(got) != 1 || got[0] != "VEL 10 20" {
		t.Errorf("Commands() = %q, want [VEL 10 20]", got)
	}
	if got := board.LastCommand(); got != "VEL 10 20" {
		t.Errorf("LastCommand() = %q", got)
	}
}

func TestSimulatedBoard_Silent(t *testing.T) {
	board := NewSimulatedBoard()
	board.SetSilent(true)
	board.Write([]byte("STATUS\n"))

	read := make(chan struct{})
	go func() {
		io.ReadFull(board, make([]byte, 1))
		close(read)
	}()

	select {
	case <-read:
		t.Fatal("silent board should not reply")
	case <-time.After(20 * time.Millisecond):
	}

	board.Close()
	<-read
}

func TestTestableSerialPort_ClosedPort(t *testing.T) {
	port := NewTestableSerialPort()
	port.Close()

	if _, err := port.Write([]byte("x")); err != ErrPortClosed {
		t.Errorf("Write after close error = %v, want ErrPortClosed", err)
	}
	if _, err := port.Read(make([]byte, 1)); err != ErrPortClosed {
		t.Errorf("Read after close error = %v, want ErrPortClosed", err)
	}
}

func TestTestableSerialPort_WrittenLines(t *testing.T) {
	port := NewTestableSerialPort()
	port.Write([]byte("VEL 1 1\nVEL 2 2\nVEL"))

	got := port.WrittenLines()
	if len(got) != 2 || got[0] != "VEL 1 1" || got[1] != "VEL 2 2" {
		t.Errorf("WrittenLines() = %q", got)
	}
}
