// Package usbio logs an analog/digital I/O board alongside gaze samples. The
// board streams readings as CSV lines over a serial link; a monitor goroutine
// keeps the latest reading, and the acquisition loop latches it per frame.
package usbio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/opengaze/gazetrack/internal/monitoring"
)

// Porter is the minimal serial-port contract, satisfied by go.bug.st ports
// and by the in-memory mock used in tests.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Board samples a serial DAQ device. AD channels and the optional digital
// input port are configured from the USBIO_* options.
type Board struct {
	port       Porter
	adChannels []int
	digitalIn  bool

	mu     sync.Mutex
	latest []int16

	slots [][]int16
}

// Open connects to the board at the given serial device path.
func Open(path, adSpec, diSpec string) (*Board, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: 115200})
	if err != nil {
		return nil, fmt.Errorf("failed to open I/O board %s: %w", path, err)
	}
	return New(port, adSpec, diSpec)
}

// New builds a Board over an already-open port. adSpec is a comma-separated
// channel list ("0,1,3"); diSpec enables the digital port when non-empty and
// not "NONE".
func New(port Porter, adSpec, diSpec string) (*Board, error) {
	b := &Board{port: port, digitalIn: diSpec != "" && diSpec != "NONE"}
	if adSpec != "" && adSpec != "NONE" {
		for _, tok := range strings.Split(adSpec, ",") {
			ch, err := strconv.Atoi(strings.TrimSpace(tok))
			if err != nil {
				return nil, fmt.Errorf("bad AD channel %q: %w", tok, err)
			}
			b.adChannels = append(b.adChannels, ch)
		}
	}
	if len(b.adChannels) == 0 && !b.digitalIn {
		return nil, fmt.Errorf("I/O board configured with no channels")
	}
	b.latest = make([]int16, b.width())
	return b, nil
}

func (b *Board) width() int {
	n := len(b.adChannels)
	if b.digitalIn {
		n++
	}
	return n
}

// Monitor reads readings from the board until ctx is cancelled. Lines are
// CSV, one value per configured channel, digital port last.
func (b *Board) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(b.port)
	lineChan := make(chan string)
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lineChan:
			if !ok {
				return scan.Err()
			}
			b.parseLine(line)
		}
	}
}

func (b *Board) parseLine(line string) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	if len(fields) != b.width() {
		monitoring.Logf("warning: I/O board line has %d fields, want %d", len(fields), b.width())
		return
	}
	values := make([]int16, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			monitoring.Logf("warning: bad I/O board value %q", f)
			return
		}
		values[i] = int16(v)
	}
	b.mu.Lock()
	copy(b.latest, values)
	b.mu.Unlock()
}

// Sample latches the most recent board reading into the given ring slot.
func (b *Board) Sample(index int) {
	b.mu.Lock()
	v := append([]int16(nil), b.latest...)
	b.mu.Unlock()
	for len(b.slots) <= index {
		b.slots = append(b.slots, nil)
	}
	b.slots[index] = v
}

// FormatSample renders slot index for the data file, semicolon separated to
// keep the row's comma framing intact.
func (b *Board) FormatSample(index int) string {
	if index < 0 || index >= len(b.slots) || b.slots[index] == nil {
		return ""
	}
	parts := make([]string, len(b.slots[index]))
	for i, v := range b.slots[index] {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ";")
}

// FormatHeader describes the logged columns for the #DATAFORMAT line.
func (b *Board) FormatHeader() string {
	parts := make([]string, 0, b.width())
	for _, ch := range b.adChannels {
		parts = append(parts, fmt.Sprintf("AD%d", ch))
	}
	if b.digitalIn {
		parts = append(parts, "DI")
	}
	return strings.Join(parts, ";")
}

// Close releases the serial port.
func (b *Board) Close() error {
	return b.port.Close()
}
