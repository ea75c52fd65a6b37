package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"go.bug.st/serial"

	"github.com/banshee-data/navrelay/internal/monitoring"
)

var serialLogf = monitoring.Tagged("SERIAL")

// PortOptions describes the serial connection parameters used when opening
// the tether port.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// Normalize validates the options and applies defaults for any unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = 115200
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(opts.Parity)) {
	case "", "N", "NONE":
		opts.Parity = "N"
	case "E", "EVEN":
		opts.Parity = "E"
	case "O", "ODD":
		opts.Parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}
	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}
	return mode, nil
}

// SerialPorter is the minimal port surface the source reads from.
type SerialPorter interface {
	io.Reader
	io.Closer
}

// SerialOpener opens a port. Tests replace it to avoid real hardware.
type SerialOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenSerialPort opens a real serial port.
func OpenSerialPort(path string, mode *serial.Mode) (SerialPorter, error) {
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// SerialSourceConfig configures a SerialSource.
type SerialSourceConfig struct {
	Path    string
	Options PortOptions
	Sink    Sink
	Stats   *Stats
	Open    SerialOpener
}

// SerialSource reads newline-terminated records from a serial tether and
// submits each non-empty one to its Sink.
type SerialSource struct {
	path  string
	opts  PortOptions
	sink  Sink
	stats *Stats
	open  SerialOpener

	mu        sync.Mutex
	port      SerialPorter
	closeOnce sync.Once
}

// NewSerialSource creates a SerialSource. The port is not opened until Open or Run.
func NewSerialSource(config SerialSourceConfig) *SerialSource {
	s := &SerialSource{
		path:  config.Path,
		opts:  config.Options,
		sink:  config.Sink,
		stats: config.Stats,
		open:  config.Open,
	}
	if s.sink == nil {
		s.sink = SinkFunc(func([]byte) {})
	}
	if s.stats == nil {
		s.stats = NewStats("serial")
	}
	if s.open == nil {
		s.open = OpenSerialPort
	}
	return s
}

// Stats returns the source's counters.
func (s *SerialSource) Stats() *Stats { return s.stats }

// Open opens the port. Errors wrap ErrBind.
func (s *SerialSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}

	mode, err := s.opts.SerialMode()
	if err != nil {
		return fmt.Errorf("%w: serial options: %w", ErrBind, err)
	}
	port, err := s.open(s.path, mode)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", ErrBind, s.path, err)
	}
	s.port = port
	serialLogf("Opened %s at %d baud", s.path, mode.BaudRate)
	return nil
}

// Run reads lines until the port reaches EOF, a read fails, or ctx is
// cancelled. It returns nil on EOF, the scan error on failure, and
// ctx.Err() on cancellation.
func (s *SerialSource) Run(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	defer s.Close()

	scan := bufio.NewScanner(port)
	lineChan := make(chan []byte)
	scanErrChan := make(chan error, 1)

	// The blocking scan runs on its own goroutine so the loop below can
	// observe cancellation. Closing the port unblocks it.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			line := append([]byte(nil), scan.Bytes()...)
			select {
			case lineChan <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return fmt.Errorf("serial read from %s: %w", s.path, err)

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("serial read from %s: %w", s.path, err)
				default:
				}
				serialLogf("%s closed", s.path)
				return nil
			}
			s.stats.AddReceived(len(line))
			record := DecodePayload(line)
			if record == nil {
				s.stats.AddEmpty()
				continue
			}
			s.sink.Broadcast(record)
			s.stats.AddForwarded()
		}
	}
}

// Close closes the port.
func (s *SerialSource) Close() error {
	s.mu.Lock()
	port := s.port
	s.mu.Unlock()
	if port == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() { err = port.Close() })
	return err
}
