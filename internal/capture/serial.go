package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"go.bug.st/serial"

	"github.com/banshee-data/scg.report/internal/monitoring"
)

// ErrPermissionDenied is returned when the capture device refuses access.
// Measurement must not start.
var ErrPermissionDenied = errors.New("capture: permission to read the motion sensor was denied")

// PortOptions describes the serial connection to an accelerometer board.
type PortOptions struct {
	BaudRate int    `json:"baud_rate"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
	Parity   string `json:"parity"`
}

// SerialMode validates the options, applies defaults (115200 8N1) and
// converts them for go.bug.st/serial.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: o.BaudRate, DataBits: o.DataBits}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, fmt.Errorf("invalid data bits %d: must be between 5 and 8", mode.DataBits)
	}

	switch o.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", o.StopBits)
	}

	switch strings.TrimSpace(strings.ToUpper(o.Parity)) {
	case "", "N", "NONE":
		mode.Parity = serial.NoParity
	case "E", "EVEN":
		mode.Parity = serial.EvenParity
	case "O", "ODD":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unsupported parity %q: expected N, E, or O", o.Parity)
	}
	return mode, nil
}

// PortOpener opens the device at path. Tests replace it to avoid hardware.
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerialPort opens a real serial port.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(path, mode)
}

// SerialSource reads one reading per line from a serial accelerometer.
// Lines are either CSV "t,ax,ay,az" or a JSON object with the same keys.
type SerialSource struct {
	Path    string
	Options PortOptions
	Open    PortOpener
}

func NewSerialSource(path string, opts PortOptions) *SerialSource {
	return &SerialSource{Path: path, Options: opts, Open: OpenSerialPort}
}

func (s *SerialSource) Run(ctx context.Context, emit func(MotionEvent)) error {
	mode, err := s.Options.SerialMode()
	if err != nil {
		return err
	}
	port, err := s.Open(s.Path, mode)
	if err != nil {
		if isPermissionError(err) {
			monitoring.Noticef("access to %s was denied; check device permissions (dialout group)", s.Path)
			return fmt.Errorf("%w: %s", ErrPermissionDenied, s.Path)
		}
		return fmt.Errorf("open %s: %w", s.Path, err)
	}
	defer port.Close()

	return scanEvents(ctx, port, emit)
}

func isPermissionError(err error) bool {
	if errors.Is(err, fs.ErrPermission) {
		return true
	}
	var pe *serial.PortError
	if errors.As(err, &pe) && pe.Code() == serial.PermissionDenied {
		return true
	}
	var pv serial.PortError
	return errors.As(err, &pv) && pv.Code() == serial.PermissionDenied
}

// scanEvents reads lines off r until EOF or ctx is done. The blocking scan
// runs in its own goroutine so cancellation is not held up by the read.
func scanEvents(ctx context.Context, r io.Reader, emit func(MotionEvent)) error {
	scan := bufio.NewScanner(r)
	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErr <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			ev, err := ParseLine(line)
			if err != nil {
				monitoring.Logf("skipping sensor line %q: %v", line, err)
				continue
			}
			emit(ev)
		}
	}
}

// ParseLine parses one sensor line. CSV fields are positional (t, ax, ay,
// az); missing trailing axes are zero.
func ParseLine(line string) (MotionEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return MotionEvent{}, errors.New("empty line")
	}
	if strings.HasPrefix(line, "{") {
		var s RawSample
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			return MotionEvent{}, fmt.Errorf("failed to unmarshal JSON: %w", err)
		}
		return MotionEvent{T: s.T, Ax: s.Ax, Ay: s.Ay, Az: s.Az}, nil
	}

	fields := strings.Split(line, ",")
	if len(fields) < 2 || len(fields) > 4 {
		return MotionEvent{}, fmt.Errorf("expected 2 to 4 comma separated fields, got %d", len(fields))
	}
	var vals [4]float64
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return MotionEvent{}, fmt.Errorf("field %d: %w", i, err)
		}
		vals[i] = v
	}
	ev := MotionEvent{T: vals[0], Ax: vals[1], Ay: vals[2], Az: vals[3]}
	return ev, nil
}
