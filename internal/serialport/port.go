// Package serialport adapts a go.bug.st/serial device to the bridge source
// contract: reads return after at most ReadTimeout, with 0 bytes and a nil
// error when the device was quiet.
package serialport

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/dbgbridge/internal/observability"
	"github.com/rs/zerolog"
	"go.bug.st/serial"
)

var ErrClosed = errors.New("serialport: closed")

type Config struct {
	Device      string
	BaudRate    int
	ReadTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Device:      "/dev/ttyUSB0",
		BaudRate:    38400,
		ReadTimeout: 100 * time.Millisecond,
	}
}

// OpenFunc matches serial.Open.
type OpenFunc func(name string, mode *serial.Mode) (serial.Port, error)

// Port is a serial device that reopens itself after the device disappears.
type Port struct {
	cfg  Config
	open OpenFunc
	log  zerolog.Logger

	mu     sync.Mutex
	port   serial.Port
	closed bool
}

func Open(cfg Config) (*Port, error) {
	return OpenWith(cfg, serial.Open)
}

// OpenWith opens the device through open. The first open must succeed.
func OpenWith(cfg Config, open OpenFunc) (*Port, error) {
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("serialport: device is required")
	}
	p := &Port{
		cfg:  cfg,
		open: open,
		log:  observability.Logger("serialport").With().Str("device", cfg.Device).Logger(),
	}
	port, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.port = port
	p.log.Info().Int("baud", cfg.BaudRate).Dur("read_timeout", cfg.ReadTimeout).Msg("opened")
	return p, nil
}

func (p *Port) dial() (serial.Port, error) {
	port, err := p.open(p.cfg.Device, &serial.Mode{
		BaudRate: p.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("serialport: open %s: %w", p.cfg.Device, err)
	}
	if err := port.SetReadTimeout(p.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialport: set read timeout: %w", err)
	}
	// Drop whatever the device emitted before we attached.
	if err := port.ResetInputBuffer(); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("serialport: reset input: %w", err)
	}
	return port, nil
}

// Read reads up to len(b) bytes. After a disconnect the next Read tries to
// reopen the device and reports the open error if it is still gone.
func (p *Port) Read(b []byte) (int, error) {
	port, err := p.current()
	if err != nil {
		return 0, err
	}
	n, err := port.Read(b)
	if err != nil && isDisconnect(err) {
		if p.isClosed() {
			return n, ErrClosed
		}
		p.drop(port)
		p.log.Warn().Err(err).Msg("device disconnected")
		return n, fmt.Errorf("serialport: %s disconnected: %w", p.cfg.Device, err)
	}
	return n, err
}

func (p *Port) current() (serial.Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if p.port != nil {
		return p.port, nil
	}
	port, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.port = port
	p.log.Info().Msg("reopened")
	return port, nil
}

func (p *Port) drop(port serial.Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port == port {
		p.port = nil
	}
	_ = port.Close()
}

func (p *Port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

func isDisconnect(err error) bool {
	var portErr *serial.PortError
	if errors.As(err, &portErr) {
		return isDisconnectCode(portErr.Code())
	}
	var portErrVal serial.PortError
	if errors.As(err, &portErrVal) {
		return isDisconnectCode(portErrVal.Code())
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ENXIO) ||
		errors.Is(err, syscall.ENODEV)
}

func isDisconnectCode(code serial.PortErrorCode) bool {
	switch code {
	case serial.PortNotFound, serial.PortClosed, serial.InvalidSerialPort:
		return true
	default:
		return false
	}
}
