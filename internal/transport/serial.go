package transport

import (
	"fmt"
	"sync"

	"github.com/danmuck/viscactl/internal/logging"
	"github.com/danmuck/viscactl/internal/protocol/frame"
	"go.bug.st/serial"
)

// serialPort turns the driver's timed-out zero reads into a blocking read
// that gives up once the port is closed.
type serialPort struct {
	serial.Port
	done      chan struct{}
	closeOnce sync.Once
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		n, err := p.Port.Read(b)
		if n > 0 || err != nil {
			return n, err
		}
		select {
		case <-p.done:
			return 0, ErrClosed
		default:
		}
	}
}

func (p *serialPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.Port.Close()
	})
	return err
}

// OpenSerial opens an RS-232/RS-422 VISCA port at 8N1.
func OpenSerial(path string, baud int, limits frame.Limits) (*Stream, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open serial %s: %w", path, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("transport: serial read timeout: %w", err)
	}
	logger := logging.Component("transport").With().Str("port", path).Int("baud", baud).Logger()
	logger.Debug().Msg("serial port open")
	return NewStream(&serialPort{Port: port, done: make(chan struct{})}, limits, logger), nil
}
