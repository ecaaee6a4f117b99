package transport

import (
	"fmt"
	"os"
	"time"

	serial "github.com/daedaluz/goserial"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
)

// Modem parla con una porta seriale (es. /dev/ttyUSB0 nel campo host del
// record) a una velocità di linea reale: qui il baud non è emulato.
type Modem struct {
	port *serial.Port
	buf  [4096]byte
}

func (m *Modem) Name() string { return "Modem" }

func (m *Modem) Connect(addr *phonebook.Address, timeout time.Duration) error {
	port, err := serial.Open(addr.Host, serial.NewOptions())
	if err != nil {
		return fmt.Errorf("porta seriale %s: %w", addr.Host, err)
	}

	attrs, err := port.GetAttr2()
	if err != nil {
		port.Close()
		return err
	}
	attrs.MakeRaw()
	speed := uint32(addr.BaudEmulation)
	if speed == 0 {
		speed = 38400
	}
	attrs.SetCustomSpeed(speed)
	if err := port.SetAttr2(serial.TCSANOW, attrs); err != nil {
		port.Close()
		return err
	}

	m.port = port
	return nil
}

func (m *Modem) ReadAvailable() ([]byte, error) {
	if m.port == nil {
		return nil, ErrClosed
	}
	n, err := m.port.ReadTimeout(m.buf[:], pollInterval)
	if err != nil {
		if n <= 0 && (os.IsTimeout(err) || isTimeout(err)) {
			return nil, nil
		}
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	out := make([]byte, n)
	copy(out, m.buf[:n])
	return out, nil
}

func (m *Modem) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if m.port == nil {
		return nil, ErrClosed
	}
	out := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		remain := time.Until(deadline)
		if remain <= 0 {
			return out, errReadTimeout
		}
		got, err := m.port.ReadTimeout(m.buf[:n-len(out)], remain)
		if got > 0 {
			out = append(out, m.buf[:got]...)
		}
		if err != nil && !os.IsTimeout(err) && !isTimeout(err) {
			return out, err
		}
	}
	return out, nil
}

func (m *Modem) Write(p []byte) (int, error) {
	if m.port == nil {
		return 0, ErrClosed
	}
	return m.port.Write(p)
}

func (m *Modem) Close() error {
	if m.port == nil {
		return nil
	}
	err := m.port.Close()
	m.port = nil
	return err
}
