package transport

import (
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
)

// Websocket incapsula il byte-pipe in messaggi binari websocket. L'host del
// record può essere un URL ws:// o wss:// completo, oppure un semplice
// host:porta (diventa ws://host:porta/).
type Websocket struct {
	conn *websocket.Conn
	pump *pumpReader
}

func (w *Websocket) Name() string { return "Websocket" }

func (w *Websocket) Connect(addr *phonebook.Address, timeout time.Duration) error {
	target := addr.Host
	if u, err := url.Parse(target); err != nil || u.Scheme == "" {
		target = fmt.Sprintf("ws://%s/", addr.Dial())
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(target, nil)
	if err != nil {
		return fmt.Errorf("websocket %s: %w", target, err)
	}

	w.conn = conn
	w.pump = newPumpReader()
	go w.pump.pumpFrames(func() ([]byte, error) {
		_, data, err := conn.ReadMessage()
		return data, err
	})
	return nil
}

func (w *Websocket) ReadAvailable() ([]byte, error) {
	if w.pump == nil {
		return nil, ErrClosed
	}
	return w.pump.readAvailable()
}

func (w *Websocket) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if w.pump == nil {
		return nil, ErrClosed
	}
	return w.pump.readExact(n, timeout)
}

func (w *Websocket) Write(p []byte) (int, error) {
	if w.conn == nil {
		return 0, ErrClosed
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Websocket) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
