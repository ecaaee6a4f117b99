// Package transport astrae il canale byte verso l'host remoto: Raw (TCP
// diretto), Telnet (TCP + negoziazione IAC), SSH (canale interattivo),
// Websocket e Modem (porta seriale). Tutte le varianti espongono letture non
// bloccanti e una lettura esatta con deadline.
package transport

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
)

// ErrClosed segnala operazioni su un trasporto già chiuso.
var ErrClosed = errors.New("trasporto chiuso")

// pollInterval è la finestra di attesa delle letture "non bloccanti": oltre
// questo tempo ReadAvailable ritorna a mani vuote.
const pollInterval = 50 * time.Millisecond

// Transport è il contratto comune dei trasporti. In ReadAvailable un timeout
// di lettura non è mai un errore: produce semplicemente zero byte. In
// ReadExact lo scadere del timeout ritorna un errore riconosciuto da IsTimeout.
type Transport interface {
	// Connect apre il canale verso addr entro timeout.
	Connect(addr *phonebook.Address, timeout time.Duration) error
	// ReadAvailable ritorna i byte già arrivati (eventualmente nessuno)
	// senza bloccare oltre la finestra di poll.
	ReadAvailable() ([]byte, error)
	// ReadExact legge esattamente n byte entro timeout e li ritorna;
	// ripristina la modalità non bloccante su ogni percorso d'uscita.
	ReadExact(n int, timeout time.Duration) ([]byte, error)
	// Write trasmette p per intero.
	Write(p []byte) (int, error)
	// Close chiude il canale.
	Close() error
	// Name identifica la variante ("Raw", "Telnet", ...).
	Name() string
}

// New costruisce il trasporto adatto al tipo di connessione del record.
func New(kind phonebook.ConnectionType) (Transport, error) {
	switch kind {
	case phonebook.ConnRaw:
		return &Raw{}, nil
	case phonebook.ConnTelnet, "":
		return NewTelnet(), nil
	case phonebook.ConnSSH:
		return &SSH{}, nil
	case phonebook.ConnWebsocket:
		return &Websocket{}, nil
	case phonebook.ConnModem:
		return &Modem{}, nil
	}
	return nil, fmt.Errorf("tipo di connessione sconosciuto: %q", kind)
}

// IsTimeout riconosce i timeout di rete da non trattare come errori.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isTimeout(err error) bool { return IsTimeout(err) }

// timeoutError è il timeout emesso dai trasporti senza deadline nativa;
// soddisfa net.Error come i timeout dei socket.
type timeoutError struct{}

func (timeoutError) Error() string   { return "timeout di lettura" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var errReadTimeout = timeoutError{}

// ─────────────────────────────────────────────
// Raw — TCP diretto
// ─────────────────────────────────────────────

// Raw è il byte-pipe TCP senza alcun protocollo sopra.
type Raw struct {
	conn net.Conn
	buf  [8192]byte
}

func (r *Raw) Name() string { return "Raw" }

func (r *Raw) Connect(addr *phonebook.Address, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr.Dial(), timeout)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

func (r *Raw) ReadAvailable() ([]byte, error) {
	if r.conn == nil {
		return nil, ErrClosed
	}
	r.conn.SetReadDeadline(time.Now().Add(pollInterval))
	n, err := r.conn.Read(r.buf[:])
	if err != nil {
		if isTimeout(err) {
			return r.copyOut(n), nil
		}
		return r.copyOut(n), err
	}
	return r.copyOut(n), nil
}

func (r *Raw) copyOut(n int) []byte {
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[:n])
	return out
}

func (r *Raw) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if r.conn == nil {
		return nil, ErrClosed
	}
	r.conn.SetReadDeadline(time.Now().Add(timeout))
	defer r.conn.SetReadDeadline(time.Time{})
	buf := make([]byte, n)
	got, err := io.ReadFull(r.conn, buf)
	if err != nil {
		return buf[:got], err
	}
	return buf, nil
}

func (r *Raw) Write(p []byte) (int, error) {
	if r.conn == nil {
		return 0, ErrClosed
	}
	return r.conn.Write(p)
}

func (r *Raw) Close() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	return err
}

// ─────────────────────────────────────────────
// pumpReader — adattatore per stream senza deadline
// ─────────────────────────────────────────────

// pumpReader trasforma un io.Reader privo di deadline (pipe SSH, frame
// websocket) in letture non bloccanti: una goroutine pompa i chunk in un
// canale, i metodi li drenano con o senza attesa.
type pumpReader struct {
	ch    chan []byte
	errCh chan error
	rest  []byte
}

func newPumpReader() *pumpReader {
	return &pumpReader{
		ch:    make(chan []byte, 64),
		errCh: make(chan error, 1),
	}
}

// pumpFrom copia da r nel canale fino a errore o EOF. Da lanciare in
// goroutine.
func (p *pumpReader) pumpFrom(r io.Reader) {
	buf := make([]byte, 8192)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			p.ch <- chunk
		}
		if err != nil {
			p.errCh <- err
			return
		}
	}
}

// pumpFrames copia frame interi (websocket) nel canale.
func (p *pumpReader) pumpFrames(next func() ([]byte, error)) {
	for {
		frame, err := next()
		if len(frame) > 0 {
			p.ch <- frame
		}
		if err != nil {
			p.errCh <- err
			return
		}
	}
}

func (p *pumpReader) readAvailable() ([]byte, error) {
	out := p.rest
	p.rest = nil
	for {
		select {
		case chunk := <-p.ch:
			out = append(out, chunk...)
		case err := <-p.errCh:
			if len(out) > 0 {
				// Consegna prima i byte residui; l'errore riemergerà.
				p.errCh <- err
				return out, nil
			}
			return nil, err
		default:
			if len(out) > 0 {
				return out, nil
			}
			// Nessun dato pronto: concedi la finestra di poll.
			select {
			case chunk := <-p.ch:
				out = append(out, chunk...)
			case err := <-p.errCh:
				return nil, err
			case <-time.After(pollInterval):
				return nil, nil
			}
		}
	}
}

func (p *pumpReader) readExact(n int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	out := make([]byte, 0, n)
	if len(p.rest) > 0 {
		take := len(p.rest)
		if take > n {
			take = n
		}
		out = append(out, p.rest[:take]...)
		p.rest = p.rest[take:]
		if len(p.rest) == 0 {
			p.rest = nil
		}
	}
	for len(out) < n {
		remain := time.Until(deadline)
		if remain <= 0 {
			return out, errReadTimeout
		}
		select {
		case chunk := <-p.ch:
			need := n - len(out)
			if len(chunk) > need {
				p.rest = append(p.rest, chunk[need:]...)
				chunk = chunk[:need]
			}
			out = append(out, chunk...)
		case err := <-p.errCh:
			return out, err
		case <-time.After(remain):
			return out, errReadTimeout
		}
	}
	return out, nil
}
