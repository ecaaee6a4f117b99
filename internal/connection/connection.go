// Package connection è il facade duplex verso l'host: possiede il trasporto
// e un task di I/O in background che multiplexa il traffico del terminale
// con quello dei trasferimenti file. La UI parla solo con le due code
// (dati in ingresso, comandi in uscita) e con la cella di stato condivisa
// del trasferimento.
package connection

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/baud"
	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/transfer"
	"github.com/rj45lab/bbs-term-go/internal/transport"
	"github.com/rj45lab/bbs-term-go/internal/xmodem"
	"github.com/rj45lab/bbs-term-go/internal/zmodem"
)

// State è lo stato della connessione.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	TransferActive
)

// EventType identifica gli eventi della connessione.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventError
	EventTransferStarted
	EventTransferDone
)

// Event è un evento notificato alla UI.
type Event struct {
	Type    EventType
	Message string
}

// ErrNotConnected: invio rifiutato fuori dagli stati Connected/TransferActive.
var ErrNotConnected = fmt.Errorf("non connesso")

// ctrlKind identifica i messaggi di controllo del task di I/O.
type ctrlKind int

const (
	ctrlDisconnect ctrlKind = iota
	ctrlStartTransfer
	ctrlSetBaud
)

type ctrlMsg struct {
	kind ctrlKind

	// start transfer
	xferKind transfer.Kind
	dir      transfer.Direction
	state    *transfer.State
	files    []*transfer.FileDescriptor
	storage  transfer.StorageHandler

	rate int
}

// Connection possiede il trasporto e il task di I/O in background.
type Connection struct {
	// DataCh consegna i byte in arrivo (già filtrati dal trasporto) alla UI.
	DataCh chan []byte
	// EventCh notifica connessioni, errori e confini dei trasferimenti.
	EventCh chan Event
	// Debug abilita il log diagnostico.
	Debug bool

	mu        sync.Mutex
	st        State
	since     time.Time
	dir       transfer.Direction
	xferState *transfer.State

	tr     transport.Transport
	pacer  *baud.Pacer
	outCh  chan []byte
	ctrlCh chan ctrlMsg
}

// New crea una Connection scollegata.
func New() *Connection {
	return &Connection{
		DataCh:  make(chan []byte, 64),
		EventCh: make(chan Event, 16),
		pacer:   baud.NewPacer(0),
	}
}

// StateNow ritorna lo stato corrente e, se connessa, l'istante di aggancio.
func (c *Connection) StateNow() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st, c.since
}

// IsConnected ritorna true negli stati Connected e TransferActive.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == Connected || c.st == TransferActive
}

// IsDisconnected ritorna true nello stato Disconnected.
func (c *Connection) IsDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == Disconnected
}

// IsDataAvailable ritorna true se ci sono byte accodati per ReadBuffer o
// ancora trattenuti dal pacer di baud.
func (c *Connection) IsDataAvailable() bool {
	return len(c.DataCh) > 0 || c.pacer.Backlog() > 0
}

// TransferDirection ritorna il verso del trasferimento attivo.
func (c *Connection) TransferDirection() transfer.Direction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dir
}

// TransferState ritorna la cella di stato dell'ultimo trasferimento (nil se
// non ce ne sono mai stati). Resta ispezionabile fino al successivo.
func (c *Connection) TransferState() *transfer.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.xferState
}

// Connect avvia la connessione verso addr e ritorna subito; lo stato passa a
// Connecting e poi a Connected o Disconnected (con evento).
func (c *Connection) Connect(addr *phonebook.Address, timeout time.Duration) error {
	c.mu.Lock()
	if c.st != Disconnected {
		c.mu.Unlock()
		return fmt.Errorf("già connesso")
	}
	tr, err := transport.New(addr.Connection)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.st = Connecting
	c.tr = tr
	c.outCh = make(chan []byte, 64)
	c.ctrlCh = make(chan ctrlMsg, 8)
	c.pacer.SetRate(addr.BaudEmulation)
	c.mu.Unlock()

	go func() {
		if c.Debug {
			log.Printf("[CONN] connessione %s a %s...", tr.Name(), addr.Dial())
		}
		if err := tr.Connect(addr, timeout); err != nil {
			c.mu.Lock()
			c.st = Disconnected
			c.tr = nil
			c.mu.Unlock()
			c.emitEvent(Event{Type: EventError, Message: err.Error()})
			return
		}
		c.mu.Lock()
		c.st = Connected
		c.since = time.Now()
		c.mu.Unlock()
		c.emitEvent(Event{Type: EventConnected, Message: addr.Dial()})
		c.ioLoop()
	}()
	return nil
}

// Disconnect chiude la connessione. Idempotente.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.st == Disconnected || c.st == Connecting {
		// In fase di dial il goroutine di connect vedrà il fallimento da sé.
		c.mu.Unlock()
		return
	}
	ctrl := c.ctrlCh
	c.mu.Unlock()
	select {
	case ctrl <- ctrlMsg{kind: ctrlDisconnect}:
	default:
	}
}

// Send accoda data per la trasmissione; mai bloccante sulla rete.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	if c.st != Connected && c.st != TransferActive {
		c.mu.Unlock()
		return ErrNotConnected
	}
	out := c.outCh
	c.mu.Unlock()

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case out <- buf:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("coda di trasmissione piena")
	}
}

// ReadBuffer drena i dati in arrivo accodati dall'ultima chiamata; non
// blocca mai.
func (c *Connection) ReadBuffer() []byte {
	var out []byte
	for {
		select {
		case chunk := <-c.DataCh:
			out = append(out, chunk...)
		default:
			return out
		}
	}
}

// SetBaudRate cambia l'emulazione di velocità a runtime.
func (c *Connection) SetBaudRate(rate int) {
	c.mu.Lock()
	ctrl := c.ctrlCh
	connected := c.st == Connected || c.st == TransferActive
	c.mu.Unlock()
	if !connected {
		c.pacer.SetRate(rate)
		return
	}
	select {
	case ctrl <- ctrlMsg{kind: ctrlSetBaud, rate: rate}:
	default:
	}
}

// StartFileTransfer consegna il trasporto a un motore di protocollo. files è
// richiesto in upload; storage in download. Lo stato condiviso st diventa
// ispezionabile da TransferState fino al trasferimento successivo.
func (c *Connection) StartFileTransfer(kind transfer.Kind, dir transfer.Direction, st *transfer.State, files []*transfer.FileDescriptor, storage transfer.StorageHandler) error {
	c.mu.Lock()
	if c.st != Connected {
		c.mu.Unlock()
		return ErrNotConnected
	}
	ctrl := c.ctrlCh
	c.xferState = st
	c.mu.Unlock()

	select {
	case ctrl <- ctrlMsg{
		kind: ctrlStartTransfer, xferKind: kind, dir: dir,
		state: st, files: files, storage: storage,
	}:
		return nil
	default:
		return fmt.Errorf("task di I/O occupato")
	}
}

// CancelTransfer chiede al motore attivo di abortire con garbo.
func (c *Connection) CancelTransfer() {
	c.mu.Lock()
	st := c.xferState
	c.mu.Unlock()
	if st != nil {
		st.RequestCancel()
	}
}

func (c *Connection) emitEvent(e Event) {
	select {
	case c.EventCh <- e:
	default:
	}
}

// ─────────────────────────────────────────────
// Task di I/O in background
// ─────────────────────────────────────────────

// ioLoop è l'unico proprietario del trasporto: alterna lettura non
// bloccante, drenaggio della coda di uscita e messaggi di controllo. La
// lettura con finestra di poll fa anche da tick.
func (c *Connection) ioLoop() {
	defer c.teardown("")

	// pending è il chunk maturato ma non ancora accettato dalla coda in
	// ingresso: finché resta qui il loop non legge altro (backpressure
	// verso la rete).
	var pending []byte

	for {
		select {
		case msg := <-c.ctrlCh:
			switch msg.kind {
			case ctrlDisconnect:
				return
			case ctrlSetBaud:
				c.pacer.SetRate(msg.rate)
			case ctrlStartTransfer:
				c.runTransfer(msg)
				c.mu.Lock()
				alive := c.st == Connected
				c.mu.Unlock()
				if !alive {
					return
				}
			}
			continue

		case data := <-c.outCh:
			if _, err := c.tr.Write(data); err != nil {
				c.teardown(err.Error())
				return
			}
			continue

		default:
		}

		// Lettura non bloccante (≤ finestra di poll: fa da tick del loop).
		if len(pending) == 0 {
			data, err := c.tr.ReadAvailable()
			if len(data) > 0 {
				pending = c.pacer.Push(data)
			} else {
				pending = c.pacer.Pull()
			}
			if err != nil {
				c.teardown(err.Error())
				return
			}
		}
		if len(pending) > 0 {
			select {
			case c.DataCh <- pending:
				pending = nil
			default:
				// La UI non drena: cedi il passo senza leggere altro.
				time.Sleep(5 * time.Millisecond)
			}
		}
	}
}

// teardown riporta la connessione a Disconnected e scarta i byte bufferizzati.
func (c *Connection) teardown(reason string) {
	c.mu.Lock()
	if c.st == Disconnected {
		c.mu.Unlock()
		return
	}
	c.st = Disconnected
	tr := c.tr
	c.tr = nil
	c.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	// Svuota la coda in ingresso: dopo la disconnessione niente avanzi.
	for {
		select {
		case <-c.DataCh:
		default:
			c.emitEvent(Event{Type: EventDisconnected, Message: reason})
			return
		}
	}
}

// runTransfer esegue il motore dentro il task di I/O: per tutta la durata il
// motore possiede entrambe le direzioni e la coda del terminale resta ferma.
func (c *Connection) runTransfer(msg ctrlMsg) {
	c.mu.Lock()
	c.st = TransferActive
	c.dir = msg.dir
	c.mu.Unlock()

	c.emitEvent(Event{Type: EventTransferStarted, Message: msg.xferKind.String()})
	logf := func(s string) {
		if c.Debug {
			log.Printf("[XFER] %s", s)
		}
	}

	link := &dataLink{tr: c.tr}
	ctx := context.Background()
	var err error

	switch msg.xferKind {
	case transfer.Zmodem:
		cfg := zmodem.Config{LogFunc: logf, Resume: true}
		if msg.dir == transfer.Download {
			err = zmodem.NewReceiver(cfg, link, msg.state, msg.storage).Run(ctx)
		} else {
			err = zmodem.NewSender(cfg, link, msg.state, msg.files).Run(ctx)
		}
	default:
		cfg := xmodem.Config{Kind: msg.xferKind, LogFunc: logf}
		if msg.dir == transfer.Download {
			err = xmodem.NewReceiver(cfg, link, msg.state, msg.storage).Run(ctx)
		} else {
			err = xmodem.NewSender(cfg, link, msg.state, msg.files).Run(ctx)
		}
	}

	c.mu.Lock()
	if c.st == TransferActive {
		c.st = Connected
	}
	c.mu.Unlock()

	if err != nil {
		c.emitEvent(Event{Type: EventTransferDone, Message: err.Error()})
	} else {
		c.emitEvent(Event{Type: EventTransferDone})
	}
}

// ─────────────────────────────────────────────
// dataLink — maniglia esclusiva per i motori
// ─────────────────────────────────────────────

type dataLink struct {
	tr transport.Transport
}

func (l *dataLink) ReadByte(timeout time.Duration) (byte, error) {
	buf, err := l.tr.ReadExact(1, timeout)
	if err != nil {
		if transport.IsTimeout(err) {
			return 0, transfer.ErrTimeout
		}
		return 0, err
	}
	if len(buf) == 0 {
		return 0, transfer.ErrTimeout
	}
	return buf[0], nil
}

func (l *dataLink) ReadAvailable() ([]byte, error) {
	return l.tr.ReadAvailable()
}

func (l *dataLink) Write(p []byte) error {
	_, err := l.tr.Write(p)
	return err
}

func (l *dataLink) Purge() {
	for {
		data, err := l.tr.ReadAvailable()
		if err != nil || len(data) == 0 {
			return
		}
	}
}
