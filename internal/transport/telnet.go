package transport

import (
	"time"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/telnet"
)

// Telnet è il trasporto TCP con la macchina a stati IAC sul percorso di
// lettura e il raddoppio degli IAC su quello di scrittura. Le risposte di
// negoziazione vengono spedite subito, fuori banda rispetto al chiamante.
type Telnet struct {
	raw    Raw
	parser *telnet.Parser
}

// NewTelnet crea il trasporto con i default ANSI 80×25; Connect li aggiorna
// dal record della rubrica.
func NewTelnet() *Telnet {
	return &Telnet{parser: telnet.NewParser("ANSI", 80, 25)}
}

func (t *Telnet) Name() string { return "Telnet" }

func (t *Telnet) Connect(addr *phonebook.Address, timeout time.Duration) error {
	name := terminalName(addr.Terminal)
	t.parser = telnet.NewParser(name, addr.Screen.Cols, addr.Screen.Rows)
	return t.raw.Connect(addr, timeout)
}

// terminalName mappa il profilo terminale sul nome annunciato in TTYPE.
func terminalName(term phonebook.TerminalType) string {
	switch term {
	case phonebook.TermPetscii:
		return "PETSCII"
	case phonebook.TermAtascii:
		return "ATASCII"
	case phonebook.TermViewData, phonebook.TermMode7:
		return "VIEWDATA"
	default:
		return "ANSI"
	}
}

// filter passa i byte grezzi nel parser IAC e spedisce le eventuali risposte
// di negoziazione.
func (t *Telnet) filter(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	data, reply := t.parser.Feed(raw)
	if len(reply) > 0 {
		if _, err := t.raw.Write(reply); err != nil {
			return data, err
		}
	}
	return data, nil
}

func (t *Telnet) ReadAvailable() ([]byte, error) {
	raw, err := t.raw.ReadAvailable()
	data, ferr := t.filter(raw)
	if err != nil {
		return data, err
	}
	return data, ferr
}

func (t *Telnet) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	// La lettura esatta va fatta sul flusso già filtrato: le sequenze IAC
	// non contano nel conteggio.
	out := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(out) < n {
		if time.Now().After(deadline) {
			return out, errReadTimeout
		}
		chunk, err := t.ReadAvailable()
		out = append(out, chunk...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (t *Telnet) Write(p []byte) (int, error) {
	if _, err := t.raw.Write(telnet.EncodeOut(p)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SetSize annuncia proattivamente la nuova dimensione della finestra (NAWS).
func (t *Telnet) SetSize(cols, rows int) error {
	report := t.parser.SetSize(cols, rows)
	_, err := t.raw.Write(report)
	return err
}

func (t *Telnet) Close() error { return t.raw.Close() }
