// Package session è l'arbitro delle modalità Terminal ↔ Transfer: in
// modalità terminale ogni byte in arrivo va al parser di visualizzazione e
// agli sniffer (IEMSI, script di login, trigger di trasferimento); quando un
// trigger scatta la connessione passa al motore di protocollo e la sessione
// torna al terminale alla fine. Qui vive anche la mappa tasti → sequenze
// host e il log di cattura.
package session

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/autologin"
	"github.com/rj45lab/bbs-term-go/internal/connection"
	"github.com/rj45lab/bbs-term-go/internal/options"
	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/terminal"
	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Mode è la modalità corrente della sessione.
type Mode int

const (
	ModeTerminal Mode = iota
	ModeTransfer
	ModeSettings
)

// Session coordina connessione, parser, sniffer e trasferimenti per una
// chiamata.
type Session struct {
	Conn *connection.Connection
	Addr *phonebook.Address
	Opts *options.Options

	// OnBeep viene chiamata per la campanella (se console_beep è attivo).
	OnBeep func()

	mode     Mode
	parser   terminal.Parser
	iemsi    *autologin.IEMSI
	login    *autologin.Runner
	detector autologin.Detector
	keyMap   map[string][]byte
	capture  *os.File
}

// New prepara la sessione per il record addr.
func New(conn *connection.Connection, addr *phonebook.Address, opts *options.Options) *Session {
	s := &Session{
		Conn:   conn,
		Addr:   addr,
		Opts:   opts,
		parser: terminal.New(terminal.KindForName(string(addr.Terminal)), addr.Screen.Cols, addr.Screen.Rows),
		keyMap: DefaultKeyMap(),
	}
	if opts.IEMSIAutoLogin {
		s.iemsi = autologin.NewIEMSI(addr)
	}
	if addr.AutoLogin != "" {
		if script, err := autologin.ParseScript(addr.AutoLogin); err == nil {
			s.login = autologin.NewRunner(script, addr.UserName, addr.Password)
		} else {
			log.Printf("[SESSION] script di login scartato: %v", err)
		}
	}
	if opts.CaptureFilename != "" {
		s.EnableCapture(opts.CaptureFilename)
	}
	return s
}

// Mode ritorna la modalità corrente.
func (s *Session) Mode() Mode { return s.mode }

// EnterSettings/LeaveSettings marcano il soggiorno nel menu locale; in
// Settings i byte in arrivo continuano a scorrere ma l'input resta locale.
func (s *Session) EnterSettings() {
	if s.mode == ModeTerminal {
		s.mode = ModeSettings
	}
}

func (s *Session) LeaveSettings() {
	if s.mode == ModeSettings {
		s.mode = ModeTerminal
	}
}

// ─────────────────────────────────────────────
// Flusso in ingresso (modalità terminale)
// ─────────────────────────────────────────────

// ProcessInbound consuma i byte drenati dalla connessione: cattura, parser,
// sniffer. Ritorna i byte da mostrare; il chiamante li passa al renderer.
func (s *Session) ProcessInbound(data []byte) []byte {
	if len(data) == 0 || s.mode != ModeTerminal {
		return data
	}

	if s.capture != nil {
		s.capture.Write(data)
	}

	// Parser di visualizzazione: solo le azioni di canale laterale.
	for _, b := range data {
		switch act := s.parser.Feed(b); act.Kind {
		case terminal.ActionSendBytes:
			s.Conn.Send(act.Bytes)
		case terminal.ActionBeep:
			if s.Opts.ConsoleBeep && s.OnBeep != nil {
				s.OnBeep()
			}
		case terminal.ActionSetBaudRate:
			s.Conn.SetBaudRate(act.Rate)
		case terminal.ActionPlayMusic:
			// La riproduzione è del renderer esterno; qui non c'è audio.
		}
	}

	// IEMSI: risposta automatica una sola volta per sessione.
	if s.iemsi != nil && !s.iemsi.LoggedIn() {
		if resp := s.iemsi.Feed(data); len(resp) > 0 {
			log.Printf("[SESSION] IEMSI_IRQ riconosciuto — invio ICI")
			s.Conn.Send(resp)
		}
	}

	// Script di login.
	if s.login != nil && !s.login.Done() {
		out, err := s.login.Feed(data, time.Now())
		if len(out) > 0 {
			s.Conn.Send(out)
		}
		if err != nil {
			log.Printf("[SESSION] %v", err)
		}
	}

	// Trigger di trasferimento automatico.
	switch s.detector.Feed(data) {
	case autologin.TriggerDownload:
		log.Printf("[SESSION] trigger ZMODEM — avvio download")
		if err := s.StartDownload(transfer.Zmodem); err != nil {
			log.Printf("[SESSION] avvio download fallito: %v", err)
		}
	case autologin.TriggerUpload:
		log.Printf("[SESSION] il server chiede un upload ZMODEM")
	case autologin.TriggerXYHint:
		// Solo un indizio: la scelta del protocollo resta all'utente.
	}

	return data
}

// HandleEvent aggiorna la modalità sui confini dei trasferimenti.
func (s *Session) HandleEvent(ev connection.Event) {
	switch ev.Type {
	case connection.EventTransferStarted:
		s.mode = ModeTransfer
	case connection.EventTransferDone:
		s.mode = ModeTerminal
		s.detector.Reset()
	case connection.EventDisconnected, connection.EventError:
		s.mode = ModeTerminal
		s.DisableCapture()
	}
}

// ─────────────────────────────────────────────
// Trasferimenti
// ─────────────────────────────────────────────

// StartDownload avvia la ricezione con il protocollo dato verso la
// directory di download.
func (s *Session) StartDownload(kind transfer.Kind) error {
	dir := s.Opts.DownloadDir
	if dir == "" {
		dir = defaultDownloadDir()
	}
	storage, err := transfer.NewDiskStorage(dir)
	if err != nil {
		return err
	}
	st := transfer.NewState(kind, transfer.Download)
	return s.Conn.StartFileTransfer(kind, transfer.Download, st, nil, storage)
}

// StartUpload avvia l'invio dei file indicati con il protocollo dato.
func (s *Session) StartUpload(kind transfer.Kind, paths []string) error {
	files := make([]*transfer.FileDescriptor, 0, len(paths))
	for _, p := range paths {
		fd, err := transfer.NewFileDescriptor(p)
		if err != nil {
			return err
		}
		files = append(files, fd)
	}
	if len(files) == 0 {
		return fmt.Errorf("nessun file da inviare")
	}
	st := transfer.NewState(kind, transfer.Upload)
	return s.Conn.StartFileTransfer(kind, transfer.Upload, st, files, nil)
}

// CancelTransfer inoltra l'annullamento al motore attivo.
func (s *Session) CancelTransfer() {
	s.Conn.CancelTransfer()
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return home + string(os.PathSeparator) + "Downloads"
}

// ─────────────────────────────────────────────
// Cattura
// ─────────────────────────────────────────────

// EnableCapture apre (in append) il file di cattura: ogni byte in arrivo in
// modalità terminale viene scritto così com'è, senza filtri né cornici.
func (s *Session) EnableCapture(path string) error {
	s.DisableCapture()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.capture = f
	return nil
}

// DisableCapture chiude il file di cattura, se aperto.
func (s *Session) DisableCapture() {
	if s.capture != nil {
		s.capture.Close()
		s.capture = nil
	}
}

// CaptureActive ritorna true con la cattura in corso.
func (s *Session) CaptureActive() bool { return s.capture != nil }

// ─────────────────────────────────────────────
// Ingresso utente
// ─────────────────────────────────────────────

// SendKey traduce un tasto simbolico nella sequenza host e la spedisce.
func (s *Session) SendKey(name string) {
	if seq, ok := s.keyMap[name]; ok {
		s.Conn.Send(seq)
	}
}

// SendText spedisce testo così com'è.
func (s *Session) SendText(text string) {
	s.Conn.Send([]byte(text))
}

// SetKey ridefinisce (o aggiunge) una voce della mappa tasti.
func (s *Session) SetKey(name string, seq []byte) {
	s.keyMap[name] = seq
}

// DefaultKeyMap è la mappa tasti → sequenze host di default.
func DefaultKeyMap() map[string][]byte {
	return map[string][]byte{
		"Enter":      {0x0D},
		"Backspace":  {0x08},
		"Tab":        {0x09},
		"Escape":     {0x1B},
		"ArrowUp":    {0x1B, '[', 'A'},
		"ArrowDown":  {0x1B, '[', 'B'},
		"ArrowRight": {0x1B, '[', 'C'},
		"ArrowLeft":  {0x1B, '[', 'D'},
		"Home":       {0x1B, '[', 'H'},
		"End":        {0x1B, '[', 'F'},
		"PageUp":     {0x1B, '[', '5', '~'},
		"PageDown":   {0x1B, '[', '6', '~'},
		"Insert":     {0x1B, '[', '2', '~'},
		"Delete":     {0x1B, '[', '3', '~'},
		"F1":         {0x1B, 'O', 'P'},
		"F2":         {0x1B, 'O', 'Q'},
		"F3":         {0x1B, 'O', 'R'},
		"F4":         {0x1B, 'O', 'S'},
		"F5":         {0x1B, '[', '1', '5', '~'},
		"F6":         {0x1B, '[', '1', '7', '~'},
		"F7":         {0x1B, '[', '1', '8', '~'},
		"F8":         {0x1B, '[', '1', '9', '~'},
		"F9":         {0x1B, '[', '2', '0', '~'},
		"F10":        {0x1B, '[', '2', '1', '~'},
		"F11":        {0x1B, '[', '2', '3', '~'},
		"F12":        {0x1B, '[', '2', '4', '~'},
	}
}
