// Package terminal definisce il contratto stretto verso il parser di
// visualizzazione esterno: un byte alla volta dentro, un'eventuale azione
// fuori. Il rendering a celle resta fuori dal core; qui vivono solo i
// comportamenti di canale laterale che il core consuma (risposte DSR,
// campanella, musica ANSI, cambio baud).
package terminal

import "fmt"

// ActionKind è il tipo di azione prodotta dal parser.
type ActionKind int

const (
	ActionNone ActionKind = iota
	// ActionSendBytes: il parser ha composto una risposta per l'host.
	ActionSendBytes
	// ActionBeep: campanella (onorata solo con console_beep attivo).
	ActionBeep
	// ActionPlayMusic: sequenza musica ANSI da riprodurre.
	ActionPlayMusic
	// ActionSetBaudRate: richiesta in-band di emulazione velocità.
	ActionSetBaudRate
)

// Action è l'esito della consumazione di un byte.
type Action struct {
	Kind  ActionKind
	Bytes []byte // per SendBytes e PlayMusic
	Rate  int    // per SetBaudRate
}

// Parser consuma un byte e produce al più un'azione.
type Parser interface {
	Feed(b byte) Action
}

// Kind identifica la variante del parser.
type Kind int

const (
	Ansi Kind = iota
	Avatar
	Petscii
	Atascii
	Viewdata
	VT500
)

// New crea il parser per la variante richiesta con la finestra data. Le
// varianti diverse da ANSI/VT500 non hanno canali laterali: passthrough.
func New(kind Kind, cols, rows int) Parser {
	switch kind {
	case Ansi, VT500:
		return &ansiParser{cols: cols, rows: rows}
	default:
		return passthrough{}
	}
}

// passthrough non produce mai azioni.
type passthrough struct{}

func (passthrough) Feed(byte) Action { return Action{} }

// ─────────────────────────────────────────────
// Variante ANSI
// ─────────────────────────────────────────────

const (
	esc = 0x1B
	bel = 0x07
)

type ansiState int

const (
	ansiGround ansiState = iota
	ansiEsc
	ansiCSI
	ansiMusic
)

// ansiParser riconosce le sole sequenze con effetti di canale laterale:
// DSR (ESC[6n / ESC[5n), la campanella e la musica ANSI (ESC[M ... ^N).
type ansiParser struct {
	cols, rows int
	st         ansiState
	params     []byte
	music      []byte
}

func (p *ansiParser) Feed(b byte) Action {
	switch p.st {
	case ansiGround:
		switch b {
		case esc:
			p.st = ansiEsc
		case bel:
			return Action{Kind: ActionBeep}
		}

	case ansiEsc:
		if b == '[' {
			p.st = ansiCSI
			p.params = p.params[:0]
		} else {
			p.st = ansiGround
		}

	case ansiCSI:
		switch {
		case b >= '0' && b <= '9' || b == ';' || b == '?':
			if len(p.params) < 16 {
				p.params = append(p.params, b)
			}
		case b == 'M' && len(p.params) == 0:
			// Musica ANSI: accumula fino a ^N (SO).
			p.st = ansiMusic
			p.music = p.music[:0]
		case b == 'n':
			p.st = ansiGround
			return p.deviceStatus()
		default:
			// Ogni altra sequenza è affare del renderer esterno.
			p.st = ansiGround
		}

	case ansiMusic:
		if b == 0x0E || b == bel {
			p.st = ansiGround
			notes := make([]byte, len(p.music))
			copy(notes, p.music)
			return Action{Kind: ActionPlayMusic, Bytes: notes}
		}
		if len(p.music) < 1024 {
			p.music = append(p.music, b)
		}
	}
	return Action{}
}

// deviceStatus risponde alle richieste DSR: 5n → pronto, 6n → posizione
// cursore. Senza buffer celle la posizione riportata è fissa: ultima riga
// della finestra, colonna 1.
func (p *ansiParser) deviceStatus() Action {
	switch string(p.params) {
	case "5":
		return Action{Kind: ActionSendBytes, Bytes: []byte("\x1b[0n")}
	case "6":
		return Action{Kind: ActionSendBytes, Bytes: []byte(fmt.Sprintf("\x1b[%d;%dR", p.rows, 1))}
	}
	return Action{}
}

// KindForName mappa il profilo terminale della rubrica sulla variante.
func KindForName(name string) Kind {
	switch name {
	case "Avatar":
		return Avatar
	case "PETscii":
		return Petscii
	case "ATAscii":
		return Atascii
	case "ViewData", "Mode7":
		return Viewdata
	default:
		return Ansi
	}
}
