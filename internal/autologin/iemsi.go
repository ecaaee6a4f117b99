// Package autologin contiene gli sniffer dello stream in ingresso: il
// riconoscimento IEMSI con risposta automatica, lo script di login a passi
// alternati attesa/invio e il rilevatore dei trigger di trasferimento
// automatico. Tutti osservano lo stream senza mai modificarlo.
package autologin

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Sequenze IEMSI (FSC-0056).
var (
	emsiIRQ = []byte("**EMSI_IRQ8E08")
	emsiISI = []byte("**EMSI_ISI")
	emsiNAK = []byte("**EMSI_NAK")
)

// iemsiWindow limita il buffer di riconoscimento.
const iemsiWindow = 256

// IEMSI riconosce la richiesta EMSI_IRQ del server e compone la risposta
// EMSI_ICI dalle credenziali del record. La risposta parte una sola volta
// per sessione.
type IEMSI struct {
	addr     *phonebook.Address
	window   []byte
	sent     bool
	loggedIn bool
}

// NewIEMSI crea lo sniffer per il record addr.
func NewIEMSI(addr *phonebook.Address) *IEMSI {
	return &IEMSI{addr: addr}
}

// LoggedIn ritorna true dopo l'EMSI_ISI di conferma del server.
func (e *IEMSI) LoggedIn() bool { return e.loggedIn }

// Feed osserva i byte in arrivo e ritorna l'eventuale risposta da spedire.
func (e *IEMSI) Feed(data []byte) []byte {
	if e.loggedIn {
		return nil
	}
	e.window = append(e.window, data...)
	if len(e.window) > iemsiWindow {
		e.window = e.window[len(e.window)-iemsiWindow:]
	}

	if bytes.Contains(e.window, emsiISI) {
		e.loggedIn = true
		return nil
	}
	if !e.sent && bytes.Contains(e.window, emsiIRQ) {
		if e.addr.UserName == "" && e.addr.IEMSIUser == "" {
			return nil
		}
		e.sent = true
		e.window = nil
		return BuildICI(e.addr)
	}
	if e.sent && bytes.Contains(e.window, emsiNAK) {
		// Il server non ha gradito il pacchetto: niente secondo tentativo,
		// si prosegue con il login manuale o a script.
		e.window = nil
	}
	return nil
}

// BuildICI compone il pacchetto EMSI_ICI: "**EMSI_ICI" + lunghezza esadecimale
// a 4 cifre + campi in graffe + CRC16 esadecimale del corpo + CR.
func BuildICI(addr *phonebook.Address) []byte {
	user := addr.IEMSIUser
	if user == "" {
		user = addr.UserName
	}
	pass := addr.IEMSIPassword
	if pass == "" {
		pass = addr.Password
	}
	fields := []string{
		user,             // nome
		user,             // alias
		"",               // località
		"-Unpublished-",  // telefono dati
		"-Unpublished-",  // telefono voce
		pass,             // password
		"",               // data di nascita
		crtDef(addr),     // definizione terminale
		"ZAP,ZMO,XMA",    // protocolli di trasferimento
		"CHT,TAB,ASCII8", // capacità
	}

	var data strings.Builder
	for _, f := range fields {
		data.WriteByte('{')
		data.WriteString(escapeICI(f))
		data.WriteByte('}')
	}

	body := fmt.Sprintf("EMSI_ICI%04X%s", data.Len(), data.String())
	crc := transfer.CRC16([]byte(body), 0)

	out := make([]byte, 0, len(body)+8)
	out = append(out, '*', '*')
	out = append(out, []byte(body)...)
	out = append(out, []byte(fmt.Sprintf("%04X", crc))...)
	out = append(out, '\r')
	return out
}

// crtDef descrive il terminale nel formato IEMSI: emulazione,righe,colonne,0.
func crtDef(addr *phonebook.Address) string {
	emu := "ANSI"
	switch addr.Terminal {
	case phonebook.TermAvatar:
		emu = "AVT0"
	case phonebook.TermPetscii, phonebook.TermAtascii:
		emu = "TTY"
	}
	return fmt.Sprintf("%s,%d,%d,0", emu, addr.Screen.Rows, addr.Screen.Cols)
}

// escapeICI protegge le graffe nei valori dei campi.
func escapeICI(s string) string {
	s = strings.ReplaceAll(s, "}", "}}")
	return strings.ReplaceAll(s, "{", "{{")
}
