package autologin

import (
	"bytes"

	"github.com/rj45lab/bbs-term-go/internal/zmodem"
)

// Trigger è l'esito del rilevatore di trasferimenti automatici.
type Trigger int

const (
	TriggerNone Trigger = iota
	// TriggerDownload: il server offre un download ZMODEM (ZRQINIT).
	TriggerDownload
	// TriggerUpload: il server chiede un upload ZMODEM (ZRINIT).
	TriggerUpload
	// TriggerXYHint: raffica di C/NAK — l'host sta probabilmente aspettando
	// un trasferimento X/YMODEM. Solo un indizio, mai un avvio automatico.
	TriggerXYHint
)

// detectWindow limita il buffer di confronto tra una lettura e l'altra.
const detectWindow = 64

// hintRun: quante C o NAK consecutive servono per l'indizio X/YMODEM.
const hintRun = 3

// Detector scandisce lo stream in ingresso alla ricerca dei marcatori di
// inizio trasferimento. Nessuno stato oltre la finestra di confronto; lo
// stream non viene mai modificato.
type Detector struct {
	window []byte
}

// Feed osserva i byte in arrivo e ritorna il trigger più forte trovato.
func (d *Detector) Feed(data []byte) Trigger {
	d.window = append(d.window, data...)
	if len(d.window) > detectWindow {
		d.window = d.window[len(d.window)-detectWindow:]
	}

	if bytes.Contains(d.window, zmodem.DownloadTrigger) {
		d.window = nil
		return TriggerDownload
	}
	if bytes.Contains(d.window, zmodem.UploadTrigger) {
		d.window = nil
		return TriggerUpload
	}
	if d.hasRun('C') || d.hasRun(0x15) {
		return TriggerXYHint
	}
	return TriggerNone
}

// Reset svuota la finestra (dopo un trasferimento o una riconnessione).
func (d *Detector) Reset() { d.window = nil }

func (d *Detector) hasRun(b byte) bool {
	run := 0
	for _, c := range d.window {
		if c == b {
			run++
			if run >= hintRun {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}
