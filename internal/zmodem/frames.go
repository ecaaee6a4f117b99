package zmodem

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// maxSubpacketLen limita il payload di un singolo subpacket.
const maxSubpacketLen = 8 * 1024

// maxGarbage: oltre questa soglia il buffer senza frame validi viene ridotto.
const maxGarbage = 4 * 1024

// frameReader accumula i byte del link e ne estrae header e subpacket,
// rilevando la sequenza di abort (5 CAN consecutivi).
type frameReader struct {
	link   transfer.DataLink
	buf    []byte
	canRun int
	log    func(string)
}

func newFrameReader(link transfer.DataLink, logf func(string)) *frameReader {
	if logf == nil {
		logf = func(string) {}
	}
	return &frameReader{link: link, log: logf}
}

// fill aggiunge al buffer almeno un byte entro timeout, più tutto quello già
// disponibile. Rileva l'abort del peer contando i CAN consecutivi.
func (fr *frameReader) fill(timeout time.Duration) error {
	b, err := fr.link.ReadByte(timeout)
	if err != nil {
		return err
	}
	fr.push(b)
	if avail, err := fr.link.ReadAvailable(); err == nil {
		for _, c := range avail {
			fr.push(c)
		}
	}
	if fr.canRun >= 5 {
		return transfer.ErrPeerCancelled
	}
	return nil
}

func (fr *frameReader) push(b byte) {
	if b == CAN {
		fr.canRun++
	} else if b != 0x08 { // i backspace della sequenza di abort non azzerano
		fr.canRun = 0
	}
	fr.buf = append(fr.buf, b)
}

// purge svuota buffer interno e input pendente (recupero errori).
func (fr *frameReader) purge() {
	fr.buf = fr.buf[:0]
	fr.link.Purge()
}

// trimGarbage taglia il rumore davanti al prossimo possibile inizio frame.
func (fr *frameReader) trimGarbage() {
	if len(fr.buf) < maxGarbage {
		return
	}
	for i := 1; i < len(fr.buf); i++ {
		if fr.buf[i] == ZPAD {
			fr.buf = fr.buf[i:]
			return
		}
	}
	fr.buf = fr.buf[:0]
}

// tryHeader prova a estrarre un header dal buffer corrente senza I/O.
func (fr *frameReader) tryHeader() (*Header, error) {
	hh, herr := ParseHexHeader(fr.buf)
	bh, berr := ParseBinHeader(fr.buf)
	// Con entrambi i formati nel buffer vince l'header che arriva prima.
	if herr == nil && berr == nil && bh.Consumed < hh.Consumed {
		herr = ErrIncomplete
	}
	if herr == nil {
		fr.buf = fr.buf[hh.Consumed:]
		return hh, nil
	} else if herr == ErrBadCRC {
		fr.dropFrame()
		return nil, ErrBadCRC
	}
	if h, err := bh, berr; err == nil {
		fr.buf = fr.buf[h.Consumed:]
		return h, nil
	} else if err == ErrBadCRC {
		fr.dropFrame()
		return nil, ErrBadCRC
	}
	return nil, ErrIncomplete
}

// dropFrame scarta l'inizio frame corrotto per riallinearsi al successivo.
func (fr *frameReader) dropFrame() {
	for i := 1; i < len(fr.buf); i++ {
		if fr.buf[i] == ZPAD {
			fr.buf = fr.buf[i:]
			return
		}
	}
	fr.buf = fr.buf[:0]
}

// readHeader estrae il prossimo header entro timeout complessivo.
// ErrBadCRC viene propagato al chiamante per la ritrasmissione.
func (fr *frameReader) readHeader(timeout time.Duration) (*Header, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := fr.tryHeader()
		if err == nil {
			fr.log(fmt.Sprintf("[ZMODEM] ← %s p=[%d,%d,%d,%d]", FrameName(h.Type), h.P0, h.P1, h.P2, h.P3))
			return h, nil
		}
		if err == ErrBadCRC {
			return nil, ErrBadCRC
		}
		fr.trimGarbage()
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, transfer.ErrTimeout
		}
		if err := fr.fill(remain); err != nil {
			return nil, err
		}
	}
}

// pollHeader estrae un header se già interamente disponibile, senza bloccare.
func (fr *frameReader) pollHeader() (*Header, error) {
	if avail, err := fr.link.ReadAvailable(); err == nil {
		for _, c := range avail {
			fr.push(c)
		}
	}
	if fr.canRun >= 5 {
		return nil, transfer.ErrPeerCancelled
	}
	h, err := fr.tryHeader()
	if err != nil {
		return nil, err
	}
	fr.log(fmt.Sprintf("[ZMODEM] ← %s p=[%d,%d,%d,%d]", FrameName(h.Type), h.P0, h.P1, h.P2, h.P3))
	return h, nil
}

// readSubpacket estrae il prossimo subpacket dati entro timeout.
func (fr *frameReader) readSubpacket(timeout time.Duration, crc32 bool) (*DataSubpacket, error) {
	deadline := time.Now().Add(timeout)
	for {
		sp, err := ParseDataSubpacket(fr.buf, crc32, maxSubpacketLen)
		if err == nil {
			fr.buf = fr.buf[sp.Consumed:]
			return sp, nil
		}
		if err == ErrBadCRC {
			return nil, ErrBadCRC
		}
		remain := time.Until(deadline)
		if remain <= 0 {
			return nil, transfer.ErrTimeout
		}
		if err := fr.fill(remain); err != nil {
			return nil, err
		}
	}
}

// ─────────────────────────────────────────────
// Subpacket ZFILE — metadati file
// ─────────────────────────────────────────────

// marshalFileInfo codifica i metadati per il subpacket ZFILE:
// "nome\0size mtime 0\0" con size decimale e mtime ottale.
func marshalFileInfo(fd *transfer.FileDescriptor) []byte {
	name := strings.ReplaceAll(fd.Name, "\\", "/")

	var meta strings.Builder
	fmt.Fprintf(&meta, "%d", fd.Size)
	if !fd.ModTime.IsZero() {
		fmt.Fprintf(&meta, " %o", fd.ModTime.Unix())
	} else {
		meta.WriteString(" 0")
	}
	meta.WriteString(" 0")

	out := make([]byte, 0, len(name)+meta.Len()+2)
	out = append(out, []byte(name)...)
	out = append(out, 0)
	out = append(out, []byte(meta.String())...)
	out = append(out, 0)
	return out
}

// parseFileInfo decodifica il subpacket ZFILE. I campi dopo il nome sono
// opzionali.
func parseFileInfo(payload []byte) (name string, size int64, mtime time.Time, err error) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul <= 0 {
		return "", 0, time.Time{}, fmt.Errorf("subpacket ZFILE senza nome")
	}
	name = string(payload[:nul])

	rest := payload[nul+1:]
	end := len(rest)
	for i, b := range rest {
		if b == 0 {
			end = i
			break
		}
	}
	fields := strings.Fields(string(rest[:end]))
	if len(fields) > 0 {
		if v, e := strconv.ParseInt(fields[0], 10, 64); e == nil && v >= 0 && v <= transfer.MaxFileSize {
			size = v
		}
	}
	if len(fields) > 1 {
		if v, e := strconv.ParseInt(fields[1], 8, 64); e == nil && v > 0 {
			mtime = time.Unix(v, 0)
		}
	}
	return name, size, mtime, nil
}
