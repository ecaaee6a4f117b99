package xmodem

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Il blocco 0 YMODEM trasporta i metadati del file in ASCII:
//
//	filename\0size mtime mode snum\0
//
// con size in decimale e mtime in ottale (secondi Unix). Il resto del blocco
// è riempito a zero.

// marshalBlockZero codifica i metadati di fd nel payload del blocco 0.
func marshalBlockZero(fd *transfer.FileDescriptor) []byte {
	name := strings.ReplaceAll(fd.Name, "\\", "/")

	var meta strings.Builder
	fmt.Fprintf(&meta, "%d", fd.Size)
	if !fd.ModTime.IsZero() {
		fmt.Fprintf(&meta, " %o", fd.ModTime.Unix())
	} else {
		meta.WriteString(" 0")
	}
	meta.WriteString(" 0 0")

	out := make([]byte, 0, len(name)+1+meta.Len()+1)
	out = append(out, []byte(name)...)
	out = append(out, 0)
	out = append(out, []byte(meta.String())...)
	out = append(out, 0)
	return out
}

// parseBlockZero decodifica il payload del blocco 0. Nome vuoto ⇒ blocco
// terminatore. I campi oltre il nome sono tutti opzionali.
func parseBlockZero(payload []byte) (name string, size int64, mtime time.Time) {
	nul := -1
	for i, b := range payload {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul <= 0 {
		return "", 0, time.Time{}
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
		if v, err := strconv.ParseInt(fields[0], 10, 64); err == nil && v >= 0 && v <= transfer.MaxFileSize {
			size = v
		}
	}
	if len(fields) > 1 {
		if v, err := strconv.ParseInt(fields[1], 8, 64); err == nil && v > 0 {
			mtime = time.Unix(v, 0)
		}
	}
	return name, size, mtime
}
