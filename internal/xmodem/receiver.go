package xmodem

import (
	"context"
	"fmt"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Receiver scarica uno o più file dal peer.
type Receiver struct {
	cfg     Config
	link    transfer.DataLink
	state   *transfer.State
	storage transfer.StorageHandler

	useCRC   bool
	expected byte
	last     byte
	fileSize int64 // dimensione annunciata (solo YMODEM), 0 = ignota
}

// NewReceiver prepara un receiver per la variante cfg.Kind.
func NewReceiver(cfg Config, link transfer.DataLink, st *transfer.State, storage transfer.StorageHandler) *Receiver {
	return &Receiver{cfg: cfg, link: link, state: st, storage: storage}
}

// Run esegue la ricezione fino al completamento, errore o annullamento.
func (r *Receiver) Run(ctx context.Context) error {
	err := r.run(ctx)
	if err != nil {
		r.link.Write(cancelSeq)
		r.storage.Close(false)
	}
	r.state.Finish(err)
	return err
}

func (r *Receiver) run(ctx context.Context) error {
	if !r.cfg.batch() {
		check := transfer.ChecksumType
		if r.cfg.wantCRC() {
			check = transfer.CRC16Type
		}
		name := r.cfg.FileName
		if name == "" {
			name = "xmodem.dat"
		}
		if err := r.storage.OpenFile(name, 0, 0); err != nil {
			return err
		}
		r.state.StartFile(name, 0, check)
		if err := r.receiveFile(ctx, false); err != nil {
			return err
		}
		return r.storage.Close(false)
	}

	// YMODEM: sequenza di file, ognuno preceduto dal blocco 0, chiusa da un
	// blocco 0 tutto a zero.
	for {
		done, err := r.receiveBatchHeader(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := r.receiveFile(ctx, true); err != nil {
			return err
		}
		if r.fileSize > 0 && r.storage.Written() > r.fileSize {
			// YMODEM: il padding dell'ultimo blocco va oltre la dimensione
			// annunciata — riporta il file alla lunghezza vera.
			if err := r.storage.Truncate(r.fileSize); err != nil {
				return err
			}
		}
		if err := r.storage.Close(true); err != nil {
			return err
		}
	}
}

// handshake invia il carattere di avvio finché il primo byte del peer non
// arriva: C (CRC) per crcProbes tentativi, poi NAK (checksum); G in
// streaming.
func (r *Receiver) handshake(ctx context.Context) (byte, error) {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if aborted(ctx, r.state) {
			return 0, transfer.ErrCancelled
		}
		start := NAK
		switch {
		case r.cfg.streaming():
			start = GRQ
			r.useCRC = true
		case r.cfg.wantCRC() && attempt < crcProbes:
			start = CRQ
			r.useCRC = true
		default:
			r.useCRC = false
		}
		if !r.cfg.wantCRC() {
			start = NAK
			r.useCRC = false
		}
		r.cfg.log("[RX] avvio: invio %q (tentativo %d)", start, attempt+1)
		if err := r.link.Write([]byte{start}); err != nil {
			return 0, err
		}
		b, err := r.link.ReadByte(ReadTimeout)
		if err == nil {
			return b, nil
		}
		if err != transfer.ErrTimeout {
			return 0, err
		}
	}
	return 0, transfer.ErrRetriesExhausted
}

// receiveBatchHeader riceve e interpreta il blocco 0 YMODEM. Ritorna true
// sul blocco terminatore (nome vuoto).
func (r *Receiver) receiveBatchHeader(ctx context.Context) (bool, error) {
	r.expected = 0
	r.last = 0xFF
	first, err := r.handshake(ctx)
	if err != nil {
		return false, err
	}

	retries := 0
	for {
		payload, num, err := r.readBlock(first)
		switch {
		case err == errGotEOT:
			// EOT inatteso al posto del blocco 0: sessione chiusa dal peer.
			r.link.Write([]byte{ACK})
			return true, nil
		case err == errPeerCancel:
			return false, transfer.ErrPeerCancelled
		case err != nil:
			r.state.BlockError()
			retries++
			if r.cfg.streaming() || retries > maxRetries {
				return false, wrapRetry(err)
			}
			r.link.Write([]byte{NAK})
			first, err = r.link.ReadByte(ReadTimeout)
			if err != nil {
				return false, err
			}
			continue
		}
		if num != 0 {
			return false, transfer.ErrBlockSequence
		}

		name, size, mtime := parseBlockZero(payload)
		if name == "" {
			// Terminatore batch.
			r.link.Write([]byte{ACK})
			r.cfg.log("[RX] blocco 0 terminatore — batch completato")
			return true, nil
		}

		r.fileSize = size
		r.state.StartFile(name, size, transfer.CRC16Type)
		if err := r.storage.OpenFile(name, size, 0); err != nil {
			return false, err
		}
		r.cfg.log("[RX] blocco 0: %s (%d byte, mtime %v)", name, size, mtime)
		if !r.cfg.streaming() {
			r.link.Write([]byte{ACK})
		}
		return false, nil
	}
}

// receiveFile riceve i blocchi dati fino all'EOT confermato.
func (r *Receiver) receiveFile(ctx context.Context, batch bool) error {
	r.expected = 1
	r.last = 0

	first, err := r.handshake(ctx)
	if err != nil {
		return err
	}

	retries := 0
	sawEOT := false
	var lastPayload []byte

	for {
		if aborted(ctx, r.state) {
			return transfer.ErrCancelled
		}

		payload, num, err := r.readBlock(first)
		switch {
		case err == errGotEOT:
			if !sawEOT && !r.cfg.streaming() {
				// Primo EOT: rispondi NAK e pretendi la conferma.
				sawEOT = true
				r.link.Write([]byte{NAK})
			} else {
				r.link.Write([]byte{ACK})
				if r.cfg.TrimCtrlZ && !batch {
					trimPadding(r.storage, lastPayload)
				}
				r.cfg.log("[RX] EOT confermato: %d byte", r.storage.Written())
				return nil
			}
		case err == errPeerCancel:
			return transfer.ErrPeerCancelled
		case err != nil:
			sawEOT = false
			r.state.BlockError()
			retries++
			if r.cfg.streaming() {
				return wrapRetry(err)
			}
			if retries > maxRetries {
				return wrapRetry(err)
			}
			r.link.Write([]byte{NAK})
		default:
			sawEOT = false
			switch {
			case num == r.expected:
				if err := r.storage.Append(payload); err != nil {
					return err
				}
				r.state.Advance(int64(len(payload)))
				lastPayload = payload
				r.last = num
				r.expected = num + 1
				retries = 0
				if !r.cfg.streaming() {
					r.link.Write([]byte{ACK})
				}
			case num == r.last:
				// Duplicato dell'ultimo blocco confermato: ri-ACK senza
				// riscrivere.
				r.cfg.log("[RX] blocco %d duplicato — ri-ACK", num)
				if !r.cfg.streaming() {
					r.link.Write([]byte{ACK})
				}
			default:
				return transfer.ErrBlockSequence
			}
		}

		first, err = r.link.ReadByte(ReadTimeout)
		if err != nil {
			return err
		}
	}
}

var (
	errGotEOT     = fmt.Errorf("EOT")
	errPeerCancel = fmt.Errorf("CAN CAN")
	errBadBlock   = fmt.Errorf("blocco corrotto")
)

// readBlock legge un blocco a partire dal byte iniziale già consumato.
// Ritorna errGotEOT / errPeerCancel per i terminatori, errBadBlock per
// intestazione o verifica invalide.
func (r *Receiver) readBlock(first byte) ([]byte, byte, error) {
	switch first {
	case EOT:
		return nil, 0, errGotEOT
	case CAN:
		if b, err := r.link.ReadByte(ReadTimeout); err == nil && b == CAN {
			return nil, 0, errPeerCancel
		}
		return nil, 0, errBadBlock
	case SOH, STX:
	default:
		return nil, 0, errBadBlock
	}

	size := blockSize
	if first == STX {
		size = blockSize1k
	}

	hdr, err := readFull(r.link, 2, ReadTimeout)
	if err != nil {
		return nil, 0, err
	}
	num, inv := hdr[0], hdr[1]
	if num != ^inv {
		return nil, 0, errBadBlock
	}

	body, err := readFull(r.link, size+checkLen(r.useCRC), ReadTimeout)
	if err != nil {
		return nil, 0, err
	}
	payload, check := body[:size], body[size:]
	if !verifyBlock(payload, check, r.useCRC) {
		return nil, 0, errBadBlock
	}
	return payload, num, nil
}

// trimPadding toglie i SUB finali dell'ultimo blocco (modalità testo CP/M).
func trimPadding(storage transfer.StorageHandler, lastPayload []byte) {
	pad := 0
	for i := len(lastPayload) - 1; i >= 0 && lastPayload[i] == SUB; i-- {
		pad++
	}
	if pad > 0 {
		storage.Truncate(storage.Written() - int64(pad))
	}
}

func wrapRetry(err error) error {
	if err == errBadBlock {
		return transfer.ErrRetriesExhausted
	}
	if err == transfer.ErrTimeout {
		return transfer.ErrRetriesExhausted
	}
	return err
}
