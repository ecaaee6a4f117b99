package zmodem

import (
	"context"
	"fmt"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Config regola finestra, CRC e log dei motori ZMODEM.
type Config struct {
	// WindowSize è il massimo di byte non confermati in volo lato sender
	// (default 8 KiB).
	WindowSize int
	// LogFunc riceve il log diagnostico; può essere nil.
	LogFunc func(string)
	// Resume riapre i file parziali esistenti invece di rinominarli.
	Resume bool
}

func (c *Config) window() int {
	if c.WindowSize <= 0 {
		return DefaultWindow
	}
	return c.WindowSize
}

// Resumer è implementato dagli storage che sanno dire da quale offset
// riprendere un file interrotto.
type Resumer interface {
	ResumeOffset(name string, total int64) int64
}

// Receiver è la macchina a stati di ricezione:
// SendRInit → AwaitHeader → (ZFILE → AwaitData → ZEOF)* → ZFIN → Done.
type Receiver struct {
	cfg     Config
	link    transfer.DataLink
	state   *transfer.State
	storage transfer.StorageHandler
	fr      *frameReader

	useCRC32 bool
	written  int64
}

// NewReceiver prepara la ricezione di un batch ZMODEM.
func NewReceiver(cfg Config, link transfer.DataLink, st *transfer.State, storage transfer.StorageHandler) *Receiver {
	return &Receiver{
		cfg:     cfg,
		link:    link,
		state:   st,
		storage: storage,
		fr:      newFrameReader(link, cfg.LogFunc),
	}
}

// Run esegue la sessione fino a ZFIN, errore o annullamento.
func (r *Receiver) Run(ctx context.Context) error {
	err := r.run(ctx)
	if err != nil {
		if err == transfer.ErrCancelled {
			r.link.Write(CancelSeq)
		}
		r.storage.Close(false)
	}
	r.state.Finish(err)
	return err
}

func (r *Receiver) sendRInit() error {
	flags := CANFDX | CANOVIO | CANFC32
	return r.link.Write(BuildHexHeader(ZRINIT, 0, 0, 0, flags))
}

func (r *Receiver) run(ctx context.Context) error {
	if err := r.sendRInit(); err != nil {
		return err
	}

	retries := 0
	for {
		if r.state.Cancelled() || ctx.Err() != nil {
			return transfer.ErrCancelled
		}
		if retries > MaxRetries {
			r.link.Write(BuildHexHeader(ZABORT, 0, 0, 0, 0))
			return transfer.ErrRetriesExhausted
		}

		hdr, err := r.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC:
			r.state.BlockError()
			retries++
			r.link.Write(BuildHexHeader(ZNAK, 0, 0, 0, 0))
			continue
		case transfer.ErrTimeout:
			r.state.BlockError()
			retries++
			r.sendRInit()
			continue
		default:
			return err
		}
		retries = 0

		if hdr.Encoding == ZBIN32 {
			r.useCRC32 = true
		}

		switch hdr.Type {
		case ZRQINIT:
			if err := r.sendRInit(); err != nil {
				return err
			}

		case ZSINIT:
			// La stringa di attenzione non ci serve: consuma e conferma.
			if _, err := r.fr.readSubpacket(DataTimeout, r.useCRC32); err == nil {
				r.link.Write(BuildHexHeader(ZACK, 0, 0, 0, 0))
			} else {
				r.link.Write(BuildHexHeader(ZNAK, 0, 0, 0, 0))
			}

		case ZFILE:
			if err := r.onFile(ctx); err != nil {
				return err
			}

		case ZFIN:
			r.link.Write(BuildHexHeader(ZFIN, 0, 0, 0, 0))
			// "OO" finale del peer: best effort.
			r.link.ReadAvailable()
			r.cfg.logf("[RX] sessione completata")
			return nil

		case ZABORT, ZCAN:
			return transfer.ErrPeerCancelled

		default:
			r.cfg.logf("[RX] frame %s ignorato", FrameName(hdr.Type))
		}
	}
}

func (c *Config) logf(format string, args ...any) {
	if c.LogFunc != nil {
		c.LogFunc(fmt.Sprintf(format, args...))
	}
}

// onFile gestisce ZFILE: metadati, apertura storage (con eventuale resume),
// ZRPOS e fase dati fino allo ZEOF corrispondente.
func (r *Receiver) onFile(ctx context.Context) error {
	sp, err := r.fr.readSubpacket(DataTimeout, r.useCRC32)
	if err != nil {
		r.state.BlockError()
		return r.link.Write(BuildHexHeader(ZNAK, 0, 0, 0, 0))
	}

	name, size, _, err := parseFileInfo(sp.Payload)
	if err != nil {
		r.link.Write(BuildHexHeader(ZSKIP, 0, 0, 0, 0))
		return nil
	}

	var offset int64
	if r.cfg.Resume {
		if res, ok := r.storage.(Resumer); ok {
			offset = res.ResumeOffset(transfer.SanitizeName(name), size)
		}
	}
	if err := r.storage.OpenFile(name, size, offset); err != nil {
		r.link.Write(BuildHexPosHeader(ZFERR, 0))
		return err
	}
	r.written = offset
	r.state.StartFile(transfer.SanitizeName(name), size, r.checkType())
	r.state.SetPosition(offset)
	r.cfg.logf("[RX] ZFILE %s (%d byte) — riparto da %d", name, size, offset)

	if err := r.link.Write(BuildHexPosHeader(ZRPOS, uint32(offset))); err != nil {
		return err
	}
	return r.receiveData(ctx, size)
}

func (r *Receiver) checkType() transfer.CheckType {
	if r.useCRC32 {
		return transfer.CRC32Type
	}
	return transfer.CRC16Type
}

// receiveData consuma frame ZDATA e subpacket fino allo ZEOF con offset
// corrispondente, rispondendo ZRPOS sull'offset buono dopo ogni errore.
func (r *Receiver) receiveData(ctx context.Context, total int64) error {
	retries := 0
	for {
		if r.state.Cancelled() || ctx.Err() != nil {
			return transfer.ErrCancelled
		}
		if retries > MaxRetries {
			r.link.Write(BuildHexHeader(ZABORT, 0, 0, 0, 0))
			return transfer.ErrRetriesExhausted
		}

		hdr, err := r.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			r.state.BlockError()
			retries++
			r.fr.purge()
			r.link.Write(BuildHexPosHeader(ZRPOS, uint32(r.written)))
			continue
		default:
			return err
		}

		if hdr.Encoding == ZBIN32 {
			r.useCRC32 = true
		}

		switch hdr.Type {
		case ZDATA:
			if int64(hdr.Pos()) != r.written {
				r.cfg.logf("[RX] ZDATA a %d, atteso %d — ZRPOS", hdr.Pos(), r.written)
				r.state.BlockError()
				retries++
				r.fr.purge()
				r.link.Write(BuildHexPosHeader(ZRPOS, uint32(r.written)))
				continue
			}
			ok, err := r.drainSubpackets(ctx)
			if err != nil {
				return err
			}
			if ok {
				retries = 0
			} else {
				retries++
			}

		case ZEOF:
			if int64(hdr.Pos()) != r.written {
				r.state.BlockError()
				retries++
				r.link.Write(BuildHexPosHeader(ZRPOS, uint32(r.written)))
				continue
			}
			if err := r.storage.Close(true); err != nil {
				return err
			}
			r.cfg.logf("[RX] ZEOF a %d — file completo", r.written)
			return r.sendRInit()

		case ZFIN:
			// ZFIN durante la fase dati: il peer ha chiuso — torna al loop
			// principale rimettendo il frame a disposizione è inutile,
			// gestiscilo qui.
			r.link.Write(BuildHexHeader(ZFIN, 0, 0, 0, 0))
			return transfer.ErrPeerCancelled

		case ZCAN, ZABORT:
			return transfer.ErrPeerCancelled

		default:
			r.cfg.logf("[RX] frame %s inatteso in fase dati", FrameName(hdr.Type))
		}
	}
}

// drainSubpackets consuma i subpacket di un frame ZDATA. Ritorna false se la
// catena si è interrotta per CRC errato o timeout (già segnalato con ZRPOS).
func (r *Receiver) drainSubpackets(ctx context.Context) (bool, error) {
	for {
		if r.state.Cancelled() || ctx.Err() != nil {
			return false, transfer.ErrCancelled
		}
		sp, err := r.fr.readSubpacket(DataTimeout, r.useCRC32)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			r.state.BlockError()
			r.fr.purge()
			r.link.Write(BuildHexPosHeader(ZRPOS, uint32(r.written)))
			return false, nil
		default:
			return false, err
		}

		if err := r.storage.Append(sp.Payload); err != nil {
			r.link.Write(BuildHexPosHeader(ZFERR, uint32(r.written)))
			return false, err
		}
		r.written += int64(len(sp.Payload))
		r.state.SetPosition(r.written)

		switch sp.EndType {
		case ZCRCG:
			// continua senza ACK
		case ZCRCQ:
			r.link.Write(BuildHexPosHeader(ZACK, uint32(r.written)))
		case ZCRCW:
			r.link.Write(BuildHexPosHeader(ZACK, uint32(r.written)))
			return true, nil
		case ZCRCE:
			return true, nil
		}
	}
}
