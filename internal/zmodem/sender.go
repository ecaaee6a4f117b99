package zmodem

import (
	"context"
	"errors"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Sender è la macchina a stati di trasmissione:
// SendRQInit → AwaitRInit → (ZFILE → AwaitFileResponse → SendData →
// ZEOF → AwaitEOFAck)* → ZFIN → Done.
type Sender struct {
	cfg   Config
	link  transfer.DataLink
	state *transfer.State
	files []*transfer.FileDescriptor
	fr    *frameReader

	useCRC32 bool
	acked    int64 // ultimo offset confermato dal receiver
}

// NewSender prepara l'invio di un batch ZMODEM.
func NewSender(cfg Config, link transfer.DataLink, st *transfer.State, files []*transfer.FileDescriptor) *Sender {
	return &Sender{
		cfg:   cfg,
		link:  link,
		state: st,
		files: files,
		fr:    newFrameReader(link, cfg.LogFunc),
	}
}

// Run esegue la sessione fino al completamento, errore o annullamento.
func (s *Sender) Run(ctx context.Context) error {
	err := s.run(ctx)
	if err != nil && err != transfer.ErrPeerCancelled {
		s.link.Write(CancelSeq)
	}
	for _, fd := range s.files {
		fd.Close()
	}
	s.state.Finish(err)
	return err
}

func (s *Sender) cancelled(ctx context.Context) bool {
	return s.state.Cancelled() || ctx.Err() != nil
}

func (s *Sender) run(ctx context.Context) error {
	if err := s.awaitRInit(ctx); err != nil {
		return err
	}

	for _, fd := range s.files {
		s.state.StartFile(fd.Name, fd.Size, s.checkType())
		if err := s.sendOneFile(ctx, fd); err != nil {
			return err
		}
	}

	return s.finish(ctx)
}

func (s *Sender) checkType() transfer.CheckType {
	if s.useCRC32 {
		return transfer.CRC32Type
	}
	return transfer.CRC16Type
}

// awaitRInit annuncia la sessione con ZRQINIT e aspetta lo ZRINIT del
// receiver, fissando la modalità CRC dalla maschera di capacità.
func (s *Sender) awaitRInit(ctx context.Context) error {
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if s.cancelled(ctx) {
			return transfer.ErrCancelled
		}
		if err := s.link.Write(BuildHexHeader(ZRQINIT, 0, 0, 0, 0)); err != nil {
			return err
		}
		hdr, err := s.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			s.state.BlockError()
			continue
		default:
			return err
		}
		switch hdr.Type {
		case ZRINIT:
			s.useCRC32 = hdr.P3&CANFC32 != 0
			s.cfg.logf("[TX] ZRINIT: CRC32=%v", s.useCRC32)
			return nil
		case ZCAN, ZABORT:
			return transfer.ErrPeerCancelled
		case ZCHALLENGE:
			// Rispecchia il valore per superare la verifica.
			s.link.Write(BuildHexPosHeader(ZACK, hdr.Pos()))
		}
	}
	return transfer.ErrRetriesExhausted
}

// sendOneFile gestisce ZFILE, la risposta del receiver e la fase dati.
func (s *Sender) sendOneFile(ctx context.Context, fd *transfer.FileDescriptor) error {
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if s.cancelled(ctx) {
			return transfer.ErrCancelled
		}

		frame := BuildBinHeader(ZFILE, 0, 0, 0, 0, s.useCRC32)
		frame = append(frame, BuildDataSubpacket(marshalFileInfo(fd), ZCRCW, s.useCRC32)...)
		if err := s.link.Write(frame); err != nil {
			return err
		}
		s.cfg.logf("[TX] ZFILE %s (%d byte)", fd.Name, fd.Size)

		hdr, err := s.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			s.state.BlockError()
			continue
		default:
			return err
		}

		switch hdr.Type {
		case ZRPOS:
			return s.sendData(ctx, fd, int64(hdr.Pos()))
		case ZSKIP:
			s.cfg.logf("[TX] ZSKIP — %s rifiutato dal receiver", fd.Name)
			return nil
		case ZCRC:
			// CRC-32 della regione richiesta (0 ⇒ file intero) per la
			// verifica di resume.
			length := int64(hdr.Pos())
			if length == 0 || length > fd.Size {
				length = fd.Size
			}
			crc, err := s.fileCRC(fd, length)
			if err != nil {
				return err
			}
			s.link.Write(BuildHexPosHeader(ZCRC, crc))
			attempt--
		case ZRINIT, ZNAK:
			s.state.BlockError()
		case ZFIN:
			s.link.Write(BuildHexHeader(ZFIN, 0, 0, 0, 0))
			return transfer.ErrPeerCancelled
		case ZCAN, ZABORT:
			return transfer.ErrPeerCancelled
		}
	}
	return transfer.ErrRetriesExhausted
}

// fileCRC calcola il CRC-32 dei primi length byte del file.
func (s *Sender) fileCRC(fd *transfer.FileDescriptor, length int64) (uint32, error) {
	var crc uint32
	buf := make([]byte, BlockSize)
	for off := int64(0); off < length; {
		chunk := int64(len(buf))
		if length-off < chunk {
			chunk = length - off
		}
		n, err := fd.ReadAt(buf[:chunk], off)
		if err != nil {
			return 0, err
		}
		if n == 0 {
			break
		}
		crc = transfer.CRC32(buf[:n], crc)
		off += int64(n)
	}
	return crc, nil
}

// sendData trasmette i dati da offset con finestra di byte non confermati;
// ZRPOS del receiver riposiziona la trasmissione, ZACK avanza la finestra.
func (s *Sender) sendData(ctx context.Context, fd *transfer.FileDescriptor, offset int64) error {
	pos := offset
	s.acked = offset
	s.state.SetPosition(pos)
	window := int64(s.cfg.window())
	retries := 0

	buf := make([]byte, BlockSize)

restart:
	for retries <= MaxRetries {
		s.cfg.logf("[TX] ZDATA da %d", pos)
		if err := s.link.Write(BuildBinPosHeader(ZDATA, uint32(pos), s.useCRC32)); err != nil {
			return err
		}
		if pos >= fd.Size {
			// File vuoto o già completo: chiudi il frame con un subpacket
			// ZCRCE senza payload.
			if err := s.link.Write(BuildDataSubpacket(nil, ZCRCE, s.useCRC32)); err != nil {
				return err
			}
		}

		for pos < fd.Size {
			if s.cancelled(ctx) {
				return transfer.ErrCancelled
			}

			// Interruzioni asincrone dal receiver (ZRPOS, ZACK, abort).
			if hdr, err := s.fr.pollHeader(); err == nil {
				switch hdr.Type {
				case ZRPOS:
					pos = int64(hdr.Pos())
					s.acked = pos
					retries++
					s.state.BlockError()
					continue restart
				case ZACK:
					s.advanceWindow(int64(hdr.Pos()))
				case ZCAN, ZABORT:
					return transfer.ErrPeerCancelled
				}
			} else if err == transfer.ErrPeerCancelled {
				return transfer.ErrPeerCancelled
			}

			// Finestra piena: aspetta un ACK prima di proseguire.
			if pos-s.acked >= window {
				if err := s.awaitWindow(ctx, &pos); err != nil {
					if err == errRewound {
						retries++
						continue restart
					}
					return err
				}
			}

			n, err := fd.ReadAt(buf, pos)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}

			endType := ZCRCG
			switch {
			case pos+int64(n) >= fd.Size:
				endType = ZCRCE
			case pos+int64(n)-s.acked >= window:
				endType = ZCRCQ
			}
			if err := s.link.Write(BuildDataSubpacket(buf[:n], endType, s.useCRC32)); err != nil {
				return err
			}
			pos += int64(n)
			s.state.SetPosition(pos)
		}

		// ZEOF e attesa della risposta del receiver.
		if err := s.link.Write(BuildHexPosHeader(ZEOF, uint32(pos))); err != nil {
			return err
		}
		hdr, err := s.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			s.state.BlockError()
			retries++
			continue restart
		default:
			return err
		}
		switch hdr.Type {
		case ZRINIT:
			s.cfg.logf("[TX] file completato a %d", pos)
			return nil
		case ZRPOS:
			pos = int64(hdr.Pos())
			s.acked = pos
			s.state.BlockError()
			retries++
			continue restart
		case ZCAN, ZABORT:
			return transfer.ErrPeerCancelled
		default:
			retries++
		}
	}
	return transfer.ErrRetriesExhausted
}

var errRewound = errors.New("zmodem: trasmissione riavvolta")

// advanceWindow aggiorna l'offset confermato (mai all'indietro).
func (s *Sender) advanceWindow(ack int64) {
	if ack > s.acked {
		s.acked = ack
	}
}

// awaitWindow blocca finché il receiver non libera la finestra. Un ZRPOS
// riavvolge pos e ritorna errRewound per far ripartire il frame ZDATA.
func (s *Sender) awaitWindow(ctx context.Context, pos *int64) error {
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if s.cancelled(ctx) {
			return transfer.ErrCancelled
		}
		hdr, err := s.fr.readHeader(DataTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			// Nessun ACK in tempo: ritrasmetti dall'ultimo offset confermato.
			s.state.BlockError()
			*pos = s.acked
			return errRewound
		default:
			return err
		}
		switch hdr.Type {
		case ZACK:
			s.advanceWindow(int64(hdr.Pos()))
			if *pos-s.acked < int64(s.cfg.window()) {
				return nil
			}
		case ZRPOS:
			*pos = int64(hdr.Pos())
			s.acked = *pos
			return errRewound
		case ZCAN, ZABORT:
			return transfer.ErrPeerCancelled
		}
	}
	return transfer.ErrRetriesExhausted
}

// finish chiude la sessione: ZFIN, attesa dello ZFIN del receiver, "OO".
func (s *Sender) finish(ctx context.Context) error {
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if s.cancelled(ctx) {
			return transfer.ErrCancelled
		}
		if err := s.link.Write(BuildHexHeader(ZFIN, 0, 0, 0, 0)); err != nil {
			return err
		}
		hdr, err := s.fr.readHeader(HeaderTimeout)
		switch err {
		case nil:
		case ErrBadCRC, transfer.ErrTimeout:
			s.state.BlockError()
			continue
		default:
			return err
		}
		if hdr.Type == ZFIN {
			s.link.Write([]byte("OO"))
			s.cfg.logf("[TX] sessione completata")
			return nil
		}
	}
	return transfer.ErrRetriesExhausted
}
