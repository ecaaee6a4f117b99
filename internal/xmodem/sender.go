package xmodem

import (
	"context"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Sender trasmette uno o più file al peer.
type Sender struct {
	cfg   Config
	link  transfer.DataLink
	state *transfer.State
	files []*transfer.FileDescriptor

	useCRC    bool
	streaming bool
}

// NewSender prepara un sender per la variante cfg.Kind.
func NewSender(cfg Config, link transfer.DataLink, st *transfer.State, files []*transfer.FileDescriptor) *Sender {
	return &Sender{cfg: cfg, link: link, state: st, files: files}
}

// Run esegue la trasmissione fino al completamento, errore o annullamento.
func (s *Sender) Run(ctx context.Context) error {
	err := s.run(ctx)
	if err != nil {
		s.link.Write(cancelSeq)
	}
	for _, fd := range s.files {
		fd.Close()
	}
	s.state.Finish(err)
	return err
}

func (s *Sender) run(ctx context.Context) error {
	if len(s.files) == 0 {
		return transfer.ErrCancelled
	}

	if !s.cfg.batch() {
		fd := s.files[0]
		if err := s.awaitStart(ctx); err != nil {
			return err
		}
		s.startState(fd)
		return s.sendFile(ctx, fd)
	}

	// YMODEM: per ogni file blocco 0 + corpo; chiusura con blocco 0 vuoto.
	for _, fd := range s.files {
		if err := s.awaitStart(ctx); err != nil {
			return err
		}
		s.startState(fd)
		if err := s.sendBlockZero(ctx, marshalBlockZero(fd)); err != nil {
			return err
		}
		// Dopo il blocco 0 il receiver rilancia l'handshake per i dati.
		if err := s.awaitStart(ctx); err != nil {
			return err
		}
		if err := s.sendFile(ctx, fd); err != nil {
			return err
		}
	}

	if err := s.awaitStart(ctx); err != nil {
		return err
	}
	return s.sendBlockZero(ctx, make([]byte, blockSize))
}

func (s *Sender) startState(fd *transfer.FileDescriptor) {
	check := transfer.ChecksumType
	if s.useCRC {
		check = transfer.CRC16Type
	}
	s.state.StartFile(fd.Name, fd.Size, check)
}

// awaitStart aspetta il carattere di avvio del receiver e fissa la modalità
// di verifica: C ⇒ CRC, NAK ⇒ checksum, G ⇒ streaming CRC.
func (s *Sender) awaitStart(ctx context.Context) error {
	for attempt := 0; attempt < maxRetries; attempt++ {
		if aborted(ctx, s.state) {
			return transfer.ErrCancelled
		}
		b, err := s.link.ReadByte(ReadTimeout)
		if err == transfer.ErrTimeout {
			continue
		}
		if err != nil {
			return err
		}
		switch b {
		case CRQ:
			s.useCRC = true
			s.streaming = false
			return nil
		case GRQ:
			s.useCRC = true
			s.streaming = true
			return nil
		case NAK:
			s.useCRC = false
			s.streaming = false
			return nil
		case CAN:
			if b2, err := s.link.ReadByte(ReadTimeout); err == nil && b2 == CAN {
				return transfer.ErrPeerCancelled
			}
		}
		// ACK residui o rumore di linea: ignora e riprova.
	}
	return transfer.ErrRetriesExhausted
}

// sendBlockZero trasmette un blocco 0 YMODEM (sempre 128 byte, riempiti a
// zero; CRC16 o checksum secondo l'handshake).
func (s *Sender) sendBlockZero(ctx context.Context, payload []byte) error {
	body := make([]byte, blockSize)
	copy(body, payload)
	block := buildBlock(0, body, blockSize, s.useCRC)
	return s.sendWithRetry(ctx, block)
}

// sendFile trasmette il corpo di fd a blocchi, poi il rito EOT.
func (s *Sender) sendFile(ctx context.Context, fd *transfer.FileDescriptor) error {
	size := blockSize
	if s.cfg.use1k() {
		size = blockSize1k
	}

	buf := make([]byte, size)
	var offset int64
	num := byte(1)

	for offset < fd.Size {
		if aborted(ctx, s.state) {
			return transfer.ErrCancelled
		}
		n, err := fd.ReadAt(buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}

		// Coda corta: torna ai blocchi da 128 per non gonfiare il padding.
		bs := size
		if bs == blockSize1k && n <= blockSize {
			bs = blockSize
		}
		block := buildBlock(num, buf[:n], bs, s.useCRC)

		if s.streaming {
			if err := s.link.Write(block); err != nil {
				return err
			}
			// In -G un NAK o CAN asincrono è fatale: controlla senza bloccare.
			if junk, _ := s.link.ReadAvailable(); containsFatal(junk) {
				return transfer.ErrRetriesExhausted
			}
		} else {
			if err := s.sendWithRetry(ctx, block); err != nil {
				return err
			}
		}

		offset += int64(n)
		num++
		s.state.Advance(int64(n))
	}

	return s.sendEOT(ctx)
}

// sendWithRetry trasmette un blocco e attende ACK, ritrasmettendo su NAK.
func (s *Sender) sendWithRetry(ctx context.Context, block []byte) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if aborted(ctx, s.state) {
			return transfer.ErrCancelled
		}
		if err := s.link.Write(block); err != nil {
			return err
		}
		if s.streaming {
			return nil
		}
		b, err := s.link.ReadByte(ReadTimeout)
		if err == transfer.ErrTimeout {
			s.state.BlockError()
			continue
		}
		if err != nil {
			return err
		}
		switch b {
		case ACK:
			return nil
		case NAK:
			s.state.BlockError()
			s.cfg.log("[TX] NAK sul blocco %d — ritrasmetto", block[1])
		case CAN:
			if b2, err := s.link.ReadByte(ReadTimeout); err == nil && b2 == CAN {
				return transfer.ErrPeerCancelled
			}
		}
	}
	return transfer.ErrRetriesExhausted
}

// sendEOT esegue il rito di chiusura: EOT → NAK → EOT → ACK.
func (s *Sender) sendEOT(ctx context.Context) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if aborted(ctx, s.state) {
			return transfer.ErrCancelled
		}
		if err := s.link.Write([]byte{EOT}); err != nil {
			return err
		}
		if s.streaming {
			// In -G il receiver conferma l'EOT con un solo ACK.
			b, err := s.link.ReadByte(ReadTimeout)
			if err == nil && b == ACK {
				return nil
			}
			continue
		}
		b, err := s.link.ReadByte(ReadTimeout)
		if err == transfer.ErrTimeout {
			continue
		}
		if err != nil {
			return err
		}
		switch b {
		case ACK:
			return nil
		case NAK:
			// atteso al primo EOT: ripeti
		case CAN:
			if b2, err := s.link.ReadByte(ReadTimeout); err == nil && b2 == CAN {
				return transfer.ErrPeerCancelled
			}
		}
	}
	return transfer.ErrRetriesExhausted
}

func containsFatal(data []byte) bool {
	for _, b := range data {
		if b == NAK || b == CAN {
			return true
		}
	}
	return false
}
