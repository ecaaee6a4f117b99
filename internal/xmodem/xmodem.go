// Package xmodem implementa la famiglia XMODEM (checksum, CRC, 1K, -G) e
// YMODEM (batch con blocco 0, -G) come macchine a stati bloccanti sul canale
// dati esclusivo concesso dal facade di connessione.
//
// Struttura blocco: SOH|STX, numero, ~numero, 128|1024 byte di payload,
// checksum a 1 byte oppure CRC16 a 2 byte.
package xmodem

import (
	"context"
	"fmt"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// Byte di controllo del protocollo.
const (
	SOH byte = 0x01 // blocco da 128 byte
	STX byte = 0x02 // blocco da 1024 byte
	EOT byte = 0x04
	ACK byte = 0x06
	NAK byte = 0x15
	CAN byte = 0x18
	SUB byte = 0x1A // padding CP/M
	CRQ byte = 'C'  // richiesta modalità CRC
	GRQ byte = 'G'  // richiesta modalità streaming
)

const (
	blockSize  = 128
	blockSize1k = 1024

	// ReadTimeout è il timeout di protocollo per ogni lettura.
	ReadTimeout = 10 * time.Second
	// maxRetries è il numero massimo di tentativi per blocco.
	maxRetries = 10
	// crcProbes: quante volte chiedere CRC prima del fallback a checksum.
	crcProbes = 3
)

// cancelSeq interrompe il peer: due CAN consecutivi bastano per XMODEM.
var cancelSeq = []byte{CAN, CAN}

// Config regola la variante di protocollo in uso.
type Config struct {
	Kind transfer.Kind
	// LogFunc riceve il log diagnostico del motore; può essere nil.
	LogFunc func(string)
	// TrimCtrlZ rimuove i SUB finali dell'ultimo blocco (solo modalità testo
	// CP/M; default disattivato).
	TrimCtrlZ bool
	// FileName è il nome locale per le varianti XMODEM, che non trasportano
	// metadati (default "xmodem.dat").
	FileName string
}

func (c *Config) log(format string, args ...any) {
	if c.LogFunc != nil {
		c.LogFunc(fmt.Sprintf(format, args...))
	}
}

// streaming: variante -G, nessun ACK per blocco, errore ⇒ abort.
func (c *Config) streaming() bool {
	return c.Kind == transfer.Xmodem1kG || c.Kind == transfer.YmodemG
}

// batch: varianti YMODEM con blocco 0 e continuazione multi-file.
func (c *Config) batch() bool {
	return c.Kind == transfer.Ymodem || c.Kind == transfer.YmodemG
}

// wantCRC: tutte le varianti tranne l'XMODEM classico a checksum.
func (c *Config) wantCRC() bool {
	return c.Kind != transfer.Xmodem
}

// use1k: il sender può usare blocchi STX da 1024 byte.
func (c *Config) use1k() bool {
	switch c.Kind {
	case transfer.Xmodem1k, transfer.Xmodem1kG, transfer.Ymodem, transfer.YmodemG:
		return true
	}
	return false
}

// checkLen ritorna la lunghezza del campo di verifica.
func checkLen(crc bool) int {
	if crc {
		return 2
	}
	return 1
}

// verifyBlock controlla il campo d'integrità di un payload.
func verifyBlock(payload, check []byte, crc bool) bool {
	if crc {
		want := transfer.CRC16(payload, 0)
		return len(check) == 2 && uint16(check[0])<<8|uint16(check[1]) == want
	}
	return len(check) == 1 && check[0] == transfer.Checksum(payload)
}

// buildBlock costruisce un blocco completo pronto alla trasmissione.
// Il payload viene riempito con SUB fino alla dimensione del blocco.
func buildBlock(num byte, payload []byte, size int, crc bool) []byte {
	out := make([]byte, 0, 3+size+2)
	start := SOH
	if size == blockSize1k {
		start = STX
	}
	out = append(out, start, num, ^num)

	body := make([]byte, size)
	copy(body, payload)
	for i := len(payload); i < size; i++ {
		body[i] = SUB
	}
	out = append(out, body...)

	if crc {
		v := transfer.CRC16(body, 0)
		out = append(out, byte(v>>8), byte(v))
	} else {
		out = append(out, transfer.Checksum(body))
	}
	return out
}

// readFull legge esattamente n byte dal link entro timeout complessivo.
func readFull(link transfer.DataLink, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(buf) < n {
		remain := time.Until(deadline)
		if remain <= 0 {
			return buf, transfer.ErrTimeout
		}
		b, err := link.ReadByte(remain)
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
	}
	return buf, nil
}

// aborted centralizza il controllo di annullamento (utente o contesto).
func aborted(ctx context.Context, st *transfer.State) bool {
	return st.Cancelled() || ctx.Err() != nil
}
