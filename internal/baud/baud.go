// Package baud implementa l'emulazione delle velocità di linea storiche:
// un token bucket ricaricato dal tempo reale che dosa i byte in consegna al
// terminale. Non scarta mai byte, li rimanda soltanto.
package baud

import (
	"sync"
	"time"
)

// Rates elenca le velocità supportate; 0 = emulazione disattivata.
var Rates = []int{0, 300, 600, 1200, 2400, 4800, 9600, 19200, 38400}

// Pacer dosa la consegna a rate/8 byte al secondo. Con rate 0 è un
// pass-through puro.
type Pacer struct {
	mu      sync.Mutex
	rate    int
	bucket  float64
	last    time.Time
	pending []byte
}

// NewPacer crea un pacer alla velocità data (0 = off).
func NewPacer(rate int) *Pacer {
	return &Pacer{rate: normalize(rate), last: time.Now()}
}

func normalize(rate int) int {
	for _, r := range Rates {
		if r == rate {
			return rate
		}
	}
	return 0
}

// SetRate cambia la velocità a runtime. I byte in coda restano in coda.
func (p *Pacer) SetRate(rate int) {
	p.mu.Lock()
	p.rate = normalize(rate)
	p.bucket = 0
	p.last = time.Now()
	p.mu.Unlock()
}

// Rate ritorna la velocità corrente.
func (p *Pacer) Rate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Push accoda data e ritorna i byte consegnabili adesso.
func (p *Pacer) Push(data []byte) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.rate == 0 && len(p.pending) == 0 {
		return data
	}
	p.pending = append(p.pending, data...)
	return p.takeLocked()
}

// Pull ritorna i byte maturati dall'ultima chiamata; vuoto se il bucket è a
// secco o non c'è nulla in coda.
func (p *Pacer) Pull() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.takeLocked()
}

// Backlog ritorna quanti byte aspettano ancora il loro turno.
func (p *Pacer) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Pacer) takeLocked() []byte {
	if len(p.pending) == 0 {
		return nil
	}
	if p.rate == 0 {
		out := p.pending
		p.pending = nil
		return out
	}

	// Ricarica il bucket con i byte maturati dall'ultimo prelievo.
	now := time.Now()
	bps := float64(p.rate) / 8.0
	p.bucket += now.Sub(p.last).Seconds() * bps
	p.last = now
	// Il credito accumulato da fermi non supera un burst di un secondo.
	if p.bucket > bps {
		p.bucket = bps
	}

	n := int(p.bucket)
	if n <= 0 {
		return nil
	}
	if n > len(p.pending) {
		n = len(p.pending)
	}
	p.bucket -= float64(n)

	out := p.pending[:n]
	p.pending = p.pending[n:]
	if len(p.pending) == 0 {
		p.pending = nil
	}
	return out
}
