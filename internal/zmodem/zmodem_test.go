package zmodem

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// pipeEnd è un capo di un byte-pipe in memoria per i test di loopback.
type pipeEnd struct {
	in  chan byte
	out chan byte
}

func newPipe() (a, b *pipeEnd) {
	ab := make(chan byte, 1<<18)
	ba := make(chan byte, 1<<18)
	return &pipeEnd{in: ba, out: ab}, &pipeEnd{in: ab, out: ba}
}

func (p *pipeEnd) ReadByte(timeout time.Duration) (byte, error) {
	select {
	case b := <-p.in:
		return b, nil
	case <-time.After(timeout):
		return 0, transfer.ErrTimeout
	}
}

func (p *pipeEnd) ReadAvailable() ([]byte, error) {
	var out []byte
	for {
		select {
		case b := <-p.in:
			out = append(out, b)
		default:
			return out, nil
		}
	}
}

func (p *pipeEnd) Write(data []byte) error {
	for _, b := range data {
		p.out <- b
	}
	return nil
}

func (p *pipeEnd) Purge() {
	for {
		select {
		case <-p.in:
		default:
			return
		}
	}
}

// ─────────────────────────────────────────────
// Round-trip del framing
// ─────────────────────────────────────────────

func TestHexHeaderRoundTrip(t *testing.T) {
	for _, ftype := range []byte{ZRQINIT, ZRINIT, ZRPOS, ZEOF, ZFIN, ZACK} {
		for _, params := range [][4]byte{
			{0, 0, 0, 0},
			{0x12, 0x34, 0x56, 0x78},
			{0xFF, 0xFF, 0xFF, 0xFF},
		} {
			raw := BuildHexHeader(ftype, params[0], params[1], params[2], params[3])
			h, err := ParseHexHeader(raw)
			if err != nil {
				t.Fatalf("%s %v: %v", FrameName(ftype), params, err)
			}
			if h.Type != ftype || h.P0 != params[0] || h.P1 != params[1] ||
				h.P2 != params[2] || h.P3 != params[3] {
				t.Fatalf("%s: decodificato %+v", FrameName(ftype), h)
			}
			if h.Consumed != len(raw) {
				t.Fatalf("%s: consumati %d/%d", FrameName(ftype), h.Consumed, len(raw))
			}
		}
	}
}

func TestBinHeaderRoundTrip(t *testing.T) {
	for _, crc32 := range []bool{false, true} {
		// 0x18 nei parametri obbliga l'escaping dentro l'header.
		raw := BuildBinHeader(ZDATA, 0x18, 0x11, 0x00, 0x91, crc32)
		h, err := ParseBinHeader(raw)
		if err != nil {
			t.Fatalf("crc32=%v: %v", crc32, err)
		}
		if h.Type != ZDATA || h.P0 != 0x18 || h.P1 != 0x11 || h.P2 != 0x00 || h.P3 != 0x91 {
			t.Fatalf("crc32=%v: %+v", crc32, h)
		}
		wantEnc := byte(ZBIN)
		if crc32 {
			wantEnc = ZBIN32
		}
		if h.Encoding != wantEnc {
			t.Fatalf("encoding = %#02x", h.Encoding)
		}
	}
}

func TestHexHeaderCRCErrato(t *testing.T) {
	raw := BuildHexHeader(ZRINIT, 1, 2, 3, 4)
	raw[8] ^= 0x01 // corrompi una cifra hex dei parametri
	if _, err := ParseHexHeader(raw); err != ErrBadCRC {
		t.Fatalf("err = %v, atteso ErrBadCRC", err)
	}
}

func TestEscapeRoundTrip(t *testing.T) {
	all := make([]byte, 0, 512)
	for i := 0; i < 256; i++ {
		all = append(all, byte(i))
	}
	// CR preceduto da '@': il caso della protezione Telenet.
	all = append(all, '@', 0x0D, '@', 0x8D, 0xC0, 0x0D)

	if got := Unescape(Escape(all)); !bytes.Equal(got, all) {
		t.Fatalf("round-trip divergente: %d byte vs %d", len(got), len(all))
	}
}

func TestSubpacketRoundTrip(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i * 3)
	}
	for _, crc32 := range []bool{false, true} {
		for _, end := range []byte{ZCRCE, ZCRCG, ZCRCQ, ZCRCW} {
			raw := BuildDataSubpacket(payload, end, crc32)
			sp, err := ParseDataSubpacket(raw, crc32, maxSubpacketLen)
			if err != nil {
				t.Fatalf("end=%#02x crc32=%v: %v", end, crc32, err)
			}
			if sp.EndType != end || !bytes.Equal(sp.Payload, payload) {
				t.Fatalf("end=%#02x: payload %d byte, endType %#02x", end, len(sp.Payload), sp.EndType)
			}
		}
	}
}

func TestSubpacketCRCErrato(t *testing.T) {
	raw := BuildDataSubpacket([]byte("dati"), ZCRCE, true)
	raw[1] ^= 0x01
	if _, err := ParseDataSubpacket(raw, true, maxSubpacketLen); err != ErrBadCRC {
		t.Fatalf("err = %v, atteso ErrBadCRC", err)
	}
}

func TestFileInfoRoundTrip(t *testing.T) {
	fd := transfer.MemFileDescriptor("dati.bin", make([]byte, 4096))
	fd.ModTime = time.Unix(1234567890, 0)
	name, size, mtime, err := parseFileInfo(marshalFileInfo(fd))
	if err != nil {
		t.Fatal(err)
	}
	if name != "dati.bin" || size != 4096 || !mtime.Equal(fd.ModTime) {
		t.Fatalf("name=%q size=%d mtime=%v", name, size, mtime)
	}
}

func TestTriggerPatterns(t *testing.T) {
	if !bytes.Contains([]byte("rz\r**\x18B00000000000000\r\n"), DownloadTrigger) {
		t.Fatal("pattern di download non riconosciuto nello ZRQINIT")
	}
	raw := BuildHexHeader(ZRQINIT, 0, 0, 0, 0)
	if !bytes.Contains(raw, DownloadTrigger) {
		t.Fatalf("ZRQINIT costruito senza pattern: %q", raw)
	}
	rinit := BuildHexHeader(ZRINIT, 0, 0, 0, 0)
	if !bytes.Contains(rinit, UploadTrigger) {
		t.Fatalf("ZRINIT costruito senza pattern: %q", rinit)
	}
}

// ─────────────────────────────────────────────
// Loopback sender ↔ receiver
// ─────────────────────────────────────────────

func runLoopback(t *testing.T, files []*transfer.FileDescriptor, storage transfer.StorageHandler, cfg Config) (*transfer.State, *transfer.State) {
	t.Helper()
	rxEnd, txEnd := newPipe()

	txState := transfer.NewState(transfer.Zmodem, transfer.Upload)
	rxState := transfer.NewState(transfer.Zmodem, transfer.Download)
	tx := NewSender(cfg, txEnd, txState, files)
	rx := NewReceiver(cfg, rxEnd, rxState, storage)

	txDone := make(chan error, 1)
	rxDone := make(chan error, 1)
	go func() { txDone <- tx.Run(context.Background()) }()
	go func() { rxDone <- rx.Run(context.Background()) }()

	if err := <-rxDone; err != nil {
		t.Fatalf("receiver: %v", err)
	}
	if err := <-txDone; err != nil {
		t.Fatalf("sender: %v", err)
	}
	return txState, rxState
}

func TestLoopbackFileSingolo(t *testing.T) {
	content := make([]byte, 3000)
	for i := range content {
		content[i] = byte(i * 13)
	}
	fd := transfer.MemFileDescriptor("dati.bin", content)
	storage := transfer.NewMemStorage()

	txState, rxState := runLoopback(t, []*transfer.FileDescriptor{fd}, storage, Config{})

	if got := storage.Files["dati.bin"]; !bytes.Equal(got, content) {
		t.Fatalf("contenuto divergente: %d byte", len(got))
	}
	if snap := rxState.Snapshot(); snap.File.BytesTransferred != 3000 {
		t.Fatalf("receiver: %+v", snap.File)
	}
	if snap := txState.Snapshot(); !snap.Finished {
		t.Fatalf("sender non concluso: %+v", snap)
	}
}

func TestLoopbackBatch(t *testing.T) {
	a := transfer.MemFileDescriptor("a.txt", []byte("abc"))
	b := transfer.MemFileDescriptor("b.bin", bytes.Repeat([]byte{0x18, 0x11, 0xFF, 0x42}, 500))
	storage := transfer.NewMemStorage()

	runLoopback(t, []*transfer.FileDescriptor{a, b}, storage, Config{})

	if got := storage.Files["a.txt"]; !bytes.Equal(got, []byte("abc")) {
		t.Fatalf("a.txt = %q", got)
	}
	if got := storage.Files["b.bin"]; len(got) != 2000 {
		t.Fatalf("b.bin: %d byte", len(got))
	}
}

func TestLoopbackFileVuoto(t *testing.T) {
	fd := transfer.MemFileDescriptor("vuoto.bin", nil)
	storage := transfer.NewMemStorage()
	runLoopback(t, []*transfer.FileDescriptor{fd}, storage, Config{})
	if got, ok := storage.Files["vuoto.bin"]; !ok || len(got) != 0 {
		t.Fatalf("file vuoto: %v, %d byte", ok, len(got))
	}
}

// Scenario resume: il receiver ha già 4096 byte di un file da 8192. Deve
// rispondere allo ZFILE con ZRPOS(4096) e il sender ripartire da lì.
func TestLoopbackResume(t *testing.T) {
	content := make([]byte, 8192)
	for i := range content {
		content[i] = byte(i ^ (i >> 8))
	}
	fd := transfer.MemFileDescriptor("grande.bin", content)

	storage := transfer.NewMemStorage()
	storage.Files["grande.bin"] = append([]byte(nil), content[:4096]...)

	_, rxState := runLoopback(t, []*transfer.FileDescriptor{fd}, storage, Config{Resume: true})

	got := storage.Files["grande.bin"]
	if len(got) != 8192 || !bytes.Equal(got, content) {
		t.Fatalf("resume fallito: %d byte", len(got))
	}
	if crc := transfer.CRC32(got, 0); crc != transfer.CRC32(content, 0) {
		t.Fatal("CRC finale divergente")
	}
	if snap := rxState.Snapshot(); snap.File.BytesTransferred != 8192 {
		t.Fatalf("BytesTransferred = %d", snap.File.BytesTransferred)
	}
}

// ─────────────────────────────────────────────
// Annullamento
// ─────────────────────────────────────────────

func TestSequenzaAnnullamento(t *testing.T) {
	// 5 CAN + 8 backspace, come da specifica del protocollo.
	canCount, bsCount := 0, 0
	for _, b := range CancelSeq {
		switch b {
		case CAN:
			canCount++
		case 0x08:
			bsCount++
		}
	}
	if canCount != 5 || bsCount != 8 {
		t.Fatalf("CancelSeq: %d CAN, %d BS", canCount, bsCount)
	}
}

func TestAbortDelPeerRilevato(t *testing.T) {
	client, server := newPipe()
	fr := newFrameReader(client, nil)
	server.Write(CancelSeq)
	if _, err := fr.readHeader(time.Second); err != transfer.ErrPeerCancelled {
		t.Fatalf("err = %v, atteso ErrPeerCancelled", err)
	}
}

func TestAnnullamentoUtenteEmetteCancel(t *testing.T) {
	client, server := newPipe()
	st := transfer.NewState(transfer.Zmodem, transfer.Download)
	st.RequestCancel()
	rx := NewReceiver(Config{}, client, st, transfer.NewMemStorage())

	if err := rx.Run(context.Background()); err != transfer.ErrCancelled {
		t.Fatalf("Run = %v", err)
	}
	out, _ := server.ReadAvailable()
	if !bytes.Contains(out, CancelSeq) {
		t.Fatalf("sequenza di annullamento assente: %v", out)
	}
	if snap := st.Snapshot(); !snap.Cancelled {
		t.Fatalf("snapshot: %+v", snap)
	}
}
