package connection

import (
	"bytes"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// startServer apre un listener locale e passa la prima connessione a handle.
func startServer(t *testing.T, handle func(net.Conn)) *phonebook.Address {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	addr := &phonebook.Address{SystemName: "test", Host: host, Port: port, Connection: phonebook.ConnRaw}
	addr.Normalize()
	return addr
}

// waitEvent attende un evento del tipo dato.
func waitEvent(t *testing.T, c *Connection, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.EventCh:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("evento %d mai arrivato", want)
		}
	}
}

func TestFlussoDatiRaw(t *testing.T) {
	served := make(chan []byte, 1)
	addr := startServer(t, func(conn net.Conn) {
		conn.Write([]byte("benvenuto"))
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		served <- buf[:n]
		time.Sleep(200 * time.Millisecond)
	})

	c := New()
	if err := c.Connect(addr, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)

	var got []byte
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < 9 && time.Now().Before(deadline) {
		select {
		case chunk := <-c.DataCh:
			got = append(got, chunk...)
		case <-time.After(100 * time.Millisecond):
		}
	}
	if string(got) != "benvenuto" {
		t.Fatalf("ricevuto %q", got)
	}

	if err := c.Send([]byte("ciao")); err != nil {
		t.Fatal(err)
	}
	if sent := <-served; string(sent) != "ciao" {
		t.Fatalf("il server ha letto %q", sent)
	}

	c.Disconnect()
	waitEvent(t, c, EventDisconnected)
	if !c.IsDisconnected() {
		t.Fatal("stato non tornato a Disconnected")
	}
	if err := c.Send([]byte("x")); err != ErrNotConnected {
		t.Fatalf("Send da disconnesso: %v", err)
	}
}

// Scenario NAWS: alla IAC DO NAWS il client risponde WILL NAWS e riporta
// subito la finestra 80×25.
func TestTelnetNAWS(t *testing.T) {
	const (
		iac  = 255
		do   = 253
		will = 251
		sb   = 250
		se   = 240
		naws = 31
	)
	got := make(chan []byte, 1)
	addr := startServer(t, func(conn net.Conn) {
		conn.Write([]byte{iac, do, naws})
		buf := make([]byte, 64)
		total := make([]byte, 0, 64)
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for len(total) < 12 {
			n, err := conn.Read(buf)
			total = append(total, buf[:n]...)
			if err != nil {
				break
			}
		}
		got <- total
	})
	addr.Connection = phonebook.ConnTelnet
	addr.Screen = phonebook.ScreenMode{Cols: 80, Rows: 25}

	c := New()
	if err := c.Connect(addr, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)
	defer c.Disconnect()

	want := []byte{iac, will, naws, iac, sb, naws, 0x00, 0x50, 0x00, 0x19, iac, se}
	if reply := <-got; !bytes.Equal(reply, want) {
		t.Fatalf("risposta NAWS %v, attesa %v", reply, want)
	}
}

// Trasferimento XMODEM-CRC su una connessione vera: il motore possiede il
// trasporto, lo stato passa per TransferActive e torna a Connected.
func TestTrasferimentoSuConnessione(t *testing.T) {
	payload := bytes.Repeat([]byte{'A'}, 128)

	addr := startServer(t, func(conn net.Conn) {
		rd := func() byte {
			b := make([]byte, 1)
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			if _, err := conn.Read(b); err != nil {
				return 0
			}
			return b[0]
		}
		for rd() != 'C' {
		}
		block := append([]byte{0x01, 0x01, 0xFE}, payload...)
		crc := transfer.CRC16(payload, 0)
		block = append(block, byte(crc>>8), byte(crc))
		conn.Write(block)
		if rd() != 0x06 { // ACK
			return
		}
		conn.Write([]byte{0x04}) // EOT
		if rd() != 0x15 {        // NAK
			return
		}
		conn.Write([]byte{0x04})
		rd() // ACK finale
		time.Sleep(200 * time.Millisecond)
	})

	c := New()
	if err := c.Connect(addr, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)
	defer c.Disconnect()

	storage := transfer.NewMemStorage()
	st := transfer.NewState(transfer.XmodemCRC, transfer.Download)
	if err := c.StartFileTransfer(transfer.XmodemCRC, transfer.Download, st, nil, storage); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventTransferStarted)
	ev := waitEvent(t, c, EventTransferDone)
	if ev.Message != "" {
		t.Fatalf("trasferimento fallito: %s", ev.Message)
	}

	if got := storage.Files["xmodem.dat"]; !bytes.Equal(got, payload) {
		t.Fatalf("file: %d byte", len(got))
	}
	if snap := c.TransferState().Snapshot(); !snap.Finished {
		t.Fatalf("snapshot: %+v", snap)
	}
	if st, _ := c.StateNow(); st != Connected {
		t.Fatalf("stato dopo il trasferimento: %d", st)
	}
}
