// Client da terminale per BBS: componi un host della rubrica (o quello
// passato sulla riga di comando), il flusso dell'host scorre sul terminale
// locale in raw mode, e i trasferimenti ZMODEM partono da soli quando il
// server li offre. Ctrl-] apre il mini-menu (download, upload, cattura,
// uscita).
package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/rj45lab/bbs-term-go/internal/connection"
	"github.com/rj45lab/bbs-term-go/internal/options"
	"github.com/rj45lab/bbs-term-go/internal/phonebook"
	"github.com/rj45lab/bbs-term-go/internal/session"
	"github.com/rj45lab/bbs-term-go/internal/transfer"
)

// menuKey apre il mini-menu locale (Ctrl-]).
const menuKey = 0x1D

func main() {
	log.SetFlags(log.Ltime)
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "errore:", err)
		os.Exit(1)
	}
}

func run() error {
	optPath, err := options.DefaultPath()
	if err != nil {
		return err
	}
	opts, err := options.Load(optPath)
	if err != nil {
		return err
	}

	pbPath, err := phonebook.DefaultPath()
	if err != nil {
		return err
	}
	book, err := phonebook.Load(pbPath)
	if err != nil {
		return err
	}
	stopWatch, err := phonebook.Watch(pbPath, func(b *phonebook.Book) {
		log.Printf("[MAIN] rubrica ricaricata: %d voci", len(b.Addresses))
		book = b
	})
	if err == nil {
		defer stopWatch()
	}

	addr, err := pickAddress(book, opts)
	if err != nil {
		return err
	}

	conn := connection.New()
	sess := session.New(conn, addr, opts)
	sess.OnBeep = func() { os.Stdout.Write([]byte{0x07}) }

	addr.MarkCall()
	if book.Get(addr.ID) != nil {
		if err := book.Save(); err != nil {
			log.Printf("[MAIN] salvataggio rubrica: %v", err)
		}
	}

	timeout := time.Duration(opts.ConnectTimeout) * time.Second
	if err := conn.Connect(addr, timeout); err != nil {
		return err
	}

	// Terminale locale in raw mode: i tasti passano all'host senza cottura.
	fd := int(os.Stdin.Fd())
	var restore func()
	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		restore = func() { term.Restore(fd, old) }
		defer restore()
	}

	keys := make(chan byte, 64)
	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				close(keys)
				return
			}
			if n > 0 {
				keys <- buf[0]
			}
		}
	}()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case data := <-conn.DataCh:
			os.Stdout.Write(sess.ProcessInbound(data))

		case ev := <-conn.EventCh:
			sess.HandleEvent(ev)
			switch ev.Type {
			case connection.EventConnected:
				log.Printf("[MAIN] connesso a %s", ev.Message)
			case connection.EventDisconnected:
				if ev.Message != "" {
					log.Printf("[MAIN] disconnesso: %s", ev.Message)
				}
				return nil
			case connection.EventError:
				return fmt.Errorf("connessione: %s", ev.Message)
			case connection.EventTransferStarted:
				log.Printf("[MAIN] trasferimento %s avviato", ev.Message)
			case connection.EventTransferDone:
				if ev.Message != "" {
					log.Printf("[MAIN] trasferimento terminato: %s", ev.Message)
				} else {
					log.Printf("[MAIN] trasferimento completato")
				}
			}

		case b, ok := <-keys:
			if !ok {
				conn.Disconnect()
				return nil
			}
			if b == menuKey {
				if quit := localMenu(sess, restore); quit {
					conn.Disconnect()
					return nil
				}
				continue
			}
			if sess.Mode() == session.ModeTerminal {
				conn.Send([]byte{b})
			}

		case <-ticker.C:
			reportProgress(conn)
		}
	}
}

// pickAddress risolve il bersaglio: argomento host[:porta] (riusando la voce
// di rubrica se combacia) oppure la prima voce della rubrica.
func pickAddress(book *phonebook.Book, opts *options.Options) (*phonebook.Address, error) {
	if len(os.Args) > 1 {
		dial := phonebook.ParseDial(os.Args[1])
		if known := book.FindByHost(dial.Host, dial.Port); known != nil {
			return known, nil
		}
		dial.Screen = phonebook.ScreenMode{Cols: opts.WindowCols, Rows: opts.WindowRows}
		return dial, nil
	}
	if len(book.Addresses) > 0 {
		return book.Addresses[0], nil
	}
	return nil, fmt.Errorf("nessun host: uso: %s host[:porta]", os.Args[0])
}

// lastProgress evita di ristampare lo stesso avanzamento.
var lastProgress int64 = -1

func reportProgress(conn *connection.Connection) {
	st := conn.TransferState()
	if st == nil {
		return
	}
	snap := st.Snapshot()
	if snap.Finished || snap.File.Name == "" || snap.File.BytesTransferred == lastProgress {
		return
	}
	lastProgress = snap.File.BytesTransferred
	fmt.Fprintf(os.Stderr, "\r[%s] %s: %d/%d byte (errori %d)   ",
		snap.Protocol, snap.File.Name, snap.File.BytesTransferred, snap.File.TotalSize, snap.Errors)
}

// localMenu sospende il raw mode e chiede un comando. Ritorna true per
// uscire dal client.
func localMenu(sess *session.Session, restore func()) bool {
	sess.EnterSettings()
	defer sess.LeaveSettings()
	if restore != nil {
		restore()
	}
	defer func() {
		if restore != nil {
			fd := int(os.Stdin.Fd())
			if old, err := term.MakeRaw(fd); err == nil {
				_ = old
			}
		}
	}()

	fmt.Fprintf(os.Stderr, "\n-- menu: [d]ownload [x|xck|x1k|xg|y|yg|z]  [u]pload <file...>  [c]attura  [x] annulla  [q] esci  [invio] torna --\n> ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return true
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "q":
		return true
	case "d":
		kind := parseKind(fields, 1)
		if err := sess.StartDownload(kind); err != nil {
			fmt.Fprintln(os.Stderr, "download:", err)
		}
	case "u":
		if len(fields) < 2 {
			fmt.Fprintln(os.Stderr, "uso: u <file> [file...]")
			break
		}
		kind := transfer.Zmodem
		if err := sess.StartUpload(kind, fields[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "upload:", err)
		}
	case "x":
		sess.CancelTransfer()
	case "c":
		if sess.CaptureActive() {
			sess.DisableCapture()
			fmt.Fprintln(os.Stderr, "cattura disattivata")
		} else {
			path := sess.Opts.CaptureFilename
			if len(fields) > 1 {
				path = fields[1]
			}
			if path == "" {
				fmt.Fprintln(os.Stderr, "uso: c <file>")
				break
			}
			if err := sess.EnableCapture(path); err != nil {
				fmt.Fprintln(os.Stderr, "cattura:", err)
			} else {
				fmt.Fprintln(os.Stderr, "cattura su", path)
			}
		}
	}
	return false
}

// parseKind legge la sigla protocollo (x, x1k, xg, y, yg, z) dal comando.
func parseKind(fields []string, idx int) transfer.Kind {
	if len(fields) <= idx {
		return transfer.Zmodem
	}
	switch strings.ToLower(fields[idx]) {
	case "x":
		return transfer.XmodemCRC
	case "xck":
		return transfer.Xmodem
	case "x1k":
		return transfer.Xmodem1k
	case "xg":
		return transfer.Xmodem1kG
	case "y":
		return transfer.Ymodem
	case "yg":
		return transfer.YmodemG
	default:
		return transfer.Zmodem
	}
}
