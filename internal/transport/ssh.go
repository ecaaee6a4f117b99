package transport

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/rj45lab/bbs-term-go/internal/phonebook"
)

// SSH apre un singolo canale interattivo (pty + shell) dopo l'autenticazione
// con le credenziali del record. Le pipe della sessione non hanno deadline:
// le letture passano dal pumpReader.
type SSH struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   interface{ Write([]byte) (int, error) }
	pump    *pumpReader
}

func (s *SSH) Name() string { return "SSH" }

func (s *SSH) Connect(addr *phonebook.Address, timeout time.Duration) error {
	cfg := &ssh.ClientConfig{
		User: addr.UserName,
		Auth: []ssh.AuthMethod{
			ssh.Password(addr.Password),
		},
		// Le BBS cambiano host key di continuo; la verifica resta al sysop.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	client, err := ssh.Dial("tcp", addr.Dial(), cfg)
	if err != nil {
		return fmt.Errorf("ssh %s: %w", addr.Dial(), err)
	}

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          0,
		ssh.TTY_OP_ISPEED: 38400,
		ssh.TTY_OP_OSPEED: 38400,
	}
	if err := session.RequestPty(terminalName(addr.Terminal), addr.Screen.Rows, addr.Screen.Cols, modes); err != nil {
		session.Close()
		client.Close()
		return err
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return err
	}

	if err := session.Shell(); err != nil {
		session.Close()
		client.Close()
		return err
	}

	s.client = client
	s.session = session
	s.stdin = stdin
	s.pump = newPumpReader()
	go s.pump.pumpFrom(stdout)
	return nil
}

func (s *SSH) ReadAvailable() ([]byte, error) {
	if s.pump == nil {
		return nil, ErrClosed
	}
	return s.pump.readAvailable()
}

func (s *SSH) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	if s.pump == nil {
		return nil, ErrClosed
	}
	return s.pump.readExact(n, timeout)
}

func (s *SSH) Write(p []byte) (int, error) {
	if s.stdin == nil {
		return 0, ErrClosed
	}
	return s.stdin.Write(p)
}

// SetSize propaga il cambio di dimensione della finestra al pty remoto.
func (s *SSH) SetSize(cols, rows int) error {
	if s.session == nil {
		return ErrClosed
	}
	return s.session.WindowChange(rows, cols)
}

func (s *SSH) Close() error {
	if s.session != nil {
		s.session.Close()
		s.session = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
