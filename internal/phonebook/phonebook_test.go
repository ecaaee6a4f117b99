package phonebook

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAssente(t *testing.T) {
	book, err := Load(filepath.Join(t.TempDir(), "inesistente.json"))
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Addresses) != 0 {
		t.Fatalf("rubrica non vuota: %d voci", len(book.Addresses))
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonebook.json")
	book := &Book{path: path}
	book.Add(&Address{SystemName: "Alfa", Host: "alfa.example.org", Connection: ConnTelnet})
	book.Add(&Address{SystemName: "Beta", Host: "beta.example.org", Port: 2222, Connection: ConnSSH, UserName: "mario"})
	if err := book.Save(); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded.Addresses) != 2 {
		t.Fatalf("voci: %d", len(loaded.Addresses))
	}
	// L'ordine del file va preservato.
	if loaded.Addresses[0].SystemName != "Alfa" || loaded.Addresses[1].SystemName != "Beta" {
		t.Fatalf("ordine perso: %s, %s", loaded.Addresses[0].SystemName, loaded.Addresses[1].SystemName)
	}
	if loaded.Addresses[0].Port != 23 {
		t.Fatalf("porta default telnet: %d", loaded.Addresses[0].Port)
	}
	if loaded.Addresses[1].Port != 2222 {
		t.Fatalf("porta ssh: %d", loaded.Addresses[1].Port)
	}
}

func TestChiaviSconosciuteIgnorate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonebook.json")
	blob := `[{"id":1,"system_name":"X","address":"x.org","campo_futuro":42}]`
	if err := os.WriteFile(path, []byte(blob), 0o600); err != nil {
		t.Fatal(err)
	}
	book, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if book.Addresses[0].SystemName != "X" {
		t.Fatal("record non caricato")
	}
	if book.Addresses[0].Terminal != TermAnsi {
		t.Fatalf("terminale default: %q", book.Addresses[0].Terminal)
	}
}

func TestIDDuplicatiRiassegnati(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phonebook.json")
	blob := `[{"id":1,"system_name":"A","address":"a"},{"id":1,"system_name":"B","address":"b"}]`
	os.WriteFile(path, []byte(blob), 0o600)
	book, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if book.Addresses[0].ID == book.Addresses[1].ID {
		t.Fatalf("id duplicati: %d", book.Addresses[0].ID)
	}
}

func TestNextID(t *testing.T) {
	b := &Book{}
	b.Add(&Address{Host: "a"})
	b.Add(&Address{Host: "b"})
	b.Add(&Address{Host: "c"})
	if b.Addresses[2].ID != 3 {
		t.Fatalf("id = %d", b.Addresses[2].ID)
	}
	b.Remove(2)
	b.Add(&Address{Host: "d"})
	// Il buco lasciato da Remove viene riusato.
	if got := b.Addresses[2].ID; got != 2 {
		t.Fatalf("id riassegnato = %d", got)
	}
}

func TestParseDial(t *testing.T) {
	a := ParseDial("bbs.example.org:2323")
	if a.Host != "bbs.example.org" || a.Port != 2323 {
		t.Fatalf("%s:%d", a.Host, a.Port)
	}
	a = ParseDial("solohost")
	if a.Host != "solohost" || a.Port != 23 {
		t.Fatalf("%s:%d", a.Host, a.Port)
	}
	if a.Connection != ConnTelnet || a.Terminal != TermAnsi {
		t.Fatalf("default mancanti: %+v", a)
	}
}

func TestFindByHost(t *testing.T) {
	b := &Book{}
	b.Add(&Address{Host: "bbs.example.org", Port: 23})
	if b.FindByHost("BBS.EXAMPLE.ORG", 23) == nil {
		t.Fatal("ricerca case-insensitive fallita")
	}
	if b.FindByHost("bbs.example.org", 99) != nil {
		t.Fatal("porta diversa non filtrata")
	}
}
