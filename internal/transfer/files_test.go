package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"report.txt", "report.txt"},
		{"../../etc/passwd", "passwd"},
		{"dir\\sub\\file.bin", "file.bin"},
		{"", "download"},
		{"..", "download"},
		{".nascosto", "download"},
		{"spazi e simboli!.txt", "spazi_e_simboli_.txt"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, atteso %q", tc.in, got, tc.want)
		}
	}
}

func TestDiskStorageSuffissoNumerico(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "file.txt"), []byte("vecchio"), 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := NewDiskStorage(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.OpenFile("file.txt", 5, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.Append([]byte("nuovo")); err != nil {
		t.Fatal(err)
	}
	if err := d.Close(true); err != nil {
		t.Fatal(err)
	}

	if got := filepath.Base(d.LastPath()); got != "file.1.txt" {
		t.Fatalf("LastPath = %q, atteso file.1.txt", got)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "file.txt"))
	if string(data) != "vecchio" {
		t.Fatalf("il file esistente è stato toccato: %q", data)
	}
}

func TestDiskStorageSizeMismatch(t *testing.T) {
	d, err := NewDiskStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := d.OpenFile("corto.bin", 100, 0); err != nil {
		t.Fatal(err)
	}
	d.Append([]byte("pochi"))
	if err := d.Close(true); !errors.Is(err, ErrSizeMismatch) {
		t.Fatalf("Close = %v, atteso ErrSizeMismatch", err)
	}
}

func TestDiskStorageResume(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "grande.bin"), make([]byte, 4096), 0o644); err != nil {
		t.Fatal(err)
	}
	d, _ := NewDiskStorage(dir)

	if off := d.ResumeOffset("grande.bin", 8192); off != 4096 {
		t.Fatalf("ResumeOffset = %d, atteso 4096", off)
	}
	if off := d.ResumeOffset("grande.bin", 4096); off != 0 {
		t.Fatalf("file già completo: ResumeOffset = %d, atteso 0", off)
	}
	if off := d.ResumeOffset("assente.bin", 100); off != 0 {
		t.Fatalf("file assente: ResumeOffset = %d, atteso 0", off)
	}

	if err := d.OpenFile("grande.bin", 8192, 4096); err != nil {
		t.Fatal(err)
	}
	d.Append(make([]byte, 4096))
	if err := d.Close(true); err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(filepath.Join(dir, "grande.bin"))
	if info.Size() != 8192 {
		t.Fatalf("dimensione finale %d, attesa 8192", info.Size())
	}
}

func TestMemStorage(t *testing.T) {
	m := NewMemStorage()
	if err := m.OpenFile("a.txt", 3, 0); err != nil {
		t.Fatal(err)
	}
	m.Append([]byte("abc"))
	if err := m.Close(true); err != nil {
		t.Fatal(err)
	}
	if string(m.Files["a.txt"]) != "abc" {
		t.Fatalf("contenuto = %q", m.Files["a.txt"])
	}
}

func TestStateMonotono(t *testing.T) {
	st := NewState(Zmodem, Download)
	st.StartFile("f", 100, CRC32Type)
	st.Advance(10)
	st.Advance(-5) // ignorato
	st.SetPosition(4)
	snap := st.Snapshot()
	if snap.File.BytesTransferred != 10 {
		t.Fatalf("BytesTransferred = %d, atteso 10", snap.File.BytesTransferred)
	}
	st.SetPosition(50)
	if st.Snapshot().File.BytesTransferred != 50 {
		t.Fatal("SetPosition in avanti non applicato")
	}
}

func TestStateCancel(t *testing.T) {
	st := NewState(Xmodem, Upload)
	st.RequestCancel()
	if !st.Cancelled() {
		t.Fatal("flag di annullamento non alzato")
	}
	st.Finish(ErrCancelled)
	snap := st.Snapshot()
	if !snap.Finished || !snap.Cancelled {
		t.Fatalf("snapshot = %+v", snap)
	}
}
