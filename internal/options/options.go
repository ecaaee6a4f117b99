// Package options gestisce le impostazioni del client, persistite come JSON
// nella directory di configurazione dell'utente. Chiavi sconosciute ignorate,
// chiavi mancanti ai default.
package options

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Scaling è il filtro di ridimensionamento del renderer esterno.
type Scaling string

const (
	ScalingNearest Scaling = "Nearest"
	ScalingLinear  Scaling = "Linear"
)

// PostProcessing è l'effetto video del renderer esterno.
type PostProcessing string

const (
	PostNone PostProcessing = "None"
	PostCRT1 PostProcessing = "CRT1"
)

// FileName è il nome del file opzioni nella directory di configurazione.
const FileName = "options.json"

// Options è il record unico delle impostazioni.
type Options struct {
	ConnectTimeout  int            `json:"connect_timeout"` // secondi
	IEMSIAutoLogin  bool           `json:"iemsi_autologin"`
	ConsoleBeep     bool           `json:"console_beep"`
	CaptureFilename string         `json:"capture_filename,omitempty"`
	Scaling         Scaling        `json:"scaling"`
	PostProcessing  PostProcessing `json:"post_processing"`
	DownloadDir     string         `json:"download_dir,omitempty"`
	WindowCols      int            `json:"window_cols"`
	WindowRows      int            `json:"window_rows"`
}

// Default ritorna le impostazioni di fabbrica.
func Default() *Options {
	return &Options{
		ConnectTimeout: 10,
		IEMSIAutoLogin: true,
		ConsoleBeep:    true,
		Scaling:        ScalingNearest,
		PostProcessing: PostNone,
		WindowCols:     80,
		WindowRows:     25,
	}
}

// DefaultPath ritorna il percorso standard del file opzioni.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "bbs-term", FileName), nil
}

// Load legge le opzioni da path sopra i default. File assente ⇒ default.
func Load(path string) (*Options, error) {
	opts := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, fmt.Errorf("lettura opzioni %q: %w", path, err)
	}
	if err := json.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("opzioni %q malformate: %w", path, err)
	}
	opts.normalize()
	return opts, nil
}

func (o *Options) normalize() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10
	}
	if o.Scaling != ScalingLinear {
		o.Scaling = ScalingNearest
	}
	if o.PostProcessing != PostCRT1 {
		o.PostProcessing = PostNone
	}
	if o.WindowCols <= 0 {
		o.WindowCols = 80
	}
	if o.WindowRows <= 0 {
		o.WindowRows = 25
	}
}

// Save scrive le opzioni in modo atomico (tmp + rename).
func (o *Options) Save(path string) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
