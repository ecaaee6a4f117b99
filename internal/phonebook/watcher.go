package phonebook

import (
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch osserva il file della rubrica e invoca onChange a ogni modifica
// esterna, con un piccolo debounce per gli editor che scrivono in più passi.
// Ritorna una funzione di stop.
func Watch(path string, onChange func(*Book)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Si osserva la directory: molti editor fanno write-temp + rename e
	// l'inode del file cambia.
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		reload := func() {
			book, err := Load(path)
			if err != nil {
				log.Printf("[PHONEBOOK] ricarica fallita: %v", err)
				return
			}
			onChange(book)
		}
		for {
			select {
			case <-done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[PHONEBOOK] watcher: %v", err)
			}
		}
	}()

	return func() {
		close(done)
		w.Close()
	}, nil
}
