package store

import (
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// selfWriteWindow is how long after one of our own saves a filesystem event
// for that table is treated as an echo of the save rather than an edit.
const selfWriteWindow = 500 * time.Millisecond

// Watch reports the table name of every JSON table rewritten on disk by
// something other than this process's own temp-and-rename cycle. Events that
// land inside selfWriteWindow of a Save for the same table are dropped, so
// routine persistence does not echo back as a snapshot rebroadcast. Callers
// use it to rebroadcast snapshots after an operator edits a table by hand.
// The returned stop function releases the watcher.
func (s *Store) Watch(onChange func(table string)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case evt, ok := <-w.Events:
				if !ok {
					return
				}
				if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				name := filepath.Base(evt.Name)
				if !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".tmp") {
					continue
				}
				table := strings.TrimSuffix(name, ".json")
				if s.recentSelfWrite(table, selfWriteWindow) {
					continue
				}
				onChange(table)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[store] watcher error: %v", err)
			}
		}
	}()

	return func() { w.Close() }, nil
}
