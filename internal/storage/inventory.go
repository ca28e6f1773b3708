package storage

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Entry is one finished file in the media cache directory.
type Entry struct {
	Name      string    `json:"name"`
	MediaID   string    `json:"media_id"`
	Extension string    `json:"extension"`
	SizeBytes int64     `json:"size_bytes"`
	Modified  time.Time `json:"modified"`
}

// Inventory keeps an in-memory listing of the cache directory, updated from
// fsnotify events so the listing endpoint and metrics never walk the disk.
// It is an observer only: the directory itself stays the cache index.
type Inventory struct {
	dir string
	log zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	watcher *fsnotify.Watcher
	done    chan struct{}
	status  atomic.Value // string: "starting", "watching", "stopped", "error"
}

// NewInventory creates an inventory for dir. Call Start to scan and watch.
func NewInventory(dir string, log zerolog.Logger) *Inventory {
	inv := &Inventory{
		dir:     dir,
		log:     log.With().Str("component", "cache-inventory").Logger(),
		entries: make(map[string]Entry),
	}
	inv.status.Store("starting")
	return inv
}

// Start performs an initial scan and begins watching the directory.
func (inv *Inventory) Start() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		inv.status.Store("error")
		return err
	}
	if err := w.Add(inv.dir); err != nil {
		w.Close()
		inv.status.Store("error")
		return err
	}
	inv.watcher = w
	inv.done = make(chan struct{})

	if err := inv.Rescan(); err != nil {
		inv.log.Warn().Err(err).Msg("initial cache scan failed")
	}

	go inv.watchLoop()
	inv.status.Store("watching")

	count, size := inv.Totals()
	inv.log.Info().
		Str("dir", inv.dir).
		Int("entries", count).
		Int64("bytes", size).
		Msg("cache inventory watching")
	return nil
}

// Stop closes the watcher and waits for the event loop to exit.
func (inv *Inventory) Stop() {
	inv.status.Store("stopped")
	if inv.watcher != nil {
		inv.watcher.Close()
		<-inv.done
	}
}

// Status returns the watcher status for the health endpoint.
func (inv *Inventory) Status() string {
	s, _ := inv.status.Load().(string)
	return s
}

// Rescan rebuilds the listing from the directory contents.
func (inv *Inventory) Rescan() error {
	files, err := os.ReadDir(inv.dir)
	if err != nil {
		return err
	}
	next := make(map[string]Entry, len(files))
	for _, f := range files {
		if e, ok := inv.stat(f.Name()); ok {
			next[e.Name] = e
		}
	}
	inv.mu.Lock()
	inv.entries = next
	inv.mu.Unlock()
	return nil
}

// Entries returns a snapshot sorted by name.
func (inv *Inventory) Entries() []Entry {
	inv.mu.RLock()
	out := make([]Entry, 0, len(inv.entries))
	for _, e := range inv.entries {
		out = append(out, e)
	}
	inv.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Totals returns the number of entries and their combined size.
func (inv *Inventory) Totals() (int, int64) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	var size int64
	for _, e := range inv.entries {
		size += e.SizeBytes
	}
	return len(inv.entries), size
}

func (inv *Inventory) watchLoop() {
	defer close(inv.done)
	for {
		select {
		case ev, ok := <-inv.watcher.Events:
			if !ok {
				return
			}
			inv.handle(ev)
		case err, ok := <-inv.watcher.Errors:
			if !ok {
				return
			}
			inv.log.Warn().Err(err).Msg("fsnotify error")
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				if err := inv.Rescan(); err != nil {
					inv.log.Warn().Err(err).Msg("rescan after overflow failed")
				}
			}
		}
	}
}

func (inv *Inventory) handle(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)
	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		inv.mu.Lock()
		delete(inv.entries, name)
		inv.mu.Unlock()
	case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
		if e, ok := inv.stat(name); ok {
			inv.mu.Lock()
			inv.entries[name] = e
			inv.mu.Unlock()
		}
	}
}

func (inv *Inventory) stat(name string) (Entry, bool) {
	if IsPartialFile(name) {
		return Entry{}, false
	}
	id, ext, ok := SplitName(name)
	if !ok {
		return Entry{}, false
	}
	fi, err := os.Stat(filepath.Join(inv.dir, name))
	if err != nil || !fi.Mode().IsRegular() {
		return Entry{}, false
	}
	return Entry{
		Name:      name,
		MediaID:   id,
		Extension: ext,
		SizeBytes: fi.Size(),
		Modified:  fi.ModTime().UTC(),
	}, true
}
