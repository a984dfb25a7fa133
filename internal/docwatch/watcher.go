// Package docwatch keeps open documents in sync with their files on disk.
package docwatch

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Closer forgets the controller of a document. *controller.Registry
// implements it; closing pauses the document's session.
type Closer interface {
	Remove(uri string)
}

// Watcher reloads documents whose files change on disk and closes documents
// whose files are removed.
type Watcher struct {
	watcher   *fsnotify.Watcher
	workspace *textmodel.Workspace
	closer    Closer
	bus       *event.Bus
	log       zerolog.Logger

	mu      sync.Mutex
	files   map[string]string // path -> uri
	dirs    map[string]int
	written map[string]string // path -> text last saved by us
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewWatcher creates a watcher over ws. closer and bus may be nil.
func NewWatcher(ws *textmodel.Workspace, closer Closer, bus *event.Bus) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:   w,
		workspace: ws,
		closer:    closer,
		bus:       bus,
		log:       logging.Component("docwatch"),
		files:     make(map[string]string),
		dirs:      make(map[string]int),
		written:   make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}, nil
}

// URIFromPath returns the file URI of path.
func URIFromPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}

// PathFromURI returns the file path of a file URI.
func PathFromURI(uri string) (string, bool) {
	rest, ok := strings.CutPrefix(uri, "file://")
	if !ok {
		return "", false
	}
	return filepath.FromSlash(rest), true
}

// Open reads path into the workspace and starts watching it.
func (w *Watcher) Open(path string) (*textmodel.Model, error) {
	uri, err := URIFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := w.workspace.Open(uri, string(data))
	if err := w.Watch(uri); err != nil {
		return nil, err
	}
	return doc, nil
}

// Watch starts watching the file behind uri. The parent directory is
// watched so editors that replace files on save are followed.
func (w *Watcher) Watch(uri string) error {
	path, ok := PathFromURI(uri)
	if !ok {
		return errors.New("not a file uri: " + uri)
	}
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
	}
	w.dirs[dir]++
	w.files[path] = uri
	w.log.Debug().Str("path", path).Msg("watching document")
	return nil
}

// Unwatch stops watching the file behind uri.
func (w *Watcher) Unwatch(uri string) {
	path, ok := PathFromURI(uri)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unwatchLocked(path)
}

func (w *Watcher) unwatchLocked(path string) {
	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	delete(w.written, path)
	dir := filepath.Dir(path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.watcher.Remove(dir)
	}
}

// Save writes the document text of uri to its file. The resulting file
// event is not treated as an external change.
func (w *Watcher) Save(uri string) error {
	path, ok := PathFromURI(uri)
	if !ok {
		return errors.New("not a file uri: " + uri)
	}
	doc, ok := w.workspace.Get(uri)
	if !ok {
		return errors.New("document is not open: " + uri)
	}
	text := doc.Text()
	w.mu.Lock()
	w.written[path] = text
	w.mu.Unlock()
	return os.WriteFile(path, []byte(text), 0644)
}

// Start begins processing file events.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.run()
}

func (w *Watcher) run() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("document watcher error")
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	w.mu.Lock()
	uri, ok := w.files[path]
	w.mu.Unlock()
	if !ok {
		return
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// an atomic save shows up as rename followed by create
		if _, err := os.Stat(path); err == nil {
			w.reload(path, uri)
			return
		}
		w.closeDocument(path, uri)
	case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
		w.reload(path, uri)
	}
}

// reload applies the file content to the document as an external edit.
func (w *Watcher) reload(path, uri string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Debug().Err(err).Str("path", path).Msg("cannot read changed document")
		return
	}
	doc, ok := w.workspace.Get(uri)
	if !ok {
		return
	}
	text := string(data)

	w.mu.Lock()
	ours := w.written[path] == text
	w.mu.Unlock()
	if ours || doc.Text() == text {
		return
	}

	edit := doc.EditTo(text)
	doc.PushStackElement()
	if err := doc.ApplyEdits([]types.TextEdit{edit}); err != nil {
		w.log.Warn().Err(err).Str("uri", uri).Msg("failed to apply external change")
		return
	}
	doc.PushStackElement()
	w.log.Debug().Str("uri", uri).Msg("document changed on disk")
	w.publish(event.DocumentChangedData{URI: uri})
}

func (w *Watcher) closeDocument(path, uri string) {
	w.mu.Lock()
	w.unwatchLocked(path)
	w.mu.Unlock()

	if w.closer != nil {
		w.closer.Remove(uri)
	}
	w.workspace.Close(uri)
	w.log.Info().Str("uri", uri).Msg("document removed on disk")
	w.publish(event.DocumentChangedData{URI: uri, Deleted: true})
}

func (w *Watcher) publish(data event.DocumentChangedData) {
	if w.bus != nil {
		w.bus.Publish(event.Event{Type: event.DocumentChanged, Data: data})
	}
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()

	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	if started {
		<-w.doneCh
	}
	return w.watcher.Close()
}
