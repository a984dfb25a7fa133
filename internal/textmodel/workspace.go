package textmodel

import (
	"sort"
	"sync"
)

// Workspace holds the open documents, keyed by URI.
type Workspace struct {
	mu     sync.RWMutex
	models map[string]*Model
}

// NewWorkspace creates an empty workspace.
func NewWorkspace() *Workspace {
	return &Workspace{models: make(map[string]*Model)}
}

// Open returns the document for uri, creating it with text when absent.
func (w *Workspace) Open(uri, text string) *Model {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m, ok := w.models[uri]; ok {
		return m
	}
	m := New(uri, text)
	w.models[uri] = m
	return m
}

// Get returns the open document for uri.
func (w *Workspace) Get(uri string) (*Model, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	m, ok := w.models[uri]
	return m, ok
}

// Close forgets a document.
func (w *Workspace) Close(uri string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.models, uri)
}

// URIs lists the open documents in sorted order.
func (w *Workspace) URIs() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	uris := make([]string, 0, len(w.models))
	for uri := range w.models {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	return uris
}
