package controller

import (
	"errors"
	"fmt"
	"sync"

	"github.com/opencode-ai/inlinechat/internal/textmodel"
)

// ErrUnknownDocument is returned for documents that are not open.
var ErrUnknownDocument = errors.New("document is not open")

// DepsFunc builds the collaborators of the controller for doc.
type DepsFunc func(doc *textmodel.Model) Deps

// Registry owns one controller per open document.
type Registry struct {
	workspace *textmodel.Workspace
	deps      DepsFunc

	mu          sync.Mutex
	controllers map[string]*Controller
}

// NewRegistry creates a registry over the documents of ws.
func NewRegistry(ws *textmodel.Workspace, deps DepsFunc) *Registry {
	return &Registry{
		workspace:   ws,
		deps:        deps,
		controllers: make(map[string]*Controller),
	}
}

// ForDocument returns the controller of uri, creating it on first use.
func (r *Registry) ForDocument(uri string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.controllers[uri]; ok {
		return c, nil
	}
	doc, ok := r.workspace.Get(uri)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDocument, uri)
	}
	d := r.deps(doc)
	d.Registry = r
	c := New(doc, d)
	r.controllers[uri] = c
	return c, nil
}

// Lookup returns the controller of uri if one exists.
func (r *Registry) Lookup(uri string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.controllers[uri]
}

// Remove forgets the controller of uri. Closing a document pauses its
// session first.
func (r *Registry) Remove(uri string) {
	r.mu.Lock()
	c := r.controllers[uri]
	delete(r.controllers, uri)
	r.mu.Unlock()
	if c != nil {
		c.PauseSession()
	}
}
