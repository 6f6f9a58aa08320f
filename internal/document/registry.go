package document

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const LanguageRuby = "ruby"

var ErrNotOpen = errors.New("document not open")

type Document struct {
	URI        string     `json:"uri"`
	Path       string     `json:"path"`
	LanguageID string     `json:"language_id"`
	Version    int        `json:"version"`
	OpenedAt   time.Time  `json:"opened_at"`
	SavedAt    *time.Time `json:"saved_at,omitempty"`
}

// Lintable reports whether rubocop should inspect the document.
func (d Document) Lintable() bool {
	if strings.EqualFold(d.LanguageID, LanguageRuby) {
		return true
	}
	return IsRubyPath(d.Path)
}

func IsRubyPath(path string) bool {
	base := filepath.Base(path)
	switch base {
	case "Gemfile", "Rakefile", "Guardfile", "Capfile", "config.ru":
		return true
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".rb", ".rake", ".gemspec", ".ru", ".jbuilder":
		return true
	}
	return false
}

// Registry tracks documents the editor currently has open.
type Registry struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewRegistry() *Registry {
	return &Registry{docs: make(map[string]*Document)}
}

func (r *Registry) Open(pathOrURI, languageID string) (Document, error) {
	uri, err := NormalizeURI(pathOrURI)
	if err != nil {
		return Document{}, err
	}
	path, err := pathOf(uri)
	if err != nil {
		return Document{}, err
	}
	languageID = strings.TrimSpace(languageID)
	if languageID == "" && IsRubyPath(path) {
		languageID = LanguageRuby
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.docs[uri]; ok {
		d.Version++
		if languageID != "" {
			d.LanguageID = languageID
		}
		return *d, nil
	}
	d := &Document{
		URI:        uri,
		Path:       path,
		LanguageID: languageID,
		Version:    1,
		OpenedAt:   time.Now().UTC(),
	}
	r.docs[uri] = d
	return *d, nil
}

// Save records a save. Documents saved without being opened first are
// registered on the fly.
func (r *Registry) Save(pathOrURI string) (Document, error) {
	uri, err := NormalizeURI(pathOrURI)
	if err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	d, ok := r.docs[uri]
	r.mu.Unlock()
	if !ok {
		if _, err := r.Open(uri, ""); err != nil {
			return Document{}, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok = r.docs[uri]
	if !ok {
		return Document{}, ErrNotOpen
	}
	now := time.Now().UTC()
	d.SavedAt = &now
	d.Version++
	return *d, nil
}

func (r *Registry) Close(pathOrURI string) (Document, error) {
	uri, err := NormalizeURI(pathOrURI)
	if err != nil {
		return Document{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.docs[uri]
	if !ok {
		return Document{}, ErrNotOpen
	}
	delete(r.docs, uri)
	return *d, nil
}

func (r *Registry) Get(pathOrURI string) (Document, error) {
	uri, err := NormalizeURI(pathOrURI)
	if err != nil {
		return Document{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.docs[uri]
	if !ok {
		return Document{}, ErrNotOpen
	}
	return *d, nil
}

func (r *Registry) List() []Document {
	r.mu.RLock()
	out := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, *d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (r *Registry) OpenCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.docs)
}
