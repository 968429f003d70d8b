package dashpoll

import (
	"errors"
	"fmt"
	"maps"
	"sync"
)

var ErrUnknownElement = errors.New("unknown element")

// Document is the set of named display elements the dashboard writes into.
// Elements must exist before content is written to them.
type Document interface {
	SetContent(id string, content string) error
}

// MemoryDocument keeps element contents in memory.
type MemoryDocument struct {
	mutex    sync.RWMutex
	elements map[string]string
}

func NewMemoryDocument(ids ...string) *MemoryDocument {
	d := &MemoryDocument{
		elements: make(map[string]string),
	}
	d.Register(ids...)
	return d
}

// Register declares elements. Existing elements keep their content.
func (d *MemoryDocument) Register(ids ...string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for _, id := range ids {
		if _, ok := d.elements[id]; !ok {
			d.elements[id] = ""
		}
	}
}

// SetContent replaces the content of the element verbatim. No escaping.
func (d *MemoryDocument) SetContent(id string, content string) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if _, ok := d.elements[id]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownElement, id)
	}

	d.elements[id] = content
	return nil
}

func (d *MemoryDocument) Content(id string) (string, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	content, ok := d.elements[id]
	return content, ok
}

func (d *MemoryDocument) Snapshot() map[string]string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return maps.Clone(d.elements)
}
