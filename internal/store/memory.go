package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-memory Store with snapshot fan-out per collection.
// It backs tests and the dev-mode server. Subscribers receive the full
// collection contents on every mutation under it, in document-id order.
type Memory struct {
	mu   sync.RWMutex
	docs map[string]map[string]any // full path -> document

	subMu   sync.Mutex
	subs    map[string]map[int]SnapshotFunc // collection path -> id -> fn
	nextSub int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		docs: make(map[string]map[string]any),
		subs: make(map[string]map[int]SnapshotFunc),
	}
}

// Seed inserts a document without notifying subscribers. Test setup only.
func (m *Memory) Seed(path string, data map[string]any) {
	m.mu.Lock()
	m.docs[path] = cloneDoc(data)
	m.mu.Unlock()
}

// AddDocument inserts a document with a generated id into the collection
// at path and notifies subscribers. Returns the new document id.
func (m *Memory) AddDocument(path string, data map[string]any) string {
	id := uuid.NewString()
	m.mu.Lock()
	m.docs[path+"/"+id] = cloneDoc(data)
	m.mu.Unlock()
	m.notify(path)
	return id
}

func (m *Memory) ReadDocument(ctx context.Context, path string) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	doc, ok := m.docs[path]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(doc), nil
}

func (m *Memory) ListDocuments(ctx context.Context, path string) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(path), nil
}

// Subscribe never invokes errFn; the local store has no transport to
// fail mid-stream.
func (m *Memory) Subscribe(ctx context.Context, path string, fn SnapshotFunc, errFn ErrorFunc) (UnsubscribeFunc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.subMu.Lock()
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]SnapshotFunc)
	}
	id := m.nextSub
	m.nextSub++
	m.subs[path][id] = fn
	m.subMu.Unlock()

	// Initial snapshot before Subscribe returns.
	m.mu.RLock()
	docs := m.collect(path)
	m.mu.RUnlock()
	fn(docs)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs[path], id)
			m.subMu.Unlock()
		})
	}, nil
}

func (m *Memory) MutateDocument(ctx context.Context, path string, patch map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	doc, ok := m.docs[path]
	if !ok {
		doc = make(map[string]any)
		m.docs[path] = doc
	}
	for k, v := range patch {
		if v == nil {
			delete(doc, k)
		} else {
			doc[k] = v
		}
	}
	m.mu.Unlock()
	m.notifyParent(path)
	return nil
}

func (m *Memory) DeleteDocument(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	_, ok := m.docs[path]
	delete(m.docs, path)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.notifyParent(path)
	return nil
}

// collect gathers the immediate documents of a collection. Caller holds mu.
func (m *Memory) collect(path string) []Document {
	prefix := path + "/"
	var out []Document
	for p, doc := range m.docs {
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if strings.Contains(rest, "/") {
			continue // subcollection document, not a direct child
		}
		out = append(out, Document{ID: rest, Data: cloneDoc(doc)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// notifyParent publishes a snapshot of the collection containing path.
func (m *Memory) notifyParent(path string) {
	idx := strings.LastIndex(path, "/")
	if idx <= 0 {
		return
	}
	m.notify(path[:idx])
}

func (m *Memory) notify(collection string) {
	m.mu.RLock()
	docs := m.collect(collection)
	m.mu.RUnlock()

	m.subMu.Lock()
	fns := make([]SnapshotFunc, 0, len(m.subs[collection]))
	for _, fn := range m.subs[collection] {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(docs)
	}
}

func cloneDoc(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneDoc(t)
		case []any:
			cp := make([]any, len(t))
			for i, e := range t {
				if em, ok := e.(map[string]any); ok {
					cp[i] = cloneDoc(em)
				} else {
					cp[i] = e
				}
			}
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}
