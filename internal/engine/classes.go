package engine

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/kozaktomas/photo-index/internal/vector"
)

// ClassHit is one photo carrying an object class.
type ClassHit struct {
	ID         string  `json:"id"`
	Confidence float32 `json:"confidence"`
}

// ClassIndex answers "everything with object X" from the object aggregate
// vectors, whose component i is the confidence of class i in the photo.
type ClassIndex struct {
	names  []string
	byName map[string]int

	mu      sync.RWMutex
	classes []map[string]float32 // per class: entity id -> confidence
}

// NewClassIndex creates an index over dim classes. Components without a
// configured name are called class_<i>.
func NewClassIndex(dim int, names []string) *ClassIndex {
	c := &ClassIndex{
		names:   make([]string, dim),
		byName:  make(map[string]int, dim),
		classes: make([]map[string]float32, dim),
	}
	for i := range dim {
		name := fmt.Sprintf("class_%d", i)
		if i < len(names) && names[i] != "" {
			name = strings.ToLower(strings.TrimSpace(names[i]))
		}
		c.names[i] = name
		c.byName[name] = i
		c.classes[i] = make(map[string]float32)
	}
	return c
}

// Names returns the class names in component order.
func (c *ClassIndex) Names() []string { return slices.Clone(c.names) }

// Lookup returns the component of a class name.
func (c *ClassIndex) Lookup(name string) (int, bool) {
	i, ok := c.byName[strings.ToLower(strings.TrimSpace(name))]
	return i, ok
}

// Set replaces the classes of id with the positive components of v.
func (c *ClassIndex) Set(id string, v []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.classes {
		if i < len(v) && v[i] > 0 {
			m[id] = v[i]
		} else {
			delete(m, id)
		}
	}
}

// Remove drops id from every class.
func (c *ClassIndex) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.classes {
		delete(m, id)
	}
}

// Search returns the entities carrying class with at least minConfidence,
// by descending confidence then ascending id. A limit of zero or less
// returns every hit.
func (c *ClassIndex) Search(class string, minConfidence float32, limit int) ([]ClassHit, error) {
	i, ok := c.Lookup(class)
	if !ok {
		return nil, fmt.Errorf("object class %q: %w", class, vector.ErrNotFound)
	}

	c.mu.RLock()
	hits := make([]ClassHit, 0, len(c.classes[i]))
	for id, conf := range c.classes[i] {
		if conf >= minConfidence {
			hits = append(hits, ClassHit{ID: id, Confidence: conf})
		}
	}
	c.mu.RUnlock()

	slices.SortFunc(hits, func(a, b ClassHit) int {
		if a.Confidence != b.Confidence {
			return cmp.Compare(b.Confidence, a.Confidence)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Counts returns the number of entities per class name, omitting empty
// classes.
func (c *ClassIndex) Counts() map[string]int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	counts := make(map[string]int)
	for i, m := range c.classes {
		if len(m) > 0 {
			counts[c.names[i]] = len(m)
		}
	}
	return counts
}
