// Package cardinality wraps HyperLogLog sketches for approximate distinct visitor counts.
package cardinality

import (
	"github.com/axiomhq/hyperloglog"
)

// Counter estimates the number of distinct identifiers added to it.
type Counter struct {
	sketch *hyperloglog.Sketch
}

func NewCounter() *Counter {
	return &Counter{sketch: hyperloglog.New()}
}

func (c *Counter) Add(id string) {
	c.sketch.Insert([]byte(id))
}

func (c *Counter) Estimate() int64 {
	return int64(c.sketch.Estimate())
}

// Merge folds other into c.
func (c *Counter) Merge(other *Counter) error {
	return c.sketch.Merge(other.sketch)
}

func (c *Counter) MarshalBinary() ([]byte, error) {
	return c.sketch.MarshalBinary()
}

func (c *Counter) UnmarshalBinary(data []byte) error {
	return c.sketch.UnmarshalBinary(data)
}

// Decode restores a counter written by MarshalBinary.
func Decode(data []byte) (*Counter, error) {
	c := NewCounter()
	if err := c.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Grouped keeps one Counter per group key.
type Grouped[K comparable] struct {
	counters map[K]*Counter
	order    []K
}

func NewGrouped[K comparable]() *Grouped[K] {
	return &Grouped[K]{counters: make(map[K]*Counter)}
}

func (g *Grouped[K]) counter(key K) *Counter {
	c, ok := g.counters[key]
	if !ok {
		c = NewCounter()
		g.counters[key] = c
		g.order = append(g.order, key)
	}
	return c
}

func (g *Grouped[K]) Add(key K, id string) {
	g.counter(key).Add(id)
}

// Merge folds a stored counter into the group at key.
func (g *Grouped[K]) Merge(key K, other *Counter) error {
	return g.counter(key).Merge(other)
}

// Estimate returns 0 for keys that were never added.
func (g *Grouped[K]) Estimate(key K) int64 {
	if c, ok := g.counters[key]; ok {
		return c.Estimate()
	}
	return 0
}

// Keys returns group keys in first-seen order.
func (g *Grouped[K]) Keys() []K {
	return g.order
}
