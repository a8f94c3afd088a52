package steps

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/teranos/hubjobs/errors"
)

// graphType is the type discriminator of nested graphs
const graphType = "StepGraph"

// Factory creates an empty step of one type, wired to its collaborators
type Factory func() Step

// Codec serializes graphs. Step types must be registered before graphs containing them are decoded.
type Codec struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCodec creates an empty codec
func NewCodec() *Codec {
	return &Codec{factories: make(map[string]Factory)}
}

// RegisterType registers the factory for a step type.
// Panics if the type is already registered.
func (c *Codec) RegisterType(name string, factory Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == graphType {
		panic(fmt.Sprintf("step type %q is reserved", name))
	}
	if _, exists := c.factories[name]; exists {
		panic(fmt.Sprintf("step type %q already registered", name))
	}
	c.factories[name] = factory
}

// Types lists the registered step types
func (c *Codec) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type nodeJSON struct {
	Type       string            `json:"type"`
	Parallel   bool              `json:"parallel,omitempty"`
	Executions []json.RawMessage `json:"executions,omitempty"`
	Step       json.RawMessage   `json:"step,omitempty"`
}

// Marshal encodes a graph with its step configuration. Runtime state is not included.
func (c *Codec) Marshal(g *Graph) ([]byte, error) {
	n, err := c.encodeGraph(g)
	if err != nil {
		return nil, err
	}
	return json.Marshal(n)
}

func (c *Codec) encodeGraph(g *Graph) (nodeJSON, error) {
	n := nodeJSON{Type: graphType, Parallel: g.Parallel}
	for i, child := range g.children {
		var (
			raw []byte
			err error
		)
		switch ch := child.(type) {
		case *Graph:
			var sub nodeJSON
			if sub, err = c.encodeGraph(ch); err == nil {
				raw, err = json.Marshal(sub)
			}
		case Step:
			var body []byte
			if body, err = json.Marshal(ch); err == nil {
				raw, err = json.Marshal(nodeJSON{Type: ch.Type(), Step: body})
			}
		}
		if err != nil {
			return nodeJSON{}, errors.Wrapf(err, "encode executions[%d]", i)
		}
		n.Executions = append(n.Executions, raw)
	}
	return n, nil
}

// Unmarshal decodes a graph, creating steps through the registered factories
func (c *Codec) Unmarshal(data []byte) (*Graph, error) {
	var n nodeJSON
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, errors.Wrap(err, "decode step graph")
	}
	if n.Type != graphType {
		return nil, errors.Newf("decode step graph: root node has type %q", n.Type)
	}
	return c.decodeGraph(n)
}

func (c *Codec) decodeGraph(n nodeJSON) (*Graph, error) {
	g := &Graph{Parallel: n.Parallel}
	for i, raw := range n.Executions {
		var child nodeJSON
		if err := json.Unmarshal(raw, &child); err != nil {
			return nil, errors.Wrapf(err, "decode executions[%d]", i)
		}
		if child.Type == graphType {
			sub, err := c.decodeGraph(child)
			if err != nil {
				return nil, err
			}
			g.Add(sub)
			continue
		}

		c.mu.RLock()
		factory, ok := c.factories[child.Type]
		c.mu.RUnlock()
		if !ok {
			return nil, errors.Newf("decode executions[%d]: unknown step type %q", i, child.Type)
		}
		step := factory()
		if err := json.Unmarshal(child.Step, step); err != nil {
			return nil, errors.Wrapf(err, "decode %s step", child.Type)
		}
		g.Add(step)
	}
	return g, nil
}
