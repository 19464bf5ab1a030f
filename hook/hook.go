// Package hook runs user plugins at the dispatcher's lifecycle extension
// points. Plugins receive the plan markdown and a context handle, and return
// the possibly-rewritten markdown; the first plugin error aborts the chain.
package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kastheco/prloom/config"
)

// Point is a lifecycle extension point. The set is closed.
type Point string

const (
	AfterDesign  Point = "afterDesign"
	BeforeTodo   Point = "beforeTodo"
	AfterTodo    Point = "afterTodo"
	BeforeFinish Point = "beforeFinish"
	AfterFinish  Point = "afterFinish"
	OnEvent      Point = "onEvent"
)

// Plugin is one installed hook. Run is invoked for every point the plugin
// subscribes to; it returns the markdown to carry forward (unchanged input
// is fine) or an error that blocks the plan.
type Plugin interface {
	Name() string
	Points() []Point
	Run(ctx context.Context, point Point, hctx *Context, markdown string) (string, error)
}

// Factory builds a plugin instance from its config.
type Factory func(name string, cfg config.PluginConfig) (Plugin, error)

var (
	registry     = make(map[string]Factory)
	registryLock sync.RWMutex
)

// Register adds a plugin factory to the compile-time registry. User builds
// register before constructing the runtime.
func Register(name string, factory Factory) {
	registryLock.Lock()
	defer registryLock.Unlock()
	registry[name] = factory
}

// lookup retrieves a registered factory.
func lookup(name string) (Factory, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Runtime holds the constructed plugins in execution order.
type Runtime struct {
	plugins []Plugin
}

// NewRuntime constructs enabled plugins from config. Execution order follows
// hooks.order; plugins not listed run after the listed ones, name-sorted. A
// "module" key selects a different registered factory than the config key.
func NewRuntime(configs map[string]config.PluginConfig, order []string) (*Runtime, error) {
	built := make(map[string]Plugin)
	for name, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		module := cfg.Module
		if module == "" {
			module = name
		}
		factory, ok := lookup(module)
		if !ok {
			return nil, fmt.Errorf("unknown plugin module %q", module)
		}
		p, err := factory(name, cfg)
		if err != nil {
			return nil, fmt.Errorf("construct plugin %q: %w", name, err)
		}
		built[name] = p
	}

	rt := &Runtime{}
	seen := make(map[string]bool)
	for _, name := range order {
		if p, ok := built[name]; ok && !seen[name] {
			rt.plugins = append(rt.plugins, p)
			seen[name] = true
		}
	}
	var rest []string
	for name := range built {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		rt.plugins = append(rt.plugins, built[name])
	}
	return rt, nil
}

// AddPlugin registers an already-constructed plugin at the end of the chain.
func (rt *Runtime) AddPlugin(p Plugin) {
	rt.plugins = append(rt.plugins, p)
}

// Empty reports whether any plugins are installed.
func (rt *Runtime) Empty() bool {
	return len(rt.plugins) == 0
}

// Run executes the chain for one point. Each subscribed plugin receives the
// markdown produced by its predecessor; the first error aborts the chain and
// is returned tagged with the failing plugin's name.
func (rt *Runtime) Run(ctx context.Context, point Point, hctx *Context, markdown string) (string, error) {
	for _, p := range rt.plugins {
		if !subscribes(p, point) {
			continue
		}
		hctx.plugin = p.Name()
		out, err := p.Run(ctx, point, hctx, markdown)
		if err != nil {
			return markdown, fmt.Errorf("%s at %s: %w", p.Name(), point, err)
		}
		markdown = out
	}
	return markdown, nil
}

func subscribes(p Plugin, point Point) bool {
	for _, pt := range p.Points() {
		if pt == point {
			return true
		}
	}
	return false
}
