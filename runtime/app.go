package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// App is the set of flows loaded from a flows directory.
type App struct {
	Container *Container
	Flows     map[string]*Flow
}

// NewApp loads every flow file in flowsDir whose extension one of the loaders handles.
func NewApp(flowsDir string, loaders ...FlowLoader) (*App, error) {
	entries, err := os.ReadDir(flowsDir)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}

	app := App{
		Container: NewContainer(),
		Flows:     make(map[string]*Flow),
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		file := filepath.Join(flowsDir, entry.Name())
		loader := loaderFor(loaders, file)
		if loader == nil {
			continue
		}
		flow, err := loader.Load(file)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
		if flow.ID == "" {
			flow.ID = strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		}
		if _, dup := app.Flows[flow.ID]; dup {
			return nil, fmt.Errorf("duplicate flow id %q in %s", flow.ID, file)
		}
		app.RegisterFlow(&flow)
	}

	return &app, nil
}

func loaderFor(loaders []FlowLoader, file string) FlowLoader {
	ext := strings.ToLower(filepath.Ext(file))
	for _, l := range loaders {
		if slices.Contains(l.Extensions(), ext) {
			return l
		}
	}
	return nil
}

func (a *App) RegisterFlow(flow *Flow) {
	a.Flows[flow.ID] = flow
}

// Publish saves every loaded flow to the store.
func (a *App) Publish(ctx context.Context, store FlowStore) error {
	for _, id := range a.FlowIDs() {
		if err := store.SaveFlow(ctx, a.Flows[id]); err != nil {
			return fmt.Errorf("save flow %s: %w", id, err)
		}
	}
	return nil
}

// FlowIDs returns the loaded flow ids in sorted order.
func (a *App) FlowIDs() []string {
	ids := make([]string, 0, len(a.Flows))
	for id := range a.Flows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
