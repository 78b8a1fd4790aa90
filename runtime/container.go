package runtime

import (
	"context"
	"errors"
	"fmt"
)

// Interface names a component may be registered under.
const (
	InterfaceInitializer = "Initializer"
	InterfaceShutdowner  = "Shutdowner"
)

// Container holds the service's long-lived components (stores, buffers,
// clients) and drives their lifecycle.
type Container struct {
	names             []string
	components        map[string]any
	componentsByIface map[string][]string
}

func NewContainer() *Container {
	return &Container{
		components:        make(map[string]any),
		componentsByIface: make(map[string][]string),
	}
}

// Register adds a named component and records the lifecycle interfaces it implements.
func (c *Container) Register(name string, component any) error {
	if component == nil {
		return fmt.Errorf("component %s cannot be nil", name)
	}
	if _, exists := c.components[name]; exists {
		return fmt.Errorf("component %s already registered", name)
	}
	c.components[name] = component
	c.names = append(c.names, name)

	if _, ok := component.(Initializer); ok {
		c.componentsByIface[InterfaceInitializer] = append(c.componentsByIface[InterfaceInitializer], name)
	}
	if _, ok := component.(Shutdowner); ok {
		c.componentsByIface[InterfaceShutdowner] = append(c.componentsByIface[InterfaceShutdowner], name)
	}
	return nil
}

// Get returns a component by name, or nil.
func (c *Container) Get(name string) any {
	return c.components[name]
}

// Initialize calls Initialize on every Initializer in registration order and
// stops at the first failure.
func (c *Container) Initialize(ctx context.Context) error {
	for _, name := range c.componentsByIface[InterfaceInitializer] {
		if err := c.components[name].(Initializer).Initialize(ctx); err != nil {
			return fmt.Errorf("initialize %s: %w", name, err)
		}
	}
	return nil
}

// Shutdown calls Shutdown on every Shutdowner in reverse registration order,
// collecting all failures.
func (c *Container) Shutdown(ctx context.Context) error {
	names := c.componentsByIface[InterfaceShutdowner]
	var errs []error
	for i := len(names) - 1; i >= 0; i-- {
		if err := c.components[names[i]].(Shutdowner).Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", names[i], err))
		}
	}
	return errors.Join(errs...)
}
