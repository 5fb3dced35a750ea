package messaging

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Subscriber is a named event handler. Each subscriber receives its own copy
// of every event it subscribed to and is delivered independently.
type Subscriber struct {
	Name    string
	Handler EventHandler
}

// Registry maps message types to handlers. It is built at startup and passed
// to the buses; there is no global instance.
type Registry struct {
	mu          sync.RWMutex
	commands    map[string]CommandHandler
	subscribers map[string][]Subscriber
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		commands:    make(map[string]CommandHandler),
		subscribers: make(map[string][]Subscriber),
	}
}

// HandleCommands registers h as the handler of each command type.
// A command type can have exactly one handler.
func (r *Registry) HandleCommands(h CommandHandler, commandTypes ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range commandTypes {
		if _, exists := r.commands[t]; exists {
			return fmt.Errorf("command %s already has a handler", t)
		}
	}
	for _, t := range commandTypes {
		r.commands[t] = h
	}
	return nil
}

// Subscribe registers a named subscriber for each event type
func (r *Registry) Subscribe(name string, h EventHandler, eventTypes ...string) error {
	if name == "" {
		return fmt.Errorf("subscriber name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range eventTypes {
		for _, s := range r.subscribers[t] {
			if s.Name == name {
				return fmt.Errorf("subscriber %s already subscribed to %s", name, t)
			}
		}
	}
	for _, t := range eventTypes {
		r.subscribers[t] = append(r.subscribers[t], Subscriber{Name: name, Handler: h})
	}
	return nil
}

// CommandHandler returns the handler for a command type
func (r *Registry) CommandHandler(commandType string) (CommandHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.commands[commandType]
	return h, ok
}

// Subscribers returns the subscribers of an event type in registration order
func (r *Registry) Subscribers(eventType string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Subscriber(nil), r.subscribers[eventType]...)
}

// SubscriberNames returns every subscriber name, sorted
func (r *Registry) SubscriberNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, subs := range r.subscribers {
		for _, s := range subs {
			seen[s.Name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Verify checks that every command type has a handler and every event type
// has at least one subscriber, and that nothing is registered for unknown types.
func (r *Registry) Verify(commandTypes, eventTypes []string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error

	knownCommands := make(map[string]struct{}, len(commandTypes))
	for _, t := range commandTypes {
		knownCommands[t] = struct{}{}
		if _, ok := r.commands[t]; !ok {
			errs = append(errs, fmt.Errorf("no handler for command %s", t))
		}
	}
	for t := range r.commands {
		if _, ok := knownCommands[t]; !ok {
			errs = append(errs, fmt.Errorf("handler registered for unknown command %s", t))
		}
	}

	knownEvents := make(map[string]struct{}, len(eventTypes))
	for _, t := range eventTypes {
		knownEvents[t] = struct{}{}
		if len(r.subscribers[t]) == 0 {
			errs = append(errs, fmt.Errorf("no subscriber for event %s", t))
		}
	}
	for t := range r.subscribers {
		if _, ok := knownEvents[t]; !ok {
			errs = append(errs, fmt.Errorf("subscriber registered for unknown event %s", t))
		}
	}

	sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
	return errors.Join(errs...)
}
