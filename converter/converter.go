package converter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"docqueue/model"
)

type Request struct {
	Filename string
	Input    []byte
	Mode     model.Mode
}

type Output struct {
	Markdown []byte
}

// Converter turns a document into Markdown. Errors are retried by the
// queue until attempts run out, unless they are wrapped with Invalid.
type Converter interface {
	Convert(ctx context.Context, req Request) (*Output, error)
}

// InvalidInputError is a problem with the submitted input itself, such as an
// empty upload or an unknown mode. Such tasks fail without a retry.
type InvalidInputError struct {
	Err error
}

func (e *InvalidInputError) Error() string { return e.Err.Error() }
func (e *InvalidInputError) Unwrap() error { return e.Err }
func (e *InvalidInputError) Invalid() bool { return true }
func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Invalid marks err as an input problem that retrying cannot fix.
func Invalid(err error) error {
	if err == nil {
		return nil
	}
	return &InvalidInputError{Err: err}
}

var (
	ErrInvalidInput   = errors.New("invalid conversion input")
	ErrUnknownBackend = errors.New("unknown converter backend")
)

// Registry maps backend names to converters. The empty name selects the
// default backend.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Converter
	def      string
}

func NewRegistry(defaultBackend string) *Registry {
	return &Registry{backends: make(map[string]Converter), def: defaultBackend}
}

func (r *Registry) Register(name string, c Converter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = c
}

// Get resolves name to a converter and the backend name actually used.
func (r *Registry) Get(name string) (Converter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.def
	}
	c, ok := r.backends[name]
	if !ok {
		return nil, name, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return c, name, nil
}

func (r *Registry) Has(name string) bool {
	_, _, err := r.Get(name)
	return err == nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
