package step

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var (
	// ErrInvalidStep marks a step that is missing required fields.
	ErrInvalidStep = errors.New("invalid step")
)

// DuplicateNameError is returned when a step name is registered twice.
type DuplicateNameError struct {
	Name string
	// Sources are the manifest files of the existing and rejected step, when known.
	Sources [2]string
}

func (e *DuplicateNameError) Error() string {
	if e.Sources[0] != "" || e.Sources[1] != "" {
		return fmt.Sprintf("duplicate step name %q (declared in %s and %s)", e.Name, e.Sources[0], e.Sources[1])
	}
	return fmt.Sprintf("duplicate step name %q", e.Name)
}

// IsRegistrationError reports whether err came from registering steps.
// Registration errors are fatal before any execution.
func IsRegistrationError(err error) bool {
	var dup *DuplicateNameError
	return errors.As(err, &dup) || errors.Is(err, ErrInvalidStep)
}

// Registry collects declared steps in registration order.
//
// Not safe for concurrent registration; steps are declared once at startup.
type Registry struct {
	steps  []Step
	byName map[string]int
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register validates and adds a step.
func (r *Registry) Register(s Step) error {
	if err := s.Validate(); err != nil {
		return err
	}
	s = s.clone()
	if idx, ok := r.byName[s.Name]; ok {
		return &DuplicateNameError{
			Name:    s.Name,
			Sources: [2]string{r.steps[idx].Source, s.Source},
		}
	}
	r.byName[s.Name] = len(r.steps)
	r.steps = append(r.steps, s)
	return nil
}

// MustRegister registers s and panics on error. Intended for steps declared
// in Go code at init time.
func (r *Registry) MustRegister(s Step) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// All returns the registered steps in registration order.
func (r *Registry) All() []Step {
	out := make([]Step, len(r.steps))
	copy(out, r.steps)
	return out
}

// Lookup returns the step with the given name.
func (r *Registry) Lookup(name string) (Step, bool) {
	idx, ok := r.byName[normalize(name)]
	if !ok {
		return Step{}, false
	}
	return r.steps[idx], true
}

// Len returns the number of registered steps.
func (r *Registry) Len() int {
	return len(r.steps)
}

func normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

// normalizeSet normalizes each entry, drops empties and duplicates, and keeps
// first-seen order.
func normalizeSet(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
