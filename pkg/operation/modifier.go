// ABOUTME: Named read-modify-write functions that remote batches refer to
// ABOUTME: Builtins plus a registry for caller-supplied modifiers

package operation

import (
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Modifier is a named read-modify-write function usable by remote callers
type Modifier func(current []byte, found bool, arg []byte) ([]byte, error)

var (
	modifiersMu sync.RWMutex
	modifiers   = map[string]Modifier{
		"append": func(cur []byte, _ bool, arg []byte) ([]byte, error) {
			return append(append([]byte{}, cur...), arg...), nil
		},
		"prepend": func(cur []byte, _ bool, arg []byte) ([]byte, error) {
			return append(append([]byte{}, arg...), cur...), nil
		},
		"replace": func(_ []byte, _ bool, arg []byte) ([]byte, error) {
			return append([]byte{}, arg...), nil
		},
		// max and min compare byte-wise; an absent cell always loses
		"max": func(cur []byte, found bool, arg []byte) ([]byte, error) {
			if !found || bytes.Compare(arg, cur) > 0 {
				return append([]byte{}, arg...), nil
			}
			return cur, nil
		},
		"min": func(cur []byte, found bool, arg []byte) ([]byte, error) {
			if !found || bytes.Compare(arg, cur) < 0 {
				return append([]byte{}, arg...), nil
			}
			return cur, nil
		},
	}
)

// RegisterModifier adds or replaces a named modifier
func RegisterModifier(name string, m Modifier) error {
	if name == "" || m == nil {
		return errors.New("operation: modifier needs a name and a function")
	}
	modifiersMu.Lock()
	defer modifiersMu.Unlock()
	modifiers[name] = m
	return nil
}

// LookupModifier finds a registered modifier
func LookupModifier(name string) (Modifier, bool) {
	modifiersMu.RLock()
	defer modifiersMu.RUnlock()
	m, ok := modifiers[name]
	return m, ok
}

// Modifiers lists registered names
func Modifiers() []string {
	modifiersMu.RLock()
	defer modifiersMu.RUnlock()
	names := make([]string, 0, len(modifiers))
	for name := range modifiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResolveTransform returns the function a read-modify-write applies
func (op WriteOperation) ResolveTransform() (Transform, error) {
	if op.Transform != nil {
		return op.Transform, nil
	}
	m, ok := LookupModifier(op.Modifier)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidOperation, "unknown modifier %q", op.Modifier)
	}
	arg := op.Value
	return func(cur []byte, found bool) ([]byte, error) {
		return m(cur, found, arg)
	}, nil
}
