package conf

import "strings"

// Tree holds string-keyed configuration values in insertion order.
// A key may carry multiple values; callers that understand repeated
// keys (Address, ConnectTo) consume them in file order via Values,
// everything else takes the first value via Get.  Key lookups are
// case-insensitive.
type Tree struct {
	values map[string][]string
}

func NewTree() *Tree {
	return &Tree{values: make(map[string][]string)}
}

// Add appends a value for key, preserving the order values were added.
func (t *Tree) Add(key, value string) {
	k := strings.ToLower(key)
	t.values[k] = append(t.values[k], value)
}

// Get returns the first value for key.
func (t *Tree) Get(key string) (string, bool) {
	vs := t.values[strings.ToLower(key)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0], true
}

// Values returns all values for key in the order they were added.
// The returned slice is owned by the tree and must not be modified.
func (t *Tree) Values(key string) []string {
	return t.values[strings.ToLower(key)]
}

// CheckID reports whether name is a valid peer name.  Valid names are
// non-empty and consist of letters, digits and underscores only.
func CheckID(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}
