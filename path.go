package dasbus

import (
	"errors"
	"strings"
)

// ObjectPath is the path of an object on the bus.
type ObjectPath string

// Valid reports whether p is a well-formed object path: "/", or a
// sequence of "/"-prefixed elements made of [A-Za-z0-9_].
func (p ObjectPath) Valid() bool {
	return p.validate() == nil
}

func (p ObjectPath) validate() error {
	if p == "" {
		return errors.New("empty object path")
	}
	if p[0] != '/' {
		return errors.New("object path must start with /")
	}
	if p == "/" {
		return nil
	}
	if p[len(p)-1] == '/' {
		return errors.New("object path must not end with /")
	}
	for _, elem := range strings.Split(string(p[1:]), "/") {
		if elem == "" {
			return errors.New("object path has an empty element")
		}
		for _, r := range elem {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_') {
				return errors.New("object path has an invalid character")
			}
		}
	}
	return nil
}

// IsDescendantOf reports whether p is a strict descendant of root.
func (p ObjectPath) IsDescendantOf(root ObjectPath) bool {
	if root == "/" {
		return p != "/" && strings.HasPrefix(string(p), "/")
	}
	return strings.HasPrefix(string(p), string(root)+"/")
}
