package server

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/dasbus-project/dasbus"
)

// Publishable is implemented by Go values that have a bus
// representation.
type Publishable interface {
	// ForPublication returns the Object to publish for the value.
	ForPublication() (*Object, error)
}

// Publisher publishes objects on a bus. It is implemented by
// connection.MessageBus.
type Publisher interface {
	PublishObject(path dasbus.ObjectPath, obj *Object) error
}

// Container publishes Go values under generated object paths, so that
// they can be passed over the bus by path.
//
// Each value is published the first time it is converted to a path,
// at <namespace>/<basename>/<n>, with n counting from 1. Later
// conversions of the same value return the same path.
//
// A Container is safe for concurrent use.
type Container[T interface {
	comparable
	Publishable
}] struct {
	pub      Publisher
	basename string

	mu        sync.Mutex
	namespace string
	counter   int
	paths     map[T]dasbus.ObjectPath
	objects   map[dasbus.ObjectPath]T
}

// NewContainer returns a Container that publishes values with pub,
// under paths made of namespace and basename.
func NewContainer[T interface {
	comparable
	Publishable
}](pub Publisher, namespace []string, basename string) *Container[T] {
	ret := &Container[T]{
		pub:      pub,
		basename: basename,
		paths:    map[T]dasbus.ObjectPath{},
		objects:  map[dasbus.ObjectPath]T{},
	}
	ret.SetNamespace(namespace)
	return ret
}

// SetNamespace changes the namespace of paths generated from now on.
// Values already published keep their path.
func (c *Container[T]) SetNamespace(namespace []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.namespace = ""
	if len(namespace) > 0 {
		c.namespace = "/" + strings.Join(namespace, "/")
	}
}

// ToObjectPath returns the path of v, publishing it first if needed.
func (c *Container[T]) ToObjectPath(v T) (dasbus.ObjectPath, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.paths[v]; ok {
		return p, nil
	}

	obj, err := v.ForPublication()
	if err != nil {
		return "", fmt.Errorf("publishing %T: %w", v, err)
	}
	p := dasbus.ObjectPath(c.namespace + "/" + c.basename + "/" + strconv.Itoa(c.counter+1))
	if !p.Valid() {
		return "", fmt.Errorf("publishing %T: invalid object path %q", v, p)
	}
	if err := c.pub.PublishObject(p, obj); err != nil {
		return "", fmt.Errorf("publishing %T: %w", v, err)
	}
	c.counter++
	c.paths[v] = p
	c.objects[p] = v
	return p, nil
}

// ToObjectPathList returns the paths of vs, in order.
func (c *Container[T]) ToObjectPathList(vs []T) ([]dasbus.ObjectPath, error) {
	ret := make([]dasbus.ObjectPath, len(vs))
	for i, v := range vs {
		p, err := c.ToObjectPath(v)
		if err != nil {
			return nil, err
		}
		ret[i] = p
	}
	return ret, nil
}

// FromObjectPath returns the value published at path.
func (c *Container[T]) FromObjectPath(path dasbus.ObjectPath) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.objects[path]
	if !ok {
		return v, fmt.Errorf("unknown object path %q", path)
	}
	return v, nil
}

// FromObjectPathList returns the values published at paths, in order.
func (c *Container[T]) FromObjectPathList(paths []dasbus.ObjectPath) ([]T, error) {
	ret := make([]T, len(paths))
	for i, p := range paths {
		v, err := c.FromObjectPath(p)
		if err != nil {
			return nil, err
		}
		ret[i] = v
	}
	return ret, nil
}
