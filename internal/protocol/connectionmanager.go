package protocol

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// ConnectionManager owns the connections of a node: at most one to its parent and one per child index.
type ConnectionManager struct {
	mu             sync.RWMutex
	parent         *Connection
	children       map[int32]*Connection
	onChildRemoved []func(index int32, err error)
	onParentLost   []func(err error)
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		children: make(map[int32]*Connection),
	}
}

// OnChildRemoved registers f to be called when a child connection closes.
func (m *ConnectionManager) OnChildRemoved(f func(index int32, err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChildRemoved = append(m.onChildRemoved, f)
}

// OnParentLost registers f to be called when the parent connection closes.
func (m *ConnectionManager) OnParentLost(f func(err error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onParentLost = append(m.onParentLost, f)
}

// SetParent makes c the connection towards the coordinator.
func (m *ConnectionManager) SetParent(c *Connection) {
	m.mu.Lock()
	previous := m.parent
	m.parent = c
	m.mu.Unlock()
	if previous != nil && previous != c {
		_ = previous.Close()
	}
	c.OnClose(func(closed *Connection, err error) {
		m.mu.Lock()
		if m.parent != closed {
			m.mu.Unlock()
			return
		}
		m.parent = nil
		callbacks := slices.Clone(m.onParentLost)
		m.mu.Unlock()
		for _, f := range callbacks {
			f(err)
		}
	})
}

// Parent returns the parent connection, or nil if there is none.
func (m *ConnectionManager) Parent() *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.parent
}

// AddChild registers c as the connection to the child with index, replacing and closing any previous one.
// The child is removed again when c closes.
func (m *ConnectionManager) AddChild(index int32, c *Connection) {
	m.mu.Lock()
	previous := m.children[index]
	m.children[index] = c
	m.mu.Unlock()
	if previous != nil && previous != c {
		_ = previous.Close()
	}
	c.OnClose(func(closed *Connection, err error) {
		m.mu.Lock()
		if m.children[index] != closed {
			m.mu.Unlock()
			return
		}
		delete(m.children, index)
		callbacks := slices.Clone(m.onChildRemoved)
		m.mu.Unlock()
		for _, f := range callbacks {
			f(index, err)
		}
	})
}

// RemoveChild closes and forgets the connection to the child with index.
func (m *ConnectionManager) RemoveChild(index int32) {
	m.mu.Lock()
	c, ok := m.children[index]
	delete(m.children, index)
	m.mu.Unlock()
	if ok {
		_ = c.Close()
	}
}

func (m *ConnectionManager) Child(index int32) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.children[index]
	return c, ok
}

// ChildIndices returns the indices of all connected children in ascending order.
func (m *ConnectionManager) ChildIndices() []int32 {
	m.mu.RLock()
	indices := maps.Keys(m.children)
	m.mu.RUnlock()
	slices.Sort(indices)
	return indices
}

func (m *ConnectionManager) ChildCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.children)
}

// Close closes every connection.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	connections := maps.Values(m.children)
	if m.parent != nil {
		connections = append(connections, m.parent)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, c := range connections {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
