// Package connpool implements the stable-index connection table: a
// free-list-backed array mapping connection ids to their socket descriptor
// and outbound staging area.
package connpool

import "github.com/ehrlich-b/tachyon/internal/stage"

// Conn holds the per-connection state a worker tracks between accept and
// close.
type Conn struct {
	FD     int
	Stage  *stage.Stage
	// KernelBufferID is the most recent kernel receive buffer associated
	// with this connection. It is only meaningful in speculative-read mode.
	KernelBufferID uint16
	HasBufferHint  bool
}

// Table is a dense, reusable-id container: Insert returns a freely
// reusable id, Remove frees the slot without shifting other ids.
//
// Table is not safe for concurrent use; each worker owns exactly one Table.
type Table struct {
	conns []*Conn
	free  []int32
}

// New creates an empty table. capacityHint pre-sizes the backing array to
// avoid reallocation under steady-state load.
func New(capacityHint int) *Table {
	return &Table{
		conns: make([]*Conn, 0, capacityHint),
	}
}

// Insert assigns a new connection id to c and returns it.
func (t *Table) Insert(c *Conn) int32 {
	if n := len(t.free); n > 0 {
		id := t.free[n-1]
		t.free = t.free[:n-1]
		t.conns[id] = c
		return id
	}
	id := int32(len(t.conns))
	t.conns = append(t.conns, c)
	return id
}

// Get returns the connection for id, or nil if id is out of range or has
// been removed.
func (t *Table) Get(id int32) *Conn {
	if id < 0 || int(id) >= len(t.conns) {
		return nil
	}
	return t.conns[id]
}

// Remove frees id for future reuse and returns the connection that
// occupied it, or nil if it was already empty or out of range.
func (t *Table) Remove(id int32) *Conn {
	if id < 0 || int(id) >= len(t.conns) {
		return nil
	}
	c := t.conns[id]
	if c == nil {
		return nil
	}
	t.conns[id] = nil
	t.free = append(t.free, id)
	return c
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	n := 0
	for _, c := range t.conns {
		if c != nil {
			n++
		}
	}
	return n
}

// Range calls fn for every live connection in id order, stopping early if
// fn returns false. fn must not call Insert or Remove on the same table.
func (t *Table) Range(fn func(id int32, c *Conn) bool) {
	for i, c := range t.conns {
		if c == nil {
			continue
		}
		if !fn(int32(i), c) {
			return
		}
	}
}
