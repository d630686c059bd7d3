package transition

import "sync"

// Context is the state shared by the transition engine and its steps. Term
// and role change only after a transition completed successfully.
type Context struct {
	partition string

	mu   sync.RWMutex
	term uint64
	role Role
}

// NewContext returns an inactive context at term 0.
func NewContext(partition string) *Context {
	return &Context{partition: partition, role: RoleInactive}
}

// Partition returns the partition id.
func (c *Context) Partition() string {
	return c.partition
}

// CurrentTerm returns the term of the last completed transition.
func (c *Context) CurrentTerm() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.term
}

// CurrentRole returns the role of the last completed transition.
func (c *Context) CurrentRole() Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Context) set(term uint64, role Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.term = term
	c.role = role
}
