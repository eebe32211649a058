package host

type (
	// Context holds the context variable values of one logical task.
	Context struct {
		values map[*ContextVar]any
	}

	// ContextVar is a variable whose value depends on the task a thread is
	// currently running.
	ContextVar struct {
		Name    string
		Default any
	}

	// Signal reads a context variable as seen by one thread.
	Signal struct {
		v *ContextVar
		t *Thread
	}
)

func NewContext() *Context {
	return &Context{values: make(map[*ContextVar]any)}
}

// Copy returns a context starting with the values of c, the way a task
// created while c is active sees them.
func (c *Context) Copy() *Context {
	n := NewContext()
	for v, value := range c.values {
		n.values[v] = value
	}
	return n
}

func NewContextVar(name string, def any) *ContextVar {
	return &ContextVar{Name: name, Default: def}
}

// Context returns the context of the task the thread is running.
func (t *Thread) Context() *Context {
	return t.ctx
}

// SwitchContext makes the thread run the task owning c and returns the
// previous context. Event loops call it when they resume another task.
func (t *Thread) SwitchContext(c *Context) *Context {
	previous := t.ctx
	t.ctx = c
	return previous
}

func (v *ContextVar) Get(t *Thread) any {
	if value, ok := t.ctx.values[v]; ok {
		return value
	}
	return v.Default
}

func (v *ContextVar) Set(t *Thread, value any) {
	t.ctx.values[v] = value
}

func (v *ContextVar) Signal(t *Thread) Signal {
	return Signal{v: v, t: t}
}

func (s Signal) Value() any {
	return s.v.Get(s.t)
}
