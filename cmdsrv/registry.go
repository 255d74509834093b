package cmdsrv

import (
	"github.com/observatory-tools/goacq/errkind"
)

// Method is one remotely callable operation.  The returned value is
// formatted per the reply rules; a returned error becomes an ERROR reply.
type Method func(args []string, kwargs map[string]string) (interface{}, error)

// Tool is a named method table.  Tables are built at registration time;
// anything not in the table is rejected rather than resolved dynamically.
type Tool map[string]Method

// Registry maps tool names to their method tables.  The set of
// registered names is the allow-list for remote access: dispatching to an
// unregistered tool is a permission error, not a lookup miss.
//
// Registration happens at startup, before the server accepts
// connections; dispatch is then read-only and safe for concurrent use.
type Registry struct {
	tools       map[string]Tool
	DefaultTool string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register binds a method table to a tool name.
func (r *Registry) Register(name string, t Tool) {
	r.tools[name] = t
}

// Dispatch resolves and invokes the command.
func (r *Registry) Dispatch(cmd Command) (interface{}, error) {
	tool, ok := r.tools[cmd.Tool]
	if !ok {
		return nil, errkind.Newf(errkind.PermissionDenied, "remote call not allowed: %s", cmd.Tool)
	}
	m, ok := tool[cmd.Method]
	if !ok {
		return nil, errkind.Newf(errkind.Protocol, "unknown command: %s.%s", cmd.Tool, cmd.Method)
	}
	return m(cmd.Args, cmd.Kwargs)
}
