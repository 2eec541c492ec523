// Package fastlog implements a small, allocation-light structured logger
// for the per-packet hot path. It is not a general purpose logging
// facade: each call site builds one Line, appends typed fields, and
// writes it. Nothing here retains the Line after Write returns.
package fastlog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Out is the default destination for Write. Tests may replace it.
var Out io.Writer = os.Stderr

var linePool = sync.Pool{
	New: func() any { return &Line{buf: &strings.Builder{}} },
}

// Line accumulates typed fields for a single structured log entry.
type Line struct {
	buf    *strings.Builder
	module string
	msg    string
}

// NewLine starts a new Line tagged with the owning module and message.
func NewLine(module string, msg string) *Line {
	l := linePool.Get().(*Line)
	l.buf.Reset()
	l.module = module
	l.msg = msg
	return l
}

func (l *Line) field(key, val string) *Line {
	l.buf.WriteByte(' ')
	l.buf.WriteString(key)
	l.buf.WriteByte('=')
	l.buf.WriteString(val)
	return l
}

// String appends a string field.
func (l *Line) String(key, val string) *Line { return l.field(key, val) }

// Int appends an integer field.
func (l *Line) Int(key string, val int) *Line { return l.field(key, fmt.Sprintf("%d", val)) }

// Bool appends a boolean field.
func (l *Line) Bool(key string, val bool) *Line { return l.field(key, fmt.Sprintf("%t", val)) }

// IP appends a field implementing fmt.Stringer - used for address.IPv4/IPv6 values.
func (l *Line) IP(key string, val fmt.Stringer) *Line { return l.field(key, val.String()) }

// MAC appends a field implementing fmt.Stringer - used for address.Addr (MAC) values.
func (l *Line) MAC(key string, val fmt.Stringer) *Line { return l.field(key, val.String()) }

// Struct appends any value via its String() method when it implements
// fmt.Stringer, otherwise via its %+v form.
func (l *Line) Struct(key string, val any) *Line {
	if s, ok := val.(fmt.Stringer); ok {
		return l.field(key, s.String())
	}
	return l.field(key, fmt.Sprintf("%+v", val))
}

// Error appends the error field; a nil error renders as "<nil>".
func (l *Line) Error(err error) *Line {
	if err == nil {
		return l.field("error", "<nil>")
	}
	return l.field("error", err.Error())
}

// Write renders the line to Out and releases the Line to the pool.
func (l *Line) Write() {
	fmt.Fprintf(Out, "%-6s %s%s\n", l.module, l.msg, l.buf.String())
	linePool.Put(l)
}
