// Package faults converts failures into a transportable record and
// reconstructs an equivalent error on the receiving side.
package faults

import "fmt"

// Record is the wire form of a failure, safe to embed in an envelope.
type Record struct {
	Name    string         `json:"name"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Named lets an error choose the name it travels under. Errors without it
// travel as a plain "Error".
type Named interface {
	FaultName() string
}

// Fielded exposes structured fields that should survive the codec.
type Fielded interface {
	FaultFields() map[string]any
}

// Encode captures err's name, message and fields. Unexported state of
// arbitrary error types is lost; that is the contract.
func Encode(err error) *Record {
	rec := &Record{Name: "Error", Message: err.Error()}
	if n, ok := err.(Named); ok {
		rec.Name = n.FaultName()
	}
	if f, ok := err.(Fielded); ok {
		if fields := f.FaultFields(); len(fields) > 0 {
			rec.Fields = make(map[string]any, len(fields))
			for k, v := range fields {
				rec.Fields[k] = v
			}
		}
	}
	return rec
}

// Ctor rebuilds a concrete error from a decoded record.
type Ctor func(message string, fields map[string]any) error

// Table maps wire names to constructors. Names absent from the table decode
// into *RemoteError so nothing depends on ambient global state.
type Table struct {
	ctors map[string]Ctor
}

// NewTable returns a table preloaded with the protocol's own fault types.
func NewTable() *Table {
	t := &Table{ctors: make(map[string]Ctor)}
	t.Register("NoHandlerError", func(msg string, fields map[string]any) error {
		id, _ := fields["message_id"].(string)
		return &NoHandlerError{MessageID: id}
	})
	return t
}

// Register adds or replaces a constructor for a wire name.
func (t *Table) Register(name string, c Ctor) { t.ctors[name] = c }

// Decode reconstructs an error from rec.
func (t *Table) Decode(rec *Record) error {
	if rec == nil {
		return nil
	}
	if c, ok := t.ctors[rec.Name]; ok {
		return c(rec.Message, rec.Fields)
	}
	return &RemoteError{Name: rec.Name, Message: rec.Message, Fields: rec.Fields}
}

// RemoteError is the fallback reconstruction for fault names the receiver
// has no constructor for. Name, message and fields are carried verbatim.
type RemoteError struct {
	Name    string
	Message string
	Fields  map[string]any
}

func (e *RemoteError) Error() string {
	if e.Name == "" || e.Name == "Error" {
		return e.Message
	}
	return e.Name + ": " + e.Message
}

func (e *RemoteError) FaultName() string           { return e.Name }
func (e *RemoteError) FaultFields() map[string]any { return e.Fields }

// Fault is a plain named error for application handlers that want their
// failures to arrive with a stable name and custom fields.
type Fault struct {
	Name    string
	Message string
	Fields  map[string]any
}

// New builds a named fault.
func New(name, message string) *Fault {
	return &Fault{Name: name, Message: message}
}

func (f *Fault) Error() string               { return f.Message }
func (f *Fault) FaultName() string           { return f.Name }
func (f *Fault) FaultFields() map[string]any { return f.Fields }

// NoHandlerError reports that the final recipient had no handler registered
// for a message id. It is never raised locally, only encoded into replies.
type NoHandlerError struct {
	MessageID string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for message %q", e.MessageID)
}

func (e *NoHandlerError) FaultName() string { return "NoHandlerError" }

func (e *NoHandlerError) FaultFields() map[string]any {
	return map[string]any{"message_id": e.MessageID}
}
