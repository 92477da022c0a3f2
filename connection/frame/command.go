package frame

import "bytes"

// Command is the opaque payload of an outbound frame. Equivalent decides whether two
// submissions are the same request, so that one of them can ride on the other's
// acknowledgement instead of being written twice.
type Command interface {
	Op() string
	Payload() ([]byte, error)
	Equivalent(other Command) bool
}

// RawCommand is a Command whose payload is already encoded
type RawCommand struct {
	OpName string
	Data   []byte
}

func NewRawCommand(op string, data []byte) *RawCommand {
	return &RawCommand{
		OpName: op,
		Data:   data,
	}
}

func (r *RawCommand) Op() string {
	return r.OpName
}

func (r *RawCommand) Payload() ([]byte, error) {
	return r.Data, nil
}

func (r *RawCommand) Equivalent(other Command) bool {
	o, ok := other.(*RawCommand)
	if !ok || o == nil {
		return false
	}
	return r.OpName == o.OpName && bytes.Equal(r.Data, o.Data)
}
