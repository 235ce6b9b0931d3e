package birpc

import (
	"fmt"
)

// Tag is a key of the wire map. The numbers are part of the wire contract.
type Tag int64

const (
	TagType      Tag = 1  // message kind, every frame
	TagArgs      Tag = 6  // positional arguments of CALL and NOTIFY
	TagParams    Tag = 7  // named parameters of CALL and NOTIFY
	TagMethod    Tag = 8  // method name of CALL and NOTIFY
	TagID        Tag = 9  // call id of CALL, RETURN and ERROR
	TagResult    Tag = 11 // result of RETURN
	TagException Tag = 13 // [kind, args] of ERROR
)

// Kind is the value carried under TagType and selects the message variant.
type Kind int64

const (
	KindPing   Kind = 2  // liveness probe, answered with PONG
	KindPong   Kind = 3  // answer to PING
	KindCall   Kind = 4  // request expecting RETURN or ERROR with the same id
	KindNotify Kind = 5  // request without reply
	KindReturn Kind = 10 // successful outcome of a CALL
	KindError  Kind = 11 // failed outcome of a CALL
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindCall:
		return "call"
	case KindNotify:
		return "notify"
	case KindReturn:
		return "return"
	case KindError:
		return "error"
	}
	return fmt.Sprintf("kind(%d)", int64(k))
}

// Params holds named call parameters.
type Params map[string]any

// ErrorDescriptor is the transported form of an error: kind name plus arguments.
type ErrorDescriptor struct {
	Kind string
	Args []any
}

// Message is one protocol frame.
type Message struct {
	Kind      Kind
	Method    string           // CALL, NOTIFY
	Args      []any            // CALL, NOTIFY
	Params    Params           // CALL, NOTIFY
	ID        uint64           // CALL, RETURN, ERROR
	Result    any              // RETURN
	Exception *ErrorDescriptor // ERROR
}

func newCall(id uint64, method string, args []any, params Params) *Message {
	return &Message{Kind: KindCall, ID: id, Method: method, Args: nonNilArgs(args), Params: nonNilParams(params)}
}

func newNotify(method string, args []any, params Params) *Message {
	return &Message{Kind: KindNotify, Method: method, Args: nonNilArgs(args), Params: nonNilParams(params)}
}

func newReturn(id uint64, result any) *Message {
	return &Message{Kind: KindReturn, ID: id, Result: result}
}

func newError(id uint64, d ErrorDescriptor) *Message {
	d.Args = nonNilArgs(d.Args)
	return &Message{Kind: KindError, ID: id, Exception: &d}
}

var (
	pingMessage = &Message{Kind: KindPing}
	pongMessage = &Message{Kind: KindPong}
)

func nonNilArgs(args []any) []any {
	if args == nil {
		return []any{}
	}
	return args
}

func nonNilParams(params Params) Params {
	if params == nil {
		return Params{}
	}
	return params
}

// splitArgs separates Params values from positional arguments; several Params
// values are merged left to right.
func splitArgs(in []any) ([]any, Params) {
	args := make([]any, 0, len(in))
	var params Params
	for _, a := range in {
		p, ok := a.(Params)
		if !ok {
			args = append(args, a)
			continue
		}
		if params == nil {
			params = make(Params, len(p))
		}
		for k, v := range p {
			params[k] = v
		}
	}
	return args, params
}
