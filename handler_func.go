package birpc

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	peerType    = reflect.TypeOf((*Peer)(nil))
	paramsType  = reflect.TypeOf(Params(nil))
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	anyType     = reflect.TypeOf((*any)(nil)).Elem()
)

// NewFuncHandler builds a Handler from a typed Go function.
//
// The function may start with a context.Context and then a *Peer, both
// optional. Positional parameters follow; a variadic last parameter takes the
// remaining arguments. A final parameter of type Params receives the named
// parameters. Results may be (T, error), error, T or nothing.
//
// Arguments are converted by re-encoding them with msgpack into the declared
// parameter type. Missing arguments get zero values.
func NewFuncHandler(fn any) (Handler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}

	fv := reflect.ValueOf(fn)
	name := runtime.FuncForPC(fv.Pointer()).Name()
	h := &funcHandler{name: name, fn: fv, isVariadic: fnType.IsVariadic()}

	i, n := 0, fnType.NumIn()
	if i < n && fnType.In(i) == contextType {
		h.usesCtx = true
		i++
	}
	if i < n && fnType.In(i) == peerType {
		h.usesPeer = true
		i++
	}
	if !h.isVariadic && i < n && fnType.In(n-1) == paramsType {
		h.usesParams = true
		n--
	}
	for ; i < n; i++ {
		in := fnType.In(i)
		if h.isVariadic && i == fnType.NumIn()-1 {
			in = in.Elem()
		}
		if in.Kind() == reflect.Interface && in != anyType {
			return nil, fmt.Errorf("%q: interface type %s as call parameter not supported", name, in)
		}
		h.ins = append(h.ins, in)
	}

	switch fnType.NumOut() {
	case 0:
	case 1:
		if fnType.Out(0) == errorType {
			h.hasError = true
		} else {
			h.hasResult = true
		}
	case 2:
		if fnType.Out(1) != errorType {
			return nil, fmt.Errorf("%q: second result must be error", name)
		}
		h.hasResult, h.hasError = true, true
	default:
		return nil, fmt.Errorf("%q: handler must return at most (value, error)", name)
	}

	return h, nil
}

type funcHandler struct {
	name       string
	fn         reflect.Value
	isVariadic bool
	usesCtx    bool
	usesPeer   bool
	usesParams bool
	ins        []reflect.Type
	hasResult  bool
	hasError   bool
}

func (h *funcHandler) ServeRPC(ctx context.Context, peer *Peer, args []any, params Params) (any, error) {
	fixed := len(h.ins)
	if h.isVariadic {
		fixed--
	}
	if len(args) > fixed && !h.isVariadic {
		return nil, fmt.Errorf("%q: too many arguments: got %d, want at most %d", h.name, len(args), fixed)
	}

	in := make([]reflect.Value, 0, len(args)+3)
	if h.usesCtx {
		in = append(in, reflect.ValueOf(&ctx).Elem())
	}
	if h.usesPeer {
		in = append(in, reflect.ValueOf(peer))
	}
	for i := 0; i < fixed; i++ {
		if i >= len(args) {
			in = append(in, reflect.Zero(h.ins[i]))
			continue
		}
		v, err := convertArg(args[i], h.ins[i])
		if err != nil {
			return nil, fmt.Errorf("%q: argument #%d: %w", h.name, i, err)
		}
		in = append(in, v)
	}
	if h.isVariadic {
		vType := h.ins[fixed]
		for i := fixed; i < len(args); i++ {
			v, err := convertArg(args[i], vType)
			if err != nil {
				return nil, fmt.Errorf("%q: argument #%d: %w", h.name, i, err)
			}
			in = append(in, v)
		}
	}
	if h.usesParams {
		in = append(in, reflect.ValueOf(nonNilParams(params)))
	}

	out := h.fn.Call(in)

	var (
		res any
		err error
	)
	if h.hasResult {
		res = out[0].Interface()
	}
	if h.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			err = e.Interface().(error)
		}
	}
	return res, err
}

func convertArg(v any, t reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(t), nil
	}
	if t == anyType {
		return reflect.ValueOf(&v).Elem(), nil
	}
	if rv := reflect.ValueOf(v); rv.Type().AssignableTo(t) {
		return rv, nil
	}
	ptr := reflect.New(t)
	if err := remarshal(v, ptr.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return ptr.Elem(), nil
}

// remarshal converts a decoded wire value into dst by encoding it again.
func remarshal(v any, dst any) error {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(b, dst)
}
