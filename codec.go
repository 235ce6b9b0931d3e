package birpc

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

const (
	// maxFrameSize bounds one frame. A peer announcing or sending a larger
	// frame is treated as sending a malformed one.
	maxFrameSize = 64 << 20
	// maxDepth bounds the nesting of sequences and mappings in a frame.
	maxDepth = 512
	// maxPrealloc caps capacity taken from a container header.
	maxPrealloc = 1 << 10
)

// EncodeMessage serializes m into one self-delimiting msgpack map.
//
// Tags are written in ascending order. Integers in Args, Params and Result
// are written at full width; on decoding every integer comes back as int64, or
// uint64 when it does not fit.
func EncodeMessage(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := writeMessage(enc, m); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", m.Kind, err)
	}
	return buf.Bytes(), nil
}

func writeMessage(enc *msgpack.Encoder, m *Message) error {
	type field struct {
		tag   Tag
		write func() error
	}
	fields := []field{{TagType, func() error { return enc.EncodeInt(int64(m.Kind)) }}}
	id := field{TagID, func() error { return enc.EncodeInt(int64(m.ID)) }}

	switch m.Kind {
	case KindPing, KindPong:
	case KindCall, KindNotify:
		fields = append(fields,
			field{TagArgs, func() error { return enc.Encode(nonNilArgs(m.Args)) }},
			field{TagParams, func() error { return enc.Encode(map[string]any(nonNilParams(m.Params))) }},
			field{TagMethod, func() error { return enc.EncodeString(m.Method) }},
		)
		if m.Kind == KindCall {
			fields = append(fields, id)
		}
	case KindReturn:
		fields = append(fields, id, field{TagResult, func() error { return enc.Encode(m.Result) }})
	case KindError:
		if m.Exception == nil {
			return errors.New("error frame without exception")
		}
		fields = append(fields, id, field{TagException, func() error {
			if err := enc.EncodeArrayLen(2); err != nil {
				return err
			}
			if err := enc.EncodeString(m.Exception.Kind); err != nil {
				return err
			}
			return enc.Encode(nonNilArgs(m.Exception.Args))
		}})
	default:
		return fmt.Errorf("unknown message kind %d", int64(m.Kind))
	}

	if m.ID > maxCallID {
		return fmt.Errorf("id %d out of range", m.ID)
	}
	if err := enc.EncodeMapLen(len(fields)); err != nil {
		return err
	}
	for _, f := range fields {
		if err := enc.EncodeInt(int64(f.tag)); err != nil {
			return err
		}
		if err := f.write(); err != nil {
			return fmt.Errorf("tag %d: %w", f.tag, err)
		}
	}
	return nil
}

// Decoder is a streaming frame parser. Bytes may be fed in chunks of any size;
// whole messages come out in arrival order. A Decoder is not safe for
// concurrent use.
type Decoder struct {
	buf  []byte
	err  error
	scan frameScanner
}

// Feed appends p to the internal buffer and returns every complete message.
//
// A frame is decoded only once all of its bytes arrived, so an incomplete
// frame costs a walk over the new bytes and nothing else.
//
// Once a malformed frame is seen the decoder is unusable: Feed returns the
// messages decoded before it together with an error wrapping ErrMalformedFrame,
// and every later call returns the same error.
func (d *Decoder) Feed(p []byte) ([]*Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var (
		out []*Message
		off int
	)
	for off < len(d.buf) {
		n, err := d.scan.next(d.buf[off:])
		if err == nil && n == 0 {
			break
		}
		var m *Message
		if err == nil {
			m, err = decodeFrame(d.buf[off : off+n])
		}
		if err != nil {
			d.err = err
			d.buf = nil
			return out, err
		}
		out = append(out, m)
		off += n
	}
	if off > 0 {
		d.buf = append(d.buf[:0], d.buf[off:]...)
	}
	return out, nil
}

// Buffered returns the number of bytes held for an incomplete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// frameScanner finds where a frame ends by walking msgpack headers without
// decoding values. It keeps its place between calls, so every byte of a frame
// is walked once however the frame is split.
type frameScanner struct {
	pos  int    // bytes of the current frame walked so far
	left uint64 // objects still to walk
}

// next walks b, which holds the current frame from its first byte. It returns
// the frame size once the frame is complete and 0 while bytes are missing.
func (s *frameScanner) next(b []byte) (int, error) {
	if s.pos == 0 {
		if c := b[0]; !isMapCode(c) {
			return 0, fmt.Errorf("%w: frame starts with 0x%02x, want a map", ErrMalformedFrame, c)
		}
		s.left = 1
	}
	for s.left > 0 {
		size, items, ok, err := objectSize(b[s.pos:])
		if err != nil {
			return 0, err
		}
		if !ok || uint64(s.pos)+size > uint64(len(b)) {
			if uint64(s.pos)+size > maxFrameSize || len(b) > maxFrameSize {
				return 0, fmt.Errorf("%w: frame exceeds %d bytes", ErrMalformedFrame, maxFrameSize)
			}
			return 0, nil
		}
		s.pos += int(size)
		s.left = s.left - 1 + items
	}
	n := s.pos
	*s = frameScanner{}
	return n, nil
}

// objectSize reads the header at the start of b. size covers the header and
// any inline payload; items is the number of objects a container header
// announces. ok is false when b is too short to hold the header.
func objectSize(b []byte) (size, items uint64, ok bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, nil
	}
	c := b[0]
	length := func(w int) (uint64, bool) {
		if len(b) < 1+w {
			return 0, false
		}
		var n uint64
		for _, x := range b[1 : 1+w] {
			n = n<<8 | uint64(x)
		}
		return n, true
	}

	switch {
	case msgpcode.IsFixedNum(c):
		return 1, 0, true, nil
	case msgpcode.IsFixedMap(c):
		return 1, 2 * uint64(c&msgpcode.FixedMapMask), true, nil
	case msgpcode.IsFixedArray(c):
		return 1, uint64(c & msgpcode.FixedArrayMask), true, nil
	case msgpcode.IsFixedString(c):
		return 1 + uint64(c&msgpcode.FixedStrMask), 0, true, nil
	}

	switch c {
	case msgpcode.Nil, msgpcode.False, msgpcode.True:
		return 1, 0, true, nil
	case msgpcode.Uint8, msgpcode.Int8:
		return 2, 0, true, nil
	case msgpcode.Uint16, msgpcode.Int16:
		return 3, 0, true, nil
	case msgpcode.Uint32, msgpcode.Int32, msgpcode.Float:
		return 5, 0, true, nil
	case msgpcode.Uint64, msgpcode.Int64, msgpcode.Double:
		return 9, 0, true, nil
	case msgpcode.FixExt1:
		return 3, 0, true, nil
	case msgpcode.FixExt2:
		return 4, 0, true, nil
	case msgpcode.FixExt4:
		return 6, 0, true, nil
	case msgpcode.FixExt8:
		return 10, 0, true, nil
	case msgpcode.FixExt16:
		return 18, 0, true, nil
	}

	var (
		width, extra int
		perItem      uint64
	)
	switch c {
	case msgpcode.Bin8, msgpcode.Str8:
		width = 1
	case msgpcode.Bin16, msgpcode.Str16:
		width = 2
	case msgpcode.Bin32, msgpcode.Str32:
		width = 4
	case msgpcode.Ext8:
		width, extra = 1, 1
	case msgpcode.Ext16:
		width, extra = 2, 1
	case msgpcode.Ext32:
		width, extra = 4, 1
	case msgpcode.Array16:
		width, perItem = 2, 1
	case msgpcode.Array32:
		width, perItem = 4, 1
	case msgpcode.Map16:
		width, perItem = 2, 2
	case msgpcode.Map32:
		width, perItem = 4, 2
	default:
		return 0, 0, false, fmt.Errorf("%w: invalid code 0x%02x", ErrMalformedFrame, c)
	}
	n, ok := length(width)
	if !ok {
		return 0, 0, false, nil
	}
	hdr := uint64(1 + width + extra)
	if perItem > 0 {
		return hdr, n * perItem, true, nil
	}
	return hdr + n, 0, true, nil
}

func isMapCode(c byte) bool {
	return msgpcode.IsFixedMap(c) || c == msgpcode.Map16 || c == msgpcode.Map32
}

func isArrayCode(c byte) bool {
	return msgpcode.IsFixedArray(c) || c == msgpcode.Array16 || c == msgpcode.Array32
}

// decodeFrame decodes b, which holds exactly one complete frame.
func decodeFrame(b []byte) (*Message, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(b))

	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, malformedValue(err)
	}
	fields := make(map[Tag]any, min(n, maxPrealloc))
	for i := 0; i < n; i++ {
		k, err := dec.DecodeInterfaceLoose()
		if err != nil {
			return nil, malformedValue(err)
		}
		tag, ok := toInt64(k)
		if !ok {
			return nil, fmt.Errorf("%w: key %v (%T) is not an integer tag", ErrMalformedFrame, k, k)
		}
		v, err := decodeValue(dec, 1)
		if err != nil {
			return nil, malformedValue(err)
		}
		fields[Tag(tag)] = v
	}
	return messageFromFields(fields)
}

func malformedValue(err error) error {
	return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
}

// decodeValue decodes one value. Integers come out as int64 or uint64, floats
// as float64, byte strings as []byte, sequences as []any and mappings as
// described at decodeMap.
func decodeValue(dec *msgpack.Decoder, depth int) (any, error) {
	c, err := dec.PeekCode()
	if err != nil {
		return nil, err
	}
	switch {
	case c == msgpcode.Bin8 || c == msgpcode.Bin16 || c == msgpcode.Bin32:
		return dec.DecodeBytes()
	case isArrayCode(c):
		if depth >= maxDepth {
			return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
		}
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, min(n, maxPrealloc))
		for i := 0; i < n; i++ {
			v, err := decodeValue(dec, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case isMapCode(c):
		if depth >= maxDepth {
			return nil, fmt.Errorf("nesting deeper than %d", maxDepth)
		}
		return decodeMap(dec, depth)
	}
	return dec.DecodeInterfaceLoose()
}

// decodeMap yields map[string]any when every key is a string and
// map[any]any otherwise.
func decodeMap(dec *msgpack.Decoder, depth int) (any, error) {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return nil, err
	}
	type entry struct{ k, v any }
	entries := make([]entry, 0, min(n, maxPrealloc))
	strKeys := true
	for i := 0; i < n; i++ {
		k, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, err
		}
		if _, ok := k.(string); !ok {
			if k != nil && !reflect.TypeOf(k).Comparable() {
				return nil, fmt.Errorf("unhashable map key %T", k)
			}
			strKeys = false
		}
		v, err := decodeValue(dec, depth+1)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry{k, v})
	}
	if strKeys {
		m := make(map[string]any, len(entries))
		for _, e := range entries {
			m[e.k.(string)] = e.v
		}
		return m, nil
	}
	m := make(map[any]any, len(entries))
	for _, e := range entries {
		m[e.k] = e.v
	}
	return m, nil
}

func messageFromFields(f map[Tag]any) (*Message, error) {
	malformed := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrMalformedFrame, fmt.Sprintf(format, args...))
	}

	rawKind, ok := f[TagType]
	if !ok {
		return nil, malformed("missing TYPE")
	}
	k, ok := toInt64(rawKind)
	if !ok {
		return nil, malformed("TYPE is %T, want integer", rawKind)
	}
	m := &Message{Kind: Kind(k)}

	id := func() error {
		raw, ok := f[TagID]
		if !ok {
			return malformed("%s frame without ID", m.Kind)
		}
		v, ok := toUint64(raw)
		if !ok || v > maxCallID {
			return malformed("%s frame has invalid ID %v", m.Kind, raw)
		}
		m.ID = v
		return nil
	}

	switch m.Kind {
	case KindPing, KindPong:
	case KindCall, KindNotify:
		method, ok := f[TagMethod].(string)
		if !ok {
			return nil, malformed("%s frame without string METHOD", m.Kind)
		}
		m.Method = method
		m.Args = []any{}
		if raw, ok := f[TagArgs]; ok && raw != nil {
			if m.Args, ok = raw.([]any); !ok {
				return nil, malformed("ARGS is %T, want sequence", raw)
			}
		}
		m.Params = Params{}
		if raw, ok := f[TagParams]; ok && raw != nil {
			p, ok := raw.(map[string]any)
			if !ok {
				return nil, malformed("PARAMS is %T, want mapping with string keys", raw)
			}
			m.Params = p
		}
		if m.Kind == KindCall {
			if err := id(); err != nil {
				return nil, err
			}
		}
	case KindReturn:
		if err := id(); err != nil {
			return nil, err
		}
		m.Result = f[TagResult]
	case KindError:
		if err := id(); err != nil {
			return nil, err
		}
		raw, ok := f[TagException].([]any)
		if !ok || len(raw) != 2 {
			return nil, malformed("EXCEPTION is %T, want [kind, args]", f[TagException])
		}
		kind, ok := raw[0].(string)
		if !ok {
			return nil, malformed("exception kind is %T, want string", raw[0])
		}
		args := []any{}
		if raw[1] != nil {
			if args, ok = raw[1].([]any); !ok {
				return nil, malformed("exception args is %T, want sequence", raw[1])
			}
		}
		m.Exception = &ErrorDescriptor{Kind: kind, Args: args}
	default:
		return nil, malformed("unknown TYPE %d", k)
	}
	return m, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		if n > 1<<63-1 {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}

func toUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}
