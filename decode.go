package amqp

import (
	"math"
	"reflect"
	"time"
	"unicode/utf8"
)

type unmarshaler interface {
	unmarshal(r *buffer) error
}

// unmarshal decodes the next value from r into i, which must be a pointer.
//
// A pointer-to-pointer target is allocated on demand, letting optional
// composite fields stay nil when the wire value is null.
func unmarshal(r *buffer, i interface{}) error {
	switch t := i.(type) {
	case *int:
		val, err := readInt(r)
		if err != nil {
			return err
		}
		*t = val
	case *int8:
		val, err := readSbyte(r)
		if err != nil {
			return err
		}
		*t = val
	case *int16:
		val, err := readShort(r)
		if err != nil {
			return err
		}
		*t = val
	case *int32:
		val, err := readInt32(r)
		if err != nil {
			return err
		}
		*t = val
	case *int64:
		val, err := readLong(r)
		if err != nil {
			return err
		}
		*t = val
	case *uint64:
		val, err := readUlong(r)
		if err != nil {
			return err
		}
		*t = val
	case *uint32:
		val, err := readUint32(r)
		if err != nil {
			return err
		}
		*t = val
	case *uint16:
		val, err := readUshort(r)
		if err != nil {
			return err
		}
		*t = val
	case *uint8:
		val, err := readUbyte(r)
		if err != nil {
			return err
		}
		*t = val
	case *float32:
		val, err := readFloat(r)
		if err != nil {
			return err
		}
		*t = val
	case *float64:
		val, err := readDouble(r)
		if err != nil {
			return err
		}
		*t = val
	case *char:
		val, err := readChar(r)
		if err != nil {
			return err
		}
		*t = val
	case *string:
		val, err := readString(r)
		if err != nil {
			return err
		}
		*t = val
	case *symbol:
		val, err := readSymbol(r)
		if err != nil {
			return err
		}
		*t = val
	case *[]byte:
		val, err := readBinary(r)
		if err != nil {
			return err
		}
		*t = val
	case *bool:
		val, err := readBool(r)
		if err != nil {
			return err
		}
		*t = val
	case *time.Time:
		val, err := readTimestamp(r)
		if err != nil {
			return err
		}
		*t = val
	case *UUID:
		val, err := readUUID(r)
		if err != nil {
			return err
		}
		*t = val
	case *milliseconds:
		val, err := readUint32(r)
		if err != nil {
			return err
		}
		*t = milliseconds(time.Duration(val) * time.Millisecond)
	case *role:
		val, err := readBool(r)
		if err != nil {
			return err
		}
		*t = role(val)
	case *SenderSettleMode:
		val, err := readUbyte(r)
		if err != nil {
			return err
		}
		if val > uint8(ModeMixed) {
			return &UnknownEnumOptionError{Type: "snd-settle-mode", Value: val}
		}
		*t = SenderSettleMode(val)
	case *ReceiverSettleMode:
		val, err := readUbyte(r)
		if err != nil {
			return err
		}
		if val > uint8(ModeSecond) {
			return &UnknownEnumOptionError{Type: "rcv-settle-mode", Value: val}
		}
		*t = ReceiverSettleMode(val)
	case *[]symbol:
		val, err := readSymbolArray(r)
		if err != nil {
			return err
		}
		*t = val
	case *map[interface{}]interface{}:
		val, err := readAnyMap(r)
		if err != nil {
			return err
		}
		*t = val
	case *map[string]interface{}:
		val, err := readStringMap(r)
		if err != nil {
			return err
		}
		*t = val
	case *map[symbol]interface{}:
		val, err := readSymbolMap(r)
		if err != nil {
			return err
		}
		*t = val
	case *deliveryState:
		val, err := readDeliveryState(r)
		if err != nil {
			return err
		}
		*t = val
	case *interface{}:
		val, err := readAny(r)
		if err != nil {
			return err
		}
		*t = val
	case unmarshaler:
		return t.unmarshal(r)
	default:
		v := reflect.ValueOf(i)
		if v.Kind() != reflect.Ptr || v.Elem().Kind() != reflect.Ptr {
			return errorErrorf("unable to unmarshal %T", i)
		}
		// pointer to pointer, allocate and retry with the inner pointer
		alloc := reflect.New(v.Elem().Type().Elem())
		err := unmarshal(r, alloc.Interface())
		if err != nil {
			return err
		}
		v.Elem().Set(alloc)
	}
	return nil
}

// dest is one position in a composite list being decoded. onNull runs when
// the field is null or the list ends before it.
type dest struct {
	target interface{}
	onNull nullHandler
}

type nullHandler func() error

// required rejects null for a mandatory field.
func required(name string) nullHandler {
	return func() error {
		return &RequiredFieldOmittedError{Field: name}
	}
}

// defaultUint32 substitutes v for a null field.
func defaultUint32(p *uint32, v uint32) nullHandler {
	return func() error {
		*p = v
		return nil
	}
}

func defaultUint16(p *uint16, v uint16) nullHandler {
	return func() error {
		*p = v
		return nil
	}
}

// readComposite decodes a composite value into the given field targets,
// after checking its descriptor against code. Null fields and fields past
// the end of the list run their onNull handler; a nil handler leaves the
// target untouched.
func readComposite(r *buffer, code uint64, fields ...dest) error {
	desc, count, size, err := readCompositeHeader(r)
	if err == errNull {
		return InvalidFormatCodeError(byte(codeNull))
	}
	if err != nil {
		return err
	}
	if desc != code {
		return &InvalidDescriptorError{Descriptor: desc}
	}
	if count > len(fields) {
		return errorErrorf("composite 0x%02x has %d fields, expected at most %d", code, count, len(fields))
	}

	start := r.i
	for i, f := range fields {
		if i >= count {
			if f.onNull != nil {
				if err := f.onNull(); err != nil {
					return err
				}
			}
			continue
		}

		c, err := r.peekByte()
		if err != nil {
			return err
		}
		if formatCode(c) == codeNull {
			r.i++
			if f.onNull != nil {
				if err := f.onNull(); err != nil {
					return err
				}
			}
			continue
		}
		if err := unmarshal(r, f.target); err != nil {
			return errorWrapf(err, "decoding composite 0x%02x field %d", code, i)
		}
	}
	if r.i-start != size {
		return errorWrapf(ErrUnparsedBytesLeft, "composite 0x%02x declared %d body bytes, consumed %d", code, size, r.i-start)
	}
	return nil
}

// readCompositeHeader consumes a descriptor and the following list header,
// returning the descriptor code, the field count and the list body size.
// errNull is returned when the value is null rather than a composite.
func readCompositeHeader(r *buffer) (uint64, int, int, error) {
	c, err := r.peekByte()
	if err != nil {
		return 0, 0, 0, err
	}
	if formatCode(c) == codeNull {
		r.i++
		return 0, 0, 0, errNull
	}

	desc, err := readDescriptor(r)
	if err != nil {
		return 0, 0, 0, err
	}
	count, size, err := readCompoundHeader(r, "composite list", codeList0, codeList8, codeList32)
	if err != nil {
		return 0, 0, 0, err
	}
	return desc, count, size, nil
}

// descriptorByName maps symbolic descriptors onto their numeric codes.
var descriptorByName = map[symbol]uint64{
	"amqp:open:list":                  descOpen,
	"amqp:begin:list":                 descBegin,
	"amqp:attach:list":                descAttach,
	"amqp:flow:list":                  descFlow,
	"amqp:transfer:list":              descTransfer,
	"amqp:disposition:list":           descDisposition,
	"amqp:detach:list":                descDetach,
	"amqp:end:list":                   descEnd,
	"amqp:close:list":                 descClose,
	"amqp:error:list":                 descError,
	"amqp:received:list":              descReceived,
	"amqp:accepted:list":              descAccepted,
	"amqp:rejected:list":              descRejected,
	"amqp:released:list":              descReleased,
	"amqp:modified:list":              descModified,
	"amqp:source:list":                descSource,
	"amqp:target:list":                descTarget,
	"amqp:sasl-mechanisms:list":       descSASLMechanisms,
	"amqp:sasl-init:list":             descSASLInit,
	"amqp:sasl-challenge:list":        descSASLChallenge,
	"amqp:sasl-response:list":         descSASLResponse,
	"amqp:sasl-outcome:list":          descSASLOutcome,
	"amqp:header:list":                descMessageHeader,
	"amqp:delivery-annotations:map":   descDeliveryAnnotations,
	"amqp:message-annotations:map":    descMessageAnnotations,
	"amqp:properties:list":            descMessageProperties,
	"amqp:application-properties:map": descApplicationProperties,
	"amqp:data:binary":                descData,
	"amqp:amqp-sequence:list":         descAMQPSequence,
	"amqp:amqp-value:*":               descAMQPValue,
	"amqp:footer:map":                 descFooter,
}

// readDescriptor consumes a 0x00 constructor and its descriptor value. A
// numeric descriptor is returned directly, a symbolic one is resolved
// through descriptorByName.
func readDescriptor(r *buffer) (uint64, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeDescribed {
		return 0, InvalidFormatCodeError(c)
	}

	c, err = r.peekByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeSym8, codeSym32:
		name, err := readSymbol(r)
		if err != nil {
			return 0, err
		}
		code, ok := descriptorByName[name]
		if !ok {
			return 0, &InvalidDescriptorError{Descriptor: name}
		}
		return code, nil
	default:
		return readUlong(r)
	}
}

// peekDescriptor returns the descriptor code of the composite at the read
// position without consuming it.
func peekDescriptor(r *buffer) (uint64, error) {
	save := r.i
	desc, err := readDescriptor(r)
	r.i = save
	return desc, err
}

// readCompoundHeader reads a list or map header and returns the element
// count and body size. The size prefix must agree with the count and the
// remaining input.
func readCompoundHeader(r *buffer, typ string, code0, code8, code32 formatCode) (count, size int, err error) {
	c, err := r.readByte()
	if err != nil {
		return 0, 0, err
	}
	switch formatCode(c) {
	case code0:
		return 0, 0, nil
	case code8:
		sz, err := r.readByte()
		if err != nil {
			return 0, 0, err
		}
		if sz < 1 {
			return 0, 0, &InvalidSizeError{Type: typ, Size: int(sz)}
		}
		n, err := r.readByte()
		if err != nil {
			return 0, 0, err
		}
		count, size = int(n), int(sz)-1
	case code32:
		sz, err := r.readUint32()
		if err != nil {
			return 0, 0, err
		}
		if sz < 4 {
			return 0, 0, &InvalidSizeError{Type: typ, Size: int(sz)}
		}
		n, err := r.readUint32()
		if err != nil {
			return 0, 0, err
		}
		count, size = int(n), int(sz)-4
	default:
		return 0, 0, InvalidFormatCodeError(c)
	}
	if size > r.len() || count > size {
		return 0, 0, &InvalidSizeError{Type: typ, Size: size}
	}
	return count, size, nil
}

func readBool(r *buffer) (bool, error) {
	c, err := r.readByte()
	if err != nil {
		return false, err
	}
	switch formatCode(c) {
	case codeTrue:
		return true, nil
	case codeFalse:
		return false, nil
	case codeBool:
		b, err := r.readByte()
		if err != nil {
			return false, err
		}
		switch b {
		case 0:
			return false, nil
		case 1:
			return true, nil
		default:
			return false, &UnknownEnumOptionError{Type: "boolean", Value: b}
		}
	default:
		return false, InvalidFormatCodeError(c)
	}
}

func readUbyte(r *buffer) (uint8, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeUbyte {
		return 0, InvalidFormatCodeError(c)
	}
	return r.readByte()
}

func readUshort(r *buffer) (uint16, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeUshort {
		return 0, InvalidFormatCodeError(c)
	}
	return r.readUint16()
}

func readUint32(r *buffer) (uint32, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeUint0:
		return 0, nil
	case codeSmallUint:
		b, err := r.readByte()
		return uint32(b), err
	case codeUint:
		return r.readUint32()
	default:
		return 0, InvalidFormatCodeError(c)
	}
}

func readUlong(r *buffer) (uint64, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeUlong0:
		return 0, nil
	case codeSmallUlong:
		b, err := r.readByte()
		return uint64(b), err
	case codeUlong:
		return r.readUint64()
	default:
		return 0, InvalidFormatCodeError(c)
	}
}

func readSbyte(r *buffer) (int8, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeByte {
		return 0, InvalidFormatCodeError(c)
	}
	b, err := r.readByte()
	return int8(b), err
}

func readShort(r *buffer) (int16, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeShort {
		return 0, InvalidFormatCodeError(c)
	}
	n, err := r.readUint16()
	return int16(n), err
}

func readInt32(r *buffer) (int32, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeSmallInt:
		b, err := r.readByte()
		return int32(int8(b)), err
	case codeInt:
		n, err := r.readUint32()
		return int32(n), err
	default:
		return 0, InvalidFormatCodeError(c)
	}
}

func readLong(r *buffer) (int64, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeSmallLong:
		b, err := r.readByte()
		return int64(int8(b)), err
	case codeLong:
		n, err := r.readUint64()
		return int64(n), err
	default:
		return 0, InvalidFormatCodeError(c)
	}
}

// readInt accepts any signed integral encoding that fits the platform int.
func readInt(r *buffer) (int, error) {
	c, err := r.peekByte()
	if err != nil {
		return 0, err
	}
	switch formatCode(c) {
	case codeSmallInt, codeInt:
		n, err := readInt32(r)
		return int(n), err
	case codeSmallLong, codeLong:
		n, err := readLong(r)
		return int(n), err
	default:
		return 0, InvalidFormatCodeError(c)
	}
}

func readFloat(r *buffer) (float32, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeFloat {
		return 0, InvalidFormatCodeError(c)
	}
	n, err := r.readUint32()
	return math.Float32frombits(n), err
}

func readDouble(r *buffer) (float64, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeDouble {
		return 0, InvalidFormatCodeError(c)
	}
	n, err := r.readUint64()
	return math.Float64frombits(n), err
}

// readChar rejects values outside the Unicode scalar range.
func readChar(r *buffer) (char, error) {
	c, err := r.readByte()
	if err != nil {
		return 0, err
	}
	if formatCode(c) != codeChar {
		return 0, InvalidFormatCodeError(c)
	}
	n, err := r.readUint32()
	if err != nil {
		return 0, err
	}
	if !utf8.ValidRune(rune(n)) || n > utf8.MaxRune {
		return 0, InvalidCharError(n)
	}
	return char(n), nil
}

func readTimestamp(r *buffer) (time.Time, error) {
	c, err := r.readByte()
	if err != nil {
		return time.Time{}, err
	}
	if formatCode(c) != codeTimestamp {
		return time.Time{}, InvalidFormatCodeError(c)
	}
	n, err := r.readUint64()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(n)/1000, (int64(n)%1000)*int64(time.Millisecond)).UTC(), nil
}

func readUUID(r *buffer) (UUID, error) {
	var u UUID
	c, err := r.readByte()
	if err != nil {
		return u, err
	}
	if formatCode(c) != codeUUID {
		return u, InvalidFormatCodeError(c)
	}
	s, err := r.next(16)
	if err != nil {
		return u, err
	}
	copy(u[:], s)
	return u, nil
}

// readVariable reads the body of a str, vbin or sym value. The returned
// slice aliases the input.
func readVariable(r *buffer, code8, code32 formatCode) ([]byte, error) {
	c, err := r.readByte()
	if err != nil {
		return nil, err
	}
	var n int
	switch formatCode(c) {
	case code8:
		b, err := r.readByte()
		if err != nil {
			return nil, err
		}
		n = int(b)
	case code32:
		v, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		if v > math.MaxInt32 {
			return nil, &InvalidSizeError{Type: "variable-width value", Size: int(int32(v))}
		}
		n = int(v)
	default:
		return nil, InvalidFormatCodeError(c)
	}
	return r.next(n)
}

func readString(r *buffer) (string, error) {
	b, err := readVariable(r, codeStr8, codeStr32)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readSymbol(r *buffer) (symbol, error) {
	b, err := readVariable(r, codeSym8, codeSym32)
	if err != nil {
		return "", err
	}
	return symbol(b), nil
}

func readBinary(r *buffer) ([]byte, error) {
	b, err := readVariable(r, codeVbin8, codeVbin32)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func readSymbolArray(r *buffer) ([]symbol, error) {
	c, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	// a single symbol is accepted where a multiple-valued field holds
	// one element
	if fc := formatCode(c); fc == codeSym8 || fc == codeSym32 {
		sym, err := readSymbol(r)
		if err != nil {
			return nil, err
		}
		return []symbol{sym}, nil
	}

	count, element, size, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	if element != codeSym8 && element != codeSym32 {
		return nil, InvalidFormatCodeError(byte(element))
	}
	start := r.i
	syms := make([]symbol, 0, count)
	for i := 0; i < count; i++ {
		var n int
		if element == codeSym8 {
			b, err := r.readByte()
			if err != nil {
				return nil, err
			}
			n = int(b)
		} else {
			v, err := r.readUint32()
			if err != nil {
				return nil, err
			}
			n = int(v)
		}
		b, err := r.next(n)
		if err != nil {
			return nil, err
		}
		syms = append(syms, symbol(b))
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "array declared %d element bytes, consumed %d", size, r.i-start)
	}
	return syms, nil
}

// readArrayHeader returns the element count, the element constructor and
// the number of element bytes that follow.
func readArrayHeader(r *buffer) (int, formatCode, int, error) {
	count, size, err := readCompoundHeader(r, "array", 0xff, codeArray8, codeArray32)
	if err != nil {
		return 0, 0, 0, err
	}
	c, err := r.readByte()
	if err != nil {
		return 0, 0, 0, err
	}
	// the constructor octet counts against the declared size
	return count, formatCode(c), size - 1, nil
}

func readAnyMap(r *buffer) (map[interface{}]interface{}, error) {
	count, size, err := readCompoundHeader(r, "map", 0xff, codeMap8, codeMap32)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, errorErrorf("map has odd number of elements: %d", count)
	}
	start := r.i
	m := make(map[interface{}]interface{}, count/2)
	for i := 0; i < count/2; i++ {
		k, err := readAny(r)
		if err != nil {
			return nil, err
		}
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "map declared %d body bytes, consumed %d", size, r.i-start)
	}
	return m, nil
}

func readStringMap(r *buffer) (map[string]interface{}, error) {
	count, size, err := readCompoundHeader(r, "map", 0xff, codeMap8, codeMap32)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, errorErrorf("map has odd number of elements: %d", count)
	}
	start := r.i
	m := make(map[string]interface{}, count/2)
	for i := 0; i < count/2; i++ {
		k, err := readString(r)
		if err != nil {
			return nil, err
		}
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "map declared %d body bytes, consumed %d", size, r.i-start)
	}
	return m, nil
}

func readSymbolMap(r *buffer) (map[symbol]interface{}, error) {
	count, size, err := readCompoundHeader(r, "map", 0xff, codeMap8, codeMap32)
	if err != nil {
		return nil, err
	}
	if count%2 != 0 {
		return nil, errorErrorf("map has odd number of elements: %d", count)
	}
	start := r.i
	m := make(map[symbol]interface{}, count/2)
	for i := 0; i < count/2; i++ {
		k, err := readSymbol(r)
		if err != nil {
			return nil, err
		}
		v, err := readAny(r)
		if err != nil {
			return nil, err
		}
		m[k] = v
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "map declared %d body bytes, consumed %d", size, r.i-start)
	}
	return m, nil
}

func readAnyList(r *buffer) ([]interface{}, error) {
	count, size, err := readCompoundHeader(r, "list", codeList0, codeList8, codeList32)
	if err != nil {
		return nil, err
	}
	start := r.i
	l := make([]interface{}, count)
	for i := range l {
		l[i], err = readAny(r)
		if err != nil {
			return nil, err
		}
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "list declared %d body bytes, consumed %d", size, r.i-start)
	}
	return l, nil
}

// readAny decodes a value of any type, driven by its format code.
func readAny(r *buffer) (interface{}, error) {
	c, err := r.peekByte()
	if err != nil {
		return nil, err
	}
	switch formatCode(c) {
	case codeNull:
		r.i++
		return nil, nil
	case codeTrue, codeFalse, codeBool:
		return readBool(r)
	case codeUbyte:
		return readUbyte(r)
	case codeUshort:
		return readUshort(r)
	case codeUint0, codeSmallUint, codeUint:
		return readUint32(r)
	case codeUlong0, codeSmallUlong, codeUlong:
		return readUlong(r)
	case codeByte:
		return readSbyte(r)
	case codeShort:
		return readShort(r)
	case codeSmallInt, codeInt:
		return readInt32(r)
	case codeSmallLong, codeLong:
		return readLong(r)
	case codeFloat:
		return readFloat(r)
	case codeDouble:
		return readDouble(r)
	case codeChar:
		return readChar(r)
	case codeTimestamp:
		return readTimestamp(r)
	case codeUUID:
		return readUUID(r)
	case codeStr8, codeStr32:
		return readString(r)
	case codeSym8, codeSym32:
		return readSymbol(r)
	case codeVbin8, codeVbin32:
		return readBinary(r)
	case codeList0, codeList8, codeList32:
		return readAnyList(r)
	case codeMap8, codeMap32:
		return readAnyMap(r)
	case codeArray8, codeArray32:
		return readAnyArray(r)
	case codeDescribed:
		return readAnyDescribed(r)
	default:
		return nil, InvalidFormatCodeError(c)
	}
}

func readAnyArray(r *buffer) ([]interface{}, error) {
	count, element, size, err := readArrayHeader(r)
	if err != nil {
		return nil, err
	}
	start := r.i
	l := make([]interface{}, count)
	for i := range l {
		l[i], err = readArrayElement(r, element)
		if err != nil {
			return nil, err
		}
	}
	if r.i-start != size {
		return nil, errorWrapf(ErrUnparsedBytesLeft, "array declared %d element bytes, consumed %d", size, r.i-start)
	}
	return l, nil
}

// readArrayElement reads one element body. Array elements share the
// constructor from the array header, so the scalar readers above do not
// apply directly.
func readArrayElement(r *buffer, element formatCode) (interface{}, error) {
	switch element {
	case codeTrue:
		return true, nil
	case codeFalse:
		return false, nil
	case codeBool:
		b, err := r.readByte()
		return b == 1, err
	case codeUbyte:
		return r.readByte()
	case codeUshort:
		return r.readUint16()
	case codeUint:
		return r.readUint32()
	case codeSmallUint:
		b, err := r.readByte()
		return uint32(b), err
	case codeUlong:
		return r.readUint64()
	case codeSmallUlong:
		b, err := r.readByte()
		return uint64(b), err
	case codeByte:
		b, err := r.readByte()
		return int8(b), err
	case codeShort:
		n, err := r.readUint16()
		return int16(n), err
	case codeInt:
		n, err := r.readUint32()
		return int32(n), err
	case codeLong:
		n, err := r.readUint64()
		return int64(n), err
	case codeTimestamp:
		n, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		ms := int64(n)
		return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond)).UTC(), nil
	case codeUUID:
		var u UUID
		s, err := r.next(16)
		if err != nil {
			return u, err
		}
		copy(u[:], s)
		return u, nil
	case codeStr8, codeSym8, codeVbin8:
		n, err := r.readByte()
		if err != nil {
			return nil, err
		}
		b, err := r.next(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case codeStr32, codeSym32, codeVbin32:
		n, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		b, err := r.next(int(n))
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return nil, InvalidFormatCodeError(byte(element))
	}
}

func readAnyDescribed(r *buffer) (interface{}, error) {
	// consume the 0x00 constructor, then the descriptor and value
	if _, err := r.readByte(); err != nil {
		return nil, err
	}
	desc, err := readAny(r)
	if err != nil {
		return nil, err
	}
	value, err := readAny(r)
	if err != nil {
		return nil, err
	}
	return describedType{descriptor: desc, value: value}, nil
}

// readDeliveryState decodes any of the five delivery state composites.
func readDeliveryState(r *buffer) (deliveryState, error) {
	desc, err := peekDescriptor(r)
	if err != nil {
		return nil, err
	}
	var state deliveryState
	switch desc {
	case descReceived:
		state = new(stateReceived)
	case descAccepted:
		state = new(stateAccepted)
	case descRejected:
		state = new(stateRejected)
	case descReleased:
		state = new(stateReleased)
	case descModified:
		state = new(stateModified)
	default:
		return nil, &InvalidDescriptorError{Descriptor: desc}
	}
	return state, unmarshal(r, state)
}
