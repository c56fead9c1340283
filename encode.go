package amqp

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"
	"unicode/utf8"
)

type marshaler interface {
	marshal(writer) error
}

// marshal encodes i onto wr in the AMQP type system. Integral values take
// the smallest legal encoding.
func marshal(wr writer, i interface{}) error {
	var err error
	switch t := i.(type) {
	case nil:
		err = wr.WriteByte(byte(codeNull))
	case bool:
		if t {
			err = wr.WriteByte(byte(codeTrue))
		} else {
			err = wr.WriteByte(byte(codeFalse))
		}
	case *bool:
		return marshal(wr, *t)
	case uint8:
		err = writeByteTyped(wr, codeUbyte, t)
	case uint16:
		err = wr.WriteByte(byte(codeUshort))
		if err != nil {
			return err
		}
		err = binary.Write(wr, binary.BigEndian, t)
	case *uint16:
		return marshal(wr, *t)
	case uint32:
		err = writeUint32(wr, t)
	case *uint32:
		return marshal(wr, *t)
	case uint64:
		err = writeUint64(wr, t)
	case *uint64:
		return marshal(wr, *t)
	case int8:
		err = writeByteTyped(wr, codeByte, uint8(t))
	case int16:
		err = wr.WriteByte(byte(codeShort))
		if err != nil {
			return err
		}
		err = binary.Write(wr, binary.BigEndian, t)
	case int32:
		err = writeInt32(wr, t)
	case int64:
		err = writeInt64(wr, t)
	case int:
		err = writeInt64(wr, int64(t))
	case float32:
		err = wr.WriteByte(byte(codeFloat))
		if err != nil {
			return err
		}
		err = binary.Write(wr, binary.BigEndian, math.Float32bits(t))
	case float64:
		err = wr.WriteByte(byte(codeDouble))
		if err != nil {
			return err
		}
		err = binary.Write(wr, binary.BigEndian, math.Float64bits(t))
	case string:
		err = writeString(wr, t)
	case *string:
		return marshal(wr, *t)
	case []byte:
		err = writeBinary(wr, t)
	case symbol:
		err = writeSymbol(wr, t)
	case []symbol:
		err = writeSymbolArray(wr, t)
	case milliseconds:
		err = writeUint32(wr, uint32(time.Duration(t)/time.Millisecond))
	case time.Time:
		err = writeTimestamp(wr, t)
	case UUID:
		err = wr.WriteByte(byte(codeUUID))
		if err != nil {
			return err
		}
		_, err = wr.Write(t[:])
	case char:
		err = writeChar(wr, rune(t))
	case []interface{}:
		err = writeList(wr, t)
	case map[interface{}]interface{}:
		err = writeMap(wr, t)
	case map[string]interface{}:
		err = writeMap(wr, t)
	case map[symbol]interface{}:
		err = writeMap(wr, t)
	case marshaler:
		return t.marshal(wr)
	default:
		return errorErrorf("marshal not implemented for %T", i)
	}
	return err
}

func writeByteTyped(wr writer, code formatCode, b byte) error {
	err := wr.WriteByte(byte(code))
	if err != nil {
		return err
	}
	return wr.WriteByte(b)
}

func writeUint32(wr writer, n uint32) error {
	if n == 0 {
		return wr.WriteByte(byte(codeUint0))
	}
	if n < 256 {
		return writeByteTyped(wr, codeSmallUint, byte(n))
	}
	err := wr.WriteByte(byte(codeUint))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, n)
}

func writeUint64(wr writer, n uint64) error {
	if n == 0 {
		return wr.WriteByte(byte(codeUlong0))
	}
	if n < 256 {
		return writeByteTyped(wr, codeSmallUlong, byte(n))
	}
	err := wr.WriteByte(byte(codeUlong))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, n)
}

func writeInt32(wr writer, n int32) error {
	if n >= -128 && n <= 127 {
		return writeByteTyped(wr, codeSmallInt, byte(n))
	}
	err := wr.WriteByte(byte(codeInt))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, n)
}

func writeInt64(wr writer, n int64) error {
	if n >= -128 && n <= 127 {
		return writeByteTyped(wr, codeSmallLong, byte(n))
	}
	err := wr.WriteByte(byte(codeLong))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, n)
}

func writeChar(wr writer, c rune) error {
	if !utf8.ValidRune(c) {
		return InvalidCharError(c)
	}
	err := wr.WriteByte(byte(codeChar))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, uint32(c))
}

func writeTimestamp(wr writer, t time.Time) error {
	err := wr.WriteByte(byte(codeTimestamp))
	if err != nil {
		return err
	}
	return binary.Write(wr, binary.BigEndian, t.UnixNano()/int64(time.Millisecond))
}

func writeString(wr writer, str string) error {
	if !utf8.ValidString(str) {
		return errorNew("not a valid UTF-8 string")
	}
	l := len(str)
	if l < 256 {
		err := wr.WriteByte(byte(codeStr8))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(l))
		if err != nil {
			return err
		}
		_, err = wr.WriteString(str)
		return err
	}
	err := wr.WriteByte(byte(codeStr32))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(l))
	if err != nil {
		return err
	}
	_, err = wr.WriteString(str)
	return err
}

func writeBinary(wr writer, bin []byte) error {
	l := len(bin)
	if l < 256 {
		err := wr.WriteByte(byte(codeVbin8))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(l))
		if err != nil {
			return err
		}
		_, err = wr.Write(bin)
		return err
	}
	err := wr.WriteByte(byte(codeVbin32))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(l))
	if err != nil {
		return err
	}
	_, err = wr.Write(bin)
	return err
}

func writeSymbol(wr writer, sym symbol) error {
	if !utf8.ValidString(string(sym)) {
		return errorNew("not a valid UTF-8 string")
	}
	l := len(sym)
	if l < 256 {
		err := wr.WriteByte(byte(codeSym8))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(l))
		if err != nil {
			return err
		}
		_, err = wr.WriteString(string(sym))
		return err
	}
	err := wr.WriteByte(byte(codeSym32))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(l))
	if err != nil {
		return err
	}
	_, err = wr.WriteString(string(sym))
	return err
}

// writeSymbolArray encodes a homogeneous symbol array. Array elements omit
// their constructors, so the widest element fixes the constructor for all
// of them.
func writeSymbolArray(wr writer, syms []symbol) error {
	code := codeSym8
	for _, sym := range syms {
		if len(sym) > 255 {
			code = codeSym32
			break
		}
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	for _, sym := range syms {
		err := writeSymbolElement(buf, sym, code)
		if err != nil {
			return err
		}
	}
	return writeArrayHeader(wr, len(syms), code, buf.Bytes())
}

func writeSymbolElement(wr writer, sym symbol, code formatCode) error {
	if code == codeSym8 {
		err := wr.WriteByte(byte(len(sym)))
		if err != nil {
			return err
		}
		_, err = wr.WriteString(string(sym))
		return err
	}
	err := binary.Write(wr, binary.BigEndian, uint32(len(sym)))
	if err != nil {
		return err
	}
	_, err = wr.WriteString(string(sym))
	return err
}

// writeArrayHeader writes an array header around body. The size prefix
// covers the count field, the element constructor, and the element bodies.
func writeArrayHeader(wr writer, count int, element formatCode, body []byte) error {
	size := len(body)
	if size+2 < 256 && count < 256 {
		err := wr.WriteByte(byte(codeArray8))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(size + 2))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(count))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(element))
		if err != nil {
			return err
		}
		_, err = wr.Write(body)
		return err
	}
	err := wr.WriteByte(byte(codeArray32))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(size+5))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(count))
	if err != nil {
		return err
	}
	err = wr.WriteByte(byte(element))
	if err != nil {
		return err
	}
	_, err = wr.Write(body)
	return err
}

func writeList(wr writer, l []interface{}) error {
	if len(l) == 0 {
		return wr.WriteByte(byte(codeList0))
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	for _, e := range l {
		err := marshal(buf, e)
		if err != nil {
			return err
		}
	}
	return writeCompoundHeader(wr, codeList8, codeList32, len(l), buf.Bytes())
}

func writeMap(wr writer, m interface{}) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	var count int
	switch m := m.(type) {
	case map[interface{}]interface{}:
		count = len(m) * 2
		for k, v := range m {
			if err := marshal(buf, k); err != nil {
				return err
			}
			if err := marshal(buf, v); err != nil {
				return err
			}
		}
	case map[string]interface{}:
		count = len(m) * 2
		for k, v := range m {
			if err := writeString(buf, k); err != nil {
				return err
			}
			if err := marshal(buf, v); err != nil {
				return err
			}
		}
	case map[symbol]interface{}:
		count = len(m) * 2
		for k, v := range m {
			if err := writeSymbol(buf, k); err != nil {
				return err
			}
			if err := marshal(buf, v); err != nil {
				return err
			}
		}
	default:
		return errorErrorf("writeMap not implemented for %T", m)
	}
	return writeCompoundHeader(wr, codeMap8, codeMap32, count, buf.Bytes())
}

// writeCompoundHeader writes a list or map header around body. The size
// prefix covers the count field and the encoded elements.
func writeCompoundHeader(wr writer, code8, code32 formatCode, count int, body []byte) error {
	if len(body)+1 < 256 && count < 256 {
		err := wr.WriteByte(byte(code8))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(len(body) + 1))
		if err != nil {
			return err
		}
		err = wr.WriteByte(byte(count))
		if err != nil {
			return err
		}
		_, err = wr.Write(body)
		return err
	}
	err := wr.WriteByte(byte(code32))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(len(body)+4))
	if err != nil {
		return err
	}
	err = binary.Write(wr, binary.BigEndian, uint32(count))
	if err != nil {
		return err
	}
	_, err = wr.Write(body)
	return err
}

// field is one position in a composite list. An omitted field encodes as
// null unless every later field is omitted too, in which case the list is
// truncated before it.
type field struct {
	value interface{}
	omit  bool
}

func writeComposite(wr writer, code uint64, fields ...field) error {
	last := -1
	for i := len(fields) - 1; i >= 0; i-- {
		if !fields[i].omit {
			last = i
			break
		}
	}

	err := writeDescriptor(wr, code)
	if err != nil {
		return err
	}
	if last == -1 {
		return wr.WriteByte(byte(codeList0))
	}

	buf := bufPool.Get().(*bytes.Buffer)
	defer bufPool.Put(buf)
	buf.Reset()

	for _, f := range fields[:last+1] {
		if f.omit {
			err = buf.WriteByte(byte(codeNull))
		} else {
			err = marshal(buf, f.value)
		}
		if err != nil {
			return err
		}
	}
	return writeCompoundHeader(wr, codeList8, codeList32, last+1, buf.Bytes())
}

func writeDescriptor(wr writer, code uint64) error {
	err := wr.WriteByte(byte(codeDescribed))
	if err != nil {
		return err
	}
	return writeUint64(wr, code)
}
