// Package amf0 encodes and decodes AMF0 values and the AMF0-framed RTMP
// command/data messages built on top of them, adapted from
// AgustinSRG/rtmp-server's amf0.go value codec, generalized with a Command
// and a DataMessage wrapper (the teacher's rtmp_session.go assumes such
// wrappers exist but the retrieved copy of the repo does not include the
// file that defines them — this reconstructs them from their call sites).
package amf0

import (
	"encoding/binary"
	"math"
	"sort"
)

// Value type markers.
const (
	TypeNumber      = 0x00
	TypeBool        = 0x01
	TypeString      = 0x02
	TypeObject      = 0x03
	TypeNull        = 0x05
	TypeUndefined   = 0x06
	TypeRef         = 0x07
	TypeArray       = 0x08
	TypeStrictArray = 0x0A
	TypeDate        = 0x0B
	TypeLongString  = 0x0C
	TypeXMLDoc      = 0x0F
	TypeTypedObject = 0x10
	TypeSwitchAMF3  = 0x11

	objectTerm = 0x09
)

// Value is a decoded or to-be-encoded AMF0 value.
type Value struct {
	Type  byte
	Bool  bool
	Str   string
	Num   float64
	Obj   map[string]*Value
	Array []*Value
}

func Number(v float64) *Value { return &Value{Type: TypeNumber, Num: v} }
func String(v string) *Value  { return &Value{Type: TypeString, Str: v} }
func Bool(v bool) *Value      { return &Value{Type: TypeBool, Bool: v} }
func Null() *Value            { return &Value{Type: TypeNull} }
func Undefined() *Value       { return &Value{Type: TypeUndefined} }
func Object(v map[string]*Value) *Value {
	return &Value{Type: TypeObject, Obj: v}
}

func (v *Value) IsUndefined() bool {
	return v == nil || v.Type == TypeUndefined
}

func (v *Value) GetString() string {
	if v == nil {
		return ""
	}
	return v.Str
}

func (v *Value) GetInteger() int64 {
	if v == nil {
		return 0
	}
	return int64(v.Num)
}

func (v *Value) GetBool() bool {
	if v == nil {
		return false
	}
	if v.Type == TypeNumber {
		return v.Num != 0
	}
	return v.Bool
}

func (v *Value) GetProperty(name string) *Value {
	if v == nil || v.Obj == nil {
		return Undefined()
	}
	p := v.Obj[name]
	if p == nil {
		return Undefined()
	}
	return p
}

// Command is a decoded/to-be-encoded AMF0 command message: a string name, a
// transaction id, and a positional list of further arguments (command
// object, then command-specific arguments).
type Command struct {
	Name   string
	TransID float64
	Args   []*Value
}

func (c *Command) Arg(i int) *Value {
	if i < 0 || i >= len(c.Args) {
		return Undefined()
	}
	return c.Args[i]
}

// DataMessage is a decoded/to-be-encoded AMF0 data message (onMetaData,
// @setDataFrame, |RtmpSampleAccess, ...): a tag followed by a positional
// argument list, same shape as Command minus the transaction id.
type DataMessage struct {
	Tag  string
	Args []*Value
}

func (d *DataMessage) Arg(i int) *Value {
	if i < 0 || i >= len(d.Args) {
		return Undefined()
	}
	return d.Args[i]
}

/* ---- encoding ---- */

func EncodeValue(v *Value) []byte {
	if v == nil {
		v = Undefined()
	}
	out := []byte{v.Type}
	switch v.Type {
	case TypeNumber:
		out = append(out, encodeNumber(v.Num)...)
	case TypeBool:
		if v.Bool {
			out = append(out, 0x01)
		} else {
			out = append(out, 0x00)
		}
	case TypeString, TypeXMLDoc:
		out = append(out, encodeString(v.Str)...)
	case TypeLongString:
		out = append(out, encodeLongString(v.Str)...)
	case TypeObject:
		out = append(out, encodeObject(v.Obj)...)
	case TypeArray:
		l := make([]byte, 4)
		binary.BigEndian.PutUint32(l, uint32(len(v.Obj)))
		out = append(out, l...)
		out = append(out, encodeObject(v.Obj)...)
	case TypeStrictArray:
		l := make([]byte, 4)
		binary.BigEndian.PutUint32(l, uint32(len(v.Array)))
		out = append(out, l...)
		for _, e := range v.Array {
			out = append(out, EncodeValue(e)...)
		}
	case TypeNull, TypeUndefined:
		// no payload
	}
	return out
}

func encodeNumber(n float64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, math.Float64bits(n))
	return b
}

func encodeString(s string) []byte {
	b := []byte(s)
	l := make([]byte, 2)
	binary.BigEndian.PutUint16(l, uint16(len(b)))
	return append(l, b...)
}

func encodeLongString(s string) []byte {
	b := []byte(s)
	l := make([]byte, 4)
	binary.BigEndian.PutUint32(l, uint32(len(b)))
	return append(l, b...)
}

func encodeObject(o map[string]*Value) []byte {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]byte, 0)
	for _, k := range keys {
		out = append(out, encodeString(k)...)
		out = append(out, EncodeValue(o[k])...)
	}
	out = append(out, encodeString("")...)
	out = append(out, objectTerm)
	return out
}

// EncodeCommand serializes a command message (name, transaction id, then
// positional arguments) as an AMF0 byte sequence.
func EncodeCommand(c *Command) []byte {
	out := EncodeValue(String(c.Name))
	out = append(out, EncodeValue(Number(c.TransID))...)
	for _, a := range c.Args {
		out = append(out, EncodeValue(a)...)
	}
	return out
}

// EncodeData serializes a data message (tag then positional arguments).
func EncodeData(d *DataMessage) []byte {
	out := EncodeValue(String(d.Tag))
	for _, a := range d.Args {
		out = append(out, EncodeValue(a)...)
	}
	return out
}

/* ---- decoding ---- */

type decoder struct {
	buf []byte
	pos int
}

func (d *decoder) ended() bool { return d.pos >= len(d.buf) }

func (d *decoder) read(n int) []byte {
	if d.pos+n > len(d.buf) {
		n = len(d.buf) - d.pos
		if n < 0 {
			n = 0
		}
	}
	r := d.buf[d.pos : d.pos+n]
	d.pos += n
	return r
}

func (d *decoder) peekByte() byte {
	if d.ended() {
		return objectTerm
	}
	return d.buf[d.pos]
}

func (d *decoder) readValue() *Value {
	if d.ended() {
		return Undefined()
	}
	t := d.read(1)[0]
	v := &Value{Type: t}
	switch t {
	case TypeNumber:
		v.Num = math.Float64frombits(binary.BigEndian.Uint64(d.read(8)))
	case TypeBool:
		v.Bool = d.read(1)[0] != 0
	case TypeString, TypeXMLDoc:
		v.Str = d.readShortString()
	case TypeLongString:
		v.Str = d.readLongString()
	case TypeDate:
		d.read(2)
		v.Num = math.Float64frombits(binary.BigEndian.Uint64(d.read(8)))
	case TypeObject:
		v.Obj = d.readObject()
	case TypeTypedObject:
		v.Str = d.readShortString()
		v.Obj = d.readObject()
	case TypeArray:
		d.read(4)
		v.Obj = d.readObject()
	case TypeStrictArray:
		n := binary.BigEndian.Uint32(d.read(4))
		for i := uint32(0); i < n && !d.ended(); i++ {
			v.Array = append(v.Array, d.readValue())
		}
	case TypeRef:
		d.read(2)
	}
	return v
}

func (d *decoder) readShortString() string {
	l := binary.BigEndian.Uint16(d.read(2))
	return string(d.read(int(l)))
}

func (d *decoder) readLongString() string {
	l := binary.BigEndian.Uint32(d.read(4))
	return string(d.read(int(l)))
}

func (d *decoder) readObject() map[string]*Value {
	o := make(map[string]*Value)
	for !d.ended() && d.peekByte() != objectTerm {
		name := d.readShortString()
		if d.peekByte() == objectTerm {
			break
		}
		o[name] = d.readValue()
	}
	if !d.ended() {
		d.read(1) // consume the terminator marker byte
	}
	return o
}

// DecodeCommand parses an AMF0 command message payload.
func DecodeCommand(payload []byte) *Command {
	d := &decoder{buf: payload}
	name := d.readValue().GetString()
	transID := d.readValue().GetInteger()
	cmd := &Command{Name: name, TransID: float64(transID)}
	for !d.ended() {
		cmd.Args = append(cmd.Args, d.readValue())
	}
	return cmd
}

// DecodeData parses an AMF0 data message payload (no transaction id).
func DecodeData(payload []byte) *DataMessage {
	d := &decoder{buf: payload}
	tag := d.readValue().GetString()
	data := &DataMessage{Tag: tag}
	for !d.ended() {
		data.Args = append(data.Args, d.readValue())
	}
	return data
}
