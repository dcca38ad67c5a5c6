package bacnet

import (
	"encoding/binary"
	"math"
)

// Tag header bits.
const (
	tagClassContext = 0x08
	tagLVTMask      = 0x07
	tagLVTExtended  = 5
	tagLVTOpening   = 6
	tagLVTClosing   = 7
	tagNumExtended  = 15
)

// characterSetUTF8 is the ANSI X3.4 / UTF-8 character set marker.
const (
	characterSetUTF8   = 0
	characterSetLatin1 = 5
)

// opaqueRaw marks an Opaque value whose content is already fully tagged
// wire data (a constructed value we could not interpret).
const opaqueRaw uint8 = 0xFF

// appendTagHeader appends a tag header with the given number, class and
// length/value/type field.
func appendTagHeader(b []byte, number uint8, context bool, length uint32) []byte {
	var first byte
	if number < tagNumExtended {
		first = number << 4
	} else {
		first = tagNumExtended << 4
	}
	if context {
		first |= tagClassContext
	}

	var ext []byte
	if number >= tagNumExtended {
		ext = append(ext, number)
	}

	switch {
	case length < tagLVTExtended:
		first |= byte(length)
	case length <= 253: //nolint:mnd // single-octet extended length limit
		first |= tagLVTExtended
		ext = append(ext, byte(length))
	case length <= math.MaxUint16:
		first |= tagLVTExtended
		ext = append(ext, 254) //nolint:mnd // two-octet length marker
		ext = binary.BigEndian.AppendUint16(ext, uint16(length))
	default:
		first |= tagLVTExtended
		ext = append(ext, 255) //nolint:mnd // four-octet length marker
		ext = binary.BigEndian.AppendUint32(ext, length)
	}

	b = append(b, first)
	return append(b, ext...)
}

func appendOpening(b []byte, number uint8) []byte {
	return append(b, number<<4|tagClassContext|tagLVTOpening)
}

func appendClosing(b []byte, number uint8) []byte {
	return append(b, number<<4|tagClassContext|tagLVTClosing)
}

// unsignedBytes returns the minimal big-endian encoding of v (at least 1 byte).
func unsignedBytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	i := 0
	for i < 7 && buf[i] == 0 {
		i++
	}
	return buf[i:]
}

// signedBytes returns the minimal two's complement encoding of v.
func signedBytes(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	i := 0
	for i < 7 {
		// A leading byte is redundant when it only repeats the sign of the next.
		if (buf[i] == 0x00 && buf[i+1]&0x80 == 0) || (buf[i] == 0xFF && buf[i+1]&0x80 != 0) {
			i++
			continue
		}
		break
	}
	return buf[i:]
}

func appendContextUnsigned(b []byte, number uint8, v uint64) []byte {
	content := unsignedBytes(v)
	b = appendTagHeader(b, number, true, uint32(len(content)))
	return append(b, content...)
}

func appendContextEnumerated(b []byte, number uint8, v uint32) []byte {
	return appendContextUnsigned(b, number, uint64(v))
}

func appendContextBool(b []byte, number uint8, v bool) []byte {
	b = appendTagHeader(b, number, true, 1)
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

func appendContextObjectID(b []byte, number uint8, o ObjectID) []byte {
	b = appendTagHeader(b, number, true, 4) //nolint:mnd // object identifier is 4 octets
	return binary.BigEndian.AppendUint32(b, o.Uint32())
}

func appendContextCharacterString(b []byte, number uint8, s string) []byte {
	b = appendTagHeader(b, number, true, uint32(len(s)+1))
	b = append(b, characterSetUTF8)
	return append(b, s...)
}

// AppendValue appends v with application tagging. A List appends each item
// in order; an Opaque value is re-emitted as it was received.
func AppendValue(b []byte, v Value) []byte {
	switch v.kind {
	case KindNull:
		return appendTagHeader(b, TagNull, false, 0)
	case KindBoolean:
		if v.b {
			return appendTagHeader(b, TagBoolean, false, 1)
		}
		return appendTagHeader(b, TagBoolean, false, 0)
	case KindUnsigned:
		content := unsignedBytes(v.u)
		b = appendTagHeader(b, TagUnsigned, false, uint32(len(content)))
		return append(b, content...)
	case KindEnumerated:
		content := unsignedBytes(v.u)
		b = appendTagHeader(b, TagEnumerated, false, uint32(len(content)))
		return append(b, content...)
	case KindSigned:
		content := signedBytes(v.i)
		b = appendTagHeader(b, TagSigned, false, uint32(len(content)))
		return append(b, content...)
	case KindReal:
		b = appendTagHeader(b, TagReal, false, 4) //nolint:mnd // REAL is 4 octets
		return binary.BigEndian.AppendUint32(b, math.Float32bits(float32(v.f)))
	case KindDouble:
		b = appendTagHeader(b, TagDouble, false, 8) //nolint:mnd // Double is 8 octets
		return binary.BigEndian.AppendUint64(b, math.Float64bits(v.f))
	case KindOctetString:
		b = appendTagHeader(b, TagOctetString, false, uint32(len(v.raw)))
		return append(b, v.raw...)
	case KindCharacterString:
		b = appendTagHeader(b, TagCharacterString, false, uint32(len(v.s)+1))
		b = append(b, characterSetUTF8)
		return append(b, v.s...)
	case KindBitString:
		return appendBitString(b, v.bits)
	case KindObjectID:
		b = appendTagHeader(b, TagObjectID, false, 4) //nolint:mnd // object identifier is 4 octets
		return binary.BigEndian.AppendUint32(b, v.obj.Uint32())
	case KindList:
		for _, item := range v.items {
			b = AppendValue(b, item)
		}
		return b
	case KindOpaque:
		if v.tag == opaqueRaw {
			return append(b, v.raw...)
		}
		b = appendTagHeader(b, v.tag, false, uint32(len(v.raw)))
		return append(b, v.raw...)
	}
	return b
}

func appendBitString(b []byte, bits []bool) []byte {
	octets := (len(bits) + 7) / 8 //nolint:mnd // bits per octet
	unused := octets*8 - len(bits)
	content := make([]byte, 1+octets)
	content[0] = byte(unused)
	for i, bit := range bits {
		if bit {
			content[1+i/8] |= 0x80 >> (i % 8)
		}
	}
	b = appendTagHeader(b, TagBitString, false, uint32(len(content)))
	return append(b, content...)
}

// tagHeader is a decoded tag header.
type tagHeader struct {
	number  uint8
	context bool
	opening bool
	closing bool
	// length is the content length, or the value itself for application booleans.
	length uint32
}

// decoder walks tagged service parameters.
type decoder struct {
	buf []byte
	pos int
}

func newDecoder(b []byte) *decoder {
	return &decoder{buf: b}
}

func (d *decoder) empty() bool {
	return d.pos >= len(d.buf)
}

// peek decodes the next header without consuming it and returns its size.
func (d *decoder) peek() (tagHeader, int, error) {
	if d.empty() {
		return tagHeader{}, 0, malformed("unexpected end of data at offset %d", d.pos)
	}
	p := d.pos
	first := d.buf[p]
	p++

	h := tagHeader{
		number:  first >> 4,
		context: first&tagClassContext != 0,
	}
	if h.number == tagNumExtended {
		if p >= len(d.buf) {
			return tagHeader{}, 0, malformed("truncated extended tag number")
		}
		h.number = d.buf[p]
		p++
	}

	lvt := first & tagLVTMask
	switch {
	case h.context && lvt == tagLVTOpening:
		h.opening = true
	case h.context && lvt == tagLVTClosing:
		h.closing = true
	case lvt == tagLVTExtended:
		if p >= len(d.buf) {
			return tagHeader{}, 0, malformed("truncated extended length")
		}
		n := d.buf[p]
		p++
		switch n {
		case 254: //nolint:mnd // two-octet length marker
			if p+2 > len(d.buf) {
				return tagHeader{}, 0, malformed("truncated 16-bit length")
			}
			h.length = uint32(binary.BigEndian.Uint16(d.buf[p:]))
			p += 2
		case 255: //nolint:mnd // four-octet length marker
			if p+4 > len(d.buf) {
				return tagHeader{}, 0, malformed("truncated 32-bit length")
			}
			h.length = binary.BigEndian.Uint32(d.buf[p:])
			p += 4
		default:
			h.length = uint32(n)
		}
	default:
		h.length = uint32(lvt)
	}
	return h, p - d.pos, nil
}

func (d *decoder) next() (tagHeader, error) {
	h, n, err := d.peek()
	if err != nil {
		return h, err
	}
	d.pos += n
	return h, nil
}

func (d *decoder) content(n uint32) ([]byte, error) {
	if uint64(d.pos)+uint64(n) > uint64(len(d.buf)) {
		return nil, malformed("content of %d bytes overruns buffer at offset %d", n, d.pos)
	}
	c := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return c, nil
}

func (d *decoder) isContext(number uint8) bool {
	h, _, err := d.peek()
	return err == nil && h.context && !h.opening && !h.closing && h.number == number
}

func (d *decoder) isOpening(number uint8) bool {
	h, _, err := d.peek()
	return err == nil && h.opening && h.number == number
}

func (d *decoder) isClosing(number uint8) bool {
	h, _, err := d.peek()
	return err == nil && h.closing && h.number == number
}

func (d *decoder) expectOpening(number uint8) error {
	h, err := d.next()
	if err != nil {
		return err
	}
	if !h.opening || h.number != number {
		return malformed("expected opening tag [%d]", number)
	}
	return nil
}

func (d *decoder) expectClosing(number uint8) error {
	h, err := d.next()
	if err != nil {
		return err
	}
	if !h.closing || h.number != number {
		return malformed("expected closing tag [%d]", number)
	}
	return nil
}

func (d *decoder) contextContent(number uint8) ([]byte, error) {
	h, err := d.next()
	if err != nil {
		return nil, err
	}
	if !h.context || h.opening || h.closing || h.number != number {
		return nil, malformed("expected context tag [%d]", number)
	}
	return d.content(h.length)
}

func (d *decoder) contextUnsigned(number uint8) (uint64, error) {
	c, err := d.contextContent(number)
	if err != nil {
		return 0, err
	}
	return decodeUnsigned(c)
}

func (d *decoder) contextBool(number uint8) (bool, error) {
	c, err := d.contextContent(number)
	if err != nil {
		return false, err
	}
	if len(c) != 1 {
		return false, malformed("context boolean [%d] has %d octets", number, len(c))
	}
	return c[0] != 0, nil
}

func (d *decoder) contextObjectID(number uint8) (ObjectID, error) {
	c, err := d.contextContent(number)
	if err != nil {
		return ObjectID{}, err
	}
	if len(c) != 4 { //nolint:mnd // object identifier is 4 octets
		return ObjectID{}, malformed("object identifier [%d] has %d octets", number, len(c))
	}
	return ObjectIDFromUint32(binary.BigEndian.Uint32(c)), nil
}

func (d *decoder) contextCharacterString(number uint8) (string, error) {
	c, err := d.contextContent(number)
	if err != nil {
		return "", err
	}
	return decodeCharacterString(c)
}

// appValue decodes one application-tagged primitive.
func (d *decoder) appValue() (Value, error) {
	h, err := d.next()
	if err != nil {
		return Value{}, err
	}
	if h.context || h.opening || h.closing {
		return Value{}, malformed("expected application tag, got context tag [%d]", h.number)
	}
	if h.number == TagBoolean {
		return Boolean(h.length != 0), nil
	}
	c, err := d.content(h.length)
	if err != nil {
		return Value{}, err
	}

	switch h.number {
	case TagNull:
		return Null(), nil
	case TagUnsigned:
		u, err := decodeUnsigned(c)
		if err != nil {
			return Value{}, err
		}
		return Unsigned(u), nil
	case TagEnumerated:
		u, err := decodeUnsigned(c)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindEnumerated, u: u}, nil
	case TagSigned:
		i, err := decodeSigned(c)
		if err != nil {
			return Value{}, err
		}
		return Signed(i), nil
	case TagReal:
		if len(c) != 4 { //nolint:mnd // REAL is 4 octets
			return Value{}, malformed("REAL has %d octets", len(c))
		}
		return Real(math.Float32frombits(binary.BigEndian.Uint32(c))), nil
	case TagDouble:
		if len(c) != 8 { //nolint:mnd // Double is 8 octets
			return Value{}, malformed("Double has %d octets", len(c))
		}
		return Double(math.Float64frombits(binary.BigEndian.Uint64(c))), nil
	case TagOctetString:
		return OctetString(append([]byte(nil), c...)), nil
	case TagCharacterString:
		s, err := decodeCharacterString(c)
		if err != nil {
			return Value{}, err
		}
		return CharacterString(s), nil
	case TagBitString:
		return decodeBitString(c)
	case TagObjectID:
		if len(c) != 4 { //nolint:mnd // object identifier is 4 octets
			return Value{}, malformed("object identifier has %d octets", len(c))
		}
		return ObjectIdentifier(ObjectIDFromUint32(binary.BigEndian.Uint32(c))), nil
	}
	return Opaque(h.number, append([]byte(nil), c...)), nil
}

// valuesUntilClosing decodes application values up to the closing tag
// [number], consuming it. A single value is returned as-is, several as a
// List. Constructed data with context tags inside is kept as raw Opaque.
func (d *decoder) valuesUntilClosing(number uint8) (Value, error) {
	start := d.pos
	var items []Value
	for {
		h, _, err := d.peek()
		if err != nil {
			return Value{}, err
		}
		if h.closing && h.number == number {
			break
		}
		if h.context {
			d.pos = start
			raw, err := d.rawUntilClosing(number)
			if err != nil {
				return Value{}, err
			}
			return Opaque(opaqueRaw, raw), nil
		}
		v, err := d.appValue()
		if err != nil {
			return Value{}, err
		}
		items = append(items, v)
	}
	if err := d.expectClosing(number); err != nil {
		return Value{}, err
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return List(items...), nil
}

// rawUntilClosing returns the bytes up to the closing tag [number] at the
// current nesting level and consumes through that closing tag.
func (d *decoder) rawUntilClosing(number uint8) ([]byte, error) {
	start := d.pos
	depth := 0
	for {
		h, err := d.next()
		if err != nil {
			return nil, err
		}
		switch {
		case h.opening:
			depth++
		case h.closing:
			if depth == 0 {
				if h.number != number {
					return nil, malformed("mismatched closing tag [%d], want [%d]", h.number, number)
				}
				// d.pos is past the closing tag; exclude its single octet.
				return append([]byte(nil), d.buf[start:d.pos-1]...), nil
			}
			depth--
		default:
			if !h.context && h.number == TagBoolean {
				continue
			}
			if _, err := d.content(h.length); err != nil {
				return nil, err
			}
		}
	}
}

func decodeUnsigned(c []byte) (uint64, error) {
	if len(c) == 0 || len(c) > 8 {
		return 0, malformed("unsigned has %d octets", len(c))
	}
	var v uint64
	for _, b := range c {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

func decodeSigned(c []byte) (int64, error) {
	if len(c) == 0 || len(c) > 8 {
		return 0, malformed("signed has %d octets", len(c))
	}
	var v int64
	if c[0]&0x80 != 0 {
		v = -1
	}
	for _, b := range c {
		v = v<<8 | int64(b)
	}
	return v, nil
}

func decodeCharacterString(c []byte) (string, error) {
	if len(c) == 0 {
		return "", malformed("character string has no character set octet")
	}
	switch c[0] {
	case characterSetUTF8:
		return string(c[1:]), nil
	case characterSetLatin1:
		runes := make([]rune, len(c)-1)
		for i, b := range c[1:] {
			runes[i] = rune(b)
		}
		return string(runes), nil
	}
	return "", ErrUnsupported
}

func decodeBitString(c []byte) (Value, error) {
	if len(c) == 0 {
		return Value{}, malformed("bit string has no unused-bits octet")
	}
	unused := int(c[0])
	total := (len(c)-1)*8 - unused
	if unused > 7 || total < 0 {
		return Value{}, malformed("bit string unused bits %d invalid", unused)
	}
	bits := make([]bool, total)
	for i := range bits {
		bits[i] = c[1+i/8]&(0x80>>(i%8)) != 0
	}
	return BitString(bits), nil
}
