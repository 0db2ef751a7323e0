package ark

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// builder assembles a well-formed Ark byte blob section by section, so
// tests can corrupt exactly one piece of an otherwise-valid file.
type builder struct {
	mainID    uint32
	functions []Function
	code      []byte
	strings   []string
}

func (b *builder) functionSection() []byte {
	var section bytes.Buffer
	for _, fn := range b.functions {
		putU32(&section, uint32(fn.ID))
		putU32(&section, fn.NameIndex)
		putU32(&section, fn.Arity)
		putU32(&section, fn.LocalsCount)
		putU32(&section, fn.Address)
		putU32(&section, uint32(len(fn.Captures)))
		for _, c := range fn.Captures {
			putU32(&section, c)
		}
	}
	return section.Bytes()
}

func (b *builder) stringSection() []byte {
	var section bytes.Buffer
	for _, s := range b.strings {
		putU32(&section, uint32(len(s)))
		section.WriteString(s)
	}
	return section.Bytes()
}

func putU32(buf *bytes.Buffer, v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	buf.Write(tmp[:])
}

func (b *builder) bytes() []byte {
	var out bytes.Buffer
	out.WriteString("totheark")
	putU32(&out, b.mainID)

	fnSection := b.functionSection()
	putU32(&out, uint32(len(fnSection)))
	out.Write(fnSection)

	putU32(&out, uint32(len(b.code)))
	out.Write(b.code)

	strSection := b.stringSection()
	putU32(&out, uint32(len(strSection)))
	out.Write(strSection)

	return out.Bytes()
}

func validBuilder() *builder {
	return &builder{
		mainID: 0,
		functions: []Function{
			{ID: NewUserFuncId(0), NameIndex: 0, Arity: 0, LocalsCount: 0, Address: 0},
		},
		code:    []byte{0x04}, // RET, for a plausible body
		strings: []string{"main"},
	}
}

func TestLoadRoundTrip(t *testing.T) {
	a, err := Load(validBuilder().bytes())
	require.NoError(t, err)
	require.Equal(t, NewUserFuncId(0), a.Main)
	require.Len(t, a.Functions, 1)
	require.Equal(t, uint32(0), a.Functions[0].Arity)
	require.Equal(t, []byte{0x04}, a.Code)
	require.Equal(t, []string{"main"}, a.Strings)
}

func TestLoadRejectsBadMagic(t *testing.T) {
	data := validBuilder().bytes()
	data[0] = 'X'
	_, err := Load(data)
	require.Error(t, err)
}

func TestLoadRejectsTruncatedHeader(t *testing.T) {
	data := []byte("totheark")
	_, err := Load(data)
	require.Error(t, err)
}

func TestLoadRejectsTruncatedFunctionSection(t *testing.T) {
	data := validBuilder().bytes()
	// Truncate right after the magic+mainID+function-section-length, before
	// any of the declared function bytes arrive.
	truncated := data[:8+4+4]
	_, err := Load(truncated)
	require.Error(t, err)
}

func TestLoadRejectsNonUTF8String(t *testing.T) {
	b := validBuilder()
	b.strings = nil // build the string section by hand below
	data := b.bytes()

	// Splice in a hand-built string section with one invalid UTF-8 entry.
	var badSection bytes.Buffer
	bad := []byte{0xFF, 0xFE}
	putU32(&badSection, uint32(len(bad)))
	badSection.Write(bad)

	var out bytes.Buffer
	prefixLen := len(data) - 4 // everything up to (not including) the trailing empty string-section length
	out.Write(data[:prefixLen])
	putU32(&out, uint32(badSection.Len()))
	out.Write(badSection.Bytes())

	_, err := Load(out.Bytes())
	require.Error(t, err)
}

func TestLoadRejectsTrailingBytes(t *testing.T) {
	data := append(validBuilder().bytes(), 0x00)
	_, err := Load(data)
	require.Error(t, err)
}

func TestLoadRejectsFunctionSectionLeftoverBytes(t *testing.T) {
	b := validBuilder()
	data := b.bytes()

	// Function section length field is at offset 8+4; bump it by one byte
	// beyond what the records actually occupy, without adding that byte to
	// the code/string sections that follow — the loader should see one
	// leftover byte inside the (now-longer) function section and reject it.
	fnLenOffset := 8 + 4
	oldLen := binary.BigEndian.Uint32(data[fnLenOffset : fnLenOffset+4])
	binary.BigEndian.PutUint32(data[fnLenOffset:fnLenOffset+4], oldLen+1)

	_, err := Load(data)
	require.Error(t, err)
}

func TestLoadReadsCapturesMetadata(t *testing.T) {
	b := validBuilder()
	b.functions[0].Captures = []uint32{3, 7}
	a, err := Load(b.bytes())
	require.NoError(t, err)
	require.Equal(t, []uint32{3, 7}, a.Functions[0].Captures)
}

func TestFuncIdNativeRoundTrip(t *testing.T) {
	user := NewUserFuncId(42)
	require.False(t, user.IsNative())
	require.Equal(t, uint32(42), user.Decode())

	native := NewNativeFuncId(7)
	require.True(t, native.IsNative())
	require.Equal(t, uint32(7), native.Decode())
}
