// Package ark parses the binary Ark artifact format: a header identifying
// the main function, a function table, a raw code blob, and an interned
// string table. It has no notion of a virtual machine; it only turns bytes
// into the sections the VM consumes.
package ark

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// magic is the fixed 8-byte identifier every Ark file starts with.
const magic = "totheark"

// LoadError reports why an Ark file failed to parse. It always carries a
// human-readable reason; Ark files are a VM-internal artifact, so there is
// no expectation a user ever sees this without a host wrapping it.
type LoadError struct {
	Reason string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("corrupt ark file: %s", e.Reason)
}

func loadErrorf(format string, args ...interface{}) error {
	return &LoadError{Reason: fmt.Sprintf(format, args...)}
}

// Ark is the fully parsed content of an Ark binary artifact.
type Ark struct {
	Main      FuncId
	Functions []Function
	Code      []byte
	Strings   []string
}

// Load parses a complete Ark binary artifact from data. Trailing bytes
// after the string section are a hard error, as is any section whose
// declared length exceeds the bytes actually remaining.
func Load(data []byte) (*Ark, error) {
	r := &reader{data: data}

	if err := r.expectMagic(); err != nil {
		return nil, err
	}
	mainID, err := r.readU32()
	if err != nil {
		return nil, loadErrorf("truncated header: %v", err)
	}

	functions, err := r.readFunctionSection()
	if err != nil {
		return nil, err
	}

	code, err := r.readCodeSection()
	if err != nil {
		return nil, err
	}

	strings, err := r.readStringSection()
	if err != nil {
		return nil, err
	}

	if !r.atEnd() {
		return nil, loadErrorf("%d trailing byte(s) after string section", r.remaining())
	}

	return &Ark{
		Main:      FuncId(mainID),
		Functions: functions,
		Code:      code,
		Strings:   strings,
	}, nil
}

// reader is a forward-only cursor over the Ark byte slice. It never panics
// on malformed input: every read that would run past the end of data
// returns a *LoadError instead.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) atEnd() bool {
	return r.pos >= len(r.data)
}

func (r *reader) expectMagic() error {
	if r.remaining() < len(magic) {
		return loadErrorf("file shorter than the %q header", magic)
	}
	got := string(r.data[r.pos : r.pos+len(magic)])
	if got != magic {
		return loadErrorf("bad magic: expected %q, got %q", magic, got)
	}
	r.pos += len(magic)
	return nil
}

func (r *reader) readU32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, loadErrorf("expected 4 more bytes, have %d", r.remaining())
	}
	v := binary.BigEndian.Uint32(r.data[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *reader) readBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, loadErrorf("negative length %d", n)
	}
	if r.remaining() < n {
		return nil, loadErrorf("expected %d more bytes, have %d", n, r.remaining())
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// readFunctionSection reads a u32 byte-length followed by that many bytes
// of function records, each {id, name_index, arity, locals_count, address,
// captures: {length, items}}.
func (r *reader) readFunctionSection() ([]Function, error) {
	length, err := r.readU32()
	if err != nil {
		return nil, loadErrorf("function section: %v", err)
	}
	section, err := r.readBytes(int(length))
	if err != nil {
		return nil, loadErrorf("function section: %v", err)
	}

	sr := &reader{data: section}
	var functions []Function
	for !sr.atEnd() {
		id, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing id: %v", err)
		}
		nameIndex, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing name_index: %v", err)
		}
		arity, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing arity: %v", err)
		}
		localsCount, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing locals_count: %v", err)
		}
		address, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing address: %v", err)
		}
		capturesLen, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("function record: missing captures length: %v", err)
		}
		captures := make([]uint32, 0, capturesLen)
		for i := uint32(0); i < capturesLen; i++ {
			c, err := sr.readU32()
			if err != nil {
				return nil, loadErrorf("function record: truncated captures list: %v", err)
			}
			captures = append(captures, c)
		}

		functions = append(functions, Function{
			ID:          FuncId(id),
			NameIndex:   nameIndex,
			Arity:       arity,
			LocalsCount: localsCount,
			Address:     address,
			Captures:    captures,
		})
	}
	if !sr.atEnd() {
		return nil, loadErrorf("function section: %d byte(s) left over after last record", sr.remaining())
	}
	return functions, nil
}

// readCodeSection reads a u32 byte-length followed by that many raw bytes.
func (r *reader) readCodeSection() ([]byte, error) {
	length, err := r.readU32()
	if err != nil {
		return nil, loadErrorf("code section: %v", err)
	}
	code, err := r.readBytes(int(length))
	if err != nil {
		return nil, loadErrorf("code section: %v", err)
	}
	// Copy so the returned slice doesn't keep the whole input alive via
	// aliasing and so callers may treat it as owned.
	out := make([]byte, len(code))
	copy(out, code)
	return out, nil
}

// readStringSection reads a u32 byte-length followed by a sequence of
// length-prefixed UTF-8 strings totalling that many bytes.
func (r *reader) readStringSection() ([]string, error) {
	length, err := r.readU32()
	if err != nil {
		return nil, loadErrorf("string section: %v", err)
	}
	section, err := r.readBytes(int(length))
	if err != nil {
		return nil, loadErrorf("string section: %v", err)
	}

	sr := &reader{data: section}
	var strs []string
	for !sr.atEnd() {
		strLen, err := sr.readU32()
		if err != nil {
			return nil, loadErrorf("string entry: missing length: %v", err)
		}
		raw, err := sr.readBytes(int(strLen))
		if err != nil {
			return nil, loadErrorf("string entry: %v", err)
		}
		if !utf8.Valid(raw) {
			return nil, loadErrorf("string entry %d is not valid UTF-8", len(strs))
		}
		strs = append(strs, string(raw))
	}
	if !sr.atEnd() {
		return nil, loadErrorf("string section: %d byte(s) left over after last entry", sr.remaining())
	}
	return strs, nil
}
