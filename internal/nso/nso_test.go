package nso

import (
	"encoding/binary"
	"testing"
)

// buildRaw assembles a minimal, uncompressed NSO0 buffer with the given
// segment payloads laid out back to back after the 0x100-byte header.
func buildRaw(text, rodata, data []byte, buildID [32]byte) []byte {
	textOff := uint32(headerSize)
	rodataOff := textOff + uint32(len(text))
	dataOff := rodataOff + uint32(len(rodata))

	raw := make([]byte, int(dataOff)+len(data))
	binary.LittleEndian.PutUint32(raw[0:4], magic)
	binary.LittleEndian.PutUint32(raw[0x0C:0x10], 0) // no compression

	binary.LittleEndian.PutUint32(raw[0x10:0x14], textOff)
	binary.LittleEndian.PutUint32(raw[0x14:0x18], 0)
	binary.LittleEndian.PutUint32(raw[0x18:0x1C], uint32(len(text)))

	binary.LittleEndian.PutUint32(raw[0x20:0x24], rodataOff)
	binary.LittleEndian.PutUint32(raw[0x24:0x28], uint32(len(text)))
	binary.LittleEndian.PutUint32(raw[0x28:0x2C], uint32(len(rodata)))

	binary.LittleEndian.PutUint32(raw[0x30:0x34], dataOff)
	binary.LittleEndian.PutUint32(raw[0x34:0x38], uint32(len(text)+len(rodata)))
	binary.LittleEndian.PutUint32(raw[0x38:0x3C], uint32(len(data)))

	copy(raw[0x40:0x60], buildID[:])

	binary.LittleEndian.PutUint32(raw[0x60:0x64], uint32(len(text)))
	binary.LittleEndian.PutUint32(raw[0x64:0x68], uint32(len(rodata)))
	binary.LittleEndian.PutUint32(raw[0x68:0x6C], uint32(len(data)))

	copy(raw[textOff:], text)
	copy(raw[rodataOff:], rodata)
	copy(raw[dataOff:], data)
	return raw
}

func TestParseUncompressed(t *testing.T) {
	text := []byte{0xC0, 0x03, 0x5F, 0xD6} // RET
	rodata := []byte("hello\x00")
	data := []byte{0, 0, 0, 0}
	var buildID [32]byte
	buildID[0] = 0xAB

	img, err := Parse(buildRaw(text, rodata, data, buildID))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(img.BuildID) != 64 {
		t.Fatalf("build id length = %d, want 64", len(img.BuildID))
	}
	if img.BuildID[0:2] != "AB" {
		t.Fatalf("build id = %q, want to start with AB", img.BuildID)
	}
	if !bytesEqual(img.Text.Data, text) {
		t.Fatalf("text data = %v, want %v", img.Text.Data, text)
	}
	if img.TextBase() != img.Base {
		t.Fatalf("text base = 0x%X, want 0x%X", img.TextBase(), img.Base)
	}

	s, err := img.ReadCString(img.RodataBase(), 64)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "hello" {
		t.Fatalf("ReadCString = %q, want %q", s, "hello")
	}
}

func TestParseBadMagic(t *testing.T) {
	raw := make([]byte, headerSize+16)
	if _, err := Parse(raw); err == nil {
		t.Fatal("Parse: want error for missing magic, got nil")
	}
}

func TestParseTooSmall(t *testing.T) {
	if _, err := Parse(make([]byte, 4)); err == nil {
		t.Fatal("Parse: want error for undersized buffer, got nil")
	}
}

func TestReadMemoryOutOfRange(t *testing.T) {
	text := []byte{0xC0, 0x03, 0x5F, 0xD6}
	img, err := Parse(buildRaw(text, nil, nil, [32]byte{}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := img.ReadMemory(img.TextBase()+1000, 4); err == nil {
		t.Fatal("ReadMemory: want error for out-of-range address, got nil")
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
