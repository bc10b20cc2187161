// ABOUTME: Helpers for building synthetic Go heap dumps in tests
// ABOUTME: Writes varints, strings, memory ranges and whole records

package goheap

import (
	"bytes"
	"encoding/binary"
	"io"
)

func writeVarint(w io.Writer, v uint64) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	w.Write(buf[:n])
}

func writeString(w io.Writer, s string) {
	writeVarint(w, uint64(len(s)))
	w.Write([]byte(s))
}

func writeBytes(w io.Writer, b []byte) {
	writeVarint(w, uint64(len(b)))
	w.Write(b)
}

// words encodes little-endian 8-byte words
func words(vals ...uint64) []byte {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], v)
	}
	return b
}

// dumpBuilder writes a dump record by record
type dumpBuilder struct {
	buf bytes.Buffer
}

// newDump starts a 64-bit little-endian dump
func newDump() *dumpBuilder {
	b := &dumpBuilder{}
	b.buf.WriteString(header)
	b.params(8)
	return b
}

func (b *dumpBuilder) varint(vals ...uint64) *dumpBuilder {
	for _, v := range vals {
		writeVarint(&b.buf, v)
	}
	return b
}

func (b *dumpBuilder) params(ptrSize uint64) *dumpBuilder {
	b.varint(tagParams, 0, ptrSize, 0x1000, 0x100000)
	writeString(&b.buf, "amd64")
	writeString(&b.buf, "go1.22.0")
	return b.varint(4)
}

func (b *dumpBuilder) typ(addr, size uint64, name string) *dumpBuilder {
	b.varint(tagType, addr, size)
	writeString(&b.buf, name)
	return b.varint(0)
}

// fields writes a pointer field at every offset
func (b *dumpBuilder) fields(offsets ...uint64) *dumpBuilder {
	for _, off := range offsets {
		b.varint(fieldKindPtr, off)
	}
	return b.varint(fieldKindEol)
}

func (b *dumpBuilder) object(addr uint64, data []byte, offsets ...uint64) *dumpBuilder {
	b.varint(tagObject, addr)
	writeBytes(&b.buf, data)
	return b.fields(offsets...)
}

func (b *dumpBuilder) root(desc string, ptr uint64) *dumpBuilder {
	b.varint(tagOtherRoot)
	writeString(&b.buf, desc)
	return b.varint(ptr)
}

func (b *dumpBuilder) frame(name string, data []byte, offsets ...uint64) *dumpBuilder {
	b.varint(tagStackFrame, 0xc000, 0, 0)
	writeBytes(&b.buf, data)
	b.varint(0x401000, 0x401010, 0x401010)
	writeString(&b.buf, name)
	return b.fields(offsets...)
}

func (b *dumpBuilder) segment(tag, addr uint64, data []byte, offsets ...uint64) *dumpBuilder {
	b.varint(tag, addr)
	writeBytes(&b.buf, data)
	return b.fields(offsets...)
}

func (b *dumpBuilder) finalizer(tag, obj, fn uint64) *dumpBuilder {
	return b.varint(tag, obj, fn, 0x401000, 0, 0)
}

func (b *dumpBuilder) goroutine(id uint64, reason string) *dumpBuilder {
	b.varint(tagGoroutine, 0xc0000, 0xc100, id, 0x401000, 4, 0, 0, 0)
	writeString(&b.buf, reason)
	return b.varint(0, 0, 0, 0)
}

func (b *dumpBuilder) bytes() []byte {
	writeVarint(&b.buf, tagEOF)
	return b.buf.Bytes()
}
