// ABOUTME: Record layouts and low-level decoding for Go heap dumps
// ABOUTME: Reads varints, strings, memory ranges and pointer field lists of every record type

package goheap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// header opens every dump written by debug.WriteHeapDump
const header = "go1.7 heap dump\n"

// Record tags from runtime/heapdump.go
const (
	tagEOF             = 0
	tagObject          = 1
	tagOtherRoot       = 2
	tagType            = 3
	tagGoroutine       = 4
	tagStackFrame      = 5
	tagParams          = 6
	tagFinalizer       = 7
	tagItab            = 8
	tagOSThread        = 9
	tagMemStats        = 10
	tagQueuedFinalizer = 11
	tagData            = 12
	tagBSS             = 13
	tagDefer           = 14
	tagPanic           = 15
	tagMemProf         = 16
	tagAllocSample     = 17
)

// Field kinds of a pointer field list
const (
	fieldKindEol   = 0
	fieldKindPtr   = 1
	fieldKindIface = 2
	fieldKindEface = 3
)

const (
	// memStatsFields is the number of integers in a memstats record: 24
	// counters, 256 pause times and the GC count
	memStatsFields = 24 + 256 + 1

	maxString = 1 << 20
	maxBytes  = 1 << 30
)

var (
	// ErrBadHeader is returned when the input does not start with the dump header
	ErrBadHeader = errors.New("not a Go heap dump")

	// ErrUnknownTag is returned for records with an unknown tag
	ErrUnknownTag = errors.New("unknown tag")

	// ErrBadPointerSize is returned for params with a pointer size other than 4 or 8
	ErrBadPointerSize = errors.New("unsupported pointer size")

	// ErrTooLarge is returned for strings or memory ranges past the sanity limits
	ErrTooLarge = errors.New("length exceeds limit")
)

// DumpParams describes the process that wrote the dump
type DumpParams struct {
	BigEndian   bool
	PointerSize uint64
	HeapStart   uint64
	HeapEnd     uint64
	Arch        string
	GoVersion   string
	NumCPUs     uint64
}

// TypeRecord names a type descriptor address
type TypeRecord struct {
	Addr     uint64
	Size     uint64
	Name     string
	Indirect bool
}

// ObjectRecord is one heap object. Pointers holds the value of every
// pointer field in field order; nil fields are 0.
type ObjectRecord struct {
	Addr     uint64
	TypeAddr uint64
	Data     []byte
	Pointers []uint64
}

// RootRecord is a root outside stacks and globals (finalizer queues,
// specials and the like)
type RootRecord struct {
	Desc string
	Ptr  uint64
}

// FrameRecord is one stack frame; Pointers are its live pointer slots
type FrameRecord struct {
	SP       uint64
	Depth    uint64
	Name     string
	Pointers []uint64
}

// SegmentRecord is the data or bss segment; Pointers are its pointer slots
type SegmentRecord struct {
	BSS      bool
	Addr     uint64
	Pointers []uint64
}

// FinalizerRecord is a registered or queued finalizer
type FinalizerRecord struct {
	Object  uint64
	FuncVal uint64
	Queued  bool
}

// GoroutineRecord holds the goroutine fields the loader reports
type GoroutineRecord struct {
	ID         uint64
	Status     uint64
	WaitReason string
}

// decoder reads dump primitives and counts consumed bytes
type decoder struct {
	r      *bufio.Reader
	n      int64
	params DumpParams
}

func newDecoder(r io.Reader, size int) *decoder {
	return &decoder{r: bufio.NewReaderSize(r, size), params: DumpParams{PointerSize: 8}}
}

// ReadByte lets binary.ReadUvarint read from the decoder
func (d *decoder) ReadByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err == nil {
		d.n++
	}
	return b, err
}

func (d *decoder) readHeader() error {
	buf := make([]byte, len(header))
	n, err := io.ReadFull(d.r, buf)
	d.n += int64(n)
	if err != nil || string(buf) != header {
		return fmt.Errorf("%w: header %q", ErrBadHeader, buf[:n])
	}
	return nil
}

func (d *decoder) uvarint() (uint64, error) {
	return binary.ReadUvarint(d)
}

func (d *decoder) bool() (bool, error) {
	v, err := d.uvarint()
	return v != 0, err
}

// skip reads and drops n integers
func (d *decoder) skip(n int) error {
	for i := 0; i < n; i++ {
		if _, err := d.uvarint(); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) string() (string, error) {
	b, err := d.bytes(maxString)
	return string(b), err
}

// bytes reads a length-prefixed range. Memory is only allocated for bytes
// actually present in the input.
func (d *decoder) bytes(limit uint64) ([]byte, error) {
	n, err := d.uvarint()
	if err != nil {
		return nil, err
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, n)
	}
	buf := make([]byte, 0, min(n, 1<<16))
	for uint64(len(buf)) < n {
		chunk := min(n-uint64(len(buf)), 1<<16)
		start := len(buf)
		buf = append(buf, make([]byte, chunk)...)
		m, err := io.ReadFull(d.r, buf[start:])
		d.n += int64(m)
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	}
	return buf, nil
}

// word reads the pointer-sized word of data at off, or reports false when
// it does not fit
func (d *decoder) word(data []byte, off uint64) (uint64, bool) {
	size := d.params.PointerSize
	if off > uint64(len(data)) || uint64(len(data))-off < size {
		return 0, false
	}
	b := data[off : off+size]
	var order binary.ByteOrder = binary.LittleEndian
	if d.params.BigEndian {
		order = binary.BigEndian
	}
	if size == 4 {
		return uint64(order.Uint32(b)), true
	}
	return order.Uint64(b), true
}

// fields reads a field list and returns the pointer values it names in
// data. Interface fields contribute their data word.
func (d *decoder) fields(data []byte) ([]uint64, error) {
	var ptrs []uint64
	for {
		kind, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		if kind == fieldKindEol {
			return ptrs, nil
		}
		off, err := d.uvarint()
		if err != nil {
			return nil, err
		}
		switch kind {
		case fieldKindPtr:
		case fieldKindIface, fieldKindEface:
			off += d.params.PointerSize
		default:
			return nil, fmt.Errorf("unknown field kind %d", kind)
		}
		if v, ok := d.word(data, off); ok {
			ptrs = append(ptrs, v)
		}
	}
}

func (d *decoder) readParams() (DumpParams, error) {
	var p DumpParams
	var err error
	if p.BigEndian, err = d.bool(); err != nil {
		return p, err
	}
	if p.PointerSize, err = d.uvarint(); err != nil {
		return p, err
	}
	if p.PointerSize != 4 && p.PointerSize != 8 {
		return p, fmt.Errorf("%w: %d", ErrBadPointerSize, p.PointerSize)
	}
	if p.HeapStart, err = d.uvarint(); err != nil {
		return p, err
	}
	if p.HeapEnd, err = d.uvarint(); err != nil {
		return p, err
	}
	if p.Arch, err = d.string(); err != nil {
		return p, fmt.Errorf("reading arch: %w", err)
	}
	if p.GoVersion, err = d.string(); err != nil {
		return p, fmt.Errorf("reading go version: %w", err)
	}
	if p.NumCPUs, err = d.uvarint(); err != nil {
		return p, err
	}
	d.params = p
	return p, nil
}

func (d *decoder) readType() (TypeRecord, error) {
	var t TypeRecord
	var err error
	if t.Addr, err = d.uvarint(); err != nil {
		return t, err
	}
	if t.Size, err = d.uvarint(); err != nil {
		return t, err
	}
	if t.Name, err = d.string(); err != nil {
		return t, err
	}
	t.Indirect, err = d.bool()
	return t, err
}

func (d *decoder) readObject() (ObjectRecord, error) {
	var o ObjectRecord
	var err error
	if o.Addr, err = d.uvarint(); err != nil {
		return o, err
	}
	if o.Data, err = d.bytes(maxBytes); err != nil {
		return o, err
	}
	o.TypeAddr, _ = d.word(o.Data, 0)
	o.Pointers, err = d.fields(o.Data)
	return o, err
}

func (d *decoder) readRoot() (RootRecord, error) {
	var r RootRecord
	var err error
	if r.Desc, err = d.string(); err != nil {
		return r, err
	}
	r.Ptr, err = d.uvarint()
	return r, err
}

func (d *decoder) readFrame() (FrameRecord, error) {
	var f FrameRecord
	var err error
	if f.SP, err = d.uvarint(); err != nil {
		return f, err
	}
	if f.Depth, err = d.uvarint(); err != nil {
		return f, err
	}
	// child sp
	if err = d.skip(1); err != nil {
		return f, err
	}
	data, err := d.bytes(maxBytes)
	if err != nil {
		return f, err
	}
	// entry pc, pc, continuation pc
	if err = d.skip(3); err != nil {
		return f, err
	}
	if f.Name, err = d.string(); err != nil {
		return f, err
	}
	f.Pointers, err = d.fields(data)
	return f, err
}

func (d *decoder) readSegment(bss bool) (SegmentRecord, error) {
	s := SegmentRecord{BSS: bss}
	var err error
	if s.Addr, err = d.uvarint(); err != nil {
		return s, err
	}
	data, err := d.bytes(maxBytes)
	if err != nil {
		return s, err
	}
	s.Pointers, err = d.fields(data)
	return s, err
}

func (d *decoder) readFinalizer(queued bool) (FinalizerRecord, error) {
	f := FinalizerRecord{Queued: queued}
	var err error
	if f.Object, err = d.uvarint(); err != nil {
		return f, err
	}
	if f.FuncVal, err = d.uvarint(); err != nil {
		return f, err
	}
	// fn entry, argument type, object type
	return f, d.skip(3)
}

func (d *decoder) readGoroutine() (GoroutineRecord, error) {
	var g GoroutineRecord
	var err error
	// address, stack pointer
	if err = d.skip(2); err != nil {
		return g, err
	}
	if g.ID, err = d.uvarint(); err != nil {
		return g, err
	}
	// creation pc
	if err = d.skip(1); err != nil {
		return g, err
	}
	if g.Status, err = d.uvarint(); err != nil {
		return g, err
	}
	// system, background, wait since
	if err = d.skip(3); err != nil {
		return g, err
	}
	if g.WaitReason, err = d.string(); err != nil {
		return g, err
	}
	// context, m, defer and panic tops
	return g, d.skip(4)
}

func (d *decoder) skipMemProf() error {
	// bucket, size
	if err := d.skip(2); err != nil {
		return err
	}
	frames, err := d.uvarint()
	if err != nil {
		return err
	}
	for i := uint64(0); i < frames; i++ {
		if _, err := d.string(); err != nil {
			return err
		}
		if _, err := d.string(); err != nil {
			return err
		}
		if err := d.skip(1); err != nil {
			return err
		}
	}
	// allocs, frees
	return d.skip(2)
}

// skipRecord consumes the body of a record the loader does not use
func (d *decoder) skipRecord(tag uint64) error {
	switch tag {
	case tagItab, tagAllocSample:
		return d.skip(2)
	case tagOSThread:
		return d.skip(3)
	case tagDefer:
		return d.skip(7)
	case tagPanic:
		return d.skip(6)
	case tagMemStats:
		return d.skip(memStatsFields)
	case tagMemProf:
		return d.skipMemProf()
	}
	return fmt.Errorf("%w: %d", ErrUnknownTag, tag)
}
