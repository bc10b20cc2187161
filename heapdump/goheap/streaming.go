// ABOUTME: Streaming reader for Go heap dumps with per-record callbacks
// ABOUTME: Reports progress from a ticker goroutine and optionally skips damaged records

package goheap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// StreamCallbacks receives decoded records. Any nil callback is skipped.
// A non-nil error from a record callback stops the stream.
type StreamCallbacks struct {
	OnParams    func(params DumpParams) error
	OnType      func(t TypeRecord) error
	OnObject    func(o ObjectRecord) error
	OnRoot      func(r RootRecord) error
	OnFrame     func(f FrameRecord) error
	OnSegment   func(s SegmentRecord) error
	OnFinalizer func(f FinalizerRecord) error
	OnGoroutine func(g GoroutineRecord) error

	// OnProgress is called from a separate goroutine while the stream is
	// read, and once more after the last record
	OnProgress func(bytesRead int64, recordsProcessed int64, elapsed time.Duration)

	// OnError sees every decode error before recovery. Returning an error
	// stops the stream.
	OnError func(err error, canRecover bool) error
}

// StreamingParser reads a dump record by record without keeping memory
// ranges alive past their callback
type StreamingParser struct {
	d           *decoder
	callbacks   StreamCallbacks
	bytesRead   atomic.Int64
	recordCount atomic.Int64
	startTime   time.Time

	maxErrors   int
	errorCount  int
	skipOnError bool

	progressInterval time.Duration
}

// callbackError marks errors returned by a callback so they are never
// treated as recoverable
type callbackError struct{ err error }

func (e callbackError) Error() string { return e.err.Error() }
func (e callbackError) Unwrap() error { return e.err }

// NewStreamingParser creates a strict parser; see SetErrorRecovery
func NewStreamingParser(r io.Reader, callbacks StreamCallbacks) *StreamingParser {
	return &StreamingParser{
		d:                newDecoder(r, 4*1024*1024),
		callbacks:        callbacks,
		maxErrors:        100,
		progressInterval: 10 * time.Millisecond,
	}
}

// SetErrorRecovery lets the parser resynchronize after up to maxErrors
// damaged records instead of failing on the first one
func (p *StreamingParser) SetErrorRecovery(maxErrors int, skipOnError bool) {
	p.maxErrors = maxErrors
	p.skipOnError = skipOnError
}

// Params returns the params record read so far
func (p *StreamingParser) Params() DumpParams {
	return p.d.params
}

// Errors returns the number of records skipped by recovery
func (p *StreamingParser) Errors() int {
	return p.errorCount
}

// Parse reads the whole stream. The end of input is accepted in place of
// an EOF record.
func (p *StreamingParser) Parse() error {
	p.startTime = time.Now()
	if err := p.d.readHeader(); err != nil {
		return err
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	if p.callbacks.OnProgress != nil {
		p.reportProgress()
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(p.progressInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					p.reportProgress()
				case <-done:
					return
				}
			}
		}()
	}

	err := p.records()
	close(done)
	wg.Wait()
	if err != nil {
		return err
	}
	if p.callbacks.OnProgress != nil {
		p.reportProgress()
	}
	return nil
}

func (p *StreamingParser) reportProgress() {
	p.callbacks.OnProgress(p.bytesRead.Load(), p.recordCount.Load(), time.Since(p.startTime))
}

func (p *StreamingParser) records() error {
	for {
		tag, err := p.d.uvarint()
		p.bytesRead.Store(p.d.n)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tag: %w", err)
		}
		if tag == tagEOF {
			return nil
		}
		p.recordCount.Add(1)

		err = p.record(tag)
		if err == nil {
			continue
		}
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return fmt.Errorf("%s: %w", recordName(tag), cbErr.err)
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		err = fmt.Errorf("%s at byte %d: %w", recordName(tag), p.d.n, err)
		// Params decide how every later record is read.
		if tag == tagParams || !p.recover(err) {
			return err
		}
	}
}

// recover reports err and decides whether to resynchronize
func (p *StreamingParser) recover(err error) bool {
	p.errorCount++
	if p.callbacks.OnError != nil {
		if cbErr := p.callbacks.OnError(err, p.skipOnError); cbErr != nil {
			return false
		}
	}
	if !p.skipOnError || p.errorCount > p.maxErrors || errors.Is(err, io.ErrUnexpectedEOF) {
		return false
	}
	p.seekToNextRecord()
	return true
}

// seekToNextRecord drops bytes until one could start a record
func (p *StreamingParser) seekToNextRecord() {
	for i := 0; i < 1000; i++ {
		b, err := p.d.r.ReadByte()
		if err != nil {
			return
		}
		p.d.n++
		if b > tagEOF && b <= tagAllocSample {
			if err := p.d.r.UnreadByte(); err == nil {
				p.d.n--
			}
			return
		}
	}
}

func (p *StreamingParser) record(tag uint64) error {
	d, cb := p.d, p.callbacks
	switch tag {
	case tagParams:
		params, err := d.readParams()
		if err != nil {
			return err
		}
		return call(cb.OnParams, params)
	case tagType:
		t, err := d.readType()
		if err != nil {
			return err
		}
		return call(cb.OnType, t)
	case tagObject:
		o, err := d.readObject()
		if err != nil {
			return err
		}
		return call(cb.OnObject, o)
	case tagOtherRoot:
		r, err := d.readRoot()
		if err != nil {
			return err
		}
		return call(cb.OnRoot, r)
	case tagStackFrame:
		f, err := d.readFrame()
		if err != nil {
			return err
		}
		return call(cb.OnFrame, f)
	case tagData, tagBSS:
		s, err := d.readSegment(tag == tagBSS)
		if err != nil {
			return err
		}
		return call(cb.OnSegment, s)
	case tagFinalizer, tagQueuedFinalizer:
		f, err := d.readFinalizer(tag == tagQueuedFinalizer)
		if err != nil {
			return err
		}
		return call(cb.OnFinalizer, f)
	case tagGoroutine:
		g, err := d.readGoroutine()
		if err != nil {
			return err
		}
		return call(cb.OnGoroutine, g)
	}
	return d.skipRecord(tag)
}

func call[T any](fn func(T) error, v T) error {
	if fn == nil {
		return nil
	}
	if err := fn(v); err != nil {
		return callbackError{err}
	}
	return nil
}

func recordName(tag uint64) string {
	switch tag {
	case tagObject:
		return "parsing object"
	case tagOtherRoot:
		return "parsing root"
	case tagType:
		return "parsing type"
	case tagGoroutine:
		return "parsing goroutine"
	case tagStackFrame:
		return "parsing stack frame"
	case tagParams:
		return "parsing params"
	case tagFinalizer, tagQueuedFinalizer:
		return "parsing finalizer"
	case tagData, tagBSS:
		return "parsing segment"
	}
	return fmt.Sprintf("parsing record %d", tag)
}
