// ABOUTME: Functional options shared by the collector and the task scheduler
// ABOUTME: Selects the background platform, trace output and visit observer

package marking

import "github.com/prateek/concmark/trace"

// Option customizes a Collector or ConcurrentMarking
type Option func(*options)

type options struct {
	platform Platform
	trace    *trace.Logger
	observer VisitObserver
}

func buildOptions(opts []Option) options {
	o := options{platform: GoroutinePlatform{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithPlatform runs background tasks on p instead of plain goroutines
func WithPlatform(p Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithTrace sends trace output to l. Output is only produced when
// tracing is enabled in the flags.
func WithTrace(l *trace.Logger) Option {
	return func(o *options) { o.trace = l }
}

// WithVisitObserver calls fn for every object turned black. fn runs on
// marking tasks and must be safe for concurrent use.
func WithVisitObserver(fn VisitObserver) Option {
	return func(o *options) { o.observer = fn }
}
