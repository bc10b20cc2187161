// ABOUTME: Feature flags for concurrent marking loaded from YAML, flag strings or the environment
// ABOUTME: Mirrors the engine's --concurrent-marking style command line switches

// Package config holds the marking feature flags. Flags can be read from
// a YAML file, from a V8-style flag string such as
// "--concurrent-marking --concurrent-marking-tasks=2", or from the
// CONCMARK_FLAGS environment variable.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// EnvVar names the environment variable read by FromEnv
const EnvVar = "CONCMARK_FLAGS"

// MaxTasks bounds the background marking pool
const MaxTasks = 16

var (
	// ErrInvalidFlags is wrapped by every validation and parse failure
	ErrInvalidFlags = errors.New("invalid marking flags")
)

// Bytes is a byte count that reads as either an integer or a size
// string such as "64KB"
type Bytes uint64

// UnmarshalYAML accepts integers and go-bytesize strings
func (b *Bytes) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*b = Bytes(n)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := parseBytes(s)
	if err != nil {
		return err
	}
	*b = v
	return nil
}

// MarshalYAML writes the size in its human form
func (b Bytes) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

func (b Bytes) String() string {
	return bytesize.New(float64(b)).String()
}

func parseBytes(s string) (Bytes, error) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return Bytes(n), nil
	}
	v, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%w: byte size %q: %v", ErrInvalidFlags, s, err)
	}
	return Bytes(v), nil
}

// Flags controls the marking subsystem
type Flags struct {
	// ConcurrentMarking enables background marking tasks. When off every
	// scheduling operation is a no-op and the main thread marks alone.
	ConcurrentMarking bool `yaml:"concurrent_marking"`

	// TraceConcurrentMarking prints scheduling and timing events
	TraceConcurrentMarking bool `yaml:"trace_concurrent_marking"`

	// Tasks is the size of the background pool
	Tasks int `yaml:"concurrent_marking_tasks"`

	// BytesUntilInterruptCheck and ObjectsUntilInterruptCheck bound the
	// work a task does between two checks of its interrupt flag
	BytesUntilInterruptCheck   Bytes `yaml:"bytes_until_interrupt_check"`
	ObjectsUntilInterruptCheck int   `yaml:"objects_until_interrupt_check"`

	// VerifyHeap checks the tri-color invariant after marking finishes
	VerifyHeap bool `yaml:"verify_heap"`

	// BailoutFirst makes the main thread drain the bailout worklist before
	// the shared one
	BailoutFirst bool `yaml:"bailout_first"`
}

// Default returns the engine defaults
func Default() Flags {
	return Flags{
		ConcurrentMarking:          true,
		Tasks:                      4,
		BytesUntilInterruptCheck:   64 * 1024,
		ObjectsUntilInterruptCheck: 1000,
		BailoutFirst:               true,
	}
}

// Validate checks that the flags describe a usable configuration
func (f Flags) Validate() error {
	if f.Tasks < 1 || f.Tasks > MaxTasks {
		return fmt.Errorf("%w: concurrent_marking_tasks must be in [1, %d], got %d", ErrInvalidFlags, MaxTasks, f.Tasks)
	}
	if f.BytesUntilInterruptCheck == 0 {
		return fmt.Errorf("%w: bytes_until_interrupt_check must be positive", ErrInvalidFlags)
	}
	if f.BytesUntilInterruptCheck > math.MaxInt64 {
		return fmt.Errorf("%w: bytes_until_interrupt_check must be at most %d, got %d", ErrInvalidFlags, int64(math.MaxInt64), uint64(f.BytesUntilInterruptCheck))
	}
	if f.ObjectsUntilInterruptCheck < 1 {
		return fmt.Errorf("%w: objects_until_interrupt_check must be positive, got %d", ErrInvalidFlags, f.ObjectsUntilInterruptCheck)
	}
	return nil
}

// Load reads flags from a YAML file on top of the defaults
func Load(path string) (Flags, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Flags{}, fmt.Errorf("reading config: %w", err)
	}
	return Decode(data)
}

// Decode parses YAML flags on top of the defaults. Unknown keys are errors.
func Decode(data []byte) (Flags, error) {
	f := Default()
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return Flags{}, fmt.Errorf("%w: %v", ErrInvalidFlags, err)
	}
	if err := f.Validate(); err != nil {
		return Flags{}, err
	}
	return f, nil
}

// Encode writes the flags as YAML
func (f Flags) Encode() ([]byte, error) {
	return yaml.Marshal(f)
}

// Parse applies a flag string to f and returns the result. Boolean flags
// take the form --name or --no-name; valued flags --name=value or
// --name value. Underscores and dashes are interchangeable.
func (f Flags) Parse(s string) (Flags, error) {
	args, err := shlex.Split(s)
	if err != nil {
		return Flags{}, fmt.Errorf("%w: %v", ErrInvalidFlags, err)
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "--") {
			return Flags{}, fmt.Errorf("%w: unexpected argument %q", ErrInvalidFlags, arg)
		}
		name, value, hasValue := strings.Cut(strings.TrimPrefix(arg, "--"), "=")
		name = strings.ReplaceAll(name, "_", "-")

		if b, ok := f.boolFlag(strings.TrimPrefix(name, "no-")); ok {
			if hasValue {
				return Flags{}, fmt.Errorf("%w: flag --%s takes no value", ErrInvalidFlags, name)
			}
			*b = !strings.HasPrefix(name, "no-")
			continue
		}

		if !hasValue {
			if i+1 >= len(args) {
				return Flags{}, fmt.Errorf("%w: flag --%s needs a value", ErrInvalidFlags, name)
			}
			i++
			value = args[i]
		}
		if err := f.setValue(name, value); err != nil {
			return Flags{}, err
		}
	}

	if err := f.Validate(); err != nil {
		return Flags{}, err
	}
	return f, nil
}

func (f *Flags) boolFlag(name string) (*bool, bool) {
	switch name {
	case "concurrent-marking":
		return &f.ConcurrentMarking, true
	case "trace-concurrent-marking":
		return &f.TraceConcurrentMarking, true
	case "verify-heap":
		return &f.VerifyHeap, true
	case "bailout-first":
		return &f.BailoutFirst, true
	}
	return nil, false
}

func (f *Flags) setValue(name, value string) error {
	switch name {
	case "concurrent-marking-tasks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: --%s=%q: %v", ErrInvalidFlags, name, value, err)
		}
		f.Tasks = n
	case "bytes-until-interrupt-check":
		b, err := parseBytes(value)
		if err != nil {
			return err
		}
		f.BytesUntilInterruptCheck = b
	case "objects-until-interrupt-check":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: --%s=%q: %v", ErrInvalidFlags, name, value, err)
		}
		f.ObjectsUntilInterruptCheck = n
	default:
		return fmt.Errorf("%w: unknown flag --%s", ErrInvalidFlags, name)
	}
	return nil
}

// FromEnv applies the CONCMARK_FLAGS environment variable to f
func (f Flags) FromEnv() (Flags, error) {
	s, ok := os.LookupEnv(EnvVar)
	if !ok || strings.TrimSpace(s) == "" {
		return f, nil
	}
	out, err := f.Parse(s)
	if err != nil {
		return Flags{}, fmt.Errorf("%s: %w", EnvVar, err)
	}
	return out, nil
}
