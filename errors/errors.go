package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in a harness run the error occurred
type Phase string

const (
	PhaseConfig   Phase = "config"   // target and CLI resolution
	PhaseLoad     Phase = "load"     // artifact reading and compilation
	PhaseLink     Phase = "link"     // import resolution
	PhaseInit     Phase = "init"     // instantiation and pre-initialization
	PhaseDiscover Phase = "discover" // export scanning
	PhaseRun      Phase = "run"      // test execution
	PhaseMain     Phase = "main"     // real entry point
	PhaseCapture  Phase = "capture"  // output redirection
)

// Kind categorizes the error
type Kind string

const (
	KindUnknownTarget  Kind = "unknown_target"
	KindInvalidInput   Kind = "invalid_input"
	KindInvalidData    Kind = "invalid_data"
	KindUnsupported    Kind = "unsupported"
	KindMissingImport  Kind = "missing_import"
	KindNotFound       Kind = "not_found"
	KindInstantiation  Kind = "instantiation"
	KindOutOfBounds    Kind = "out_of_bounds"
	KindSinkHeld       Kind = "sink_held"
	KindNotInitialized Kind = "not_initialized"

	// Test failure kinds, carried by Failure.
	KindRejected Kind = "rejected"
	KindTimeout  Kind = "timeout"
	KindTrap     Kind = "trap"
)

// Error is the structured error type used throughout the harness
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
	Target string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Target != "" {
		b.WriteString(" (")
		b.WriteString(e.Target)
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Target sets the build target the error relates to
func (b *Builder) Target(t string) *Builder {
	b.err.Target = t
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// UnknownTarget creates the fatal configuration error for an unrecognized target value
func UnknownTarget(value string) *Error {
	return &Error{
		Phase:  PhaseConfig,
		Kind:   KindUnknownTarget,
		Detail: fmt.Sprintf("unknown target %q (expected asmjs-unknown-emscripten, wasm32-unknown-emscripten or wasm32-unknown-unknown)", value),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// OutOfBounds creates an out of bounds memory access error
func OutOfBounds(phase Phase, offset, length uint32, size int) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Detail: fmt.Sprintf("range [%d, %d) out of bounds (memory size %d)", offset, uint64(offset)+uint64(length), size),
	}
}

// Load creates an artifact loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// Instantiation creates an instantiation error
func Instantiation(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseInit,
		Kind:   KindInstantiation,
		Detail: detail,
		Cause:  cause,
	}
}

// SinkHeld is returned when a capture sink is acquired while another test holds one
func SinkHeld(holder, requester string) *Error {
	return &Error{
		Phase:  PhaseCapture,
		Kind:   KindSinkHeld,
		Detail: fmt.Sprintf("capture held by %q, cannot acquire for %q", holder, requester),
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module   string // e.g., "env"
	Function string // e.g., "__web_on_grow"
}

// MissingImportsError is returned when the artifact imports functions the harness cannot provide
type MissingImportsError struct {
	Imports []MissingImport
}

// NewMissingImportsError creates an error from a list of "module#function" strings
func NewMissingImportsError(imports []string) *MissingImportsError {
	result := &MissingImportsError{
		Imports: make([]MissingImport, 0, len(imports)),
	}
	for _, imp := range imports {
		mod, fn := parseImportKey(imp)
		result.Imports = append(result.Imports, MissingImport{
			Module:   mod,
			Function: fn,
		})
	}
	return result
}

func parseImportKey(key string) (module, function string) {
	mod, fn, found := strings.Cut(key, "#")
	if found {
		return mod, fn
	}
	return key, ""
}

// demangleRust attempts to extract readable function name from mangled Rust symbol
func demangleRust(name string) string {
	// Rust mangled names start with _ZN
	if !strings.HasPrefix(name, "_ZN") {
		return name
	}

	// Format: _ZN<len><name><len><name>...E
	s := name[3:]
	var parts []string

	for len(s) > 0 && s[0] != 'E' {
		lenEnd := 0
		for lenEnd < len(s) && s[lenEnd] >= '0' && s[lenEnd] <= '9' {
			lenEnd++
		}
		if lenEnd == 0 {
			break
		}

		length := 0
		for i := 0; i < lenEnd; i++ {
			length = length*10 + int(s[i]-'0')
		}
		s = s[lenEnd:]

		if length > len(s) {
			break
		}

		part := s[:length]
		s = s[length:]

		// Skip hash suffixes (17 char hashes starting with 'h')
		if isRustHash(part) {
			continue
		}
		parts = append(parts, part)
	}

	if len(parts) == 0 {
		return name
	}

	return strings.Join(parts, "::")
}

func isRustHash(part string) bool {
	if len(part) != 17 || part[0] != 'h' {
		return false
	}
	for i := 1; i < 17; i++ {
		c := part[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("missing %d import(s):\n", len(e.Imports)))

	byMod := make(map[string][]string)
	var modOrder []string
	for _, imp := range e.Imports {
		if _, exists := byMod[imp.Module]; !exists {
			modOrder = append(modOrder, imp.Module)
		}
		byMod[imp.Module] = append(byMod[imp.Module], demangleRust(imp.Function))
	}

	for _, mod := range modOrder {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, fn := range byMod[mod] {
			b.WriteString("    - ")
			b.WriteString(fn)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *MissingImportsError) Is(target error) bool {
	_, ok := target.(*MissingImportsError)
	return ok
}

// Tracer is implemented by failure reasons that carry a diagnostic trace
type Tracer interface {
	Trace() string
}

// Failure is the reason a test did not pass.
// Error returns the plain reason; Trace returns the diagnostic trace when one was captured.
type Failure struct {
	Cause  error
	Kind   Kind
	Reason string
	Stack  string
}

func (f *Failure) Error() string {
	return f.Reason
}

// Trace returns the diagnostic trace, or "" when the failure carries none
func (f *Failure) Trace() string {
	return f.Stack
}

func (f *Failure) Unwrap() error {
	return f.Cause
}

// Is matches failures of the same kind
func (f *Failure) Is(target error) bool {
	if t, ok := target.(*Failure); ok {
		return f.Kind == t.Kind
	}
	return false
}

// TimeoutReason is the fixed reason recorded for tests that never settle.
const TimeoutReason = "Timeout!"

// ErrTimeout matches any timeout failure via errors.Is
var ErrTimeout = &Failure{Kind: KindTimeout, Reason: TimeoutReason}

// ErrRejected matches any explicit rejection via errors.Is
var ErrRejected = &Failure{Kind: KindRejected}

// ErrTrap matches any synchronous trap or throw via errors.Is
var ErrTrap = &Failure{Kind: KindTrap}

// Timeout creates the failure synthesized when a test's timer fires first
func Timeout() *Failure {
	return &Failure{Kind: KindTimeout, Reason: TimeoutReason}
}

// Rejected creates a failure for an explicit rejection with an optional stack
func Rejected(reason, stack string) *Failure {
	return &Failure{Kind: KindRejected, Reason: reason, Stack: stack}
}

// Trap wraps an error raised synchronously by a test body
func Trap(cause error) *Failure {
	if f, ok := cause.(*Failure); ok {
		return f
	}
	f := &Failure{Kind: KindTrap, Cause: cause, Reason: "trap"}
	if cause != nil {
		f.Reason = cause.Error()
	}
	var tr Tracer
	if stderrors.As(cause, &tr) {
		f.Stack = tr.Trace()
	}
	return f
}

// FailureText renders a failure reason for the report: its trace when present,
// otherwise its plain text.
func FailureText(err error) string {
	if err == nil {
		return ""
	}
	var tr Tracer
	if stderrors.As(err, &tr) {
		if s := tr.Trace(); s != "" {
			return s
		}
	}
	return err.Error()
}
