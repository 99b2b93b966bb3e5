// Package memerr provides the tagged error taxonomy shared by every memflow
// component: physical backends, the MMU walker, caches, crash-dump parsing,
// and the Windows OS walker all report failures through a single Kind.
package memerr

import (
	"errors"
	"fmt"
)

// Kind is a short, static, dotted error tag (e.g. "VirtualTranslate.PageNotPresent").
// Kinds are stable identifiers: callers may switch on them with errors.Is.
type Kind string

const (
	Bounds              Kind = "Bounds"
	InvalidArchitecture Kind = "InvalidArchitecture"

	ConnectorCannotOpen Kind = "Connector.CannotOpen"
	ConnectorCannotSeek Kind = "Connector.CannotSeek"
	ConnectorCannotRead Kind = "Connector.CannotRead"
	ConnectorCannotWrite Kind = "Connector.CannotWrite"
	ConnectorReadOnly   Kind = "Connector.ReadOnly"

	PhysicalMemoryMapGap Kind = "PhysicalMemory.MapGap"

	VirtualTranslatePageNotPresent Kind = "VirtualTranslate.PageNotPresent"
	VirtualTranslateInvalidPte     Kind = "VirtualTranslate.InvalidPte"
	VirtualTranslateReadFailed     Kind = "VirtualTranslate.ReadFailed"

	InitializationNoKernel  Kind = "Initialization.NoKernel"
	InitializationNoGuid    Kind = "Initialization.NoGuid"
	InitializationNoVersion Kind = "Initialization.NoVersion"

	SymbolStoreDownloadFailed Kind = "SymbolStore.DownloadFailed"
	SymbolStoreCacheMiss      Kind = "SymbolStore.CacheMiss"

	PdbBadFormat     Kind = "Pdb.BadFormat"
	PdbFieldNotFound Kind = "Pdb.FieldNotFound"

	EncodingNonUtf8     Kind = "Encoding.NonUtf8"
	EncodingOddUtf16    Kind = "Encoding.OddUtf16"
	EncodingNullBuffer  Kind = "Encoding.NullBuffer"
	EncodingZeroLength  Kind = "Encoding.ZeroLength"

	ProcessInfo Kind = "ProcessInfo"
	ModuleInfo  Kind = "ModuleInfo"

	CrashDumpCannotSeek   Kind = "CrashDump.CannotSeek"
	CrashDumpCannotRead   Kind = "CrashDump.CannotRead"
	CrashDumpBadSignature Kind = "CrashDump.BadSignature"
	CrashDumpBadDumpType  Kind = "CrashDump.BadDumpType"
	CrashDumpBadArch      Kind = "CrashDump.BadArch"
	CrashDumpTooManyRuns  Kind = "CrashDump.TooManyRuns"

	KernelFinderNotFound     Kind = "KernelFinder.KernelNotFound"
	KernelFinderBadPeHeader  Kind = "KernelFinder.BadPeHeader"
	KernelFinderNoDebugDir   Kind = "KernelFinder.NoDebugDirectory"
	KernelFinderNoCodeView   Kind = "KernelFinder.NoCodeView"
	KernelFinderBadCodeView  Kind = "KernelFinder.BadCodeViewVersion"
)

// Error is a Kind carrying an optional dynamic message and wrapped cause.
// It deliberately carries no stack trace: spec-mandated hot-path errors must
// stay allocation-cheap.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}

		return string(e.Kind)
	}

	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, memerr.New(KindX, "")) match on Kind alone.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind
}

// New builds an Error with a static kind and a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an underlying cause, preserving it for errors.Unwrap.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Of reports the Kind of err if it (or something it wraps) is a *Error.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}

	return "", false
}

// Is reports whether err's kind matches k, walking the wrap chain.
func Is(err error, k Kind) bool {
	kind, ok := Of(err)

	return ok && kind == k
}
