// Package commonerr contains the errors shared between the configsvr
// components. Every failure of the enable sharding operation is returned as an
// *Error classified by Kind so callers can decide whether a retry makes sense.
package commonerr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies an error.
type Kind int

const (
	// KindUnknown is the kind of errors which were not classified.
	KindUnknown Kind = iota
	// KindRole is returned when the executing node has the wrong cluster role.
	KindRole
	// KindPrecondition is returned for malformed or forbidden requests.
	KindPrecondition
	// KindLockBusy is returned when the database lock could not be acquired in time.
	// Retrying is safe.
	KindLockBusy
	// KindConflict is returned when an existing record is incompatible with the
	// request. Retrying the same request will fail again.
	KindConflict
	// KindStore is returned for transport or persistence failures of the metadata store.
	KindStore
	// KindDelegate is returned when the authoritative creation workflow failed.
	KindDelegate
	// KindCanceled is returned when the context of the caller was cancelled or
	// its deadline passed. It is not retryable.
	KindCanceled
)

// String returns the name of the kind as used in metrics and logs.
func (k Kind) String() string {
	switch k {
	case KindRole:
		return "role_error"
	case KindPrecondition:
		return "precondition_error"
	case KindLockBusy:
		return "lock_busy"
	case KindConflict:
		return "conflict_error"
	case KindStore:
		return "store_error"
	case KindDelegate:
		return "delegate_error"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func (k Kind) code() codes.Code {
	switch k {
	case KindRole:
		return codes.FailedPrecondition
	case KindPrecondition:
		return codes.InvalidArgument
	case KindLockBusy:
		return codes.Unavailable
	case KindConflict:
		return codes.AlreadyExists
	case KindStore, KindDelegate:
		return codes.Internal
	case KindCanceled:
		return codes.Canceled
	default:
		return codes.Unknown
	}
}

var (
	// ErrNotConfigServer is returned when sharding is enabled on a node that is not a config server.
	ErrNotConfigServer = errors.New("enableSharding can only be run on config servers")
	// ErrWriteConcernTooWeak is returned when the caller did not request majority write concern.
	ErrWriteConcernTooWeak = errors.New("enableSharding must be called with majority write concern")
	// ErrInvalidShardID is returned for syntactically invalid shard identifiers.
	ErrInvalidShardID = errors.New("invalid shard id")
	// ErrInvalidNamespace is returned for database names which break the naming rules.
	ErrInvalidNamespace = errors.New("invalid database name")
	// ErrReservedDatabase is returned when sharding is requested for a system database.
	ErrReservedDatabase = errors.New("can't shard a reserved database")
	// ErrLockBusy is returned when the database lock is held by someone else for longer
	// than the acquisition timeout.
	ErrLockBusy = errors.New("lock busy")
	// ErrPrimaryShardMismatch is returned when the database exists with a different primary shard.
	ErrPrimaryShardMismatch = errors.New("database already exists with a different primary shard")
	// ErrDatabaseNameCaseConflict is returned when a database with the same name in a different case exists.
	ErrDatabaseNameCaseConflict = errors.New("database names differ only in case")
	// ErrShardNotFound is returned when the requested primary shard is not registered.
	ErrShardNotFound = errors.New("shard not found")
	// ErrDatabaseNotFound is returned by stores when no record for the database exists.
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrDatabaseAlreadyExists is returned by stores when creating a record that already exists.
	ErrDatabaseAlreadyExists = errors.New("database already exists")
)

// Error is a classified error of the enable sharding operation. It carries the
// database and the requested shard so the caller has enough context to act on it.
type Error struct {
	Kind     Kind
	Database string
	Shard    string
	Err      error
}

// New returns a classified error. Errors which are already classified are
// returned unchanged so the innermost classification wins.
func New(kind Kind, database, shard string, err error) error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	return &Error{Kind: kind, Database: database, Shard: shard, Err: err}
}

// Error returns the error message.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Kind.String())
	sb.WriteString(": ")
	if e.Database != "" {
		fmt.Fprintf(&sb, "database %q", e.Database)
		if e.Shard != "" {
			fmt.Fprintf(&sb, " (primary shard %q)", e.Shard)
		}
		sb.WriteString(": ")
	}
	if e.Err != nil {
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// GRPCStatus maps the error to a gRPC status so transports can forward it as is.
func (e *Error) GRPCStatus() *status.Status {
	code := e.Kind.code()
	if e.Kind == KindCanceled && errors.Is(e.Err, context.DeadlineExceeded) {
		code = codes.DeadlineExceeded
	}
	return status.New(code, e.Error())
}

// KindOf returns the kind of err, or KindUnknown if err was not classified.
func KindOf(err error) Kind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindUnknown
}

// IsRetryable tells whether the same request may succeed when retried.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindLockBusy, KindStore:
		return true
	default:
		return false
	}
}
