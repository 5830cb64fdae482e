// Package opctx carries per-operation settings through a context: the write
// concern requested by the caller, the read concern used for metadata reads
// and the identity of the caller.
package opctx

import "context"

// WriteConcern is the acknowledgement level requested for a mutation.
type WriteConcern struct {
	// W is either "majority" or a number of nodes.
	W string
}

// WriteConcernMajority is the strongest acknowledgement level.
const WriteConcernMajority = "majority"

// Majority returns the majority write concern.
func Majority() WriteConcern { return WriteConcern{W: WriteConcernMajority} }

// IsMajority tells whether the write concern requests majority acknowledgement.
func (wc WriteConcern) IsMajority() bool { return wc.W == WriteConcernMajority }

// ReadConcern is the consistency level of reads.
type ReadConcern string

const (
	// ReadConcernLocal returns the most recent data of the node, which may be rolled back.
	ReadConcernLocal ReadConcern = "local"
	// ReadConcernMajority returns data acknowledged by a majority.
	ReadConcernMajority ReadConcern = "majority"
	// ReadConcernLinearizable returns data reflecting all acknowledged writes.
	ReadConcernLinearizable ReadConcern = "linearizable"
)

type (
	writeConcernKey struct{}
	readConcernKey  struct{}
	callerKey       struct{}
)

// WithWriteConcern returns a context carrying wc.
func WithWriteConcern(ctx context.Context, wc WriteConcern) context.Context {
	return context.WithValue(ctx, writeConcernKey{}, wc)
}

// WriteConcernFrom returns the write concern of the context. Majority is
// assumed if none was set.
func WriteConcernFrom(ctx context.Context) WriteConcern {
	if wc, ok := ctx.Value(writeConcernKey{}).(WriteConcern); ok {
		return wc
	}
	return Majority()
}

// WithReadConcern returns a context carrying rc.
func WithReadConcern(ctx context.Context, rc ReadConcern) context.Context {
	return context.WithValue(ctx, readConcernKey{}, rc)
}

// ReadConcernFrom returns the read concern of the context, local if none was set.
func ReadConcernFrom(ctx context.Context) ReadConcern {
	if rc, ok := ctx.Value(readConcernKey{}).(ReadConcern); ok {
		return rc
	}
	return ReadConcernLocal
}

// WithCaller returns a context carrying the identity of the caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the identity of the caller, or an empty string.
func CallerFrom(ctx context.Context) string {
	caller, _ := ctx.Value(callerKey{}).(string)
	return caller
}
