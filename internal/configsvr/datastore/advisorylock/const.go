// Package advisorylock contains the lock IDs of all advisory locks used
// by the config server.
package advisorylock

const (
	// DatabaseLocks is the namespace of the per-database locks. The second key of
	// the lock is derived from the name of the database.
	DatabaseLocks = 1
)
