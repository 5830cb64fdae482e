// Package models contains the metadata entities kept by the config server and
// the naming rules they obey. Nothing in here performs I/O.
package models

import (
	"fmt"
	"regexp"
	"strings"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
)

const (
	// AdminDatabase is the reserved database holding cluster wide users and roles.
	AdminDatabase = "admin"
	// LocalDatabase is the reserved database holding node local state.
	LocalDatabase = "local"

	// MaxDatabaseNameLength is the exclusive upper bound of database name lengths.
	MaxDatabaseNameLength = 64
	// MaxShardIDLength is the inclusive upper bound of shard id lengths.
	MaxShardIDLength = 128
)

// DatabaseRecord is the persisted metadata describing a logical database.
type DatabaseRecord struct {
	// Name uniquely identifies the database.
	Name string
	// Primary is the shard holding the unsharded collections of the database.
	// Empty means unassigned.
	Primary string
	// Sharded tells whether sharding has been enabled for the database.
	Sharded bool
}

var shardIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateShardID checks the shard identifier is syntactically valid. Whether
// such shard is registered is not checked here.
func ValidateShardID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("%w: empty", commonerr.ErrInvalidShardID)
	case len(id) > MaxShardIDLength:
		return fmt.Errorf("%w: longer than %d bytes", commonerr.ErrInvalidShardID, MaxShardIDLength)
	case !shardIDPattern.MatchString(id):
		return fmt.Errorf("%w: %q", commonerr.ErrInvalidShardID, id)
	}
	return nil
}

// ValidateDatabaseName checks name against the database naming rules. The
// dollar sign is allowed.
func ValidateDatabaseName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", commonerr.ErrInvalidNamespace)
	}

	if len(name) >= MaxDatabaseNameLength {
		return fmt.Errorf("%w: %q is longer than %d bytes", commonerr.ErrInvalidNamespace, name, MaxDatabaseNameLength-1)
	}

	if i := strings.IndexAny(name, "/\\. \"\x00"); i >= 0 {
		return fmt.Errorf("%w: %q contains %q", commonerr.ErrInvalidNamespace, name, name[i])
	}

	return nil
}

// IsReservedDatabase tells whether name is a system database on which sharding
// can never be enabled.
func IsReservedDatabase(name string) bool {
	return name == AdminDatabase || name == LocalDatabase
}

// FoldName lowercases the ASCII letters of name and leaves every other byte
// untouched. Two database names conflict if their folded forms are equal.
func FoldName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + 'a' - 'A'
		}
	}
	return string(b)
}
