package enablesharding

import (
	"fmt"

	"gitlab.com/gitlab-org/configsvr/internal/configsvr/commonerr"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/models"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/opctx"
)

// Request asks to enable sharding on a database.
type Request struct {
	// Database is the name of the database.
	Database string
	// PrimaryShard is the shard the database must live on. Empty lets the
	// placement policy decide for new databases and accepts any primary of
	// existing ones.
	PrimaryShard string
	// WriteConcern must be majority.
	WriteConcern opctx.WriteConcern
}

// Validate checks the request can be executed by a node with the given role.
// It performs no I/O and returns the database and the requested primary shard.
func Validate(role config.ClusterRole, req Request) (database, shard string, err error) {
	if role != config.ClusterRoleConfigServer {
		return "", "", commonerr.New(commonerr.KindRole, req.Database, req.PrimaryShard, commonerr.ErrNotConfigServer)
	}

	if !req.WriteConcern.IsMajority() {
		return "", "", commonerr.New(commonerr.KindPrecondition, req.Database, req.PrimaryShard,
			fmt.Errorf("%w: got w=%q", commonerr.ErrWriteConcernTooWeak, req.WriteConcern.W))
	}

	if req.PrimaryShard != "" {
		if err := models.ValidateShardID(req.PrimaryShard); err != nil {
			return "", "", commonerr.New(commonerr.KindPrecondition, req.Database, req.PrimaryShard, err)
		}
	}

	if err := models.ValidateDatabaseName(req.Database); err != nil {
		return "", "", commonerr.New(commonerr.KindPrecondition, req.Database, req.PrimaryShard, err)
	}

	if models.IsReservedDatabase(req.Database) {
		return "", "", commonerr.New(commonerr.KindPrecondition, req.Database, req.PrimaryShard,
			fmt.Errorf("%w: %q", commonerr.ErrReservedDatabase, req.Database))
	}

	return req.Database, req.PrimaryShard, nil
}
