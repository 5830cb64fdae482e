package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/datastore"
)

const sqlMigrateStatusCmdName = "sql-migrate-status"

type sqlMigrateStatusSubcommand struct {
	w io.Writer
}

func newSQLMigrateStatusSubcommand(w io.Writer) *sqlMigrateStatusSubcommand {
	return &sqlMigrateStatusSubcommand{w: w}
}

func (s *sqlMigrateStatusSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(sqlMigrateStatusCmdName, flag.ExitOnError)
}

func (s *sqlMigrateStatusSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Config) error {
	db, clean, err := openDB(ctx, conf.DB)
	if err != nil {
		return err
	}
	defer clean()

	migrations, err := datastore.MigrateStatus(db)
	if err != nil {
		return fmt.Errorf("%s %s: %w", progname, sqlMigrateStatusCmdName, err)
	}

	ids := make([]string, 0, len(migrations))
	for id := range migrations {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	table := tablewriter.NewWriter(s.w)
	table.SetHeader([]string{"Migration", "Applied"})
	table.SetColWidth(60)

	for _, id := range ids {
		table.Append([]string{id, migrationStatus(migrations[id])})
	}

	table.Render()
	return nil
}

func migrationStatus(m *datastore.MigrationStatusRow) string {
	var status string
	switch {
	case m.Unknown:
		status = "unknown migration"
	case m.Migrated:
		status = m.AppliedAt.String()
	default:
		status = "no"
	}
	return status
}
