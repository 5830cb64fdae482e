package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"gitlab.com/gitlab-org/configsvr/internal/configsvr/config"
)

const listDatabasesCmdName = "list-databases"

type listDatabasesSubcommand struct {
	w            io.Writer
	openBackends func(context.Context, config.Config) (*backends, error)
}

func newListDatabasesSubcommand(w io.Writer) *listDatabasesSubcommand {
	return &listDatabasesSubcommand{w: w, openBackends: openBackends}
}

func (cmd *listDatabasesSubcommand) FlagSet() *flag.FlagSet {
	return flag.NewFlagSet(listDatabasesCmdName, flag.ExitOnError)
}

func (cmd *listDatabasesSubcommand) Exec(ctx context.Context, flags *flag.FlagSet, conf config.Config) error {
	if flags.NArg() > 0 {
		return unexpectedPositionalArgsError{Command: flags.Name()}
	}

	b, err := cmd.openBackends(ctx, conf)
	if err != nil {
		return err
	}
	defer b.Close()

	records, err := b.store.ListDatabases(ctx)
	if err != nil {
		return fmt.Errorf("%s %s: %w", progname, listDatabasesCmdName, err)
	}

	table := tablewriter.NewWriter(cmd.w)
	table.SetHeader([]string{"Database", "Primary", "Sharded"})
	table.SetAutoFormatHeaders(false)

	for _, record := range records {
		primary := record.Primary
		if primary == "" {
			primary = "-"
		}
		table.Append([]string{record.Name, primary, strconv.FormatBool(record.Sharded)})
	}

	table.Render()
	return nil
}
