package main

import (
	"fmt"
	"io"
	"market-chat/repositories"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/database"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func inspectCmd() *cobra.Command {
	var (
		path   string
		prefix string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump badger entries under a key prefix",
		Long: `Opens the badger directory read-only and prints the decoded entries.
Prefixes: conv: part: member: msg:<conversation>: msgid: convkey:`,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openReadOnly(path)
			if err != nil {
				return fmt.Errorf("opening badger at %s: %w", path, err)
			}
			defer func() { _ = db.Close() }()

			rows, err := repositories.NewBadgerStore(db, logger()).Inspect(prefix, limit)
			if err != nil {
				return err
			}
			render(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "db", envOr("BADGER_FILEPATH", database.DefaultPath), "path to the badger directory")
	cmd.Flags().StringVar(&prefix, "prefix", "conv:", "key prefix to scan")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum number of rows")
	return cmd
}

// openReadOnly bypasses the directory lock so a running server can be inspected.
func openReadOnly(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).
		WithReadOnly(true).
		WithLogger(nil).
		WithBypassLockGuard(true)
	return badger.Open(opts)
}

func render(w io.Writer, rows []repositories.InspectRow) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Key", "Type", "Timestamp", "Entity ID", "Detail"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	for _, row := range rows {
		table.Append([]string{row.Key, typeLabel(row.Type), row.Timestamp, row.EntityID, row.Detail})
	}
	table.Render()
	fmt.Fprintln(w, color.Gray.Sprintf("%d rows", len(rows)))
}

func typeLabel(kind string) string {
	label := strings.ToUpper(kind)
	switch kind {
	case "conv":
		return color.Cyan.Sprint(label)
	case "msg":
		return color.Green.Sprint(label)
	case "part":
		return color.Magenta.Sprint(label)
	default:
		return color.Gray.Sprint(label)
	}
}
