package client

import (
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/rzbill/changeflo/internal/oplog"
)

// NewIngestCommand constructs the `ingest` command. Ops come either from
// --file (a JSON array of ops, "-" for stdin) or from the single-op flags.
func NewIngestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Commit one transaction of ops for a tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			file, _ := cmd.Flags().GetString("file")
			var (
				ops []oplog.Op
				err error
			)
			if file != "" {
				ops, err = readOps(cmd.InOrStdin(), file)
			} else {
				ops, err = opFromFlags(cmd)
			}
			if err != nil {
				return err
			}
			res, err := getTransport().Ingest(cmd.Context(), tenant, ops)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringP("tenant", "t", "", "Tenant id")
	cmd.Flags().StringP("file", "f", "", "JSON array of ops; - reads stdin")
	cmd.Flags().String("op", "insert", "Op type: insert|update|replace|delete|drop|dropDatabase|rename")
	cmd.Flags().String("db", "", "Database")
	cmd.Flags().String("coll", "", "Collection")
	cmd.Flags().String("key", "", "Document key as JSON object, e.g. {\"_id\":1}")
	cmd.Flags().String("doc", "", "Document (insert/replace) or update description as JSON object")
	cmd.Flags().String("to", "", "Rename target collection")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func readOps(stdin io.Reader, file string) ([]oplog.Op, error) {
	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var ops []oplog.Op
	if err := json.NewDecoder(r).Decode(&ops); err != nil {
		return nil, errors.Wrap(err, "invalid ops file")
	}
	return ops, nil
}

func opFromFlags(cmd *cobra.Command) ([]oplog.Op, error) {
	typ, _ := cmd.Flags().GetString("op")
	db, _ := cmd.Flags().GetString("db")
	coll, _ := cmd.Flags().GetString("coll")
	key, _ := cmd.Flags().GetString("key")
	doc, _ := cmd.Flags().GetString("doc")
	to, _ := cmd.Flags().GetString("to")

	op := oplog.Op{Type: oplog.OpType(typ), NS: oplog.Namespace{DB: db, Coll: coll}}
	if key != "" {
		if err := json.Unmarshal([]byte(key), &op.DocumentKey); err != nil {
			return nil, errors.Wrap(err, "invalid --key")
		}
	}
	if doc != "" {
		if err := json.Unmarshal([]byte(doc), &op.Document); err != nil {
			return nil, errors.Wrap(err, "invalid --doc")
		}
	}
	if to != "" {
		op.To = &oplog.Namespace{DB: db, Coll: to}
	}
	return []oplog.Op{op}, nil
}
