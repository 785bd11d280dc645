package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"surveycore/internal/ingest"
	"surveycore/internal/table"
)

func (c *cli) ingestCmd() *cobra.Command {
	var (
		formID      string
		userID      string
		parallel    int
		metricsPath string
	)
	cmd := &cobra.Command{
		Use:   "ingest FILE...",
		Short: "Ingest JSON payload files",
		Long: `Ingest one JSON object per file. The form id comes from --form, else the
payload's form_id field. Files are processed concurrently; rows for the same
table are serialized by the table lock.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			var (
				mu     sync.Mutex
				failed int
			)
			g, ctx := errgroup.WithContext(cmd.Context())
			g.SetLimit(parallel)
			for _, path := range args {
				g.Go(func() error {
					payload, err := readPayload(path)
					if err == nil {
						var res ingest.Result
						res, err = svc.Ingest(ctx, ingest.Submission{
							FormID:  formID,
							Payload: payload,
							Hints:   map[string]string{"user_id": userID},
							Target:  c.target(),
						})
						if err == nil {
							mu.Lock()
							fmt.Fprintf(c.stdout, "%s\t%s\t%s\t%s\tdrift=%d\tunknown=%d\n",
								filepath.Base(path), res.Table, res.Key, outcome(res), len(res.Drift), len(res.Unknown))
							mu.Unlock()
							return nil
						}
					}
					// A bad payload fails only its own file.
					if ctx.Err() != nil {
						return ctx.Err()
					}
					c.logger.Error("ingest failed", zap.String("file", path), zap.Error(err))
					mu.Lock()
					failed++
					fmt.Fprintf(c.stderr, "%s\terror\t%v\n", filepath.Base(path), err)
					mu.Unlock()
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			if metricsPath != "" {
				if err := c.metrics.WriteTextfile(metricsPath); err != nil {
					return fmt.Errorf("write metrics: %w", err)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d submissions failed", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&formID, "form", "f", "", "form id (default: payload form_id)")
	cmd.Flags().StringVar(&userID, "user-id", "", "identity hint that overrides the payload user_id")
	cmd.Flags().IntVarP(&parallel, "parallel", "p", 4, "maximum files processed at once")
	cmd.Flags().StringVar(&metricsPath, "metrics", "", "write prometheus textfile metrics to this path")
	return cmd
}

func outcome(res ingest.Result) string {
	switch {
	case res.Rebuilt:
		return "rebuilt"
	case res.Inserted:
		return "inserted"
	default:
		return "updated"
	}
}

func readPayload(path string) (map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	// Numbers stay json.Number so long identity digits are kept verbatim.
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%s: invalid JSON object: %w", path, err)
	}
	return payload, nil
}

func (c *cli) rowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "row USER_ID",
		Short: "Print the stored row for a respondent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()
			row, err := svc.Row(cmd.Context(), c.target(), args[0])
			if errors.Is(err, table.ErrNotFound) {
				return fmt.Errorf("no row for %s", args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(c.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(row.Strings())
			}
			for _, k := range row.Keys() {
				fmt.Fprintf(c.stdout, "%s\t%s\n", k, row.Value(k).String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the row as a JSON object")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		output  string
		publish bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a table verbatim to stdout or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()
			tbl := svc.Table(c.target())
			if tbl == nil {
				return fmt.Errorf("no %s table configured", c.target())
			}
			if output == "" || output == "-" {
				if _, err := tbl.WriteTo(c.stdout); err != nil {
					return err
				}
			} else if err := exportFile(tbl, output); err != nil {
				return err
			}
			if !publish {
				return nil
			}
			if !svc.Snapshots.Enabled() {
				return errors.New("--archive needs an archive driver in the config")
			}
			info, err := svc.Snapshots.Publish(cmd.Context(), tbl.Name(), tbl)
			if err != nil {
				c.metrics.Snapshot("error")
				return err
			}
			c.metrics.Snapshot("ok")
			c.logger.Info("snapshot published", zap.String("key", info.Key), zap.Int64("bytes", info.Size))
			fmt.Fprintln(c.stderr, info.Key)
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().BoolVar(&publish, "archive", false, "also publish a snapshot to the configured archive")
	return cmd
}

func exportFile(tbl *table.Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := tbl.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (c *cli) schemaCmd() *cobra.Command {
	var formID string
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Validate the embedded registry and list form columns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// The registry was validated when loaded.
			if formID != "" {
				f, ok := c.reg.Form(formID)
				if !ok {
					return fmt.Errorf("unknown form %q", formID)
				}
				for _, col := range f.Columns {
					kind := "numeric"
					switch {
					case f.IsText(col):
						kind = "text"
					case c.reg.IsOneHot(col):
						kind = "onehot"
					}
					fmt.Fprintf(c.stdout, "%s\t%s\n", col, kind)
				}
				return nil
			}
			for _, f := range c.reg.Forms() {
				fmt.Fprintf(c.stdout, "%s\t%d columns\t%d groups\t%d rules\n", f.ID, len(f.Columns), len(f.Groups), len(f.Derived))
			}
			fmt.Fprintf(c.stdout, "master\t%d columns\t%s\n", len(c.reg.MasterHeader()), strings.Join(c.reg.BaseColumns(), ","))
			return nil
		},
	}
	cmd.Flags().StringVarP(&formID, "form", "f", "", "list the columns of one form")
	return cmd
}
