package main

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/models"
)

func humanSize(n int64) string {
	return units.HumanSizeWithPrecision(float64(n), 3)
}

func (cli *CLI) newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs := a.Service.List()
				if asJSON {
					enc := json.NewEncoder(cli.out)
					enc.SetIndent("", "  ")
					return enc.Encode(recs)
				}
				if len(recs) == 0 {
					cli.printf("%s\n", gray("no files stored"))
					return nil
				}
				cli.printTable(recs)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the catalog records as JSON")
	return cmd
}

func (cli *CLI) printTable(recs []*models.FileRecord) {
	tw := tabwriter.NewWriter(cli.out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", bold("ID"), bold("NAME"), bold("SIZE"), bold("CHUNKS"), bold("CREATED"))
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			cyan(rec.ID),
			rec.Name,
			humanSize(rec.Size),
			len(rec.Chunks),
			rec.CreatedAt.Local().Format(time.DateTime),
		)
	}
}

func (cli *CLI) newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload <path|glob>...",
		Short: "Upload files; patterns may use ** to match nested directories",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, pattern := range args {
					recs, err := cli.transfers(a).UploadGlob(ctx, pattern)
					for _, rec := range recs {
						cli.printf("%s %s %s (%s, %d chunks)\n",
							green("uploaded"), rec.Name, cyan(rec.ID), humanSize(rec.Size), len(rec.Chunks))
					}
					if err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (cli *CLI) newDownloadCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "download <file-id>...",
		Short: "Download files into the download directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					path, err := cli.transfers(a).Download(ctx, id, dir)
					if err != nil {
						return err
					}
					cli.printf("%s %s\n", green("downloaded"), path)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "o", "", "destination directory (default: download_dir from the config)")
	return cmd
}

func (cli *CLI) newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <file-id>...",
		Aliases: []string{"rm"},
		Short:   "Remove files from the catalog",
		Long:    "Remove files from the catalog. Chunks already posted to endpoints are left in place.",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					if err := a.Service.Delete(ctx, id); err != nil {
						return err
					}
					cli.printf("%s %s\n", yellow("deleted"), id)
				}
				return nil
			})
		},
	}
}
