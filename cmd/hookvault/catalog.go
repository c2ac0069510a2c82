package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/models"
)

// catalogSource resolves the "<file> or --redis <key>" argument shared by
// export and import.
func catalogSource(args []string, key string) (string, error) {
	switch {
	case key != "" && len(args) > 0:
		return "", errors.New("give either a file or --redis, not both")
	case key == "" && len(args) == 0:
		return "", errors.New("a file or --redis key is required")
	case len(args) > 0:
		return args[0], nil
	default:
		return "", nil
	}
}

func (cli *CLI) newExportCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write the catalog to a file (.zst is compressed) or publish it to redis",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogSource(args, key)
			if err != nil {
				return err
			}
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if key != "" {
					n, err := a.Service.ShareExport(ctx, key)
					if err != nil {
						return err
					}
					cli.printf("%s %d files under %s\n", green("published"), n, cyan(key))
					return nil
				}
				n, err := a.Service.ExportFile(path)
				if err != nil {
					return err
				}
				cli.printf("%s %d files to %s\n", green("exported"), n, path)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "redis", "", "publish under this key instead of writing a file")
	return cmd
}

func (cli *CLI) newImportCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Merge a catalog file (or one published to redis) into the local catalog",
		Long: `Merge a catalog into the local one. Records already present are skipped;
clashing ids or names get a fresh id or a " (n)" suffix, nothing is overwritten.
Legacy files_cache.json files are accepted.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := catalogSource(args, key)
			if err != nil {
				return err
			}
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var added []*models.FileRecord
				if key != "" {
					added, err = a.Service.ShareImport(ctx, key)
				} else {
					added, err = a.Service.ImportFile(ctx, path)
				}
				for _, rec := range added {
					cli.printf("  %s %s\n", cyan(rec.ID), rec.Name)
				}
				if err != nil {
					return err
				}
				cli.printf("%s %d files\n", green("imported"), len(added))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "redis", "", "fetch the catalog published under this key")
	return cmd
}
