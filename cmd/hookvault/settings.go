package main

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/config"
	"github.com/maneesh/hookvault/internal/errs"
	"github.com/maneesh/hookvault/internal/server"
)

func (cli *CLI) newEndpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "endpoint",
		Short: "Manage upload endpoints",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <url>",
		Short: "Add a webhook (or minio://bucket) endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.AddEndpoint(args[0]); err != nil {
					return err
				}
				cli.printf("%s %s (%d endpoints)\n", green("added"), errs.Redact(args[0]), len(a.Service.Endpoints()))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List endpoints with their object size limit",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				eps := a.Service.Endpoints()
				if len(eps) == 0 {
					cli.printf("%s\n", gray("no endpoints configured; add one with 'hookvault endpoint add <url>'"))
					return nil
				}
				for i, ep := range eps {
					cli.printf("%2d  %s  %s\n", i, errs.Redact(ep.URL), gray("max "+humanSize(ep.MaxObjectSize)))
				}
				return nil
			})
		},
	})
	return cmd
}

func (cli *CLI) newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Change a setting",
		Long: `Change a setting and save it to the config file. Sizes accept human
strings ("24MB", "25MiB"), durations Go syntax ("500ms").

Keys: ` + strings.Join(config.SettableKeys(), ", "),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Service.UpdateSetting(args[0], args[1]); err != nil {
					return err
				}
				cli.printf("%s %s = %s\n", green("set"), bold(args[0]), args[1])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List the settings that can be changed with 'config set'",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, k := range config.SettableKeys() {
				cli.printf("%s\n", k)
			}
			return nil
		},
	})
	return cmd
}

func (cli *CLI) newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.withApp(cmd, func(ctx context.Context, a *app.App) error {
				return server.Run(ctx, a, addr)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default \":<server.port>\")")
	return cmd
}
