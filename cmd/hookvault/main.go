package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/maneesh/hookvault/internal/app"
	"github.com/maneesh/hookvault/internal/config"
	"github.com/maneesh/hookvault/internal/service"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// CLI holds the command line state shared by every subcommand
type CLI struct {
	configPath string
	quiet      bool
	out        io.Writer
	appOpts    []app.Option
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, opts ...app.Option) *cobra.Command {
	cli := &CLI{out: out, appOpts: opts}

	rootCmd := &cobra.Command{
		Use:   "hookvault",
		Short: "Store files as chunks on webhook attachment endpoints",
		Long: `hookvault splits files into chunks, uploads them in parallel to a pool of
webhook endpoints and keeps a local catalog to put them back together.

Examples:
  hookvault endpoint add https://discord.com/api/webhooks/<id>/<token>
  hookvault upload ./backups/*.tar.gz
  hookvault list
  hookvault download <file-id> --dir ./restore`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().StringVarP(&cli.configPath, "config", "c", config.DefaultPath, "path to the config file")
	rootCmd.PersistentFlags().BoolVarP(&cli.quiet, "quiet", "q", false, "do not print transfer progress")

	rootCmd.AddCommand(
		cli.newListCmd(),
		cli.newUploadCmd(),
		cli.newDownloadCmd(),
		cli.newDeleteCmd(),
		cli.newExportCmd(),
		cli.newImportCmd(),
		cli.newEndpointCmd(),
		cli.newConfigCmd(),
		cli.newServeCmd(),
	)
	return rootCmd
}

// withApp wires the service for one command and closes it afterwards.
func (cli *CLI) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	a, err := app.New(ctx, cli.configPath, cli.appOpts...)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

// transfers returns the service used by upload and download commands.
func (cli *CLI) transfers(a *app.App) *service.Service {
	if cli.quiet {
		return a.Service
	}
	return a.Service.WithProgress(cli.progress)
}

// progress redraws one status line per file and ends it once the file is
// complete.
func (cli *CLI) progress(name string, done, total int64) {
	if total < 0 {
		cli.printf("\r%s %s", gray(name), humanSize(done))
		return
	}
	cli.printf("\r%s %s / %s", gray(name), humanSize(done), humanSize(total))
	if done >= total {
		cli.printf("\n")
	}
}

func (cli *CLI) printf(format string, args ...interface{}) {
	fmt.Fprintf(cli.out, format, args...)
}
