package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/recallguard/patcher/internal/backup"
	"github.com/recallguard/patcher/internal/backup/providers"
	"github.com/recallguard/patcher/internal/catalog"
	"github.com/recallguard/patcher/internal/config"
	"github.com/recallguard/patcher/internal/journal"
	"github.com/recallguard/patcher/internal/locator"
	"github.com/recallguard/patcher/internal/logging"
	"github.com/recallguard/patcher/internal/patcher"
	"github.com/recallguard/patcher/internal/preflight"
)

var log = logging.L("main")

var (
	version   = "0.1.0"
	cfgFile   string
	logLevel  string
	logFormat string
	jsonOut   bool
)

var rootCmd = &cobra.Command{
	Use:   "recallguard",
	Short: "Signature patcher for the WeChat core module",
	Long: `recallguard finds WeChatWin.dll, backs it up next to itself and rewrites
the known message-revoke branch so recalled messages stay visible.
Every change can be undone with 'recallguard restore'.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("recallguard v%s (%d signatures)\n", version, catalog.Default().Len())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <user config dir>/RecallGuard/recallguard.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override log format (text, json)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(locateCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(patchCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(mirrorCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg     *config.Config
	engine  *patcher.Engine
	guard   *preflight.Guard
	backups *backup.Manager
	journal *journal.Journal
	closers []io.Closer
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		return nil, fmt.Errorf("invalid config: %w", multierr.Combine(result.Fatals...))
	}

	logCloser, err := logging.Setup(cfg.LogFormat, cfg.LogLevel, cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
	if err != nil {
		log.Warn("log file unavailable, logging to stderr only", logging.KeyPath, cfg.LogFile, logging.KeyError, err)
	}
	for _, w := range result.Warnings {
		log.Warn("config warning", logging.KeyError, w)
	}

	a := &app{cfg: cfg, closers: []io.Closer{logCloser}}

	mirror, err := providers.FromConfig(ctx, cfg.Mirror)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("backup mirror: %w", err)
	}
	if c, ok := mirror.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}
	a.backups = backup.NewManager(cfg.BackupSuffix, mirror)

	keys := make([]locator.RegistryKey, 0, len(cfg.RegistryKeys))
	for _, k := range cfg.RegistryKeys {
		keys = append(keys, locator.RegistryKey{Hive: k.Hive, Path: k.Path, Value: k.Value})
	}

	a.guard = preflight.New(preflight.Options{
		ProcessName:    cfg.TargetProcess,
		CheckFreeSpace: cfg.CheckFreeSpace,
		BackupSuffix:   cfg.BackupSuffix,
	})

	opts := patcher.Options{
		Catalog:              catalog.Default(),
		Locator:              locator.New(cfg.TargetBinary, keys, nil),
		Guard:                a.guard,
		Backups:              a.backups,
		DetectAlreadyPatched: cfg.DetectAlreadyPatched,
	}

	j, err := journal.Open(cfg.JournalPath, cfg.JournalMaxSizeMB, 3)
	if err != nil {
		log.Warn("patch journal unavailable", logging.KeyPath, cfg.JournalPath, logging.KeyError, err)
	} else if j != nil {
		a.journal = j
		a.closers = append(a.closers, j)
		opts.Journal = j
	}

	a.engine, err = patcher.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	return err
}

// withApp runs fn with a configured app and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) (err error) {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(a))
	return fn(ctx, a)
}

func firstArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return ""
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(strings.TrimRight(s, "\n"), "\n", "\n  ")
}
