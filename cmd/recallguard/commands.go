package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/recallguard/patcher/internal/batch"
	"github.com/recallguard/patcher/internal/catalog"
	"github.com/recallguard/patcher/internal/inspect"
	"github.com/recallguard/patcher/internal/journal"
	"github.com/recallguard/patcher/internal/patcher"
	"github.com/recallguard/patcher/internal/privilege"
)

var locateCmd = &cobra.Command{
	Use:   "locate",
	Short: "Find the install directory and module from the registry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			root, ok := a.engine.LocateInstallRoot(ctx)
			if !ok {
				return errors.New("install directory not found in registry; pass the path to patch explicitly")
			}
			fmt.Printf("Install root: %s\n", root)
			bin, ok := a.engine.FindBinary(root)
			if !ok {
				return fmt.Errorf("%s not found under %s", a.cfg.TargetBinary, root)
			}
			fmt.Printf("Module:       %s\n", bin)
			return nil
		})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check [path]",
	Short: "Run the preflight checks without changing anything",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			target, err := a.engine.Resolve(ctx, firstArg(args))
			if err != nil {
				return err
			}
			report := a.guard.Run(ctx, target)
			fmt.Printf("Target:   %s\n", target)
			fmt.Printf("Elevated: %s\n", yesNo(privilege.IsElevated()))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, c := range report.Checks {
				mark := "ok"
				if !c.Passed {
					mark = "FAIL"
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\n", c.Name, mark, c.Message)
			}
			w.Flush()
			return report.FirstError()
		})
	},
}

var patchCmd = &cobra.Command{
	Use:   "patch [path...]",
	Short: "Back up and patch the module",
	Long: `Patch each given module file or install directory. With no arguments the
install directory is read from the registry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runBatch(ctx, a, targets(args), batch.Apply(a.engine))
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [path...]",
	Short: "Copy the backup back over the module",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			return runBatch(ctx, a, targets(args), batch.Restore(a.engine))
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show whether the module is patched and backed up",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			st, err := a.engine.Status(ctx, firstArg(args))
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(st)
			}
			fmt.Printf("Module:    %s (%d bytes, MZ header: %s)\n", st.Target, st.Size, yesNo(st.PEHeader))
			fmt.Printf("Backup:    %s (present: %s)\n", st.BackupPath, yesNo(st.HasBackup))
			fmt.Printf("Condition: %s", st.Condition)
			if st.Pattern != "" {
				fmt.Printf(" (%s at 0x%X)", st.Pattern, st.Offset)
			}
			fmt.Println()
			return nil
		})
	},
}

var diffCmd = &cobra.Command{
	Use:   "diff [path]",
	Short: "Show the bytes that differ between the backup and the module",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			target, err := a.engine.Resolve(ctx, firstArg(args))
			if err != nil {
				return err
			}
			out, ranges, err := inspect.DiffFiles(a.backups.PathFor(target), target, inspect.Options{})
			if err != nil {
				return err
			}
			if len(ranges) == 0 {
				fmt.Println("Module is identical to its backup.")
				return nil
			}
			fmt.Print(out)
			fmt.Printf("%d changed region(s)\n", len(ranges))
			return nil
		})
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the known signatures in priority order",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		printCatalog(catalog.Default())
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the patch journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify the journal hash chain",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(_ context.Context, a *app) error {
			path := firstArg(args)
			if path == "" {
				path = a.cfg.JournalPath
			}
			if path == "" {
				return errors.New("journal is disabled (journal_path is empty)")
			}
			n, err := journal.VerifyFile(path)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("%s: %d entries, chain intact\n", path, n)
			return nil
		})
	},
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Work with off-host backup copies",
}

var mirrorListCmd = &cobra.Command{
	Use:   "list [path]",
	Short: "List mirrored backups for the module",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			keys, err := a.backups.ListMirrored(ctx, mirrorTarget(ctx, a, args))
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var mirrorFetchCmd = &cobra.Command{
	Use:   "fetch <key> [path]",
	Short: "Download a mirrored backup next to the module",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			target, err := a.engine.Resolve(ctx, firstArg(args[1:]))
			if err != nil {
				return err
			}
			if err := a.backups.Fetch(ctx, target, args[0]); err != nil {
				return err
			}
			fmt.Printf("Backup restored to %s\n", a.backups.PathFor(target))
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{patchCmd, restoreCmd, statusCmd} {
		c.Flags().BoolVar(&jsonOut, "json", false, "print results as JSON")
	}
	journalCmd.AddCommand(journalVerifyCmd)
	mirrorCmd.AddCommand(mirrorListCmd)
	mirrorCmd.AddCommand(mirrorFetchCmd)
}

// targets maps no arguments to a single registry lookup.
func targets(args []string) []string {
	if len(args) == 0 {
		return []string{""}
	}
	return args
}

// mirrorTarget names the module for mirror listing. Keys are grouped by file
// name, so a missing module still lists under the configured name.
func mirrorTarget(ctx context.Context, a *app, args []string) string {
	if p, err := a.engine.Resolve(ctx, firstArg(args)); err == nil {
		return p
	}
	return a.cfg.TargetBinary
}

func runBatch(ctx context.Context, a *app, paths []string, op batch.Op) error {
	runner := batch.NewRunner(a.cfg.MaxConcurrentTargets, nil)
	results := runner.Run(ctx, paths, op)

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			printResult(r)
		}
	}

	failed := 0
	for _, r := range results {
		if !r.OK() {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d target(s) failed", failed, len(results))
	}
	return nil
}

func printResult(r batch.Result) {
	name := r.Path
	if r.Patch.Target != "" {
		name = r.Patch.Target
	}
	if name == "" {
		name = "(registry)"
	}

	switch {
	case r.Err != nil:
		fmt.Printf("FAIL  %s [%s]\n%s\n", name, patcher.KindOf(r.Err), indent(r.Err.Error()))
	case r.Patch == (patcher.PatchResult{}):
		fmt.Printf("OK    %s restored from backup\n", name)
	case r.Patch.Success:
		fmt.Printf("OK    %s\n%s\n", name, indent(r.Patch.Message))
	default:
		fmt.Printf("FAIL  %s [%s]\n%s\n", name, r.Patch.Code, indent(r.Patch.Message))
	}
}

func printCatalog(c *catalog.Catalog) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tBYTES\tSEARCH")
	for i, p := range c.Patterns() {
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", i+1, p.Name, p.Search.Len(), p.Search.String())
		fmt.Fprintf(w, "\t\t\t%s\n", p.Replace.String())
	}
	w.Flush()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
