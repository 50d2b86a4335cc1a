package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"dup-go/internal/app"
	"dup-go/internal/config"
	"dup-go/internal/dup"
	"dup-go/internal/encryption"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// commandInfo describes how a CLI command opens the app.
type commandInfo struct {
	name     string
	mutating bool
	// decrypt is set for commands that may download volumes.
	decrypt bool
}

// newApp reads the config and creates a DupApp. The caller must defer app.Close().
func newApp(cmd *cobra.Command, info commandInfo, params []string) (*app.DupApp, error) {
	paths, err := app.DefaultPaths()
	if err != nil {
		return nil, fmt.Errorf("resolving paths: %w", err)
	}

	cfg, err := config.ReadFromFile(paths.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	noDB, _ := cmd.Flags().GetBool("no-local-db")
	verbose, _ := cmd.Flags().GetBool("verbose")

	var pass string
	if info.decrypt && needsPassphrase(cfg.Encryption) {
		if pass, err = readPassphrase("Passphrase: "); err != nil {
			return nil, err
		}
	}

	a, err := app.NewDupApp(cmd.Context(), cfg, app.AppOptions{
		Command:    info.name,
		Parameters: strings.Join(params, " "),
		Mutating:   info.mutating,
		Passphrase: pass,
		NoDatabase: noDB,
		Verbose:    verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing app: %w", err)
	}
	if err := applySelection(cmd, a.Options()); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func needsPassphrase(cfg config.EncryptionConfig) bool {
	return cfg.Type == "" || cfg.Type == encryption.AgeModule
}

// readPassphrase takes the passphrase from DUP_PASSPHRASE or prompts on the terminal.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(app.EnvPassphrase); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	return string(b), nil
}

// applySelection copies the flags shared by several commands into the options.
func applySelection(cmd *cobra.Command, o *dup.Options) error {
	flags := cmd.Flags()
	if f := flags.Lookup("dry-run"); f != nil {
		o.DryRun, _ = flags.GetBool("dry-run")
	}
	if f := flags.Lookup("version"); f != nil && f.Changed {
		versions, _ := flags.GetIntSlice("version")
		if len(versions) > 0 {
			o.Version = versions[0]
		}
		o.Versions = versions
	}
	if f := flags.Lookup("time"); f != nil && f.Changed {
		s, _ := flags.GetString("time")
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("invalid --time: %w", err)
		}
		o.Time = t
	}
	if f := flags.Lookup("to"); f != nil {
		o.RestorePath, _ = flags.GetString("to")
	}
	if f := flags.Lookup("overwrite"); f != nil {
		o.Overwrite, _ = flags.GetBool("overwrite")
	}
	if f := flags.Lookup("no-local-blocks"); f != nil {
		o.NoLocalBlocks, _ = flags.GetBool("no-local-blocks")
	}
	if f := flags.Lookup("keep-versions"); f != nil && f.Changed {
		o.KeepVersions, _ = flags.GetInt("keep-versions")
	}
	if f := flags.Lookup("keep-time"); f != nil && f.Changed {
		s, _ := flags.GetString("keep-time")
		d, err := config.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid --keep-time: %w", err)
		}
		o.KeepTime = d
	}
	if f := flags.Lookup("allow-full-removal"); f != nil && f.Changed {
		o.AllowFullRemoval, _ = flags.GetBool("allow-full-removal")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:          "dup",
	Short:        "Deduplicating encrypted backups",
	SilenceUsage: true,
}

// config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and encryption keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		job, _ := cmd.Flags().GetString("job")
		hostID := uuid.New().String()
		cfg := paths.NewConfig(job, hostID)

		if err := config.Init(paths.ConfigFile, cfg); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		pass, err := readPassphrase("New passphrase for the encryption key: ")
		if err != nil {
			return err
		}
		enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption, pass)
		if err != nil {
			return err
		}
		if enc != nil {
			if err := enc.Setup(pass); err != nil {
				return fmt.Errorf("setting up encryption: %w", err)
			}
		}

		fmt.Printf("Configuration initialized at %s\n", paths.ConfigFile)
		fmt.Printf("Job:      %s\n", job)
		fmt.Printf("Host ID:  %s\n", hostID)
		fmt.Printf("Base Dir: %s\n", paths.BaseDir)
		return nil
	},
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "View configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := app.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to resolve paths: %w", err)
		}

		cfg, err := config.ReadFromFile(paths.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}
		opts, err := app.OptionsFromConfig(cfg.Backup)
		if err != nil {
			return err
		}

		fmt.Printf("Configuration from %s:\n\n", paths.ConfigFile)
		fmt.Printf("Job:        %s\n", cfg.Job)
		fmt.Printf("Host ID:    %s\n", cfg.HostID)
		fmt.Printf("Base Dir:   %s\n", cfg.BaseDir)
		fmt.Printf("Log Dir:    %s\n", cfg.LogDir)
		if cfg.MetricsFile != "" {
			fmt.Printf("Metrics:    %s\n", cfg.MetricsFile)
		}
		fmt.Printf("Encryption: %s\n", cfg.Encryption.Type)
		for _, b := range cfg.Backends {
			fmt.Printf("Backend:    %s (%s)\n", b.Name, b.Type)
		}
		fmt.Printf("Options:    %s\n", opts)
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup PATH...",
	Short: "Back up files and folders",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Backup", mutating: true, decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Backup(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		fmt.Printf("Examined %d file(s): %d added, %d modified, %d deleted, %d unchanged\n",
			res.ExaminedFiles, res.AddedFiles, res.ModifiedFiles, res.DeletedFiles, res.UnchangedFiles)
		if res.FilesWithError > 0 || res.SkippedFiles > 0 {
			fmt.Printf("%d file(s) failed, %d skipped\n", res.FilesWithError, res.SkippedFiles)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore [PATH|GLOB...]",
	Short: "Restore files from a backup version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Restore", decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Restore(cmd.Context(), args)
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored %d file(s), %d folder(s), %d symlink(s) (%s) from %s\n",
			res.RestoredFiles, res.RestoredFolders, res.RestoredSymlinks,
			humanize.IBytes(uint64(res.SizeOfRestoredFiles)),
			res.FilesetTimestamp.Local().Format("2006-01-02 15:04:05"))
		if res.VerificationErrors > 0 || res.MetadataErrors > 0 {
			return fmt.Errorf("%d file(s) failed verification, %d metadata error(s)", res.VerificationErrors, res.MetadataErrors)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list [PATH|GLOB...]",
	Short: "List the files of a backup version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "List", decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.List(cmd.Context(), args)
		if err != nil {
			return err
		}
		fmt.Printf("Version %d of %d, %s\n", res.Version, len(res.Filesets),
			res.Timestamp.Local().Format("2006-01-02 15:04:05"))
		for _, e := range res.Entries {
			fmt.Printf("%-8s %10s  %s  %s\n", e.Type, humanize.IBytes(uint64(e.Size)),
				e.LastModified.Local().Format("2006-01-02 15:04:05"), e.Path)
		}
		return nil
	},
}

var findCmd = &cobra.Command{
	Use:   "find PATH...",
	Short: "Show the newest backed up version of files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Find"}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		found, err := a.FindLastVersion(cmd.Context(), args)
		if err != nil {
			return err
		}
		for _, f := range found {
			if !f.Found {
				fmt.Printf("%s: never backed up\n", f.Path)
				continue
			}
			fmt.Printf("%s: version %d (%s), %s, modified %s\n", f.Path, f.Version.Version,
				f.Version.Timestamp.Local().Format("2006-01-02 15:04:05"),
				humanize.IBytes(uint64(f.Version.Size)),
				f.Version.LastModified.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete backup versions by number or retention policy",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Delete", mutating: true, decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Delete(cmd.Context())
		if err != nil {
			return fmt.Errorf("delete failed: %w", err)
		}
		for _, ts := range res.DeletedFilesets {
			fmt.Printf("Deleted version from %s\n", ts.Local().Format("2006-01-02 15:04:05"))
		}
		if res.Compact != nil {
			printCompact(res.Compact)
		}
		return nil
	},
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Repack volumes with wasted space",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Compact", mutating: true, decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Compact(cmd.Context())
		if err != nil {
			return fmt.Errorf("compact failed: %w", err)
		}
		printCompact(res)
		return nil
	},
}

func printCompact(res *dup.CompactResults) {
	if !res.Changed() {
		fmt.Println("Nothing to compact.")
		return
	}
	fmt.Printf("Compacted: %d volume(s) deleted, %d downloaded, %d uploaded, %s reclaimed\n",
		res.DeletedVolumes, res.DownloadedVolumes, res.UploadedVolumes, humanize.IBytes(uint64(res.ReclaimedBytes)))
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reconcile the local database with the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Cleanup", mutating: true, decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.Cleanup(cmd.Context())
		if err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		fmt.Printf("Confirmed %d upload(s), removed %d volume(s), regenerated %d, deleted %d remote file(s), pruned %d shadow(s)\n",
			res.ConfirmedUploads, res.RemovedVolumes, res.RegeneratedVolumes, res.DeletedRemoteFiles, res.PrunedShadows)
		return nil
	},
}

var recreateCmd = &cobra.Command{
	Use:   "recreate",
	Short: "Rebuild the local database from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "Recreate", mutating: true, decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		nearest, _ := cmd.Flags().GetBool("nearest")
		res, err := a.Recreate(cmd.Context(), nearest)
		if err != nil {
			return fmt.Errorf("recreate failed: %w", err)
		}
		fmt.Printf("Recreated %d version(s) from %d index and %d block volume(s), %d block(s)\n",
			res.Filesets, res.IndexVolumes, res.BlockVolumesScanned, res.Blocks)
		if res.SkippedEntries > 0 {
			fmt.Printf("%d entr(ies) skipped: their blocklists are missing\n", res.SkippedEntries)
		}
		if res.Partial {
			fmt.Println("Only some versions were replayed: the database can be used for restore, list and find only")
		}
		return nil
	},
}

var controlFilesCmd = &cobra.Command{
	Use:   "control-files [NAME...]",
	Short: "Restore the control files stored with a backup version",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "RestoreControlFiles", decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		written, err := a.RestoreControlFiles(cmd.Context(), args)
		if err != nil {
			return err
		}
		for _, p := range written {
			fmt.Println(p)
		}
		return nil
	},
}

var bugreportCmd = &cobra.Command{
	Use:   "bugreport DEST",
	Short: "Write an obfuscated copy of the local database",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, commandInfo{name: "BugReport"}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.BugReport(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Bug report written to %s\n", args[0])
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View operation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd, commandInfo{name: "History"}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		ops, err := a.History(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(ops) == 0 {
			fmt.Println("No operations recorded.")
			return nil
		}
		for _, op := range ops {
			duration := ""
			if op.FinishedAt != nil {
				duration = op.FinishedAt.Sub(op.StartedAt).Truncate(time.Millisecond).String()
			}
			fmt.Printf("#%d  %-20s  %s  %-10s  %s\n",
				op.ID,
				op.Description,
				op.StartedAt.Local().Format("2006-01-02 15:04:05"),
				op.Status,
				duration,
			)
		}
		return nil
	},
}

var restoreDBCmd = &cobra.Command{
	Use:   "restore-db",
	Short: "Install the newest database shadow as the local database",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cmd.Flags().Set("no-local-db", "true"); err != nil {
			return err
		}
		a, err := newApp(cmd, commandInfo{name: "RestoreDatabase", decrypt: true}, args)
		if err != nil {
			return err
		}
		defer a.Close()

		name, err := a.RestoreDatabase(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Restored local database from %s\n", name)
		return nil
	},
}

func addDryRun(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().Bool("dry-run", false, "Show what would happen without changing anything")
	}
}

func addSelection(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().IntSlice("version", nil, "Backup version, 0 is the newest")
		c.Flags().String("time", "", "Use the newest version at or before this RFC3339 time")
	}
}

func addNoLocalDB(cmds ...*cobra.Command) {
	for _, c := range cmds {
		c.Flags().Bool("no-local-db", false, "Work from the backend only")
	}
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug messages")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configInitCmd.Flags().String("job", "default", "Name of the backup job")

	addDryRun(backupCmd, restoreCmd, deleteCmd, compactCmd, cleanupCmd)
	addSelection(restoreCmd, listCmd, findCmd, deleteCmd, recreateCmd, controlFilesCmd)
	addNoLocalDB(restoreCmd, listCmd, controlFilesCmd, restoreDBCmd)

	restoreCmd.Flags().String("to", "", "Restore below this folder instead of the original locations")
	restoreCmd.Flags().Bool("overwrite", false, "Replace existing files")
	restoreCmd.Flags().Bool("no-local-blocks", false, "Always download blocks instead of reusing local files")
	controlFilesCmd.Flags().String("to", "", "Folder to write the control files to")

	deleteCmd.Flags().Int("keep-versions", 0, "Keep this many newest versions")
	deleteCmd.Flags().String("keep-time", "", "Keep versions newer than this duration, e.g. 720h")
	deleteCmd.Flags().Bool("allow-full-removal", false, "Allow deleting every version")

	recreateCmd.Flags().Bool("nearest", false, "Only replay the version selected by --version or --time, leaving a read-only database")

	historyCmd.Flags().IntP("limit", "n", 50, "Maximum number of operations to show")

	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(recreateCmd)
	rootCmd.AddCommand(controlFilesCmd)
	rootCmd.AddCommand(bugreportCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(restoreDBCmd)
}
