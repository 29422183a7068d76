package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/schaermu/munkirepo/internal/config"
	"github.com/schaermu/munkirepo/internal/git"
	"github.com/schaermu/munkirepo/internal/plist"
	"github.com/schaermu/munkirepo/internal/pliststore"
	"github.com/schaermu/munkirepo/internal/textdiff"
	"github.com/schaermu/munkirepo/internal/watcher"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	user      string

	// Command flags
	sortList  bool
	showRaw   bool
	newFrom   string
	writeFile string
	writeDiff bool
	force     bool
)

// defaultKinds are watched when the configuration does not restrict kinds.
var defaultKinds = []string{plist.KindManifests, plist.KindPkgsinfo}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "munkirepo",
	Short: "Manage the plist records of a munki repository",
	Long: `munkirepo lists, creates, reads, writes and deletes the plist records
(manifests, pkgsinfo, ...) of a munki repository.

When git is configured and a user is given, every change is committed to the
repository's history, authored by that user.`,
	SilenceUsage: true,
}

var listCmd = &cobra.Command{
	Use:   "list KIND",
	Short: "List the records of a kind",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show KIND PATH",
	Short: "Print a record",
	Long: `Show reads a record and prints it as an XML plist. Files that cannot be
parsed print as an empty dict unless read.parse_policy is strict.`,
	Args: cobra.ExactArgs(2),
	RunE: runShow,
}

var newCmd = &cobra.Command{
	Use:   "new KIND PATH",
	Short: "Create a record",
	Long: `New creates a record that must not exist yet. Without --from, manifests and
pkgsinfo records start from a default skeleton and other kinds from an empty
dict. The created plist is printed.`,
	Args: cobra.ExactArgs(2),
	RunE: runNew,
}

var writeCmd = &cobra.Command{
	Use:   "write KIND PATH",
	Short: "Create or overwrite a record from a file",
	Args:  cobra.ExactArgs(2),
	RunE:  runWrite,
}

var deleteCmd = &cobra.Command{
	Use:   "delete KIND PATH",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runDelete,
}

var watchCmd = &cobra.Command{
	Use:   "watch [KIND...]",
	Short: "Print changes to record files as they happen",
	RunE:  runWatch,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		_, _ = fmt.Fprintf(out, "munkirepo %s\n", version)
		_, _ = fmt.Fprintf(out, "  commit: %s\n", commit)
		_, _ = fmt.Fprintf(out, "  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/munkirepo/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&user, "user", "", "user recorded as the author of changes (empty disables recording)")

	listCmd.Flags().BoolVar(&sortList, "sort", false, "sort paths instead of printing them in walk order")
	showCmd.Flags().BoolVar(&showRaw, "raw", false, "print the file exactly as stored")
	newCmd.Flags().StringVar(&newFrom, "from", "", "plist file to use as the new record's content")
	writeCmd.Flags().StringVarP(&writeFile, "file", "f", "", "file to write (\"-\" reads stdin)")
	writeCmd.Flags().BoolVar(&writeDiff, "diff", false, "print a diff against the current content")
	writeCmd.Flags().BoolVar(&force, "force", false, "write content that does not parse as a plist")
	_ = writeCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	store, _, err := openStore()
	if err != nil {
		return err
	}

	paths, err := store.List(args[0])
	if err != nil {
		return err
	}
	if sortList {
		sort.Strings(paths)
	}

	renderList(cmd.OutOrStdout(), args[0], paths)
	return nil
}

// renderList prints paths as a table.
func renderList(out io.Writer, kind string, paths []string) {
	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.Style().Format.Footer = text.FormatDefault
	t.AppendHeader(table.Row{"#", kind})
	for i, p := range paths {
		t.AppendRow(table.Row{i + 1, p})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d records", len(paths))})
	t.Render()
}

func runShow(cmd *cobra.Command, args []string) error {
	store, logger, err := openStore()
	if err != nil {
		return err
	}

	if showRaw {
		data, err := store.ReadRaw(args[0], args[1])
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}

	rec, err := store.Read(args[0], args[1])
	if err != nil {
		return err
	}
	logger.Debug("read record", "kind", args[0], "path", args[1], "keys", len(rec))

	data, err := plist.XMLCodec{}.Serialize(rec)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runNew(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	store, _, err := openStore()
	if err != nil {
		return err
	}

	var rec plist.Record
	if newFrom != "" {
		data, err := os.ReadFile(newFrom)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", newFrom, err)
		}
		rec, err = plist.XMLCodec{}.Parse(data)
		if err != nil {
			return fmt.Errorf("invalid plist in %s: %w", newFrom, err)
		}
	}

	data, err := store.New(ctx, args[0], args[1], user, rec)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func runWrite(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	store, logger, err := openStore()
	if err != nil {
		return err
	}

	data, err := readInput(cmd.InOrStdin(), writeFile)
	if err != nil {
		return err
	}

	if format, err := plist.Format(data); err != nil {
		if !force {
			return fmt.Errorf("refusing to write content that is not a plist (use --force): %w", err)
		}
		logger.Warn("writing content that is not a plist", "kind", args[0], "path", args[1], "error", err)
	} else {
		logger.Debug("input parsed", "format", format)
	}

	if writeDiff {
		old, err := store.ReadRaw(args[0], args[1])
		if err != nil && !errors.Is(err, pliststore.ErrDoesNotExist) {
			return err
		}
		diff := textdiff.Lines(string(old), string(data))
		if diff == "" {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no changes")
		} else {
			_, _ = fmt.Fprint(cmd.OutOrStdout(), diff)
		}
		added, removed := textdiff.Stat(string(old), string(data))
		logger.Info("diff", "added", added, "removed", removed)
	}

	return store.Write(ctx, data, args[0], args[1], user)
}

// readInput reads a file, or stdin when path is "-".
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	store, _, err := openStore()
	if err != nil {
		return err
	}
	return store.Delete(ctx, args[0], args[1], user)
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	kinds, err := watchKinds(cfg, args)
	if err != nil {
		return err
	}
	for _, kind := range kinds {
		if _, err := os.Stat(cfg.KindDir(kind)); err != nil {
			logger.Warn("kind directory does not exist", "kind", kind, "dir", cfg.KindDir(kind))
		}
	}

	out := cmd.OutOrStdout()
	w := watcher.New(cfg.Repo.Dir, kinds, cfg.Watch.Debounce, logger)
	return w.Run(ctx, func(ev watcher.Event) {
		_, _ = fmt.Fprintf(out, "%s\t%s\t%s/%s\n", ev.Time.Format("15:04:05"), ev.Op, ev.Kind, ev.Path)
	})
}

// watchKinds returns the kinds to watch: the requested ones, which must be
// configured when repo.kinds is set, or else the configured or default kinds.
func watchKinds(cfg *config.Config, requested []string) ([]string, error) {
	if len(requested) == 0 {
		if len(cfg.Repo.Kinds) > 0 {
			return cfg.Repo.Kinds, nil
		}
		return defaultKinds, nil
	}
	if len(cfg.Repo.Kinds) == 0 {
		return requested, nil
	}
	for _, kind := range requested {
		if !slices.Contains(cfg.Repo.Kinds, kind) {
			return nil, fmt.Errorf("cannot watch %s: %w", kind, pliststore.ErrUnknownKind)
		}
	}
	return requested, nil
}

// openStore loads the configuration and builds the store it describes.
func openStore() (*pliststore.Store, *slog.Logger, error) {
	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return newStore(cfg, logger), logger, nil
}

func newStore(cfg *config.Config, logger *slog.Logger) *pliststore.Store {
	opts := []pliststore.Option{
		pliststore.WithLogger(logger),
		pliststore.WithKinds(cfg.Repo.Kinds),
	}
	if cfg.Read.ParsePolicy == config.ParseStrict {
		opts = append(opts, pliststore.WithStrictParsing())
	}
	if cfg.GitEnabled() {
		opts = append(opts, pliststore.WithRecorder(git.NewShellRecorder(
			cfg.Git.Path,
			cfg.Git.CommitterName,
			cfg.Git.CommitterEmail,
			cfg.Git.AuthorDomain,
		)))
	}
	return pliststore.NewStore(afero.NewOsFs(), cfg.Repo.Dir, opts...)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Logs go to stderr, stdout carries command output
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler).With("request_id", uuid.NewString())
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "munkirepo", "config.yaml")
	}

	logger.Debug("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo_dir", cfg.Repo.Dir,
		"kinds", cfg.Repo.Kinds,
		"git", cfg.GitEnabled(),
		"parse_policy", cfg.Read.ParsePolicy)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}
