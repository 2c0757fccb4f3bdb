package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/metcalfc/distill/internal/config"
	"github.com/metcalfc/distill/internal/distill"
	"github.com/metcalfc/distill/internal/extract"
	"github.com/metcalfc/distill/internal/logging"
	"github.com/metcalfc/distill/internal/reader"
	"github.com/metcalfc/distill/internal/session"
	"github.com/metcalfc/distill/internal/state"
)

// Version info (injected via ldflags)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	provider   string
	modelName  string
	backend    string
	verbose    bool
	fresh      bool
	outputDir  string
	closeAfter bool
	force      bool

	cfg      *config.Config
	logger   = zap.NewNop()
	closeLog = func() error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "distill [file]",
	Short: "Distill - read a book segment by segment and keep what matters",
	Long: `Distill walks an EPUB or PDF one segment at a time and asks a language
model for the quotes, learnings and insights worth keeping. Selected notes,
their tags and the reading position are saved per book and can be exported
as Markdown.

Controls:
  ←/→      Previous/next segment
  ↑/↓      Move between nuggets
  SPACE    Select/deselect nugget
  t / T    Add tag / remove last tag
  /        Find a half-remembered passage nearby
  b / f    Include back/front matter
  1/2/3    Toggle quotes/learnings/insights
  v        Preview notes
  e / E    Export / export and close the book
  Q        Quit`,
	Version:           fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	Args:              cobra.MaximumNArgs(1),
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = closeLog()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return runRead(cmd, args)
	},
}

var readCmd = &cobra.Command{
	Use:   "read <file>",
	Short: "Open a book in the reader",
	Args:  cobra.ExactArgs(1),
	RunE:  runRead,
}

var exportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the saved notes of a book as Markdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage saved reading sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	Args:  cobra.NoArgs,
	RunE:  listSessions,
}

var sessionsClearCmd = &cobra.Command{
	Use:   "clear <title|key>",
	Short: "Delete a saved session",
	Args:  cobra.ExactArgs(1),
	RunE:  clearSession,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the current settings to the config file",
	Args:  cobra.NoArgs,
	RunE:  initConfig,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Config file (default $XDG_CONFIG_HOME/distill/config.yaml)")
	pf.StringVarP(&provider, "provider", "p", "", "Model provider: "+strings.Join(extract.Providers, ", "))
	pf.StringVarP(&modelName, "model", "m", "", "Model name (provider default when empty)")
	pf.StringVar(&backend, "state", "", "Session store: file or sqlite")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")

	for _, cmd := range []*cobra.Command{rootCmd, readCmd} {
		cmd.Flags().BoolVar(&fresh, "fresh", false, "Ignore the saved session for this book")
		cmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory for exported notes")
	}
	exportCmd.Flags().StringVarP(&outputDir, "output", "o", ".", "Directory for exported notes")
	exportCmd.Flags().BoolVar(&closeAfter, "close", false, "Delete the saved session after exporting")

	configInitCmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsClearCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(readCmd, exportCmd, sessionsCmd, configCmd)
}

// setup loads configuration, applies flag overrides and opens the log file.
func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return err
	}
	if provider != "" {
		cfg.Provider = provider
	}
	if modelName != "" {
		cfg.Model = modelName
	}
	if backend != "" {
		cfg.State.Backend = backend
	}
	if verbose {
		cfg.Logging.Verbose = true
	}

	logger, closeLog, err = logging.New(cfg.LogPath(), cfg.Logging.Verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func loadDocument(path string) (*reader.Document, error) {
	doc, err := reader.Load(path, reader.Options{PagesPerSegment: cfg.PagesPerSegment})
	if err != nil {
		return nil, err
	}
	logger.Info("Loaded document",
		zap.String("path", path),
		zap.String("title", doc.Title),
		zap.Int("segments", doc.Len()))
	return doc, nil
}

// openStore never fails the command: without a store the session simply
// isn't saved.
func openStore() state.Store {
	store, err := state.Open(cfg.State.Backend, cfg.StateDir())
	if err != nil {
		logger.Warn("Session store unavailable", zap.Error(err))
		return nil
	}
	return store
}

func runRead(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}

	svc, err := extract.New(ctx, extract.Options{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		APIKey:   cfg.ResolvedAPIKey(),
		BaseURL:  cfg.BaseURL,
		MaxChars: cfg.MaxInputChars,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	opts := sessionOptions()
	opts.Searcher = svc
	opts.Fresh = fresh
	opts.Controller.DisablePrefetch = !cfg.Prefetch
	if store := openStore(); store != nil {
		defer store.Close()
		opts.Store = store
	}

	sess := session.Open(doc, svc, opts)
	defer sess.Close()

	p := tea.NewProgram(newModel(ctx, sess, outputDir), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	if m, ok := final.(model); ok && m.closed {
		fmt.Println(m.status)
	}
	return nil
}

func sessionOptions() session.Options {
	filters := cfg.ExtractFilters()
	return session.Options{
		Logger: logger,
		Controller: distill.Options{
			Filters: &filters,
			Pricing: cfg.PricingTable(),
			Timeout: cfg.TimeoutDuration(),
		},
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	doc, err := loadDocument(args[0])
	if err != nil {
		return err
	}
	store := openStore()
	if store == nil {
		return errors.New("no session store available")
	}
	defer store.Close()

	if _, ok, err := store.Load(state.Key(doc.Title)); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("no saved session for %q", doc.Title)
	}

	// Exporting never analyses, so no extractor is needed.
	opts := sessionOptions()
	opts.Store = store
	opts.Controller.DisablePrefetch = true
	sess := session.Open(doc, nil, opts)
	defer sess.Close()

	path, err := writeExport(sess, outputDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d notes to %s\n", len(sess.Notes()), path)

	if closeAfter {
		if err := sess.Discard(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Closed session %s\n", sess.Key())
	}
	return nil
}

func listSessions(cmd *cobra.Command, args []string) error {
	store := openStore()
	if store == nil {
		return errors.New("no session store available")
	}
	defer store.Close()

	keys, err := store.Keys()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No saved sessions.")
		return nil
	}
	for _, key := range keys {
		snap, ok, err := store.Load(key)
		if err != nil || !ok {
			fmt.Fprintln(out, key)
			continue
		}
		fmt.Fprintf(out, "%s\tsegment %d\t%d notes\t$%.4f\n",
			key, snap.ChapterIndex+1, len(snap.Notes), snap.Stats.EstimatedCost)
	}
	return nil
}

func clearSession(cmd *cobra.Command, args []string) error {
	store := openStore()
	if store == nil {
		return errors.New("no session store available")
	}
	defer store.Close()

	key := args[0]
	if !strings.HasPrefix(key, "distill_") {
		key = state.Key(key)
	}
	if err := store.Delete(key); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", key)
	return nil
}

// initConfig saves defaults merged with the file, environment and flags.
// The API key is left out; it belongs in the environment.
func initConfig(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := cfg.Validate(); err != nil && !errors.Is(err, config.ErrNoAPIKey) {
		return err
	}

	out := *cfg
	out.APIKey = ""
	if err := out.Save(path); err != nil {
		return err
	}
	logger.Info("Wrote config", zap.String("path", path))
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
