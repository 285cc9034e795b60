package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/agentworkforce/roomstate/internal/roomstate"
	"github.com/agentworkforce/roomstate/internal/roomsync"
	"github.com/agentworkforce/roomstate/internal/workspace"
)

type globalOptions struct {
	baseURL   string
	token     string
	scope     string
	cacheFile string
	timeout   time.Duration
	logLevel  string

	// envLogger reports bad environment defaults before flags are parsed.
	envLogger zerolog.Logger
}

// session is one booted reconciler plus what built it.
type session struct {
	client     *roomsync.HTTPClient
	reconciler *roomsync.Reconciler
	cache      *roomsync.FileCache
	logger     zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{
		envLogger: newLogger(os.Stderr, envOrDefault("ROOMSTATE_LOG_LEVEL", "warn")),
	}
	root := &cobra.Command{
		Use:          "roomstate-sync",
		Short:        "Keep a local copy of a roomstate scope in sync",
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.baseURL, "base-url", envOrDefault("ROOMSTATE_BASE_URL", "http://127.0.0.1:8080"), "roomstate base URL")
	flags.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("ROOMSTATE_TOKEN")), "bearer token passed to the gateway in front of roomstate")
	flags.StringVar(&opts.scope, "scope", strings.TrimSpace(os.Getenv("ROOMSTATE_SCOPE")), "scope (class or group) to sync")
	flags.StringVar(&opts.cacheFile, "cache-file", strings.TrimSpace(os.Getenv("ROOMSTATE_CACHE_FILE")), "local cache file (default: user cache dir)")
	flags.DurationVar(&opts.timeout, "timeout", durationEnv(opts.envLogger, "ROOMSTATE_SYNC_TIMEOUT", 15*time.Second), "per-request timeout")
	flags.StringVar(&opts.logLevel, "log-level", envOrDefault("ROOMSTATE_LOG_LEVEL", "warn"), "log level")

	root.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newTreeCmd(opts),
		newFolderCmd(opts),
		newFileCmd(opts),
		newReadingCmd(opts),
	)
	return root
}

func newOnceCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Reconcile the cache with the server once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.reconciler.Close()
			printSummary(cmd.OutOrStdout(), s.reconciler.Snapshot(), s.reconciler.Scope())
			return nil
		},
	}
}

func newTreeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tree",
		Short: "Print the folder and file tree of the scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.reconciler.Close()
			printTree(cmd.OutOrStdout(), s.reconciler.Snapshot())
			return nil
		},
	}
}

func newFolderCmd(opts *globalOptions) *cobra.Command {
	folderCmd := &cobra.Command{
		Use:   "folder",
		Short: "Manage folders",
	}
	var parent string
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, func(r *roomsync.Reconciler) (string, error) {
				folder, err := r.CreateFolder(args[0], optionalFlag(parent))
				return folder.ID, err
			})
		},
	}
	createCmd.Flags().StringVar(&parent, "parent", "", "parent folder id")
	folderCmd.AddCommand(createCmd)
	return folderCmd
}

func newFileCmd(opts *globalOptions) *cobra.Command {
	fileCmd := &cobra.Command{
		Use:   "file",
		Short: "Manage canvas files",
	}
	var parent string
	createCmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a canvas file and open it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return mutate(cmd, opts, func(r *roomsync.Reconciler) (string, error) {
				file, err := r.CreateFile(args[0], optionalFlag(parent))
				return file.ID, err
			})
		},
	}
	createCmd.Flags().StringVar(&parent, "parent", "", "parent folder id")

	openCmd := &cobra.Command{
		Use:   "open ID",
		Short: "Make a file the active file in the local cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd, opts)
			if err != nil {
				return err
			}
			defer s.reconciler.Close()
			if err := s.reconciler.SetActiveFile(args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), args[0])
			return nil
		},
	}
	fileCmd.AddCommand(createCmd, openCmd)
	return fileCmd
}

func newReadingCmd(opts *globalOptions) *cobra.Command {
	readingCmd := &cobra.Command{
		Use:   "reading",
		Short: "Manage readings",
	}
	var content, contentFile string
	addCmd := &cobra.Command{
		Use:   "add TITLE",
		Short: "Add a reading; its file appears under Readings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := content
			if contentFile != "" {
				data, err := readContent(cmd.InOrStdin(), contentFile)
				if err != nil {
					return err
				}
				body = string(data)
			}
			return mutate(cmd, opts, func(r *roomsync.Reconciler) (string, error) {
				reading, err := r.AddReading(args[0], body)
				return reading.ID, err
			})
		},
	}
	addCmd.Flags().StringVar(&content, "content", "", "reading text")
	addCmd.Flags().StringVar(&contentFile, "content-file", "", "read the text from a file, or - for stdin")
	addCmd.MarkFlagsMutuallyExclusive("content", "content-file")
	readingCmd.AddCommand(addCmd)
	return readingCmd
}

// mutate boots a session, applies one local edit, waits for its push and
// prints the new entry id.
func mutate(cmd *cobra.Command, opts *globalOptions, edit func(r *roomsync.Reconciler) (string, error)) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.reconciler.Close()
	before := s.reconciler.Revision()
	id, err := edit(s.reconciler)
	if err != nil {
		return err
	}
	s.reconciler.Wait()
	if s.reconciler.Revision() == before {
		s.logger.Warn().Msg("change kept locally; it will be pushed on the next sync")
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func openSession(cmd *cobra.Command, opts *globalOptions) (*session, error) {
	scope, err := roomstate.ValidateScope(opts.scope)
	if err != nil {
		return nil, fmt.Errorf("scope is required (--scope or ROOMSTATE_SCOPE): %w", err)
	}
	cachePath := opts.cacheFile
	if cachePath == "" {
		cachePath, err = defaultCachePath(scope)
		if err != nil {
			return nil, err
		}
	}
	logger := newLogger(cmd.ErrOrStderr(), opts.logLevel)
	timeout := opts.timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := roomsync.NewHTTPClient(opts.baseURL, opts.token, &http.Client{Timeout: timeout})
	cache := roomsync.NewFileCache(cachePath)
	reconciler, err := roomsync.NewReconciler(client, roomsync.Options{
		Scope:       scope,
		Cache:       cache,
		Normalizer:  workspace.NewNormalizer(),
		Logger:      &logger,
		PushTimeout: timeout,
		PollTimeout: timeout,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), 2*timeout)
	defer cancel()
	if err := reconciler.Boot(ctx); err != nil {
		logger.Warn().Err(err).Msg("working from the local cache")
	}
	return &session{
		client:     client,
		reconciler: reconciler,
		cache:      cache,
		logger:     logger,
	}, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func defaultCachePath(scope string) (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locate cache dir (set --cache-file): %w", err)
	}
	return filepath.Join(dir, "roomstate", scope+".json"), nil
}

func readContent(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

func optionalFlag(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func newLogger(out io.Writer, level string) zerolog.Logger {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}).
		Level(parsed).
		With().Timestamp().Logger()
}

func printSummary(out io.Writer, state roomsync.State, scope string) {
	fmt.Fprintf(out, "%s revision %d: %d folders, %d files, %d readings\n",
		scope, state.Revision, len(state.Workspace.Folders), len(state.Workspace.Files), len(state.Readings))
}

func printTree(out io.Writer, state roomsync.State) {
	indent := func(depth int) string { return strings.Repeat("  ", depth) }
	workspace.BuildTree(state.Workspace).Walk(
		func(depth int, folder workspace.Folder) {
			fmt.Fprintf(out, "%s%s/\n", indent(depth), folder.Name)
		},
		func(depth int, file workspace.File) {
			marker := ""
			if file.ID == state.ActiveFileID {
				marker = " *"
			}
			fmt.Fprintf(out, "%s%s%s\n", indent(depth), file.Name, marker)
		},
	)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("env", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid environment value; using fallback")
		return fallback
	}
	return value
}

func floatEnv(logger zerolog.Logger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warn().Str("env", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid environment value; using fallback")
		return fallback
	}
	return value
}
