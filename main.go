package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagConfig    string
	flagConfigURL string
	flagLogLevel  string
	flagVerbose   bool
)

// app bundles the wired components a command needs
type app struct {
	cfg      *Config
	db       *sql.DB
	content  *SQLContent
	cache    CacheStore
	resolver *Resolver
	closers  []func() error
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// openApp loads configuration and wires the database, cache and resolver
func openApp(ctx context.Context) (*app, error) {
	cfg, err := LoadConfig(flagConfig, flagConfigURL)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	db, err := openDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: db, closers: []func() error{db.Close}}

	cache, closeCache, err := openCache(ctx, cfg, db)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.cache = cache
	a.closers = append(a.closers, closeCache)
	a.content = NewSQLContent(db, cfg.Database.Driver)

	var opts []ResolverOption
	if cfg.Parsely.Enabled {
		opts = append(opts, WithParsely(NewParselyClient(cfg, a.content, cache)))
	}
	a.resolver, err = NewResolver(a.content, cache, cfg, opts...)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// setupLogging configures the command logger and the component slog handler
// to the same level
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	level := log.WarnLevel // Only show warnings and above by default
	if flagVerbose {
		level = log.DebugLevel
	}
	if flagLogLevel != "" {
		parsed, err := log.ParseLevel(flagLogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --log-level %q, using %s\n", flagLogLevel, level)
		} else {
			level = parsed
		}
	}
	log.SetLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel(level)})))
}

func slogLevel(level log.Level) slog.Level {
	switch {
	case level >= log.DebugLevel:
		return slog.LevelDebug
	case level == log.InfoLevel:
		return slog.LevelInfo
	case level == log.WarnLevel:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func parsePostID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPostID, s)
	}
	return id, nil
}

var rootCmd = &cobra.Command{
	Use:   "related-posts",
	Short: "Related posts resolver",
	Long:  "related-posts merges editor-curated related posts with posts sharing the primary category, caches the result, and renders it.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		setupLogging()
	},
	SilenceUsage: true,
}

var (
	flagPreview  bool
	flagLoggedIn bool
	flagTaxonomy string
	flagSource   string
	flagFormat   string
	flagGap      string
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <post-id>",
	Short: "Print the related posts of a post",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, err := parsePostID(args[0])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		q, err := a.resolver.NewQuery(ctx, postID, QueryArgs{Taxonomy: flagTaxonomy})
		if err != nil {
			return err
		}

		var items []RelatedItem
		switch flagSource {
		case "parsely":
			items = q.ParselyRelated(ctx)
		case "", "default":
			items, err = q.Run(ctx, RequestContext{Preview: flagPreview, LoggedIn: flagLoggedIn})
			if err != nil {
				return err
			}
		default:
			return fmt.Errorf("unknown --source %q (valid: default, parsely)", flagSource)
		}

		return writeItems(cmd.OutOrStdout(), q.Post(), items, flagFormat, flagGap)
	},
}

func writeItems(w io.Writer, post Post, items []RelatedItem, format, gap string) error {
	switch format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(items)
	case "html":
		html, err := renderBlock(items, gap, nil)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, html)
		return err
	case "atom":
		atom, err := generateRelatedFeed(post, items)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, atom)
		return err
	default:
		return fmt.Errorf("unknown --format %q (valid: json, html, atom)", format)
	}
}

var purgeCmd = &cobra.Command{
	Use:   "purge <url>...",
	Short: "Drop cached related posts for the posts behind the given URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		purged, err := a.resolver.PurgeURLs(cmd.Context(), args)
		log.WithFields(log.Fields{
			"urls":   len(args),
			"purged": purged,
		}).Info("Purge finished")
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d cache entr(ies).\n", purged)
		return err
	},
}

var updatedCmd = &cobra.Command{
	Use:   "updated <post-id>",
	Short: "Signal that a post was updated and drop its cached related posts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, err := parsePostID(args[0])
		if err != nil {
			return err
		}
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		return a.resolver.OnUpdate(cmd.Context(), postID)
	},
}

var curateCmd = &cobra.Command{
	Use:   "curate <post-id> <file|->",
	Short: "Store curated related posts (a JSON array) for a post",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, err := parsePostID(args[0])
		if err != nil {
			return err
		}
		var raw []byte
		if args[1] == "-" {
			raw, err = io.ReadAll(cmd.InOrStdin())
		} else {
			raw, err = os.ReadFile(args[1])
		}
		if err != nil {
			return fmt.Errorf("reading curated entries: %w", err)
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()
		if err := a.resolver.SetCuratedEntries(cmd.Context(), a.content, postID, raw); err != nil {
			return err
		}
		log.WithField("post_id", postID).Info("Stored curated related posts")
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <feed-url>",
	Short: "Import posts and categories from an RSS feed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		result, err := importFeed(cmd.Context(), a.content, a.cfg, args[0])
		if err != nil {
			return err
		}
		for _, importErr := range result.Errors {
			log.WithError(importErr).WithField("feed", args[0]).Error("Error importing item")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d post(s), %d term(s).\n", result.Posts, result.Terms)
		return errors.Join(result.Errors...)
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired entries from the SQL cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		sc, ok := a.cache.(*sqlCache)
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "Cache driver expires entries itself, nothing to prune.")
			return nil
		}
		deleted, err := sc.PruneExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d expired cache entr(ies).\n", deleted)
		return nil
	},
}

var flagAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve related posts over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		addr := flagAddr
		if addr == "" {
			addr = a.cfg.Server.Addr
		}
		return NewServer(a.resolver, a.content).ListenAndServe(ctx, addr)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "related-posts %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&flagConfigURL, "config-url", "", "URL of a remote config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	resolveCmd.Flags().BoolVar(&flagPreview, "preview", false, "resolve as a preview request (bypasses the cache)")
	resolveCmd.Flags().BoolVar(&flagLoggedIn, "logged-in", false, "resolve as a logged-in user (bypasses the cache)")
	resolveCmd.Flags().StringVar(&flagTaxonomy, "taxonomy", "", "taxonomy used for discovery (default from config)")
	resolveCmd.Flags().StringVar(&flagSource, "source", "default", "related posts source (default, parsely)")
	resolveCmd.Flags().StringVar(&flagFormat, "format", "json", "output format (json, html, atom)")
	resolveCmd.Flags().StringVar(&flagGap, "gap", "", "block gap for html output")

	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address (default from config)")

	rootCmd.AddCommand(resolveCmd, purgeCmd, updatedCmd, curateCmd, importCmd, pruneCmd, serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if !strings.Contains(err.Error(), "unknown command") {
			log.WithError(err).Error("Command failed")
		}
		os.Exit(1)
	}
}
