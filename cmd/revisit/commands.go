package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	rcli "github.com/hyperjump/revisit/internal/cli"
	"github.com/hyperjump/revisit/internal/config"
	"github.com/hyperjump/revisit/internal/models"
	"github.com/hyperjump/revisit/internal/persist"
	"github.com/hyperjump/revisit/internal/server"
	"github.com/hyperjump/revisit/pkg/utils"
)

func userFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "user",
		Aliases: []string{"u"},
		Usage:   "user ID whose pages are used",
		EnvVars: []string{"REVISIT_USER"},
	}
}

func serverFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "server",
		Value: defaultServerURL,
		Usage: "server URL (empty = open storage and index directly; only when no server is running)",
	}
}

func outputFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "output",
		Aliases: []string{"o"},
		Value:   "text",
		Usage:   "output format: text or json",
	}
}

// setup loads the config and builds the logger for a command.
func setup(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, path, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	debug := cfg.Debug || c.Bool("debug")
	logger, err := utils.NewLogger(debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	logger.Debug("config loaded", zap.String("config_path", path), zap.Bool("debug", debug))
	return cfg, logger, nil
}

func requireUser(c *cli.Context) (string, error) {
	user := strings.TrimSpace(c.String("user"))
	if user == "" {
		return "", cli.Exit("--user is required", 1)
	}
	return user, nil
}

// buildQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

func serverCommand() *cli.Command {
	return &cli.Command{
		Name:  "server",
		Usage: "Start the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "override server.host"},
			&cli.IntFlag{Name: "port", Usage: "override server.port"},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := setup(c)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if c.IsSet("host") {
				cfg.Server.Host = c.String("host")
			}
			if c.IsSet("port") {
				cfg.Server.Port = c.Int("port")
			}

			comps, err := initializeComponents(cfg, logger)
			if err != nil {
				return err
			}
			defer comps.Close()

			srv := server.NewServer(comps.Indexer, comps.Search, comps.Storage, comps.Index, cfg, logger)
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Shutting down...")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Stop(shutdownCtx)
			})
			return g.Wait()
		},
	}
}

func searchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search a user's visited pages",
		ArgsUsage: "<query>",
		Flags: []cli.Flag{
			userFlag(), serverFlag(), outputFlag(),
			&cli.IntFlag{Name: "k", Usage: "number of results (0 = server default)"},
		},
		Action: func(c *cli.Context) error {
			user, err := requireUser(c)
			if err != nil {
				return err
			}
			format, err := rcli.ParseFormat(c.String("output"))
			if err != nil {
				return err
			}
			query := buildQuery(c.Args().Slice())
			if query == "" {
				return cli.Exit("usage: revisit search --user <id> <query>", 1)
			}

			var out *rcli.SearchOutput
			if url := c.String("server"); url != "" {
				out, err = searchViaHTTP(c.Context, newAPIClient(url, user), query, c.Int("k"))
			} else {
				out, err = searchDirect(c, user, query, c.Int("k"))
			}
			if err != nil {
				return fmt.Errorf("search failed: %w", err)
			}
			return rcli.WriteSearchResults(c.App.Writer, out, format)
		},
	}
}

func searchViaHTTP(ctx context.Context, api *apiClient, query string, k int) (*rcli.SearchOutput, error) {
	resp, err := api.Search(ctx, query, k)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		urls[i] = r.URL
	}
	titles := map[string]string{}
	if len(urls) > 0 {
		pages, err := api.ShowResults(ctx, urls)
		if err != nil {
			return nil, err
		}
		for _, p := range pages.Results {
			titles[p.URL] = p.Title
		}
	}
	out := &rcli.SearchOutput{Query: query, Results: make([]rcli.SearchResult, len(resp.Results))}
	for i, r := range resp.Results {
		out.Results[i] = rcli.SearchResult{Rank: i + 1, URL: r.URL, Title: titles[r.URL], Similarity: r.Similarity}
	}
	return out, nil
}

func searchDirect(c *cli.Context, user, query string, k int) (*rcli.SearchOutput, error) {
	cfg, logger, err := setup(c)
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	comps, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer comps.Close()

	q := models.SearchQuery{Q: query, K: k}
	if err := q.Validate(cfg.Search.DefaultK, cfg.Search.MaxK); err != nil {
		return nil, err
	}
	hits, err := comps.Indexer.Query(c.Context, user, q.Q, q.K)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(hits))
	for i, h := range hits {
		urls[i] = h.URL
	}
	visits, err := comps.Storage.GetPageVisits(c.Context, user, urls)
	if err != nil {
		return nil, err
	}
	titles := make(map[string]string, len(visits))
	for _, v := range visits {
		titles[v.URL] = v.Title
	}
	out := &rcli.SearchOutput{Query: query, Results: make([]rcli.SearchResult, len(hits))}
	for i, h := range hits {
		out.Results[i] = rcli.SearchResult{Rank: i + 1, URL: h.URL, Title: titles[h.URL], Similarity: h.Similarity}
	}
	return out, nil
}

func addCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Record a page visit",
		Flags: []cli.Flag{
			userFlag(), serverFlag(),
			&cli.StringFlag{Name: "url", Usage: "page URL", Required: true},
			&cli.StringFlag{Name: "title", Usage: "page title"},
			&cli.StringFlag{Name: "content", Usage: "page text"},
			&cli.StringFlag{Name: "file", Usage: `read page text from file ("-" for stdin)`},
			&cli.StringFlag{Name: "timestamp", Usage: "visit time, ISO 8601 (default now)"},
		},
		Action: func(c *cli.Context) error {
			user, err := requireUser(c)
			if err != nil {
				return err
			}
			content := c.String("content")
			if f := c.String("file"); f != "" {
				if content, err = readContent(f, c.App.Reader); err != nil {
					return err
				}
			}
			in := &models.PageVisitInput{
				URL:       c.String("url"),
				Title:     c.String("title"),
				Content:   content,
				Timestamp: c.String("timestamp"),
			}

			var resp *models.PageVisitResponse
			if url := c.String("server"); url != "" {
				resp, err = newAPIClient(url, user).PageVisit(c.Context, in)
			} else {
				resp, err = addDirect(c, user, in)
			}
			if err != nil {
				return fmt.Errorf("add failed: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "%s: %s (id %s)\n", in.URL, resp.Status, resp.ID)
			return nil
		},
	}
}

func readContent(path string, stdin io.Reader) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return string(b), nil
}

func addDirect(c *cli.Context, user string, in *models.PageVisitInput) (*models.PageVisitResponse, error) {
	cfg, logger, err := setup(c)
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	comps, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer comps.Close()

	if err := comps.Storage.UpsertUser(c.Context, &models.User{ID: user}); err != nil {
		return nil, err
	}
	res, err := comps.Indexer.IndexPageVisit(c.Context, user, in)
	if err != nil {
		return nil, err
	}
	if res.EmbedErr != nil {
		fmt.Fprintf(c.App.ErrWriter, "warning: page stored without embedding: %v\n", res.EmbedErr)
	}
	return &models.PageVisitResponse{Status: res.Status(), ID: res.Visit.ID}, nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show storage and index status",
		Flags: []cli.Flag{serverFlag(), outputFlag(), userFlag()},
		Action: func(c *cli.Context) error {
			format, err := rcli.ParseFormat(c.String("output"))
			if err != nil {
				return err
			}
			var st *models.StatusResponse
			if url := c.String("server"); url != "" {
				user, uerr := requireUser(c)
				if uerr != nil {
					return uerr
				}
				st, err = newAPIClient(url, user).Status(c.Context)
			} else {
				st, err = statusDirect(c)
			}
			if err != nil {
				return fmt.Errorf("status failed: %w", err)
			}
			return rcli.WriteStatus(c.App.Writer, st, format)
		},
	}
}

func statusDirect(c *cli.Context) (*models.StatusResponse, error) {
	cfg, logger, err := setup(c)
	if err != nil {
		return nil, err
	}
	defer logger.Sync()
	comps, err := initializeComponents(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer comps.Close()
	// Without --user the local view spans every user.
	return server.Status(c.Context, comps.Storage, comps.Search, comps.Index, cfg, strings.TrimSpace(c.String("user")))
}

func indexCommand() *cli.Command {
	return &cli.Command{
		Name:  "index",
		Usage: "Maintain the vector index (stop the server first)",
		Subcommands: []*cli.Command{
			{
				Name:   "verify",
				Usage:  "Load and check the committed snapshot",
				Flags:  []cli.Flag{outputFlag()},
				Action: runIndexVerify,
			},
			{
				Name:  "reset",
				Usage: "Move the index into the backup directory; the next start is empty",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
				},
				Action: runIndexReset,
			},
			{
				Name:  "rebuild",
				Usage: "Re-embed stored pages into the index",
				Flags: []cli.Flag{
					userFlag(),
					&cli.IntFlag{Name: "batch-size", Value: 64, Usage: "pages per storage read"},
					&cli.BoolFlag{Name: "force", Usage: "rebuild into a non-empty index"},
				},
				Action: runIndexRebuild,
			},
		},
	}
}

func runIndexVerify(c *cli.Context) error {
	format, err := rcli.ParseFormat(c.String("output"))
	if err != nil {
		return err
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	m, err := persist.New(cfg.Storage.IndexDir, persist.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()
	man, err := m.Verify()
	if err != nil {
		return err
	}
	if man.Generation > 0 && man.Dimension != cfg.Vector.Dimensions {
		return fmt.Errorf("index has dimension %d, config expects %d", man.Dimension, cfg.Vector.Dimensions)
	}
	return rcli.WriteManifest(c.App.Writer, man, format)
}

func runIndexReset(c *cli.Context) error {
	if !c.Bool("yes") {
		return cli.Exit("index reset moves every vector out of the index; pass --yes to confirm", 1)
	}
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	m, err := persist.New(cfg.Storage.IndexDir, persist.WithLogger(logger))
	if err != nil {
		return err
	}
	defer m.Close()
	dest, err := m.Reset(cfg.Storage.BackupDir)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "index moved to %s\n", dest)
	return nil
}

func runIndexRebuild(c *cli.Context) error {
	cfg, logger, err := setup(c)
	if err != nil {
		return err
	}
	defer logger.Sync()
	comps, err := initializeComponents(cfg, logger)
	if err != nil {
		return err
	}
	defer comps.Close()
	if comps.Store.Len() > 0 && !c.Bool("force") {
		return cli.Exit(fmt.Sprintf("index already holds %d vectors; run 'revisit index reset --yes' first or pass --force", comps.Store.Len()), 1)
	}
	n, err := comps.Indexer.Reindex(c.Context, c.String("user"), c.Int("batch-size"))
	if err != nil {
		return fmt.Errorf("rebuild stopped after %d pages: %w", n, err)
	}
	fmt.Fprintf(c.App.Writer, "indexed %d pages\n", n)
	return nil
}
