package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli"
	"github.com/vaughan0/go-ini"
	log "gopkg.in/inconshreveable/log15.v2"
)

const version = "0.3.0"

func main() {
	app := cli.NewApp()
	app.Name = "gleaner"
	app.Usage = "feed ingestion and health tracking service"
	app.Version = version

	configFlag := cli.StringFlag{Name: "config, c", Value: "gleaner.conf", Usage: "path to config file"}

	app.Commands = []cli.Command{
		{
			Name:      "server",
			ShortName: "s",
			Usage:     "run the API server and the background poller",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "address, a", Value: "127.0.0.1", Usage: "address to listen on"},
				cli.StringFlag{Name: "port, p", Value: "8080", Usage: "port to listen on"},
				configFlag,
			},
			Action: Serve,
		},
		{
			Name:  "poller",
			Usage: "run only the background poller",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				app, err := buildApp(c)
				if err != nil {
					return err
				}
				defer app.pool.Close()

				app.logger.Info("poller starting", "version", version)
				app.poller.KeepFeedsFresh(context.Background())
				return nil
			},
		},
		{
			Name:      "poll-feed",
			Usage:     "poll a single feed immediately and print the outcome",
			ArgsUsage: "feed-id",
			Flags:     []cli.Flag{configFlag},
			Action:    PollFeedOnce,
		},
		{
			Name:  "migrate",
			Usage: "create or update the database schema",
			Flags: []cli.Flag{configFlag},
			Action: func(c *cli.Context) error {
				app, err := buildApp(c)
				if err != nil {
					return err
				}
				defer app.pool.Close()

				return createSchema(context.Background(), app.pool)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// appServices is the composition root's output: every service constructed
// once and passed by reference.
type appServices struct {
	conf   ini.File
	logger log.Logger
	pool   *pgxpool.Pool
	poller *FeedPoller
}

func buildApp(c *cli.Context) (*appServices, error) {
	conf, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(conf)
	if err != nil {
		return nil, err
	}

	pool, err := newPool(conf, logger)
	if err != nil {
		return nil, err
	}

	fetcher := NewFetcher(fetcherConfig(conf), logger.New("module", "fetcher"))
	parser := NewParser()

	var handlers []SpecialSourceHandler
	pattern, _ := conf.Get("fetch", "classifieds_host_pattern")
	handlers = append(handlers, NewClassifiedsHandler(fetcher, pattern, logger.New("module", "classifieds")))

	poller := NewFeedPoller(pool, fetcher, parser, handlers, pollerConfig(conf), logger.New("module", "poller"))

	return &appServices{conf: conf, logger: logger, pool: pool, poller: poller}, nil
}

func Serve(c *cli.Context) error {
	app, err := buildApp(c)
	if err != nil {
		return err
	}
	defer app.pool.Close()

	if err := createSchema(context.Background(), app.pool); err != nil {
		return fmt.Errorf("Failed to create schema: %v", err)
	}

	go app.poller.KeepFeedsFresh(context.Background())

	listenAddress := c.String("address")
	listenPort := c.String("port")
	if !c.IsSet("address") {
		if a, ok := app.conf.Get("server", "address"); ok {
			listenAddress = a
		}
	}
	if !c.IsSet("port") {
		if p, ok := app.conf.Get("server", "port"); ok {
			listenPort = p
		}
	}

	addr := net.JoinHostPort(listenAddress, listenPort)
	app.logger.Info("server starting", "version", version, "address", addr)

	handler := NewAPIHandler(app.pool, app.poller, app.logger.New("module", "http"))
	return http.ListenAndServe(addr, handler)
}

func PollFeedOnce(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("poll-feed requires exactly one feed-id argument")
	}
	feedID, err := strconv.ParseInt(c.Args().First(), 10, 32)
	if err != nil {
		return fmt.Errorf("Bad feed-id: %v", err)
	}

	app, err := buildApp(c)
	if err != nil {
		return err
	}
	defer app.pool.Close()

	result, err := app.poller.PollFeed(context.Background(), int32(feedID))
	if err != nil {
		return err
	}

	if result.Success {
		fmt.Printf("feed %d: ok, %d items\n", result.FeedID, result.ItemCount)
	} else {
		fmt.Printf("feed %d: %s: %s\n", result.FeedID, result.Err.Category, result.Err.Message)
	}

	return nil
}

func loadConfig(path string) (ini.File, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("Invalid config path: %v", err)
	}

	file, err := ini.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Failed to load config file: %v", err)
	}

	return file, nil
}

func newPool(conf ini.File, logger log.Logger) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig("")
	if err != nil {
		return nil, err
	}

	host, _ := conf.Get("database", "host")
	if host == "" {
		return nil, errors.New("Config must contain database.host but it does not")
	}
	config.ConnConfig.Host = host

	if p, ok := conf.Get("database", "port"); ok {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return nil, err
		}
		config.ConnConfig.Port = uint16(n)
	}

	var ok bool
	if config.ConnConfig.Database, ok = conf.Get("database", "database"); !ok {
		return nil, errors.New("Config must contain database.database but it does not")
	}
	if user, ok := conf.Get("database", "user"); ok {
		config.ConnConfig.User = user
	}
	if password, ok := conf.Get("database", "password"); ok {
		config.ConnConfig.Password = password
	}

	if s, ok := conf.Get("database", "pool_max_conns"); ok {
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return nil, err
		}
		config.MaxConns = int32(n)
	} else {
		config.MaxConns = 10
	}

	tracer, err := newPgxTracer(conf, logger)
	if err != nil {
		return nil, err
	}
	config.ConnConfig.Tracer = tracer

	return pgxpool.NewWithConfig(context.Background(), config)
}

func fetcherConfig(conf ini.File) FetcherConfig {
	config := FetcherConfig{}
	if s, ok := conf.Get("fetch", "timeout_seconds"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			config.Timeout = time.Duration(n) * time.Second
		}
	}
	config.UserAgent, _ = conf.Get("fetch", "user_agent")
	config.FallbackUserAgent, _ = conf.Get("fetch", "fallback_user_agent")
	return config
}

func pollerConfig(conf ini.File) FeedPollerConfig {
	config := FeedPollerConfig{}
	if s, ok := conf.Get("poll", "interval_minutes"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			config.PollInterval = time.Duration(n) * time.Minute
		}
	}
	if s, ok := conf.Get("poll", "max_concurrent_fetches"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			config.MaxConcurrentFeedFetches = n
		}
	}
	if s, ok := conf.Get("fetch", "validation_timeout_seconds"); ok {
		if n, err := strconv.Atoi(s); err == nil {
			config.ValidationTimeout = time.Duration(n) * time.Second
		}
	}
	return config
}
