package main

import (
	"fmt"

	pgxlog15 "github.com/jackc/pgx-log15"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/vaughan0/go-ini"
	log "gopkg.in/inconshreveable/log15.v2"
)

func newLogger(conf ini.File) (log.Logger, error) {
	level, _ := conf.Get("log", "level")
	if level == "" {
		level = "warn"
	}

	logger := log.New()
	if err := setFilterHandler(level, logger, log.StdoutHandler); err != nil {
		return nil, err
	}

	return logger, nil
}

func setFilterHandler(level string, logger log.Logger, handler log.Handler) error {
	if level == "none" {
		logger.SetHandler(log.DiscardHandler())
		return nil
	}

	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("Bad log level: %v", err)
	}
	logger.SetHandler(log.LvlFilterHandler(lvl, handler))

	return nil
}

// newPgxTracer builds the query tracer for the connection pool. The pgx log
// level comes from log.pgx_level and defaults to error only.
func newPgxTracer(conf ini.File, logger log.Logger) (*tracelog.TraceLog, error) {
	pgxLogger := logger.New("module", "pgx")

	level := tracelog.LogLevelError
	if s, ok := conf.Get("log", "pgx_level"); ok {
		var err error
		level, err = tracelog.LogLevelFromString(s)
		if err != nil {
			return nil, fmt.Errorf("Bad pgx log level: %v", err)
		}
	}

	return &tracelog.TraceLog{
		Logger:   pgxlog15.NewLogger(pgxLogger),
		LogLevel: level,
	}, nil
}
