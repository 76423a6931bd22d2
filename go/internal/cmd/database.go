package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mkove/focusdeck/go/internal/dbconfig"
	"github.com/rs/zerolog/log"
)

func setupDatabase(ctx context.Context) (*pgxpool.Pool, dbconfig.Config, error) {
	dbCfg := dbconfig.NewConfigFromEnv()

	pool, err := pgxpool.New(ctx, dbCfg.DSN())
	if err != nil {
		return nil, dbCfg, fmt.Errorf("failed to create database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, dbCfg, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", dbCfg.Database).
		Str("host", dbCfg.Host).
		Int("port", dbCfg.Port).
		Msg("connected to database")
	return pool, dbCfg, nil
}
