package postgres

import (
	"clai-chat/internal/config"
	"clai-chat/internal/logger"
	"clai-chat/internal/repository/db"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Ensure PostgresDB implements db.Database interface
var _ db.Database = (*PostgresDB)(nil)

// PostgresDB implements the db.Database interface
type PostgresDB struct {
	conn *sql.DB
}

// Open connects to PostgreSQL without running migrations
func Open(dbConfig config.DatabaseConfig) (*PostgresDB, error) {
	logger.Log.WithFields(logrus.Fields{
		"host": dbConfig.Host,
		"port": dbConfig.Port,
		"name": dbConfig.Name,
	}).Info("Connecting to PostgreSQL")

	conn, err := sql.Open("postgres", dbConfig.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err = conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("error connecting to database: %w", err)
	}

	logger.Log.Info("Successfully connected to PostgreSQL")
	return &PostgresDB{conn: conn}, nil
}

// NewPostgresDB creates a new PostgresDB instance with a new connection and
// applies pending migrations
func NewPostgresDB(dbConfig config.DatabaseConfig) (*PostgresDB, error) {
	p, err := Open(dbConfig)
	if err != nil {
		return nil, err
	}

	if err = p.RunMigrations(dbConfig.MigrationsPath); err != nil {
		p.Close()
		return nil, fmt.Errorf("error running migrations: %w", err)
	}

	return p, nil
}

// Close closes the database connection
func (p *PostgresDB) Close() error {
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// Ping verifies the connection is alive
func (p *PostgresDB) Ping(ctx context.Context) error {
	return p.conn.PingContext(ctx)
}

func (p *PostgresDB) migrator(path string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(p.conn, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("error creating migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+path, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("error creating migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations runs database migrations using golang-migrate
func (p *PostgresDB) RunMigrations(path string) error {
	m, err := p.migrator(path)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error running migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Log.WithFields(logrus.Fields{"version": version, "dirty": dirty}).Info("Database migrations applied successfully")
	return nil
}

// RollbackMigrations reverts the last steps migrations
func (p *PostgresDB) RollbackMigrations(path string, steps int) error {
	m, err := p.migrator(path)
	if err != nil {
		return err
	}

	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("error rolling back migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Log.WithFields(logrus.Fields{"version": version, "dirty": dirty, "steps": steps}).Info("Database migrations rolled back")
	return nil
}

// notFound maps sql.ErrNoRows onto db.ErrNotFound and wraps anything else
func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, db.ErrNotFound)
	}
	return fmt.Errorf("error retrieving %s: %w", what, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
