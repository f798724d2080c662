package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/spf13/viper"
)

// DBConfig is read from the "database.*" viper keys. URL, when set, wins
// over the discrete host fields.
type DBConfig struct {
	URL             string
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Migrate         bool
	MigrationsPath  string
}

var dbDefaults = map[string]any{
	"database.host":              "localhost",
	"database.port":              "5432",
	"database.user":              "postgres",
	"database.password":          "password",
	"database.name":              "echobank",
	"database.ssl_mode":          "disable",
	"database.max_open_conns":    25,
	"database.max_idle_conns":    5,
	"database.conn_max_lifetime": 5 * time.Minute,
	"database.migrate":           true,
	"database.migrations_path":   "migrations",
}

func GetConfig() *DBConfig {
	for key, value := range dbDefaults {
		viper.SetDefault(key, value)
	}

	return &DBConfig{
		URL:             viper.GetString("database.url"),
		Host:            viper.GetString("database.host"),
		Port:            viper.GetString("database.port"),
		User:            viper.GetString("database.user"),
		Password:        viper.GetString("database.password"),
		Name:            viper.GetString("database.name"),
		SSLMode:         viper.GetString("database.ssl_mode"),
		MaxOpenConns:    viper.GetInt("database.max_open_conns"),
		MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
		ConnMaxLifetime: viper.GetDuration("database.conn_max_lifetime"),
		Migrate:         viper.GetBool("database.migrate"),
		MigrationsPath:  viper.GetString("database.migrations_path"),
	}
}

// DSN is the lib/pq connection string for c
func (c *DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// Open connects to Postgres, configures the pool and runs the migrations
// under MigrationsPath when Migrate is set
func Open(ctx context.Context, config *DBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if config.Migrate {
		if err := Migrate(db, config.MigrationsPath); err != nil {
			db.Close()
			return nil, err
		}
	}

	log.Printf("[DB] Connected (pool max %d, migrate=%t)", config.MaxOpenConns, config.Migrate)
	return db, nil
}

// InitDatabase opens the configured database and exits the process on failure
func InitDatabase(ctx context.Context) *sql.DB {
	db, err := Open(ctx, GetConfig())
	if err != nil {
		log.Fatalf("[DB] %v", err)
	}
	return db
}
