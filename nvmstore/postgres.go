package nvmstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Postgres is a Store backed by a PostgreSQL table, for a server
// deployment that wants committed keys in the same durable database as
// the rest of its operational state.
type Postgres struct {
	db *sql.DB
}

// PostgresConfig configures a Postgres store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgres connects to PostgreSQL, verifies the connection, and ensures
// the backing table exists.
func NewPostgres(cfg PostgresConfig) (*Postgres, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("nvmstore: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("nvmstore: ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &Postgres{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("nvmstore: init schema: %w", err)
	}
	return store, nil
}

func (p *Postgres) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS hsm_keys (
		client_id BIGINT NOT NULL,
		key_id INTEGER NOT NULL,
		label BYTEA NOT NULL,
		key_material BYTEA NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW(),
		PRIMARY KEY (client_id, key_id)
	);
	`
	_, err := p.db.Exec(schema)
	return err
}

func (p *Postgres) Put(_ context.Context, k Key, rec Record) error {
	_, err := p.db.Exec(
		`INSERT INTO hsm_keys (client_id, key_id, label, key_material, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (client_id, key_id) DO UPDATE
		 SET label = EXCLUDED.label, key_material = EXCLUDED.key_material, updated_at = NOW()`,
		k.ClientID, k.KeyID, rec.Label[:], rec.Key,
	)
	if err != nil {
		return fmt.Errorf("nvmstore: put (%d,%d): %w", k.ClientID, k.KeyID, err)
	}
	return nil
}

func (p *Postgres) Get(_ context.Context, k Key) (Record, bool, error) {
	var label, keyMaterial []byte
	err := p.db.QueryRow(
		`SELECT label, key_material FROM hsm_keys WHERE client_id = $1 AND key_id = $2`,
		k.ClientID, k.KeyID,
	).Scan(&label, &keyMaterial)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("nvmstore: get (%d,%d): %w", k.ClientID, k.KeyID, err)
	}

	var rec Record
	copy(rec.Label[:], label)
	rec.Key = keyMaterial
	return rec, true, nil
}

func (p *Postgres) Delete(_ context.Context, k Key) error {
	_, err := p.db.Exec(`DELETE FROM hsm_keys WHERE client_id = $1 AND key_id = $2`, k.ClientID, k.KeyID)
	if err != nil {
		return fmt.Errorf("nvmstore: delete (%d,%d): %w", k.ClientID, k.KeyID, err)
	}
	return nil
}
