package database

import (
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mextic/recargas-sub003/config"
)

// Declare a package-level variable to hold the singleton instance.
// Ensure the instance is not accessible outside the package.
var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection provides a global access point to the instance and initializes it if it's not already.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource.Dns)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// ConnectDB opens the Postgres connection, retrying transient failures
// with exponential backoff before giving up, then bootstraps the schema.
func ConnectDB(dns string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dns)
	if err != nil {
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(db.Ping, policy)
	if err != nil {
		log.Printf("database connection error: %v", err)
		return nil, err
	}

	err = createRechargeTables(db)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// createRechargeTables creates the transaction-batch table and one detail
// table per fleet. The unique index on folio per detail table is the
// idempotency anchor: crash-recovery replays hit unique_violation instead
// of double-writing.
func createRechargeTables(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS recharge_batches (
		id SERIAL PRIMARY KEY,
		batch_id TEXT NOT NULL UNIQUE,
		fleet_type TEXT NOT NULL,
		provider TEXT NOT NULL,
		total NUMERIC(12,2) NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)
`)
	if err != nil {
		return err
	}

	for _, fleet := range []string{"tracking", "voice", "iot"} {
		_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS recharge_details_` + fleet + ` (
		id SERIAL PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES recharge_batches(batch_id),
		sim TEXT NOT NULL,
		amount NUMERIC(12,2) NOT NULL,
		folio TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	)
`)
		if err != nil {
			return err
		}
	}
	return nil
}
