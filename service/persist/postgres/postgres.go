package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/knowshare/go-knowshare/env"

	// register postgres driver
	_ "github.com/jackc/pgx/v4/stdlib"
)

type ErrRoleDoesNotExist struct {
	role string
}

func (e ErrRoleDoesNotExist) Error() string {
	return fmt.Sprintf("role '%s' does not exist", e.role)
}

type connectionParams struct {
	user     string
	password string
	dbname   string
	host     string
	port     int
}

func (c *connectionParams) toConnectionString() string {
	port := c.port
	if port == 0 {
		port = 5432
	}

	connStr := fmt.Sprintf("user=%s dbname=%s host=%s port=%d", c.user, c.dbname, c.host, port)

	// Empty passwords should be omitted so they don't interfere with other parameters
	// (e.g. "password= dbname=something" causes Postgres to ignore the dbname)
	if c.password != "" {
		connStr += fmt.Sprintf(" password=%s", c.password)
	}

	return connStr
}

func newConnectionParamsFromEnv() connectionParams {
	return connectionParams{
		user:     env.GetString("POSTGRES_USER"),
		password: env.GetString("POSTGRES_PASSWORD"),
		dbname:   env.GetString("POSTGRES_DB"),
		host:     env.GetString("POSTGRES_HOST"),
		port:     env.GetInt("POSTGRES_PORT"),
	}
}

type ConnectionOption func(params *connectionParams)

func WithUser(user string) ConnectionOption {
	return func(params *connectionParams) {
		params.user = user
	}
}

func WithDBName(dbname string) ConnectionOption {
	return func(params *connectionParams) {
		params.dbname = dbname
	}
}

func WithHost(host string) ConnectionOption {
	return func(params *connectionParams) {
		params.host = host
	}
}

// MustCreateClient panics when it fails to create a new database connection.
func MustCreateClient(opts ...ConnectionOption) *sql.DB {
	db, err := NewClient(opts...)
	if err != nil {
		panic(err)
	}
	return db
}

// NewClient creates a new Postgres client.
func NewClient(opts ...ConnectionOption) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*20)
	defer cancel()

	params := newConnectionParamsFromEnv()
	for _, opt := range opts {
		opt(&params)
	}

	db, err := sql.Open("pgx", params.toConnectionString())
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(50)

	err = db.PingContext(ctx)
	if err != nil && strings.Contains(err.Error(), fmt.Sprintf("role \"%s\" does not exist", params.user)) {
		return nil, ErrRoleDoesNotExist{params.user}
	}
	if err != nil {
		return nil, err
	}
	return db, nil
}

func checkNoErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Repositories is the set of all available persistence repositories
type Repositories struct {
	db                 *sql.DB
	RelationRepository *RelationRepository
	OutboxRepository   *OutboxRepository
	KnowPostRepository *KnowPostRepository
	UserRepository     *UserRepository
}

func NewRepositories(db *sql.DB) *Repositories {
	return &Repositories{
		db:                 db,
		RelationRepository: NewRelationRepository(db),
		OutboxRepository:   NewOutboxRepository(db),
		KnowPostRepository: NewKnowPostRepository(db),
		UserRepository:     NewUserRepository(db),
	}
}

func (r *Repositories) DB() *sql.DB {
	return r.db
}
