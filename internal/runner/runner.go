// Package runner executes a job's SQL against the database it names and
// streams the result set to the caller in bounded chunks.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver used for db_kind "postgres"

	"queryprocessor/internal/jobserr"
	"queryprocessor/internal/models"
)

// DefaultChunkSize bounds how many rows are buffered into one Chunk before
// it's handed to the caller, so a large result set is never held in memory
// at once.
const DefaultChunkSize = 500

// driverFor maps a job's db_kind to a registered database/sql driver name.
// Only "postgres" is wired today; additional kinds register here as the
// dependency closure grows.
var driverFor = map[string]string{
	"postgres": "pgx",
	"":         "pgx",
}

// Chunk is one batch of rows plus the column names, in row-major order:
// each entry of Rows is one row, each element within it one column value.
type Chunk struct {
	Columns []string
	Rows    [][]any
}

// Runner opens one connection per Run call and executes the query against
// it, closing the connection on every exit path.
type Runner struct {
	ChunkSize int
}

// New builds a Runner with the given chunk size, defaulting to
// DefaultChunkSize when size <= 0.
func New(size int) *Runner {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Runner{ChunkSize: size}
}

// Run executes query against creds using the Runner's configured chunk
// size. See the package-level Run for the streaming contract.
func (r *Runner) Run(ctx context.Context, creds models.DBCredentials, query string) (<-chan Chunk, <-chan error) {
	return Run(ctx, r.ChunkSize, creds, query)
}

// dsn builds a connection string for the credentials embedded in a job.
// Only Postgres-shaped DSNs are supported today. A db_tns that is already a
// URL-form DSN (contains "://") is passed through verbatim; otherwise db_tns
// is the host part and is combined with db_username and db_password.
func dsn(creds models.DBCredentials) string {
	if strings.Contains(creds.TNS, "://") {
		return creds.TNS
	}
	return fmt.Sprintf("postgres://%s:%s@%s", creds.Username, creds.Password, creds.TNS)
}

// Run executes query against creds, sending chunks on the returned channel
// until the result set is exhausted, ctx is canceled, or an error occurs.
// The channel is always closed by the time Run's error return is available;
// callers should drain it in a loop and then check the returned error.
func Run(ctx context.Context, chunkSize int, creds models.DBCredentials, query string) (<-chan Chunk, <-chan error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	out := make(chan Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errc)

		driver, ok := driverFor[creds.Kind]
		if !ok {
			errc <- jobserr.New(jobserr.DBConnect, fmt.Sprintf("unsupported db_kind %q", creds.Kind), nil)
			return
		}

		db, err := sql.Open(driver, dsn(creds))
		if err != nil {
			errc <- jobserr.New(jobserr.DBConnect, "open database handle", err)
			return
		}
		defer db.Close()

		conn, err := db.Conn(ctx)
		if err != nil {
			errc <- jobserr.New(jobserr.DBConnect, "acquire connection", err)
			return
		}
		defer conn.Close()

		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			errc <- classifyQueryErr(ctx, err)
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			errc <- jobserr.New(jobserr.DBExecute, "read result columns", err)
			return
		}

		chunk := Chunk{Columns: cols}
		for rows.Next() {
			select {
			case <-ctx.Done():
				errc <- jobserr.New(jobserr.Canceled, "query canceled", ctx.Err())
				return
			default:
			}

			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				errc <- jobserr.New(jobserr.DBExecute, "scan result row", err)
				return
			}
			chunk.Rows = append(chunk.Rows, vals)

			if len(chunk.Rows) >= chunkSize {
				select {
				case out <- chunk:
				case <-ctx.Done():
					errc <- jobserr.New(jobserr.Canceled, "query canceled", ctx.Err())
					return
				}
				chunk = Chunk{Columns: cols}
			}
		}
		if err := rows.Err(); err != nil {
			errc <- classifyQueryErr(ctx, err)
			return
		}
		if len(chunk.Rows) > 0 {
			select {
			case out <- chunk:
			case <-ctx.Done():
				errc <- jobserr.New(jobserr.Canceled, "query canceled", ctx.Err())
				return
			}
		}
	}()

	return out, errc
}

func classifyQueryErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return jobserr.New(jobserr.Canceled, "query canceled", ctx.Err())
	}
	return jobserr.New(jobserr.DBExecute, "execute query", err)
}
