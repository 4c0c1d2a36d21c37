package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"gitlab.com/tozd/go/x"
)

const (
	idleInTransactionSessionTimeout = 10 * time.Second
	statementTimeout                = 10 * time.Second

	initialApplicationName = "rowsync"
)

// Standard error codes.
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	ErrorCodeUniqueViolation      = "23505"
	ErrorCodeDuplicateSchema      = "42P06"
	ErrorCodeDuplicateTable       = "42P07"
	ErrorCodeDuplicateFunction    = "42723"
	ErrorCodeSerializationFailure = "40001"
	ErrorCodeDeadlockDetected     = "40P01"
	ErrorCodeExclusionViolation   = "23P01"
	ErrorCodeUndefinedTable       = "42P01"
)

// See: https://www.postgresql.org/docs/current/runtime-config-client.html#GUC-CLIENT-MIN-MESSAGES
// See: https://www.postgresql.org/docs/current/plpgsql-errors-and-messages.html
var noticeSeverityToLogLevel = map[string]zerolog.Level{ //nolint:gochecknoglobals
	"DEBUG":   zerolog.DebugLevel,
	"LOG":     zerolog.InfoLevel,
	"INFO":    zerolog.InfoLevel,
	"NOTICE":  zerolog.InfoLevel,
	"WARNING": zerolog.WarnLevel,
}

// InitPostgres opens a pool against databaseURI, bridging server notices into
// logger and attaching getRequestID's result as the connection's
// application_name for the duration of each checkout, so pg_stat_activity and
// slow-query logs can be correlated with the engine call that issued them.
// extraAfterConnect, if non-nil, runs after the built-in json/jsonb codec
// registration on every new connection (e.g. to register a domain-specific
// pgtype codec).
func InitPostgres(
	ctx context.Context, databaseURI string, logger zerolog.Logger, getRequestID func(context.Context) string,
	extraAfterConnect func(context.Context, *pgx.Conn) error,
) (*pgxpool.Pool, errors.E) {
	dbconfig, err := pgxpool.ParseConfig(strings.TrimSpace(databaseURI))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dbconfig.ConnConfig.OnNotice = func(_ *pgconn.PgConn, notice *pgconn.Notice) {
		logger.
			WithLevel(noticeSeverityToLogLevel[notice.SeverityUnlocalized]).
			Fields(ErrorDetails((*pgconn.PgError)(notice))).
			Bool("postgres", true).
			Send()
	}
	dbconfig.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "json", OID: pgtype.JSONOID, Codec: &pgtype.JSONCodec{
				Marshal: func(v any) ([]byte, error) {
					return x.MarshalWithoutEscapeHTML(v)
				},
				Unmarshal: func(data []byte, v any) error {
					return x.UnmarshalWithoutUnknownFields(data, v)
				},
			},
		})
		c.TypeMap().RegisterType(&pgtype.Type{
			Name: "jsonb", OID: pgtype.JSONBOID, Codec: &pgtype.JSONBCodec{
				Marshal: func(v any) ([]byte, error) {
					return x.MarshalWithoutEscapeHTML(v)
				},
				Unmarshal: func(data []byte, v any) error {
					return x.UnmarshalWithoutUnknownFields(data, v)
				},
			},
		})
		if extraAfterConnect != nil {
			return extraAfterConnect(ctx, c)
		}
		return nil
	}
	dbconfig.ConnConfig.RuntimeParams["application_name"] = initialApplicationName
	dbconfig.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = strconv.FormatInt(idleInTransactionSessionTimeout.Milliseconds(), 10)
	dbconfig.ConnConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(statementTimeout.Milliseconds(), 10)

	conn, err := pgx.ConnectConfig(ctx, dbconfig.ConnConfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer conn.Close(ctx)

	var maxConnectionsStr string
	err = conn.QueryRow(ctx, `SHOW max_connections`).Scan(&maxConnectionsStr)
	if err != nil {
		return nil, WithPgxError(err)
	}
	maxConnections, err := strconv.Atoi(maxConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var reservedConnectionsStr string
	err = conn.QueryRow(ctx, `SHOW reserved_connections`).Scan(&reservedConnectionsStr)
	if err != nil {
		return nil, WithPgxError(err)
	}
	reservedConnections, err := strconv.Atoi(reservedConnectionsStr)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	dbconfig.MaxConns = int32(maxConnections - reservedConnections) //nolint:gosec

	logger.Info().
		Str("serverVersion", conn.PgConn().ParameterStatus("server_version")).
		Str("serverEncoding", conn.PgConn().ParameterStatus("server_encoding")).
		Str("clientEncoding", conn.PgConn().ParameterStatus("client_encoding")).
		Msg("database connection successful")

	dbconfig.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		requestID := getRequestID(ctx)

		_, err := conn.Exec(ctx, fmt.Sprintf(`SET application_name TO '%s/%s'`, initialApplicationName, requestID))
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(WithPgxError(err)).Msg(`unable to set "application_name" for PostgreSQL connection`)
			return false
		}
		conn.PgConn().CustomData()["request"] = requestID
		return true
	}
	dbconfig.AfterRelease = func(conn *pgx.Conn) bool {
		delete(conn.PgConn().CustomData(), "request")
		_, err := conn.Exec(ctx, `RESET application_name`)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(WithPgxError(err)).Msg(`unable to reset "application_name" for PostgreSQL connection`)
			return false
		}
		return true
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, dbconfig)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	context.AfterFunc(ctx, dbpool.Close)

	return dbpool, nil
}

// EnsureSchema creates schema if it does not already exist, tolerating the
// race between concurrent first-time provisioners the same way the teacher's
// own schema creation does.
func EnsureSchema(ctx context.Context, tx pgx.Tx, schema string) errors.E {
	// A savepoint keeps tx usable after a swallowed duplicate-object error,
	// which would otherwise abort the whole transaction.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return WithPgxError(err)
	}
	defer sp.Rollback(ctx) //nolint:errcheck

	_, err = sp.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS "%s"`, schema))
	if err != nil {
		var pgError *pgconn.PgError
		if errors.As(err, &pgError) {
			switch pgError.Code {
			case ErrorCodeUniqueViolation, ErrorCodeDuplicateSchema:
				return nil
			}
		}
		return WithPgxError(err)
	}
	if err := sp.Commit(ctx); err != nil {
		return WithPgxError(err)
	}
	return nil
}
