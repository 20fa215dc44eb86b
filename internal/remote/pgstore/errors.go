package pgstore

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/patient-portal/internal/remote"
)

// classify maps Postgres errors onto the remote taxonomy.
func classify(err error) *remote.Error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return remote.Classify(err)
	}

	switch {
	case pgErr.Code == "23505":
		return &remote.Error{Kind: remote.KindConflict, Message: pgErr.Message, Err: err}
	case pgErr.Code == "23514", pgErr.Code == "23502", pgErr.Code == "22P02", pgErr.Code == "22007":
		field := pgErr.ColumnName
		if field == "" {
			field = pgErr.ConstraintName
		}
		var fields map[string]string
		if field != "" {
			fields = map[string]string{field: pgErr.Message}
		}
		return &remote.Error{Kind: remote.KindValidation, Message: pgErr.Message, FieldErrors: fields, Err: err}
	case pgErr.Code == "42501", strings.HasPrefix(pgErr.Code, "28"):
		return &remote.Error{Kind: remote.KindAuth, Message: pgErr.Message, Err: err}
	case pgErr.Code == "53100", pgErr.Code == "54000":
		return &remote.Error{Kind: remote.KindQuotaExceeded, Message: pgErr.Message, Err: err}
	default:
		return &remote.Error{Kind: remote.KindNetwork, Message: pgErr.Message, Err: err}
	}
}
