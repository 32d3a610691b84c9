package timestoredb

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/errs"

	"storj.io/private/tagsql"

	"github.com/benediktbwimmer/apphub-sub012/timestore/datasets"
)

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func orEmpty(m datasets.Metadata) datasets.Metadata {
	if m == nil {
		return datasets.Metadata{}
	}
	return m
}

// jsonb marshals v for a jsonb column, defaulting to an empty object.
func jsonb(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if string(data) == "null" {
		return []byte(`{}`), nil
	}
	return data, nil
}

func combineClose(err error, rows tagsql.Rows) error {
	return errs.Combine(err, rows.Close())
}

// isUniqueViolation reports whether the error is a postgres unique constraint
// violation (23505).
func isUniqueViolation(err error) bool {
	var pgerr *pgconn.PgError
	return errors.As(err, &pgerr) && pgerr.Code == "23505"
}
