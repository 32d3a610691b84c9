package filestoredb

import (
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/zeebo/errs"

	"storj.io/private/tagsql"

	"github.com/benediktbwimmer/apphub-sub012/filestore/meta"
)

func collectNodes(rows tagsql.Rows) (_ []meta.Node, err error) {
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var nodes []meta.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		nodes = append(nodes, node)
	}
	return nodes, Error.Wrap(rows.Err())
}

// likePrefix builds the LIKE pattern matching strict descendants of a
// normalized path.
func likePrefix(path string) string {
	if path == "" {
		return "%"
	}
	return escapeLike(path) + "/%"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func orEmpty(m meta.Metadata) meta.Metadata {
	if m == nil {
		return meta.Metadata{}
	}
	return m
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
