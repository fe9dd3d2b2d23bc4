package storage

import (
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// dialect holds the few statements that differ between PostgreSQL and SQLite.
type dialect struct {
	name string
	// claimLock is appended to the due-job selection.
	claimLock string
	// mergeJSON returns an expression merging the JSON object patch into target.
	mergeJSON func(target, patch string) string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		claimLock: " FOR UPDATE SKIP LOCKED",
		mergeJSON: func(target, patch string) string {
			return fmt.Sprintf("%s || CAST(%s AS JSONB)", target, patch)
		},
	}
	sqliteDialect = dialect{
		name: "sqlite",
		mergeJSON: func(target, patch string) string {
			return fmt.Sprintf("json_patch(%s, %s)", target, patch)
		},
	}
)

// isUniqueViolation reports whether err is a unique constraint failure,
// optionally restricted to the named index.
func isUniqueViolation(err error, index string) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" && (index == "" || pqErr.Constraint == index)
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code != sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return false
		}
		return index == "" || strings.Contains(liteErr.Error(), indexColumns[index])
	}
	return false
}

// SQLite reports the columns of a violated index rather than its name.
var indexColumns = map[string]string{
	activeLeadIndex: "workflow_executions.workflow_id, workflow_executions.lead_id",
}
