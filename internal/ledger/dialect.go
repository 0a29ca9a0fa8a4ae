package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the few places where sqlite and postgres SQL differ.
type dialect struct {
	name       string // config name
	driver     string // database/sql driver name
	idColumn   string
	timeType   string
	numberedPH bool
}

var (
	sqliteDialect = dialect{
		name:     "sqlite",
		driver:   "sqlite",
		idColumn: "id INTEGER PRIMARY KEY AUTOINCREMENT",
		timeType: "DATETIME",
	}
	postgresDialect = dialect{
		name:       "postgres",
		driver:     "postgres",
		idColumn:   "id BIGSERIAL PRIMARY KEY",
		timeType:   "TIMESTAMPTZ",
		numberedPH: true,
	}
)

func dialectFor(name string) (dialect, error) {
	switch name {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql":
		return postgresDialect, nil
	default:
		return dialect{}, fmt.Errorf("unsupported ledger driver %q", name)
	}
}

// rebind rewrites ? placeholders as $1, $2, ... for postgres. Queries here
// never carry a literal question mark.
func (d dialect) rebind(query string) string {
	if !d.numberedPH {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// quoteIdent quotes a table name that has already passed validation.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
