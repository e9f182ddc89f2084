package repositories

import (
	"strconv"
	"strings"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "pgx"
)

// Rebind rewrites '?' placeholders into the numbered form PostgreSQL expects.
// Queries for MySQL are returned untouched. Placeholders inside quoted
// literals are left alone.
func Rebind(driver, query string) string {
	if driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
