package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported databases.
type dialect struct {
	name       string
	driverName string
	schema     string
}

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		return dialect{name: "sqlite", driverName: "sqlite", schema: sqliteSchema}, nil
	case "postgres", "postgresql", "pgx":
		return dialect{name: "postgres", driverName: "pgx", schema: postgresSchema}, nil
	case "mysql":
		return dialect{name: "mysql", driverName: "mysql", schema: mysqlSchema}, nil
	default:
		return dialect{}, fmt.Errorf("store: unsupported driver %q", driver)
	}
}

// rebind converts ? placeholders into $n for postgres.
func (d dialect) rebind(query string) string {
	if d.name != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// upsert builds an insert that updates updateCols when a row with the same
// key already exists.
func (d dialect) upsert(table string, cols, keyCols, updateCols []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), makePlaceholders(len(cols)))
	sets := make([]string, 0, len(updateCols))
	switch d.name {
	case "mysql":
		for _, col := range updateCols {
			sets = append(sets, fmt.Sprintf("%s = VALUES(%s)", col, col))
		}
		fmt.Fprintf(&b, " ON DUPLICATE KEY UPDATE %s", strings.Join(sets, ", "))
	default:
		for _, col := range updateCols {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
		}
		fmt.Fprintf(&b, " ON CONFLICT (%s) DO UPDATE SET %s", strings.Join(keyCols, ", "), strings.Join(sets, ", "))
	}
	return b.String()
}

// insertIgnore builds an insert that silently skips rows violating a unique key.
func (d dialect) insertIgnore(table string, cols []string) string {
	values := makePlaceholders(len(cols))
	if d.name == "mysql" {
		return fmt.Sprintf("INSERT IGNORE INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), values)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT DO NOTHING", table, strings.Join(cols, ", "), values)
}
