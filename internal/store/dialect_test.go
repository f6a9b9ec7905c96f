package store

import "testing"

func TestRebind(t *testing.T) {
	pg, _ := dialectFor("postgres")
	lite, _ := dialectFor("sqlite")
	query := "UPDATE jobs SET status = ? WHERE id = ? AND locked_by = ?"

	if got := lite.rebind(query); got != query {
		t.Fatalf("sqlite rebind changed query: %s", got)
	}
	want := "UPDATE jobs SET status = $1 WHERE id = $2 AND locked_by = $3"
	if got := pg.rebind(query); got != want {
		t.Fatalf("postgres rebind = %q, want %q", got, want)
	}
}

func TestUpsertPerDialect(t *testing.T) {
	cols := []string{"queue", "paused", "updated_at"}
	tests := []struct {
		driver string
		want   string
	}{
		{"sqlite", "INSERT INTO queue_state (queue, paused, updated_at) VALUES (?,?,?) ON CONFLICT (queue) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at"},
		{"postgres", "INSERT INTO queue_state (queue, paused, updated_at) VALUES (?,?,?) ON CONFLICT (queue) DO UPDATE SET paused = excluded.paused, updated_at = excluded.updated_at"},
		{"mysql", "INSERT INTO queue_state (queue, paused, updated_at) VALUES (?,?,?) ON DUPLICATE KEY UPDATE paused = VALUES(paused), updated_at = VALUES(updated_at)"},
	}
	for _, tt := range tests {
		d, err := dialectFor(tt.driver)
		if err != nil {
			t.Fatalf("dialectFor(%s): %v", tt.driver, err)
		}
		if got := d.upsert("queue_state", cols, []string{"queue"}, cols[1:]); got != tt.want {
			t.Fatalf("%s upsert:\n got %s\nwant %s", tt.driver, got, tt.want)
		}
	}
}

func TestInsertIgnorePerDialect(t *testing.T) {
	mysql, _ := dialectFor("mysql")
	lite, _ := dialectFor("sqlite")
	if got := mysql.insertIgnore("jobs", []string{"id"}); got != "INSERT IGNORE INTO jobs (id) VALUES (?)" {
		t.Fatalf("mysql insertIgnore = %q", got)
	}
	if got := lite.insertIgnore("jobs", []string{"id"}); got != "INSERT INTO jobs (id) VALUES (?) ON CONFLICT DO NOTHING" {
		t.Fatalf("sqlite insertIgnore = %q", got)
	}
}

func TestDialectForRejectsUnknownDriver(t *testing.T) {
	if _, err := dialectFor("oracle"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestSplitStatementsSkipsBlanks(t *testing.T) {
	stmts := splitStatements("CREATE TABLE a (x INT);\n\n CREATE INDEX i ON a(x);\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}

func TestMySQLFoundRows(t *testing.T) {
	if got := mysqlFoundRows("user:pw@tcp(db:3306)/poflow"); got != "user:pw@tcp(db:3306)/poflow?clientFoundRows=true" {
		t.Fatalf("unexpected dsn %q", got)
	}
	if got := mysqlFoundRows("u@/db?parseTime=true"); got != "u@/db?parseTime=true&clientFoundRows=true" {
		t.Fatalf("unexpected dsn %q", got)
	}
}
