// mondrian-kb is a read-only inspector for the Mondrian SQLite database.
// Built on the pure-Go sqlite driver so it runs anywhere without cgo, and
// opens the database read-only so it can be pointed at a live server's db.
//
// Usage:
//
//	mondrian-kb [db-path]              overview: tables, advisors, profiles
//	mondrian-kb [db-path] jobs [n]     most recent n jobs (default 10)
//	mondrian-kb [db-path] job <id>     full row dump for one job
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := "data/mondrian.db"
	args := os.Args[1:]
	if len(args) > 0 && args[0] != "jobs" && args[0] != "job" {
		dbPath = args[0]
		args = args[1:]
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		fmt.Printf("Error opening DB: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	switch {
	case len(args) == 0:
		overview(db)
	case args[0] == "jobs":
		limit := 10
		if len(args) > 1 {
			if n, err := strconv.Atoi(args[1]); err == nil {
				limit = n
			}
		}
		recentJobs(db, limit)
	case args[0] == "job" && len(args) > 1:
		dumpJob(db, args[1])
	default:
		fmt.Println("usage: mondrian-kb [db-path] [jobs [n] | job <id>]")
		os.Exit(2)
	}
}

func overview(db *sql.DB) {
	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='table' ORDER BY name")
	if err != nil {
		fmt.Printf("Error querying tables: %v\n", err)
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		rows.Scan(&name)
		tables = append(tables, name)
	}
	rows.Close()
	fmt.Printf("Tables: %v\n\n", tables)

	fmt.Println("Advisors:")
	rows, err = db.Query(`
		SELECT a.id, a.display_name,
		       (SELECT COUNT(*) FROM dimensional_profiles p
		        WHERE p.advisor_id = a.id AND p.source_job_id = '') AS refs,
		       (SELECT COUNT(*) FROM dimensional_profiles p
		        WHERE p.advisor_id = a.id AND p.source_job_id = '' AND p.embedding_dim > 0) AS embedded
		FROM advisors a ORDER BY a.id`)
	if err != nil {
		fmt.Printf("Error querying advisors: %v\n", err)
		return
	}
	for rows.Next() {
		var id, name string
		var refs, embedded int
		rows.Scan(&id, &name, &refs, &embedded)
		ragReady := ""
		if refs >= 2 {
			ragReady = "rag-ready"
		}
		fmt.Printf("  %-24s %-24s %3d profiles (%d embedded) %s\n", id, name, refs, embedded, ragReady)
	}
	rows.Close()

	fmt.Println("\nJobs by status:")
	rows, err = db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status ORDER BY status")
	if err != nil {
		fmt.Printf("Error querying jobs: %v\n", err)
		return
	}
	for rows.Next() {
		var status string
		var count int
		rows.Scan(&status, &count)
		fmt.Printf("  %-12s %d\n", status, count)
	}
	rows.Close()
}

func recentJobs(db *sql.DB, limit int) {
	rows, err := db.Query(`
		SELECT id, image_path, requested_mode, mode_used, status, percentage,
		       error_kind, created_at
		FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		fmt.Printf("Error querying jobs: %v\n", err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var id, image, requested, used, status, errKind, created string
		var pct int
		rows.Scan(&id, &image, &requested, &used, &status, &pct, &errKind, &created)
		line := fmt.Sprintf("%s  %-10s %3d%%  %s", id, status, pct, requested)
		if used != "" && used != requested {
			line += " -> " + used
		}
		if errKind != "" {
			line += "  [" + errKind + "]"
		}
		fmt.Printf("%s  %s\n    %s\n", line, created, image)
	}
}

func dumpJob(db *sql.DB, id string) {
	rows, err := db.Query("SELECT * FROM jobs WHERE id = ?", id)
	if err != nil {
		fmt.Printf("Error querying job: %v\n", err)
		return
	}
	defer rows.Close()

	cols, _ := rows.Columns()
	if !rows.Next() {
		fmt.Printf("No job %s\n", id)
		return
	}
	vals := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	rows.Scan(ptrs...)

	for i, col := range cols {
		v := vals[i]
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		fmt.Printf("%-18s %v\n", col, v)
	}
}
