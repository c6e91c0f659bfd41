package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"

	_ "modernc.org/sqlite"

	"tradesim-core/pkg/config"
)

// required lists the tables and columns the service reads.
var required = map[string][]string{
	"users":           {"id", "email", "password_hash", "role", "balance_usd", "credit_score", "version"},
	"positions":       {"id", "owner_id", "stake", "status", "settlement_applied", "admin_set", "closes_at", "version"},
	"balance_changes": {"id", "user_id", "kind", "amount", "balance_after", "ref_id"},
	"credit_changes":  {"id", "user_id", "amount", "score_after"},
	"withdrawals":     {"id", "user_id", "amount", "status"},
}

func main() {
	dbPath := ""
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	} else {
		cfg, err := config.Load()
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		dbPath = cfg.DBPath
	}
	fmt.Printf("Verifying database at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, table := range []string{"users", "positions", "balance_changes", "credit_changes", "withdrawals"} {
		cols, err := columns(db, table)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		if len(cols) == 0 {
			fmt.Printf("❌ %s table MISSING\n", table)
			missing++
			continue
		}
		fmt.Printf("✓ %s (%d columns)\n", table, len(cols))
		for _, col := range required[table] {
			if !cols[col] {
				fmt.Printf("   ❌ column %s MISSING\n", col)
				missing++
			}
		}
	}

	if missing > 0 {
		os.Exit(1)
	}
}

func columns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notnull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}
