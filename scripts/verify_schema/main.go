package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

// Checks that an existing journal database carries the expected tables and
// columns. Handy after copying a journal between hosts or upgrading.
//
//   go run ./scripts/verify_schema [path/to/journal.db]

func main() {
	dbPath := "./data/journal.db"
	if len(os.Args) > 1 {
		dbPath = os.Args[1]
	}
	fmt.Printf("verifying journal at: %s\n", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	checkTable(db, "trades", []string{"symbol", "side", "qty", "entry_price", "exit_price", "pnl", "reason", "closed_at"})
	checkTable(db, "heals", []string{"symbol", "kind", "detail"})
}

func checkTable(db *sql.DB, name string, columns []string) {
	var schema string
	err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&schema)
	if err == sql.ErrNoRows {
		fmt.Printf("MISSING table %s\n", name)
		return
	}
	if err != nil {
		log.Fatalf("query %s: %v", name, err)
	}
	fmt.Printf("ok: table %s exists\n", name)
	for _, col := range columns {
		if strings.Contains(schema, col) {
			fmt.Printf("  ok: column %s\n", col)
		} else {
			fmt.Printf("  MISSING column %s\n", col)
		}
	}
}
