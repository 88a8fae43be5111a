// cmd/mirrorload/main.go
// Loads a vendor dump file (one raw record per line) into the MySQL mirror
// read by FEED_DRIVER=mirror. Rows get increasing seq values in file order.
//
// Usage:
//
//	MYSQL_DSN="user:pass@tcp(host:3306)/feed" \
//	go run ./cmd/mirrorload -file RACE20260125.txt -create
package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/go-sql-driver/mysql"
)

const batchSize = 500

const createTable = `CREATE TABLE IF NOT EXISTS feed_records (
  seq         BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
  record_kind CHAR(2)         NOT NULL,
  payload     BLOB            NOT NULL,
  created_at  DATETIME        NOT NULL DEFAULT CURRENT_TIMESTAMP,
  KEY kind_seq (record_kind, seq)
)`

type row struct {
	kind    string
	payload []byte
}

func main() {
	file := flag.String("file", "", "dump file to load (required)")
	dsn := flag.String("dsn", os.Getenv("MYSQL_DSN"), "mirror DSN, defaults to $MYSQL_DSN")
	create := flag.Bool("create", false, "create feed_records if missing")
	flag.Parse()

	if *file == "" || *dsn == "" {
		log.Fatal("both -file and a DSN (-dsn or MYSQL_DSN) are required")
	}
	ctx := context.Background()

	mc, err := mysql.ParseDSN(*dsn)
	if err != nil {
		log.Fatalf("parse dsn: %v", err)
	}
	conn, err := mysql.NewConnector(mc)
	if err != nil {
		log.Fatalf("mysql connector: %v", err)
	}
	myDB := sql.OpenDB(conn)
	defer myDB.Close()
	myDB.SetMaxOpenConns(2)
	if err := myDB.PingContext(ctx); err != nil {
		log.Fatalf("ping mysql: %v", err)
	}
	log.Println("connected to MySQL")

	if *create {
		if _, err := myDB.ExecContext(ctx, createTable); err != nil {
			log.Fatalf("create feed_records: %v", err)
		}
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("open dump: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		batch   []row
		total   int
		skipped int
	)
	for sc.Scan() {
		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(line) < 2 {
			skipped++
			continue
		}
		batch = append(batch, row{kind: string(line[:2]), payload: bytes.Clone(line)})
		if len(batch) >= batchSize {
			if err := insert(ctx, myDB, batch); err != nil {
				log.Fatalf("insert after %d rows: %v", total, err)
			}
			total += len(batch)
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		log.Fatalf("read dump: %v", err)
	}
	if err := insert(ctx, myDB, batch); err != nil {
		log.Fatalf("insert after %d rows: %v", total, err)
	}
	total += len(batch)
	log.Printf("%d records loaded, %d short lines skipped", total, skipped)
}

// insert writes one batch in a single transaction so a failed batch leaves
// no partial tail behind.
func insert(ctx context.Context, db *sql.DB, rows []row) error {
	if len(rows) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("INSERT INTO feed_records (record_kind, payload) VALUES ")
	args := make([]any, 0, 2*len(rows))
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?)")
		args = append(args, r.kind, r.payload)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, b.String(), args...); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
