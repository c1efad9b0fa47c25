// Package runlog records acquisition runs in a ClickHouse database.
package runlog

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/grabdaq"
)

// Config is the "runlog" section of the configuration file. Credentials come
// from the GRABDAQ_DB_USER and GRABDAQ_DB_PASSWORD environment variables.
type Config struct {
	Enable   bool
	Addr     string
	Database string
}

// RunMessage is one row of the acquisitionruns table.
type RunMessage struct {
	ID        string
	Host      string
	Version   string
	Githash   string
	GoVersion string
	Kind      string // "daq" or "grabber"
	Settings  string // human-readable summary of the device settings
	Samples   int64  // samples or frames acquired
	Skipped   int64  // frames lost to ring overwrite
	Start     time.Time
	End       time.Time
}

// NewRunMessage starts a run record with a fresh ULID.
func NewRunMessage(kind, settings string) *RunMessage {
	return &RunMessage{
		ID:        ulid.Make().String(),
		Host:      grabdaq.Build.Host,
		Version:   grabdaq.Build.Version,
		Githash:   grabdaq.Build.Githash,
		GoVersion: runtime.Version(),
		Kind:      kind,
		Settings:  settings,
		Start:     time.Now(),
	}
}

// Connection handles run records on a background goroutine.
type Connection struct {
	conn clickhouse.Conn
	err  error
	runs chan *RunMessage
	sync.WaitGroup
}

// IsConnected tells whether records will be stored.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err is the connection or last insert error.
func (db *Connection) Err() error {
	return db.err
}

// Connect opens the database. A connection that failed is still usable:
// its records are dropped.
func Connect(cfg Config) *Connection {
	db := &Connection{runs: make(chan *RunMessage)}
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:9000"
	}
	database := cfg.Database
	if database == "" {
		database = "grabdaq"
	}
	opt := clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: os.Getenv("GRABDAQ_DB_USER"),
			Password: os.Getenv("GRABDAQ_DB_PASSWORD"),
		},
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "grabdaq", Version: grabdaq.Build.Version},
			},
		},
		DialTimeout: 2 * time.Second,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			grabdaq.ProblemLogger.Printf("ClickHouse exception [%d] %s", exception.Code, exception.Message)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	return db
}

// Dummy returns a connection that drops every record.
func Dummy() *Connection {
	return &Connection{runs: make(chan *RunMessage), err: fmt.Errorf("runlog disabled")}
}

// Start handles records until abort is closed. Wait blocks until it is done.
func (db *Connection) Start(abort <-chan struct{}) {
	db.Add(1)
	go db.handleConnection(abort)
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			if db.conn != nil {
				db.conn.Close()
			}
			return
		case msg := <-db.runs:
			db.insert(msg)
		}
	}
}

// RecordRun stores the start of a run. It blocks until the handler accepts
// the message, so a run is stored before its end is.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runs <- msg
}

// FinishRun stores the end of a run with its final counts.
func (db *Connection) FinishRun(msg *RunMessage, samples, skipped int64) {
	if msg == nil {
		return
	}
	msg.End = time.Now()
	msg.Samples, msg.Skipped = samples, skipped
	if !db.IsConnected() {
		return
	}
	db.runs <- msg
}

func (db *Connection) insert(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO acquisitionruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Host, m.Version, m.Githash, m.GoVersion, m.Kind, m.Settings,
		m.Samples, m.Skipped, formattedStart, formattedEnd,
	); err != nil {
		grabdaq.ProblemLogger.Printf("runlog: insert into acquisitionruns: %v", err)
		db.err = err
	}
}
