// Package testutil provides a scripted database/sql driver for postgres store
// tests. It records every statement and answers queries from canned responses
// matched by query fragment.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq uint64

// Statement is one recorded Exec or Query.
type Statement struct {
	Query string
	Args  []any
	InTx  bool
}

// Response is returned for statements whose text contains the registered fragment.
type Response struct {
	Columns      []string
	Rows         [][]driver.Value
	RowsAffected int64
	Err          error
}

type scripted struct {
	fragment string
	resp     Response
}

// StubConn records statements and replays scripted responses.
type StubConn struct {
	mu         sync.Mutex
	statements []Statement
	script     []scripted
	inTx       bool

	FailBegin  bool
	FailCommit bool
	FailPing   bool
	Commits    int
	Rollbacks  int
}

// NewStubDB registers a sql.DB backed by a fresh stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{}
	name := fmt.Sprintf("stubpg%d", atomic.AddUint64(&stubSeq, 1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	db.SetMaxOpenConns(1)
	return db, conn
}

// On registers resp for statements containing fragment. Earlier registrations win.
func (c *StubConn) On(fragment string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, scripted{fragment: fragment, resp: resp})
}

// Statements returns a copy of everything executed so far.
func (c *StubConn) Statements() []Statement {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Statement(nil), c.statements...)
}

// Find returns the recorded statements containing fragment.
func (c *StubConn) Find(fragment string) []Statement {
	var out []Statement
	for _, st := range c.Statements() {
		if strings.Contains(st.Query, fragment) {
			out = append(out, st)
		}
	}
	return out
}

func (c *StubConn) record(query string, args []driver.NamedValue) Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	vals := make([]any, len(args))
	for i, a := range args {
		vals[i] = a.Value
	}
	c.statements = append(c.statements, Statement{Query: query, Args: vals, InTx: c.inTx})
	for _, s := range c.script {
		if strings.Contains(query, s.fragment) {
			return s.resp
		}
	}
	return Response{}
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) {
	return d.conn, nil
}

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(_ context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx.
func (c *StubConn) BeginTx(_ context.Context, _ driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	c.inTx = true
	c.mu.Unlock()
	return &stubTx{conn: c}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	resp := c.record(query, args)
	if resp.Err != nil {
		return nil, resp.Err
	}
	affected := resp.RowsAffected
	if affected == 0 && resp.Columns == nil {
		affected = 1
	}
	if affected < 0 {
		affected = 0
	}
	return driver.RowsAffected(affected), nil
}

// QueryContext implements driver.QueryerContext.
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	resp := c.record(query, args)
	if resp.Err != nil {
		return nil, resp.Err
	}
	return &stubRows{cols: resp.Columns, rows: resp.Rows}, nil
}

type stubTx struct {
	conn *StubConn
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.inTx = false
	if t.conn.FailCommit {
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.inTx = false
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
