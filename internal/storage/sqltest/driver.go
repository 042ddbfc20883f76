// Package sqltest provides a scripted database/sql driver for exercising SQL
// stores without a running database. Each connection consumes the scripted
// operations in order and fails on any statement it does not expect.
package sqltest

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

type opType int

const (
	opExec opType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

func (t opType) String() string {
	switch t {
	case opExec:
		return "exec"
	case opQuery:
		return "query"
	case opBegin:
		return "begin"
	case opCommit:
		return "commit"
	default:
		return "rollback"
	}
}

// Op 是一条预期的数据库操作。
type Op struct {
	typ    opType
	query  string
	prefix bool
	result Result
	rows   Rows
	err    error
}

// Result 是 Exec 的返回值。
type Result struct {
	InsertID int64
	Affected int64
}

func (r Result) LastInsertId() (int64, error) { return r.InsertID, nil }
func (r Result) RowsAffected() (int64, error) { return r.Affected, nil }

// Rows 是 Query 的返回值。
type Rows struct {
	Columns []string
	Values  [][]any
}

// Exec 期望一条完全匹配（忽略空白差异）的写语句。
func Exec(query string, result Result) Op {
	return Op{typ: opExec, query: query, result: result}
}

// ExecPrefix 只比较语句前缀，适合较长的 INSERT/UPDATE。
func ExecPrefix(prefix string, result Result) Op {
	return Op{typ: opExec, query: prefix, prefix: true, result: result}
}

// Query 期望一条完全匹配的查询。
func Query(query string, rows Rows) Op {
	return Op{typ: opQuery, query: query, rows: rows}
}

// QueryPrefix 只比较查询前缀。
func QueryPrefix(prefix string, rows Rows) Op {
	return Op{typ: opQuery, query: prefix, prefix: true, rows: rows}
}

// Begin 期望开启事务。
func Begin() Op { return Op{typ: opBegin} }

// Commit 期望提交事务。
func Commit() Op { return Op{typ: opCommit} }

// Rollback 期望回滚事务。
func Rollback() Op { return Op{typ: opRollback} }

// Fail 让该操作返回指定错误。
func (o Op) Fail(err error) Op {
	o.err = err
	return o
}

// Driver 按顺序回放脚本化操作。
type Driver struct {
	mu   sync.Mutex
	ops  []Op
	idx  int
	args [][]driver.NamedValue
}

var seq atomic.Int32

// Open 注册一个新的驱动实例并返回连接池。
func Open(t testing.TB, ops ...Op) (*sql.DB, *Driver) {
	t.Helper()

	drv := &Driver{ops: ops}
	name := fmt.Sprintf("sqltest-%d", seq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open scripted db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	t.Cleanup(func() { db.Close() })
	return db, drv
}

// AssertConsumed 校验脚本全部执行。
func (d *Driver) AssertConsumed(t testing.TB) {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", d.idx, len(d.ops))
	}
}

// Args 返回第 i 条被执行语句的参数。
func (d *Driver) Args(i int) []any {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.args) {
		return nil
	}
	out := make([]any, len(d.args[i]))
	for j, nv := range d.args[i] {
		out[j] = nv.Value
	}
	return out
}

func (d *Driver) Open(string) (driver.Conn, error) {
	return &conn{driver: d}, nil
}

func (d *Driver) next(expected opType, query string, args []driver.NamedValue) (*Op, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.idx >= len(d.ops) {
		return nil, fmt.Errorf("unexpected %s: %s", expected, Normalize(query))
	}
	op := &d.ops[d.idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected %s, got %s", op.typ, expected)
	}
	d.idx++
	if op.typ == opExec || op.typ == opQuery {
		d.args = append(d.args, args)
	}
	if op.query != "" {
		want, got := Normalize(op.query), Normalize(query)
		if op.prefix && !strings.HasPrefix(got, want) || !op.prefix && want != got {
			return nil, fmt.Errorf("unexpected query. want %q got %q", want, got)
		}
	}
	return op, nil
}

type conn struct {
	driver *Driver
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *conn) Close() error { return nil }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	op, err := c.driver.next(opBegin, "", nil)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &tx{driver: c.driver}, nil
}

func (c *conn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.driver.next(opExec, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *conn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.driver.next(opQuery, query, args)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &rows{columns: op.rows.Columns, values: op.rows.Values}, nil
}

func (c *conn) Ping(context.Context) error { return nil }

type tx struct {
	driver *Driver
}

func (t *tx) Commit() error {
	op, err := t.driver.next(opCommit, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

func (t *tx) Rollback() error {
	op, err := t.driver.next(opRollback, "", nil)
	if err != nil {
		return err
	}
	return op.err
}

type rows struct {
	columns []string
	values  [][]any
	idx     int
}

func (r *rows) Columns() []string { return r.columns }
func (r *rows) Close() error      { return nil }

func (r *rows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	for i, v := range r.values[r.idx] {
		if i < len(dest) {
			dest[i] = v
		}
	}
	r.idx++
	return nil
}

// Normalize 折叠空白，便于比较多行 SQL。
func Normalize(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
