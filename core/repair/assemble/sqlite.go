package assemble

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// DummySequenceTable is created so that sqlite_sequence exists before
// sequences are written. It is dropped once assembling is done.
const DummySequenceTable = "repairkit_dummy_sequence"

const resultConstraint = 19

type insertKey struct {
	table   string
	columns int
}

type tableInfo struct {
	name    string
	columns []string
	ipk     int // Index of the INTEGER PRIMARY KEY column, -1 if none
}

// SQLiteAssembler assembles into a SQLite database through one pinned
// connection.
type SQLiteAssembler struct {
	errors.CriticalErrorOnly

	path       string
	ctx        context.Context // Session context, set by MarkAsAssembling
	db         *sql.DB
	conn       *sql.Conn
	inTx       bool
	duplicated bool
	dummy      bool

	table   *tableInfo
	inserts map[insertKey]*sql.Stmt
}

// NewSQLiteAssembler returns an assembler writing to path. The database is
// opened by MarkAsAssembling.
func NewSQLiteAssembler(path string) *SQLiteAssembler {
	return &SQLiteAssembler{
		path:    path,
		ctx:     context.Background(),
		inserts: make(map[insertKey]*sql.Stmt),
	}
}

// Path returns the destination path.
func (a *SQLiteAssembler) Path() string {
	return a.path
}

// Err returns the most severe error seen.
func (a *SQLiteAssembler) Err() error {
	return a.CriticalError()
}

func (a *SQLiteAssembler) classify(message string, err error) error {
	if err == nil {
		return nil
	}
	e := errors.NewSQLite(message, sqlite.ResultCode(err), err).WithPath(a.path)
	if IsFatal(e) {
		e.Level = errors.LevelFatal
	} else {
		e.Level = errors.LevelWarning
	}
	a.SetCriticalError(e)
	return e
}

func (a *SQLiteAssembler) exec(query string, args ...any) (sql.Result, error) {
	if a.conn == nil {
		return nil, errors.New(errors.CodeMisuse, "assembler not started").WithPath(a.path)
	}
	res, err := a.conn.ExecContext(a.ctx, query, args...)
	if err != nil {
		return nil, a.classify(firstWords(query), err)
	}
	return res, nil
}

// MarkAsAssembling opens the destination, disables journaling and starts
// the first transaction. Statements run under ctx until MarkAsAssembled; a
// session that is already open adopts ctx.
func (a *SQLiteAssembler) MarkAsAssembling(ctx context.Context) error {
	a.ctx = ctx
	if a.conn != nil {
		return nil
	}
	db, err := sqlite.Open(a.path)
	if err != nil {
		return a.classify("open", err)
	}
	conn, err := db.Conn(a.ctx)
	if err != nil {
		db.Close()
		return a.classify("connect", err)
	}
	a.db = db
	a.conn = conn

	for _, pragma := range []string{
		"PRAGMA journal_mode=OFF",
		"PRAGMA synchronous=OFF",
		"PRAGMA locking_mode=EXCLUSIVE",
	} {
		if _, err := a.exec(pragma); err != nil {
			a.close()
			return err
		}
	}
	return a.begin()
}

func (a *SQLiteAssembler) begin() error {
	if _, err := a.exec("BEGIN IMMEDIATE"); err != nil {
		return err
	}
	a.inTx = true
	return nil
}

func (a *SQLiteAssembler) commit() error {
	if !a.inTx {
		return nil
	}
	a.inTx = false
	_, err := a.exec("COMMIT")
	return err
}

// MarkAsMilestone commits what was assembled so far and continues in a new
// transaction.
func (a *SQLiteAssembler) MarkAsMilestone() error {
	if err := a.commit(); err != nil {
		return err
	}
	return a.begin()
}

// MarkAsAssembled drops the placeholder table, commits and closes the
// destination.
func (a *SQLiteAssembler) MarkAsAssembled() error {
	if a.conn == nil {
		return nil
	}
	defer a.close()

	if a.dummy {
		if _, err := a.exec("DROP TABLE IF EXISTS " + quote(DummySequenceTable)); err != nil {
			return err
		}
		a.dummy = false
	}
	if err := a.commit(); err != nil {
		return err
	}
	_, err := a.exec("PRAGMA locking_mode=NORMAL")
	if err == nil {
		_, err = a.exec("PRAGMA journal_mode=DELETE")
	}
	return err
}

func (a *SQLiteAssembler) close() {
	for key, stmt := range a.inserts {
		stmt.Close()
		delete(a.inserts, key)
	}
	if a.inTx {
		a.conn.ExecContext(a.ctx, "ROLLBACK")
		a.inTx = false
	}
	if a.conn != nil {
		a.conn.Close()
		a.conn = nil
	}
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	a.table = nil
}

// MarkAsDuplicated switches inserts to INSERT OR REPLACE.
func (a *SQLiteAssembler) MarkAsDuplicated(duplicated bool) {
	if a.duplicated == duplicated {
		return
	}
	a.duplicated = duplicated
	for key, stmt := range a.inserts {
		stmt.Close()
		delete(a.inserts, key)
	}
}

func (a *SQLiteAssembler) exists(typ, name string) (bool, error) {
	var n int
	err := a.conn.QueryRowContext(a.ctx,
		"SELECT count(*) FROM sqlite_master WHERE type=? AND name=?", typ, name).Scan(&n)
	if err != nil {
		return false, a.classify("schema lookup", err)
	}
	return n > 0, nil
}

// AssembleSQL executes schema SQL. Failures other than fatal ones are
// logged and ignored.
func (a *SQLiteAssembler) AssembleSQL(query string) error {
	if a.conn == nil {
		return errors.New(errors.CodeMisuse, "assembler not started").WithPath(a.path)
	}
	_, err := a.exec(query)
	if err == nil || IsFatal(err) {
		return err
	}
	logging.Warn("assemble_sql_skipped", "path", a.path, "sql", query, "error", err.Error())
	return nil
}

// AssembleTable creates the table unless it already exists and loads its
// column layout.
func (a *SQLiteAssembler) AssembleTable(name, query string) (bool, error) {
	a.table = nil
	if a.conn == nil {
		return false, errors.New(errors.CodeMisuse, "assembler not started").WithPath(a.path)
	}
	found, err := a.exists("table", name)
	if err != nil {
		return false, fatalOrNil(err)
	}
	if !found {
		if _, err := a.exec(query); err != nil {
			if IsFatal(err) {
				return false, err
			}
			logging.Warn("assemble_table_skipped", "path", a.path, "table", name, "error", err.Error())
			return false, nil
		}
	}

	info, err := a.loadTableInfo(name)
	if err != nil {
		return false, fatalOrNil(err)
	}
	a.table = info
	return true, nil
}

func fatalOrNil(err error) error {
	if IsFatal(err) {
		return err
	}
	return nil
}

func (a *SQLiteAssembler) loadTableInfo(name string) (*tableInfo, error) {
	rows, err := a.conn.QueryContext(a.ctx, "PRAGMA table_info("+quote(name)+")")
	if err != nil {
		return nil, a.classify("table_info", err)
	}
	defer rows.Close()

	info := &tableInfo{name: name, ipk: -1}
	pkCount := 0
	ipk := -1
	for rows.Next() {
		var (
			cid      int
			col, typ string
			notNull  int
			dflt     sql.NullString
			pk       int
		)
		if err := rows.Scan(&cid, &col, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, a.classify("table_info", err)
		}
		if pk > 0 {
			pkCount++
			if strings.EqualFold(typ, "INTEGER") {
				ipk = len(info.columns)
			}
		}
		info.columns = append(info.columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, a.classify("table_info", err)
	}
	if pkCount == 1 {
		info.ipk = ipk
	}
	return info, nil
}

func (a *SQLiteAssembler) insertStmt(columns int) (*sql.Stmt, error) {
	key := insertKey{table: a.table.name, columns: columns}
	if stmt, ok := a.inserts[key]; ok {
		return stmt, nil
	}

	verb := "INSERT"
	if a.duplicated {
		verb = "INSERT OR REPLACE"
	}
	names := make([]string, 0, columns+1)
	if a.table.ipk < 0 {
		names = append(names, "rowid")
	}
	for _, col := range a.table.columns[:columns] {
		names = append(names, quote(col))
	}
	if a.table.ipk >= columns {
		names = append(names, quote(a.table.columns[a.table.ipk]))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(names)), ",")
	query := fmt.Sprintf("%s INTO %s(%s) VALUES(%s)",
		verb, quote(a.table.name), strings.Join(names, ","), placeholders)

	stmt, err := a.conn.PrepareContext(a.ctx, query)
	if err != nil {
		return nil, a.classify("prepare insert", err)
	}
	a.inserts[key] = stmt
	return stmt, nil
}

// AssembleCell inserts cell into the current table. The rowid lands in the
// INTEGER PRIMARY KEY column when the table has one. Rows violating a
// constraint are skipped.
func (a *SQLiteAssembler) AssembleCell(cell *btree.Cell) error {
	if a.table == nil {
		return errors.New(errors.CodeMisuse, "no table assembled").WithPath(a.path)
	}
	columns := cell.ColumnCount()
	if columns > len(a.table.columns) {
		return errors.Corrupt(cell.Page().Number, "row has %d columns, table %s has %d",
			columns, a.table.name, len(a.table.columns))
	}
	stmt, err := a.insertStmt(columns)
	if err != nil {
		return err
	}

	values := cell.Values()
	args := make([]any, 0, columns+1)
	ipk := a.table.ipk
	switch {
	case ipk < 0:
		args = append(append(args, cell.Rowid()), values...)
	case ipk < columns:
		values[ipk] = cell.Rowid()
		args = append(args, values...)
	default:
		args = append(append(args, values...), cell.Rowid())
	}

	if _, err := stmt.ExecContext(a.ctx, args...); err != nil {
		if sqlite.ResultCode(err)&0xff == resultConstraint {
			logging.Debug("assemble_cell_conflict", "path", a.path, "table", a.table.name,
				"rowid", cell.Rowid())
			return nil
		}
		return a.classify("insert into "+a.table.name, err)
	}
	return nil
}

// AssembleSequence raises the sequence of table to at least seq.
func (a *SQLiteAssembler) AssembleSequence(table string, seq int64) error {
	if a.conn == nil {
		return errors.New(errors.CodeMisuse, "assembler not started").WithPath(a.path)
	}
	found, err := a.exists("table", "sqlite_sequence")
	if err != nil {
		return err
	}
	if !found {
		create := "CREATE TABLE " + quote(DummySequenceTable) + "(i INTEGER PRIMARY KEY AUTOINCREMENT)"
		if _, err := a.exec(create); err != nil {
			return err
		}
		a.dummy = true
	}

	res, err := a.exec("UPDATE sqlite_sequence SET seq=max(seq, ?) WHERE name=?", seq, table)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	_, err = a.exec("INSERT INTO sqlite_sequence(name, seq) VALUES(?, ?)", table, seq)
	return err
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func firstWords(query string) string {
	fields := strings.Fields(query)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}
