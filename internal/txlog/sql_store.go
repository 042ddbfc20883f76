package txlog

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"ARS-Engine/internal/engine"
	xerrors "ARS-Engine/internal/errors"
	mysqlstore "ARS-Engine/internal/storage/mysql"
	sqlitestore "ARS-Engine/internal/storage/sqlite"
)

const journalColumns = `id, kind, sender, nonce, body, status, attempts, max_retries, error_code, last_error, receipt, height, created_at, updated_at`

// SQLStore 使用关系数据库记录交易日志，MySQL 与 SQLite 共用同一套语句。
type SQLStore struct {
	db         *sql.DB
	isConflict func(error) bool
	now        func() time.Time
}

// NewSQLStore 基于已迁移的连接池创建存储；isConflict 识别主键冲突。
func NewSQLStore(db *sql.DB, isConflict func(error) bool) *SQLStore {
	if isConflict == nil {
		isConflict = func(error) bool { return false }
	}
	return &SQLStore{db: db, isConflict: isConflict, now: time.Now}
}

// NewMySQLStore 连接 MySQL、执行嵌入迁移并返回存储。
func NewMySQLStore(ctx context.Context, cfg mysqlstore.Config) (*SQLStore, error) {
	db, err := mysqlstore.Open(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 交易日志失败")
	}
	return NewSQLStore(db, mysqlstore.IsDuplicateKey), nil
}

// NewSQLiteStore 打开 SQLite 文件并返回存储。
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	db, err := sqlitestore.Open(ctx, path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 SQLite 交易日志失败")
	}
	return NewSQLStore(db, sqlitestore.IsConstraint), nil
}

// Create 插入新的日志记录。
func (s *SQLStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "record 不能为空")
	}
	if strings.TrimSpace(record.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "交易 ID 不能为空")
	}
	body, err := json.Marshal(record.Tx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码交易失败")
	}

	now := s.now().Unix()
	if record.CreatedAt == 0 {
		record.CreatedAt = now
	}
	record.UpdatedAt = now

	const stmt = `INSERT INTO tx_journal
        (id, kind, sender, nonce, body, status, attempts, max_retries, error_code, last_error, receipt, height, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', NULL, 0, ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		record.ID,
		string(record.Tx.Kind),
		record.Tx.Sender,
		record.Tx.Nonce,
		string(body),
		string(record.Status),
		record.Attempts,
		record.MaxRetries,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		if s.isConflict(err) {
			return ErrTxConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入交易日志失败")
	}
	return nil
}

// Get 查询指定记录。
func (s *SQLStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+journalColumns+` FROM tx_journal WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易日志失败")
	}
	return record, nil
}

// Claim 将记录标记为 applying 并返回最新状态。
func (s *SQLStore) Claim(ctx context.Context, id string) (*Record, error) {
	const updateStmt = `UPDATE tx_journal SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusApplying),
		s.now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	record, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		switch record.Status {
		case StatusApplied, StatusRejected:
			return record, ErrTxCompleted
		case StatusApplying:
			return record, ErrTxConflict
		default:
			return record, ErrTxExhausted
		}
	}
	return record, nil
}

// MarkApplied 记录成功回执与高度。
func (s *SQLStore) MarkApplied(ctx context.Context, id string, receipt engine.Receipt) error {
	return s.finish(ctx, id, StatusApplied, receipt)
}

// MarkRejected 记录拒绝回执。
func (s *SQLStore) MarkRejected(ctx context.Context, id string, receipt engine.Receipt) error {
	return s.finish(ctx, id, StatusRejected, receipt)
}

func (s *SQLStore) finish(ctx context.Context, id string, status Status, receipt engine.Receipt) error {
	const stmt = `UPDATE tx_journal SET status = ?, receipt = ?, error_code = ?, last_error = ?, height = ?, updated_at = ? WHERE id = ?`

	encoded, err := json.Marshal(receipt)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码回执失败")
	}
	var height uint64
	if status == StatusApplied {
		height = receipt.Height
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		string(encoded),
		string(receipt.Code),
		receipt.Message,
		height,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入回执失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

// MarkFailed 记录基础设施失败；非终止失败回到 pending。
func (s *SQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	const stmt = `UPDATE tx_journal SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`

	status := StatusPending
	if terminal {
		status = StatusFailed
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		lastError,
		string(code),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记交易失败出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTxNotFound
	}
	return nil
}

// List 返回符合过滤条件的记录。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	opts.applyDefaults()

	query := `SELECT ` + journalColumns + ` FROM tx_journal`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	return s.query(ctx, query, args...)
}

// Stats 返回符合过滤条件的聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS applying,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS applied,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS rejected,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM tx_journal`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusPending),
		string(StatusApplying),
		string(StatusApplied),
		string(StatusRejected),
		string(StatusFailed),
	}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Applying,
		&stats.Applied,
		&stats.Rejected,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Applied 按高度升序返回已应用记录。
func (s *SQLStore) Applied(ctx context.Context, after uint64, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, `SELECT `+journalColumns+` FROM tx_journal WHERE status = ? AND height > ? ORDER BY height ASC LIMIT ?`,
		string(StatusApplied), after, limit)
}

// Close 关闭底层数据库连接。
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易日志失败")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析交易日志失败")
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历交易日志失败")
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		record    Record
		kind      string
		status    string
		body      string
		lastError sql.NullString
		receipt   sql.NullString
	)
	if err := row.Scan(
		&record.ID,
		&kind,
		&record.Tx.Sender,
		&record.Tx.Nonce,
		&body,
		&status,
		&record.Attempts,
		&record.MaxRetries,
		&record.ErrorCode,
		&lastError,
		&receipt,
		&record.Height,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(body), &record.Tx); err != nil {
		return nil, fmt.Errorf("解析交易体失败: %w", err)
	}
	record.Tx.Kind = engine.Kind(kind)
	record.Status = Status(status)
	record.LastError = lastError.String
	if receipt.Valid && strings.TrimSpace(receipt.String) != "" {
		var r engine.Receipt
		if err := json.Unmarshal([]byte(receipt.String), &r); err != nil {
			return nil, fmt.Errorf("解析回执失败: %w", err)
		}
		record.Receipt = &r
	}
	return &record, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, fmt.Sprintf("kind IN (%s)", placeholders(len(opts.Kinds))))
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	if opts.Sender != "" {
		conditions = append(conditions, "sender = ?")
		args = append(args, opts.Sender)
	}
	if opts.ErrorCode != "" {
		conditions = append(conditions, "error_code = ?")
		args = append(args, opts.ErrorCode)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR sender LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

func placeholders(n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}

var _ Store = (*SQLStore)(nil)
