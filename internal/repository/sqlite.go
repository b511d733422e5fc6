package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

// SQLiteRepository хранит данные во встроенной SQLite (файл или память).
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository открывает базу по пути (":memory:" для базы в памяти) и применяет миграции.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite допускает одного писателя; для базы в памяти единственное соединение
	// ещё и гарантирует, что все запросы видят одну и ту же базу.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %q: %w", p, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := runMigrations(ctx, db, "sqlite3", "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteRepository{db: db}, nil
}

// Close закрывает базу.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

type sqliteTime time.Time

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
}

func (t *sqliteTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = sqliteTime(time.Time{})
		return nil
	case time.Time:
		*t = sqliteTime(v)
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (t *sqliteTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			*t = sqliteTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("parse time %q", s)
}

func sqliteTimeDest(t *time.Time) any { return (*sqliteTime)(t) }

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const (
	sqliteIssueColumns       = `id, project_id, issue_ref, status, created_at`
	sqliteUserColumns        = `id, project_id, name, created_at`
	sqlitePaymentColumns     = `id, sponsorship_id, gateway, gateway_reference, redirect_url, status, created_at`
	sqliteSponsorshipColumns = `s.id, s.issue_id, s.user_id, COALESCE(u.name, ''), s.amount, s.status, s.created_at`
)

func (r *SQLiteRepository) findIssue(ctx context.Context, q sqlQuerier, projectID int64, ref string) (*model.Issue, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteIssueColumns+` FROM issues WHERE project_id = ? AND issue_ref = ?`,
		projectID, ref,
	)

	issue, err := scanIssue(row, sqliteTimeDest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

// FindIssue возвращает задачу проекта по её идентификатору в трекере.
func (r *SQLiteRepository) FindIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	return r.findIssue(ctx, r.db, projectID, ref)
}

// FindOrCreateIssue атомарно возвращает существующую задачу или создаёт новую.
func (r *SQLiteRepository) FindOrCreateIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO issues (project_id, issue_ref, status) VALUES (?, ?, ?)
		 ON CONFLICT (project_id, issue_ref) DO NOTHING`,
		projectID, ref, model.IssueStatusOpen.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}

	issue, err := r.findIssue(ctx, tx, projectID, ref)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return issue, nil
}

// SetIssueStatus меняет статус задачи и ставит письма в очередь в одной транзакции.
// Обещания читаются внутри транзакции; единственное соединение сериализует её
// с параллельным подтверждением платежа.
func (r *SQLiteRepository) SetIssueStatus(ctx context.Context, issueID int64, status model.IssueStatus, build EmailBuilder) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE issues SET status = ? WHERE id = ?`, status.String(), issueID)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrIssueNotFound
	}

	if build != nil {
		sponsorships, err := r.listSponsorships(ctx, tx, issueID)
		if err != nil {
			return err
		}

		emails, err := build(sponsorships)
		if err != nil {
			return err
		}

		for _, e := range emails {
			if err := insertSQLiteEmail(ctx, tx, e); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteIssue удаляет задачу вместе с обещаниями и их платежами.
func (r *SQLiteRepository) DeleteIssue(ctx context.Context, issueID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM payments WHERE sponsorship_id IN (SELECT id FROM sponsorships WHERE issue_id = ?)`,
		issueID,
	)
	if err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sponsorships WHERE issue_id = ?`, issueID); err != nil {
		return fmt.Errorf("delete sponsorships: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE id = ?`, issueID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrIssueNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) findUser(ctx context.Context, q sqlQuerier, projectID int64, name string) (*model.User, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteUserColumns+` FROM users WHERE project_id = ? AND name = ?`,
		projectID, name,
	)

	u, err := scanUser(row, sqliteTimeDest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// FindUser возвращает пользователя проекта по имени.
func (r *SQLiteRepository) FindUser(ctx context.Context, projectID int64, name string) (*model.User, error) {
	return r.findUser(ctx, r.db, projectID, name)
}

// FindOrCreateUser атомарно возвращает существующего пользователя или создаёт нового.
func (r *SQLiteRepository) FindOrCreateUser(ctx context.Context, projectID int64, name string) (*model.User, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO users (project_id, name) VALUES (?, ?) ON CONFLICT (project_id, name) DO NOTHING`,
		projectID, name,
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	u, err := r.findUser(ctx, tx, projectID, name)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return u, nil
}

// DeleteUser удаляет пользователя. Обещания пользователя остаются.
func (r *SQLiteRepository) DeleteUser(ctx context.Context, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (r *SQLiteRepository) findSponsorship(ctx context.Context, q sqlQuerier, issueID, userID int64) (*model.Sponsorship, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteSponsorshipColumns+`
		 FROM sponsorships s LEFT JOIN users u ON u.id = s.user_id
		 WHERE s.issue_id = ? AND s.user_id = ?`,
		issueID, userID,
	)

	s, err := scanSponsorship(row, sqliteTimeDest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("get sponsorship: %w", err)
	}
	return s, nil
}

// FindSponsorship возвращает обещание пользователя по задаче.
func (r *SQLiteRepository) FindSponsorship(ctx context.Context, issueID, userID int64) (*model.Sponsorship, error) {
	return r.findSponsorship(ctx, r.db, issueID, userID)
}

// ListSponsorships возвращает обещания по задаче. Обещания удалённых пользователей не возвращаются.
func (r *SQLiteRepository) ListSponsorships(ctx context.Context, issueID int64) ([]model.Sponsorship, error) {
	return r.listSponsorships(ctx, r.db, issueID)
}

type sqlRowsQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (r *SQLiteRepository) listSponsorships(ctx context.Context, q sqlRowsQuerier, issueID int64) ([]model.Sponsorship, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+sqliteSponsorshipColumns+`
		 FROM sponsorships s JOIN users u ON u.id = s.user_id
		 WHERE s.issue_id = ?
		 ORDER BY s.id`,
		issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sponsorships: %w", err)
	}
	defer rows.Close()

	var res []model.Sponsorship
	for rows.Next() {
		s, err := scanSponsorship(rows, sqliteTimeDest)
		if err != nil {
			return nil, fmt.Errorf("scan sponsorship: %w", err)
		}
		res = append(res, *s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveSponsorship создаёт обещание или обновляет его сумму. При amount == nil сумма не меняется.
func (r *SQLiteRepository) SaveSponsorship(ctx context.Context, issueID, userID int64, amount *int) (*model.Sponsorship, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if amount == nil {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sponsorships (issue_id, user_id, amount, status) VALUES (?, ?, 0, ?)
			 ON CONFLICT (issue_id, user_id) DO NOTHING`,
			issueID, userID, model.SponsorshipStatusPledged.String(),
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO sponsorships (issue_id, user_id, amount, status) VALUES (?, ?, ?, ?)
			 ON CONFLICT (issue_id, user_id) DO UPDATE SET amount = excluded.amount`,
			issueID, userID, model.ClampAmount(*amount), model.SponsorshipStatusPledged.String(),
		)
	}
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("upsert sponsorship: %w", err)
	}

	s, err := r.findSponsorship(ctx, tx, issueID, userID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return s, nil
}

// SetSponsorshipStatus обновляет статус обещания.
func (r *SQLiteRepository) SetSponsorshipStatus(ctx context.Context, sponsorshipID int64, status model.SponsorshipStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sponsorships SET status = ? WHERE id = ?`,
		status.String(), sponsorshipID,
	)
	if err != nil {
		return fmt.Errorf("update sponsorship: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrSponsorshipNotFound
	}
	return nil
}

// DeleteSponsorship удаляет обещание вместе с его платежами.
func (r *SQLiteRepository) DeleteSponsorship(ctx context.Context, sponsorshipID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM payments WHERE sponsorship_id = ?`, sponsorshipID); err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM sponsorships WHERE id = ?`, sponsorshipID)
	if err != nil {
		return fmt.Errorf("delete sponsorship: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrSponsorshipNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreatePayment сохраняет новый платёж по обещанию.
func (r *SQLiteRepository) CreatePayment(ctx context.Context, p model.Payment) (*model.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`INSERT INTO payments (sponsorship_id, gateway, gateway_reference, redirect_url, status)
		 VALUES (?, ?, ?, ?, ?)
		 RETURNING `+sqlitePaymentColumns,
		p.SponsorshipID, p.Gateway.String(), p.GatewayReference, p.RedirectURL, p.Status.String(),
	)

	created, err := scanPayment(row, sqliteTimeDest)
	if err != nil {
		if isForeignKeyViolation(err) {
			return nil, ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return created, nil
}

// LatestPayment возвращает последний созданный платёж по обещанию.
func (r *SQLiteRepository) LatestPayment(ctx context.Context, sponsorshipID int64) (*model.Payment, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sqlitePaymentColumns+` FROM payments WHERE sponsorship_id = ? ORDER BY id DESC LIMIT 1`,
		sponsorshipID,
	)

	p, err := scanPayment(row, sqliteTimeDest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ConfirmPayment переводит платёж и обещание в CONFIRMED в одной транзакции.
// Внутри транзакции повторно проверяется, что paymentID всё ещё последний и не подтверждён.
func (r *SQLiteRepository) ConfirmPayment(ctx context.Context, sponsorshipID, paymentID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		latestID     int64
		latestStatus string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM payments WHERE sponsorship_id = ? ORDER BY id DESC LIMIT 1`,
		sponsorshipID,
	).Scan(&latestID, &latestStatus)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPaymentNotFound
		}
		return fmt.Errorf("select latest payment: %w", err)
	}

	if err := checkLatestPayment(latestID, latestStatus, paymentID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE payments SET status = ? WHERE id = ?`,
		model.PaymentStatusConfirmed.String(), paymentID,
	); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sponsorships SET status = ? WHERE id = ?`,
		model.SponsorshipStatusConfirmed.String(), sponsorshipID,
	)
	if err != nil {
		return fmt.Errorf("update sponsorship: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrSponsorshipNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// insertSQLiteEmail ставит письмо в очередь в рамках транзакции.
func insertSQLiteEmail(ctx context.Context, tx *sql.Tx, e model.Email) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO emails (project_id, user_id, subject, body) VALUES (?, ?, ?, ?)`,
		e.ProjectID, e.RecipientUserID, e.Subject, e.Body,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrUserNotFound
		}
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// HasPendingEmails проверяет наличие писем в очереди проекта.
func (r *SQLiteRepository) HasPendingEmails(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM emails WHERE project_id = ?)`,
		projectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check emails: %w", err)
	}
	return exists, nil
}

// ListEmails возвращает все письма из очереди.
func (r *SQLiteRepository) ListEmails(ctx context.Context) ([]model.Email, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT e.id, e.project_id, e.user_id, u.name, e.subject, e.body, e.created_at
		 FROM emails e JOIN users u ON u.id = e.user_id
		 ORDER BY e.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("select emails: %w", err)
	}
	defer rows.Close()

	var res []model.Email
	for rows.Next() {
		e, err := scanEmail(rows, sqliteTimeDest)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		res = append(res, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// DeleteEmail удаляет письмо из очереди.
func (r *SQLiteRepository) DeleteEmail(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM emails WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrEmailNotFound
	}
	return nil
}
