package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	delays []time.Duration
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{
		pool:   pool,
		delays: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, time.Second},
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := runMigrations(ctx, db, "postgres", "migrations/postgres"); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(r.delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраим только конфликты сериализации, взаимоблокировки и обрывы соединения.
		var pgErr *pgconn.PgError
		retryable := errors.As(err, &pgErr) &&
			(pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected)
		if !retryable && !isConnectionError(err) {
			return err
		}

		if i < len(r.delays) {
			timer := time.NewTimer(r.delays[i])
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const (
	pgIssueColumns       = `id, project_id, issue_ref, status, created_at`
	pgUserColumns        = `id, project_id, name, created_at`
	pgPaymentColumns     = `id, sponsorship_id, gateway, gateway_reference, redirect_url, status, created_at`
	pgSponsorshipColumns = `s.id, s.issue_id, s.user_id, COALESCE(u.name, ''), s.amount, s.status, s.created_at`
)

// FindIssue возвращает задачу проекта по её идентификатору в трекере.
func (r *PostgresRepository) FindIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pgIssueColumns+` FROM issues WHERE project_id = $1 AND issue_ref = $2`,
		projectID, ref,
	)

	issue, err := scanIssue(row, plainTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIssueNotFound
		}
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return issue, nil
}

// FindOrCreateIssue атомарно возвращает существующую задачу или создаёт новую.
func (r *PostgresRepository) FindOrCreateIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	var issue *model.Issue

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO issues (project_id, issue_ref, status) VALUES ($1, $2, $3)
			 ON CONFLICT (project_id, issue_ref) DO NOTHING`,
			projectID, ref, model.IssueStatusOpen.String(),
		)
		if err != nil {
			return fmt.Errorf("insert issue: %w", err)
		}

		row := tx.QueryRow(ctx,
			`SELECT `+pgIssueColumns+` FROM issues WHERE project_id = $1 AND issue_ref = $2`,
			projectID, ref,
		)
		if issue, err = scanIssue(row, plainTime); err != nil {
			return fmt.Errorf("select issue: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issue, nil
}

// SetIssueStatus меняет статус задачи и ставит письма в очередь в одной транзакции.
// Обещания задачи блокируются до фиксации, чтобы параллельное подтверждение платежа
// не изменило статус спонсора между выбором текста письма и коммитом.
func (r *PostgresRepository) SetIssueStatus(ctx context.Context, issueID int64, status model.IssueStatus, build EmailBuilder) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		tag, err := tx.Exec(ctx, `UPDATE issues SET status = $2 WHERE id = $1`, issueID, status.String())
		if err != nil {
			return fmt.Errorf("update issue: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrIssueNotFound
		}

		if build != nil {
			sponsorships, err := r.listSponsorships(ctx, tx, issueID, " FOR UPDATE OF s")
			if err != nil {
				return err
			}

			emails, err := build(sponsorships)
			if err != nil {
				return err
			}

			for _, e := range emails {
				if err := insertPgEmail(ctx, tx, e); err != nil {
					return err
				}
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// DeleteIssue удаляет задачу вместе с обещаниями и их платежами.
func (r *PostgresRepository) DeleteIssue(ctx context.Context, issueID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`DELETE FROM payments WHERE sponsorship_id IN (SELECT id FROM sponsorships WHERE issue_id = $1)`,
		issueID,
	)
	if err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM sponsorships WHERE issue_id = $1`, issueID); err != nil {
		return fmt.Errorf("delete sponsorships: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM issues WHERE id = $1`, issueID)
	if err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIssueNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// FindUser возвращает пользователя проекта по имени.
func (r *PostgresRepository) FindUser(ctx context.Context, projectID int64, name string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pgUserColumns+` FROM users WHERE project_id = $1 AND name = $2`,
		projectID, name,
	)

	u, err := scanUser(row, plainTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// FindOrCreateUser атомарно возвращает существующего пользователя или создаёт нового.
func (r *PostgresRepository) FindOrCreateUser(ctx context.Context, projectID int64, name string) (*model.User, error) {
	var u *model.User

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx,
			`INSERT INTO users (project_id, name) VALUES ($1, $2) ON CONFLICT (project_id, name) DO NOTHING`,
			projectID, name,
		)
		if err != nil {
			return fmt.Errorf("insert user: %w", err)
		}

		row := tx.QueryRow(ctx,
			`SELECT `+pgUserColumns+` FROM users WHERE project_id = $1 AND name = $2`,
			projectID, name,
		)
		if u, err = scanUser(row, plainTime); err != nil {
			return fmt.Errorf("select user: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// DeleteUser удаляет пользователя. Обещания пользователя остаются.
func (r *PostgresRepository) DeleteUser(ctx context.Context, userID int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// FindSponsorship возвращает обещание пользователя по задаче.
func (r *PostgresRepository) FindSponsorship(ctx context.Context, issueID, userID int64) (*model.Sponsorship, error) {
	return r.findSponsorship(ctx, r.pool, issueID, userID)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *PostgresRepository) findSponsorship(ctx context.Context, q pgQuerier, issueID, userID int64) (*model.Sponsorship, error) {
	row := q.QueryRow(ctx,
		`SELECT `+pgSponsorshipColumns+`
		 FROM sponsorships s LEFT JOIN users u ON u.id = s.user_id
		 WHERE s.issue_id = $1 AND s.user_id = $2`,
		issueID, userID,
	)

	s, err := scanSponsorship(row, plainTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("get sponsorship: %w", err)
	}
	return s, nil
}

// ListSponsorships возвращает обещания по задаче. Обещания удалённых пользователей не возвращаются.
func (r *PostgresRepository) ListSponsorships(ctx context.Context, issueID int64) ([]model.Sponsorship, error) {
	return r.listSponsorships(ctx, r.pool, issueID, "")
}

type pgRowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *PostgresRepository) listSponsorships(ctx context.Context, q pgRowsQuerier, issueID int64, lock string) ([]model.Sponsorship, error) {
	rows, err := q.Query(ctx,
		`SELECT `+pgSponsorshipColumns+`
		 FROM sponsorships s JOIN users u ON u.id = s.user_id
		 WHERE s.issue_id = $1
		 ORDER BY s.id`+lock,
		issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sponsorships: %w", err)
	}
	defer rows.Close()

	var res []model.Sponsorship
	for rows.Next() {
		s, err := scanSponsorship(rows, plainTime)
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
func (r *PostgresRepository) SaveSponsorship(ctx context.Context, issueID, userID int64, amount *int) (*model.Sponsorship, error) {
	var s *model.Sponsorship

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if amount == nil {
			_, err = tx.Exec(ctx,
				`INSERT INTO sponsorships (issue_id, user_id, amount, status) VALUES ($1, $2, 0, $3)
				 ON CONFLICT (issue_id, user_id) DO NOTHING`,
				issueID, userID, model.SponsorshipStatusPledged.String(),
			)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO sponsorships (issue_id, user_id, amount, status) VALUES ($1, $2, $3, $4)
				 ON CONFLICT (issue_id, user_id) DO UPDATE SET amount = EXCLUDED.amount`,
				issueID, userID, model.ClampAmount(*amount), model.SponsorshipStatusPledged.String(),
			)
		}
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
				return ErrIssueNotFound
			}
			return fmt.Errorf("upsert sponsorship: %w", err)
		}

		if s, err = r.findSponsorship(ctx, tx, issueID, userID); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// SetSponsorshipStatus обновляет статус обещания.
func (r *PostgresRepository) SetSponsorshipStatus(ctx context.Context, sponsorshipID int64, status model.SponsorshipStatus) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sponsorships SET status = $2 WHERE id = $1`,
		sponsorshipID, status.String(),
	)
	if err != nil {
		return fmt.Errorf("update sponsorship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSponsorshipNotFound
	}
	return nil
}

// DeleteSponsorship удаляет обещание вместе с его платежами.
func (r *PostgresRepository) DeleteSponsorship(ctx context.Context, sponsorshipID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM payments WHERE sponsorship_id = $1`, sponsorshipID); err != nil {
		return fmt.Errorf("delete payments: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM sponsorships WHERE id = $1`, sponsorshipID)
	if err != nil {
		return fmt.Errorf("delete sponsorship: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSponsorshipNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// CreatePayment сохраняет новый платёж по обещанию.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p model.Payment) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO payments (sponsorship_id, gateway, gateway_reference, redirect_url, status)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+pgPaymentColumns,
		p.SponsorshipID, p.Gateway.String(), p.GatewayReference, p.RedirectURL, p.Status.String(),
	)

	created, err := scanPayment(row, plainTime)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return nil, ErrSponsorshipNotFound
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}
	return created, nil
}

// LatestPayment возвращает последний созданный платёж по обещанию.
func (r *PostgresRepository) LatestPayment(ctx context.Context, sponsorshipID int64) (*model.Payment, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pgPaymentColumns+` FROM payments WHERE sponsorship_id = $1 ORDER BY id DESC LIMIT 1`,
		sponsorshipID,
	)

	p, err := scanPayment(row, plainTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// ConfirmPayment переводит платёж и обещание в CONFIRMED в одной транзакции.
// Внутри транзакции повторно проверяется, что paymentID всё ещё последний и не подтверждён.
func (r *PostgresRepository) ConfirmPayment(ctx context.Context, sponsorshipID, paymentID int64) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокировка обещания сериализует подтверждение с созданием новых платежей.
		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM sponsorships WHERE id = $1 FOR UPDATE`, sponsorshipID).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrSponsorshipNotFound
			}
			return fmt.Errorf("lock sponsorship for update: %w", err)
		}

		var (
			latestID     int64
			latestStatus string
		)
		err = tx.QueryRow(ctx,
			`SELECT id, status FROM payments WHERE sponsorship_id = $1 ORDER BY id DESC LIMIT 1`,
			sponsorshipID,
		).Scan(&latestID, &latestStatus)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPaymentNotFound
			}
			return fmt.Errorf("select latest payment: %w", err)
		}

		if err := checkLatestPayment(latestID, latestStatus, paymentID); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE payments SET status = $2 WHERE id = $1`,
			paymentID, model.PaymentStatusConfirmed.String(),
		)
		if err != nil {
			return fmt.Errorf("update payment: %w", err)
		}

		_, err = tx.Exec(ctx,
			`UPDATE sponsorships SET status = $2 WHERE id = $1`,
			sponsorshipID, model.SponsorshipStatusConfirmed.String(),
		)
		if err != nil {
			return fmt.Errorf("update sponsorship: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// insertPgEmail ставит письмо в очередь в рамках транзакции.
func insertPgEmail(ctx context.Context, tx pgx.Tx, e model.Email) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO emails (project_id, user_id, subject, body) VALUES ($1, $2, $3, $4)`,
		e.ProjectID, e.RecipientUserID, e.Subject, e.Body,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return ErrUserNotFound
		}
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// HasPendingEmails проверяет наличие писем в очереди проекта.
func (r *PostgresRepository) HasPendingEmails(ctx context.Context, projectID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM emails WHERE project_id = $1)`,
		projectID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check emails: %w", err)
	}
	return exists, nil
}

// ListEmails возвращает все письма из очереди.
func (r *PostgresRepository) ListEmails(ctx context.Context) ([]model.Email, error) {
	rows, err := r.pool.Query(ctx,
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
		e, err := scanEmail(rows, plainTime)
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
func (r *PostgresRepository) DeleteEmail(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM emails WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEmailNotFound
	}
	return nil
}
