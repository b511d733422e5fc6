// Package repository содержит реализации хранилища сущностей в PostgreSQL и SQLite.
package repository

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

var (
	// ErrIssueNotFound возвращается, если задача не найдена.
	ErrIssueNotFound = errors.New("issue not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrSponsorshipNotFound возвращается, если обещание не найдено.
	ErrSponsorshipNotFound = errors.New("sponsorship not found")
	// ErrPaymentNotFound возвращается, если у обещания нет платежей.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrEmailNotFound возвращается, если письмо не найдено.
	ErrEmailNotFound = errors.New("email not found")
	// ErrAlreadyConfirmed возвращается при повторном подтверждении платежа.
	ErrAlreadyConfirmed = errors.New("payment already confirmed")
	// ErrPaymentSuperseded возвращается, если за время подтверждения появился более новый платёж.
	ErrPaymentSuperseded = errors.New("payment superseded by a newer one")
)

// goose хранит диалект и файловую систему в глобальном состоянии.
var migrateMu sync.Mutex

func runMigrations(ctx context.Context, db *sql.DB, dialect, dir string) error {
	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// SQLitePath разбирает URI вида sqlite:// (база в памяти) или sqlite:///path.
func SQLitePath(uri string) (string, bool) {
	if !strings.HasPrefix(uri, "sqlite://") {
		return "", false
	}
	path := strings.TrimPrefix(uri, "sqlite://")
	if path == "" {
		return ":memory:", true
	}
	return path, true
}

// EmailBuilder формирует письма по обещаниям задачи. Обещания читаются внутри транзакции
// смены статуса, поэтому получатели и тексты соответствуют фиксируемому состоянию.
type EmailBuilder func(sponsorships []model.Sponsorship) ([]model.Email, error)

type scanner interface {
	Scan(dest ...any) error
}

// timeDest адаптирует поле времени к драйверу конкретной БД.
type timeDest func(*time.Time) any

func plainTime(t *time.Time) any { return t }

func scanIssue(row scanner, td timeDest) (*model.Issue, error) {
	var (
		i      model.Issue
		status string
		err    error
	)
	if err := row.Scan(&i.ID, &i.ProjectID, &i.Ref, &status, td(&i.CreatedAt)); err != nil {
		return nil, err
	}
	if i.Status, err = model.ParseIssueStatus(status); err != nil {
		return nil, fmt.Errorf("issue %d: %w", i.ID, err)
	}
	return &i, nil
}

func scanUser(row scanner, td timeDest) (*model.User, error) {
	var u model.User
	if err := row.Scan(&u.ID, &u.ProjectID, &u.Name, td(&u.CreatedAt)); err != nil {
		return nil, err
	}
	return &u, nil
}

func scanSponsorship(row scanner, td timeDest) (*model.Sponsorship, error) {
	var (
		s      model.Sponsorship
		status string
		err    error
	)
	if err := row.Scan(&s.ID, &s.IssueID, &s.UserID, &s.UserName, &s.Amount, &status, td(&s.CreatedAt)); err != nil {
		return nil, err
	}
	if s.Status, err = model.ParseSponsorshipStatus(status); err != nil {
		return nil, fmt.Errorf("sponsorship %d: %w", s.ID, err)
	}
	return &s, nil
}

func scanPayment(row scanner, td timeDest) (*model.Payment, error) {
	var (
		p       model.Payment
		gateway string
		status  string
		err     error
	)
	if err := row.Scan(&p.ID, &p.SponsorshipID, &gateway, &p.GatewayReference, &p.RedirectURL, &status, td(&p.CreatedAt)); err != nil {
		return nil, err
	}
	if p.Gateway, err = model.ParseGateway(gateway); err != nil {
		return nil, fmt.Errorf("payment %d: %w", p.ID, err)
	}
	if p.Status, err = model.ParsePaymentStatus(status); err != nil {
		return nil, fmt.Errorf("payment %d: %w", p.ID, err)
	}
	return &p, nil
}

func scanEmail(row scanner, td timeDest) (*model.Email, error) {
	var e model.Email
	if err := row.Scan(&e.ID, &e.ProjectID, &e.RecipientUserID, &e.Recipient, &e.Subject, &e.Body, td(&e.CreatedAt)); err != nil {
		return nil, err
	}
	return &e, nil
}

// checkLatestPayment проверяет, что подтверждается действительно последний неподтверждённый платёж.
func checkLatestPayment(latestID int64, latestStatus string, paymentID int64) error {
	if latestID != paymentID {
		return ErrPaymentSuperseded
	}
	status, err := model.ParsePaymentStatus(latestStatus)
	if err != nil {
		return fmt.Errorf("payment %d: %w", latestID, err)
	}
	if status == model.PaymentStatusConfirmed {
		return ErrAlreadyConfirmed
	}
	return nil
}
