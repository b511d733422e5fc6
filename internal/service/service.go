// Package service реализует бизнес-логику сервиса bountyfunding: обещания, платежи,
// смену статусов задач и очередь уведомлений.
package service

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/mailing"
	"github.com/bountyfunding/bountyfunding/internal/model"
	"github.com/bountyfunding/bountyfunding/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	FindIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error)
	FindOrCreateIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error)
	SetIssueStatus(ctx context.Context, issueID int64, status model.IssueStatus, build repository.EmailBuilder) error
	DeleteIssue(ctx context.Context, issueID int64) error

	FindUser(ctx context.Context, projectID int64, name string) (*model.User, error)
	FindOrCreateUser(ctx context.Context, projectID int64, name string) (*model.User, error)
	DeleteUser(ctx context.Context, userID int64) error

	FindSponsorship(ctx context.Context, issueID, userID int64) (*model.Sponsorship, error)
	ListSponsorships(ctx context.Context, issueID int64) ([]model.Sponsorship, error)
	SaveSponsorship(ctx context.Context, issueID, userID int64, amount *int) (*model.Sponsorship, error)
	SetSponsorshipStatus(ctx context.Context, sponsorshipID int64, status model.SponsorshipStatus) error
	DeleteSponsorship(ctx context.Context, sponsorshipID int64) error

	CreatePayment(ctx context.Context, p model.Payment) (*model.Payment, error)
	LatestPayment(ctx context.Context, sponsorshipID int64) (*model.Payment, error)
	ConfirmPayment(ctx context.Context, sponsorshipID, paymentID int64) error

	HasPendingEmails(ctx context.Context, projectID int64) (bool, error)
	ListEmails(ctx context.Context) ([]model.Email, error)
	DeleteEmail(ctx context.Context, id int64) error
}

// PaymentGateway внешний шлюз, требующий подтверждения платежа плательщиком.
type PaymentGateway interface {
	// CreatePayment возвращает идентификатор платежа в шлюзе и адрес для перенаправления плательщика.
	CreatePayment(ctx context.Context, amount int, returnURL string) (string, string, error)
	// ExecutePayment подтверждает платёж и сообщает, одобрен ли он.
	ExecutePayment(ctx context.Context, reference, payerID string) (bool, error)
}

// Tracker принимает сигнал о наличии писем в очереди.
type Tracker interface {
	NotifyEmails(ctx context.Context) error
}

// Options неизменяемые параметры сервиса, задаются при старте.
type Options struct {
	// DeleteAllow разрешает операции удаления через API.
	DeleteAllow bool
	// Gateways набор разрешённых платёжных шлюзов.
	Gateways []model.Gateway
	// NotifyInterval период проверки очереди писем.
	NotifyInterval time.Duration
	// NotifyTimeout ограничивает одну итерацию оповещения: проверку очереди и сигнал трекеру.
	NotifyTimeout time.Duration

	// PayPal шлюз PayPal; nil, если учётные данные не заданы.
	PayPal PaymentGateway
	// Tracker клиент трекера; nil отключает оповещения.
	Tracker Tracker
	// Renderer формирует тексты писем.
	Renderer *mailing.Renderer
}

// Service содержит бизнес-логику сервиса bountyfunding.
type Service struct {
	repo   Repository
	opts   Options
	logger *zap.Logger
}

// NewService создаёт новый сервис с указанным репозиторием и параметрами.
func NewService(repo Repository, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.NotifyInterval <= 0 {
		opts.NotifyInterval = 5 * time.Second
	}
	if opts.NotifyTimeout <= 0 {
		opts.NotifyTimeout = time.Second
	}
	return &Service{
		repo:   repo,
		opts:   opts,
		logger: logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// requireDeleteAllowed проверяет, разрешены ли операции удаления.
func (s *Service) requireDeleteAllowed() error {
	if !s.opts.DeleteAllow {
		return apperr.New(apperr.KindForbidden, "Delete not allowed")
	}
	return nil
}

func (s *Service) gatewayAccepted(g model.Gateway) bool {
	return slices.Contains(s.opts.Gateways, g)
}

// mapRepoErr переводит ошибки хранилища в ошибки бизнес-операций.
func mapRepoErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrIssueNotFound):
		return apperr.Wrap(apperr.KindNotFound, "Issue not found", err)
	case errors.Is(err, repository.ErrUserNotFound):
		return apperr.Wrap(apperr.KindNotFound, "User not found", err)
	case errors.Is(err, repository.ErrSponsorshipNotFound):
		return apperr.Wrap(apperr.KindNotFound, "Sponsorship not found", err)
	case errors.Is(err, repository.ErrPaymentNotFound):
		return apperr.Wrap(apperr.KindNotFound, "Payment not found", err)
	case errors.Is(err, repository.ErrEmailNotFound):
		return apperr.Wrap(apperr.KindNotFound, "Email not found", err)
	case errors.Is(err, repository.ErrAlreadyConfirmed):
		return apperr.Wrap(apperr.KindAlreadyConfirmed, "Payment already confirmed", err)
	case errors.Is(err, repository.ErrPaymentSuperseded):
		return apperr.Wrap(apperr.KindInvalidRequest, "Payment superseded by a newer one", err)
	default:
		return err
	}
}

// resolveSponsorship находит задачу, пользователя и обещание без создания записей.
func (s *Service) resolveSponsorship(ctx context.Context, projectID int64, ref, userName string) (*model.Sponsorship, error) {
	issue, err := s.repo.FindIssue(ctx, projectID, ref)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	user, err := s.repo.FindUser(ctx, projectID, userName)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	sp, err := s.repo.FindSponsorship(ctx, issue.ID, user.ID)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	return sp, nil
}
