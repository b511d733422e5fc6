package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/mailing"
	"github.com/bountyfunding/bountyfunding/internal/model"
	"github.com/bountyfunding/bountyfunding/internal/repository"
	"github.com/bountyfunding/bountyfunding/internal/telemetry"
)

// FindIssue возвращает задачу по идентификатору в трекере.
func (s *Service) FindIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	issue, err := s.repo.FindIssue(ctx, projectID, ref)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return issue, nil
}

// CreateIssue создаёт задачу; повторный вызов возвращает существующую.
func (s *Service) CreateIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error) {
	if ref == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "ref cannot be blank")
	}
	issue, err := s.repo.FindOrCreateIssue(ctx, projectID, ref)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return issue, nil
}

// UpdateIssueStatus переводит задачу в новый статус и ставит в очередь письма спонсорам.
// Каждый вызов формирует письма заново, даже если статус не изменился.
func (s *Service) UpdateIssueStatus(ctx context.Context, projectID int64, ref, rawStatus string) error {
	ctx, span := telemetry.Tracer().Start(ctx, "service.UpdateIssueStatus")
	defer span.End()
	span.SetAttributes(attribute.String("issue.ref", ref), attribute.String("issue.status", rawStatus))

	status, err := model.ParseIssueStatus(rawStatus)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "Invalid issue status", err)
	}

	issue, err := s.repo.FindOrCreateIssue(ctx, projectID, ref)
	if err != nil {
		return mapRepoErr(err)
	}

	build, err := s.notificationBuilder(issue, status)
	if err != nil {
		return err
	}

	var queued int
	if build != nil {
		inner := build
		build = func(sponsorships []model.Sponsorship) ([]model.Email, error) {
			emails, err := inner(sponsorships)
			queued = len(emails)
			return emails, err
		}
	}

	if err := s.repo.SetIssueStatus(ctx, issue.ID, status, build); err != nil {
		return mapRepoErr(err)
	}

	s.logger.Info("issue status updated",
		zap.String("issue", ref),
		zap.Stringer("status", status),
		zap.Int("emails", queued),
	)

	return nil
}

// notificationBuilder возвращает функцию, выбирающую получателей и тексты писем для перехода в status.
// Хранилище вызывает её внутри транзакции смены статуса. Для переходов без писем возвращает nil.
func (s *Service) notificationBuilder(issue *model.Issue, status model.IssueStatus) (repository.EmailBuilder, error) {
	// Тексты писем по статусу обещания получателя.
	var kinds map[model.SponsorshipStatus]mailing.Kind
	switch status {
	case model.IssueStatusAssigned:
		kinds = map[model.SponsorshipStatus]mailing.Kind{
			model.SponsorshipStatusPledged: mailing.KindAssigned,
		}
	case model.IssueStatusCompleted:
		kinds = map[model.SponsorshipStatus]mailing.Kind{
			model.SponsorshipStatusConfirmed: mailing.KindCompletedConfirmed,
			model.SponsorshipStatusPledged:   mailing.KindCompletedPledged,
		}
	default:
		return nil, nil
	}

	if s.opts.Renderer == nil {
		return nil, fmt.Errorf("email renderer is not configured")
	}
	renderer := s.opts.Renderer

	return func(sponsorships []model.Sponsorship) ([]model.Email, error) {
		var emails []model.Email
		for _, sp := range sponsorships {
			kind, ok := kinds[sp.Status]
			if !ok {
				continue
			}

			subject, body, err := renderer.Render(kind, mailing.Data{
				IssueRef: issue.Ref,
				UserName: sp.UserName,
				Amount:   sp.Amount,
			})
			if err != nil {
				return nil, fmt.Errorf("render email: %w", err)
			}

			emails = append(emails, model.Email{
				ProjectID:       issue.ProjectID,
				RecipientUserID: sp.UserID,
				Recipient:       sp.UserName,
				Subject:         subject,
				Body:            body,
			})
		}
		return emails, nil
	}, nil
}

// DeleteIssue удаляет задачу вместе с обещаниями и платежами.
func (s *Service) DeleteIssue(ctx context.Context, projectID int64, ref string) error {
	if err := s.requireDeleteAllowed(); err != nil {
		return err
	}

	issue, err := s.repo.FindIssue(ctx, projectID, ref)
	if err != nil {
		return mapRepoErr(err)
	}

	if err := s.repo.DeleteIssue(ctx, issue.ID); err != nil {
		return mapRepoErr(err)
	}

	s.logger.Info("issue deleted", zap.String("issue", ref))
	return nil
}

// DeleteUser удаляет пользователя. Его обещания сохраняются, письма удаляются.
func (s *Service) DeleteUser(ctx context.Context, projectID int64, name string) error {
	if err := s.requireDeleteAllowed(); err != nil {
		return err
	}

	user, err := s.repo.FindUser(ctx, projectID, name)
	if err != nil {
		return mapRepoErr(err)
	}

	if err := s.repo.DeleteUser(ctx, user.ID); err != nil {
		return mapRepoErr(err)
	}

	s.logger.Info("user deleted", zap.String("user", name))
	return nil
}
