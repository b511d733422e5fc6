package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/model"
)

// ListEmails возвращает все письма из очереди.
func (s *Service) ListEmails(ctx context.Context) ([]model.Email, error) {
	emails, err := s.repo.ListEmails(ctx)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return emails, nil
}

// DeleteEmail удаляет письмо, забранное трекером.
func (s *Service) DeleteEmail(ctx context.Context, id int64) error {
	return mapRepoErr(s.repo.DeleteEmail(ctx, id))
}

// RunNotifier периодически оповещает трекер о письмах в очереди проекта по умолчанию.
// Блокируется до отмены ctx. Каждая итерация ограничена NotifyTimeout, ошибки логируются и не прерывают цикл.
func (s *Service) RunNotifier(ctx context.Context) {
	if s.opts.Tracker == nil {
		s.logger.Info("tracker url is not set, notifications disabled")
		return
	}

	ticker := time.NewTicker(s.opts.NotifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.notifyTracker(ctx)
		}
	}
}

func (s *Service) notifyTracker(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, s.opts.NotifyTimeout)
	defer cancel()

	pending, err := s.repo.HasPendingEmails(tickCtx, model.DefaultProjectID)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("unable to check pending emails", zap.Error(err))
		}
		return
	}

	if !pending {
		return
	}

	if err := s.opts.Tracker.NotifyEmails(tickCtx); err != nil && ctx.Err() == nil {
		s.logger.Warn("unable to connect to issue tracker", zap.Error(err))
	}
}
