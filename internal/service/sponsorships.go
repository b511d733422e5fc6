package service

import (
	"context"
	"math"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/model"
)

// ListSponsorships возвращает обещания по задаче.
func (s *Service) ListSponsorships(ctx context.Context, projectID int64, ref string) ([]model.Sponsorship, error) {
	issue, err := s.repo.FindIssue(ctx, projectID, ref)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	res, err := s.repo.ListSponsorships(ctx, issue.ID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return res, nil
}

// GetSponsorship возвращает обещание пользователя по задаче.
func (s *Service) GetSponsorship(ctx context.Context, projectID int64, ref, userName string) (*model.Sponsorship, error) {
	return s.resolveSponsorship(ctx, projectID, ref, userName)
}

// Sponsor создаёт обещание или меняет его сумму. Задача и пользователь создаются при первом обращении.
// При amount == nil сумма существующего обещания не меняется.
func (s *Service) Sponsor(ctx context.Context, projectID int64, ref, userName string, amount *int) (*model.Sponsorship, error) {
	if userName == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "user cannot be blank")
	}
	if amount != nil && (*amount > math.MaxInt32 || *amount < math.MinInt32) {
		return nil, apperr.New(apperr.KindInvalidRequest, "amount is out of range")
	}

	issue, err := s.repo.FindOrCreateIssue(ctx, projectID, ref)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	user, err := s.repo.FindOrCreateUser(ctx, projectID, userName)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	sp, err := s.repo.SaveSponsorship(ctx, issue.ID, user.ID, amount)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return sp, nil
}

// UpdateSponsorshipStatus меняет статус обещания вручную. Подтвердить обещание можно
// только подтверждением платежа, вернуть подтверждённое обещание в PLEDGED нельзя.
func (s *Service) UpdateSponsorshipStatus(ctx context.Context, projectID int64, ref, userName, rawStatus string) error {
	status, err := model.ParseSponsorshipStatus(rawStatus)
	if err != nil {
		return apperr.Wrap(apperr.KindInvalidRequest, "Invalid sponsorship status", err)
	}

	if status == model.SponsorshipStatusConfirmed {
		return apperr.New(apperr.KindInvalidRequest, "Confirm sponsorship by confirming the payment")
	}

	sp, err := s.resolveSponsorship(ctx, projectID, ref, userName)
	if err != nil {
		return err
	}

	switch {
	case sp.Status == status:
		return nil
	case sp.Status == model.SponsorshipStatusConfirmed:
		return apperr.New(apperr.KindInvalidRequest, "Confirmed sponsorship cannot be pledged again")
	}

	return mapRepoErr(s.repo.SetSponsorshipStatus(ctx, sp.ID, status))
}

// DeleteSponsorship удаляет обещание вместе с платежами.
func (s *Service) DeleteSponsorship(ctx context.Context, projectID int64, ref, userName string) error {
	if err := s.requireDeleteAllowed(); err != nil {
		return err
	}

	sp, err := s.resolveSponsorship(ctx, projectID, ref, userName)
	if err != nil {
		return err
	}

	return mapRepoErr(s.repo.DeleteSponsorship(ctx, sp.ID))
}
