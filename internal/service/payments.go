package service

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/model"
	"github.com/bountyfunding/bountyfunding/internal/telemetry"
	"github.com/bountyfunding/bountyfunding/internal/validation"
)

// Proof содержит подтверждение оплаты, переданное плательщиком.
type Proof struct {
	// CardNumber и CardDate используются прямым шлюзом.
	CardNumber string
	CardDate   string
	// PayerID выдаётся PayPal после одобрения платежа плательщиком.
	PayerID string
}

// GetPayment возвращает последний платёж по обещанию.
func (s *Service) GetPayment(ctx context.Context, projectID int64, ref, userName string) (*model.Payment, error) {
	sp, err := s.resolveSponsorship(ctx, projectID, ref, userName)
	if err != nil {
		return nil, err
	}

	p, err := s.repo.LatestPayment(ctx, sp.ID)
	if err != nil {
		return nil, mapRepoErr(err)
	}
	return p, nil
}

// CreatePayment создаёт платёж по обещанию через указанный шлюз.
// Для PayPal returnURL обязателен: туда плательщик вернётся после одобрения.
func (s *Service) CreatePayment(ctx context.Context, projectID int64, ref, userName, rawGateway, returnURL string) (*model.Payment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "service.CreatePayment")
	defer span.End()
	span.SetAttributes(attribute.String("issue.ref", ref), attribute.String("payment.gateway", rawGateway))

	gateway, err := model.ParseGateway(rawGateway)
	if err != nil || !s.gatewayAccepted(gateway) {
		return nil, apperr.Wrap(apperr.KindUnknownGateway, "Unknown gateway", err)
	}

	if gateway == model.GatewayPayPal && returnURL == "" {
		return nil, apperr.New(apperr.KindInvalidRequest, "return_url cannot be blank")
	}

	sp, err := s.resolveSponsorship(ctx, projectID, ref, userName)
	if err != nil {
		return nil, err
	}

	payment := model.Payment{
		SponsorshipID: sp.ID,
		Gateway:       gateway,
		Status:        model.PaymentStatusCreated,
	}

	switch gateway {
	case model.GatewayPlain:
	case model.GatewayPayPal:
		if s.opts.PayPal == nil {
			return nil, apperr.New(apperr.KindAdapterUnavailable, "PayPal is not configured")
		}
		reference, redirectURL, err := s.opts.PayPal.CreatePayment(ctx, sp.Amount, returnURL)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Warn("paypal create payment failed", zap.String("issue", ref), zap.String("user", userName), zap.Error(err))
			return nil, apperr.Wrap(apperr.KindAdapterUnavailable, "Unable to create PayPal payment", err)
		}
		payment.GatewayReference = reference
		payment.RedirectURL = redirectURL
	default:
		return nil, apperr.New(apperr.KindUnknownGateway, "Unknown gateway")
	}

	created, err := s.repo.CreatePayment(ctx, payment)
	if err != nil {
		return nil, mapRepoErr(err)
	}

	s.logger.Info("payment created",
		zap.String("issue", ref),
		zap.String("user", userName),
		zap.Stringer("gateway", gateway),
		zap.Int64("payment_id", created.ID),
	)

	return created, nil
}

// ConfirmPayment подтверждает последний платёж по обещанию. Разрешён только статус CONFIRMED.
// Платёж и обещание переводятся в CONFIRMED одной транзакцией после проверки подтверждения в шлюзе.
func (s *Service) ConfirmPayment(ctx context.Context, projectID int64, ref, userName, rawStatus string, proof Proof) error {
	ctx, span := telemetry.Tracer().Start(ctx, "service.ConfirmPayment")
	defer span.End()
	span.SetAttributes(attribute.String("issue.ref", ref))

	status, err := model.ParsePaymentStatus(rawStatus)
	if err != nil || status != model.PaymentStatusConfirmed {
		return apperr.Wrap(apperr.KindInvalidRequest, "You can only change the status to CONFIRMED", err)
	}

	sp, err := s.resolveSponsorship(ctx, projectID, ref, userName)
	if err != nil {
		return err
	}

	payment, err := s.repo.LatestPayment(ctx, sp.ID)
	if err != nil {
		return mapRepoErr(err)
	}

	if payment.Status == model.PaymentStatusConfirmed {
		return apperr.New(apperr.KindAlreadyConfirmed, "Payment already confirmed")
	}

	span.SetAttributes(attribute.String("payment.gateway", payment.Gateway.String()))

	if err := s.verifyProof(ctx, payment, proof); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := s.repo.ConfirmPayment(ctx, sp.ID, payment.ID); err != nil {
		return mapRepoErr(err)
	}

	s.logger.Info("payment confirmed",
		zap.String("issue", ref),
		zap.String("user", userName),
		zap.Stringer("gateway", payment.Gateway),
		zap.Int64("payment_id", payment.ID),
	)

	return nil
}

// verifyProof проверяет подтверждение оплаты в зависимости от шлюза платежа.
func (s *Service) verifyProof(ctx context.Context, payment *model.Payment, proof Proof) error {
	switch payment.Gateway {
	case model.GatewayPlain:
		if !validation.IsAcceptedCard(proof.CardNumber) || !validation.IsValidExpiry(proof.CardDate) {
			return apperr.New(apperr.KindInvalidProof, "Invalid card details")
		}
		return nil

	case model.GatewayPayPal:
		if proof.PayerID == "" {
			return apperr.New(apperr.KindInvalidProof, "payer_id cannot be blank")
		}
		if s.opts.PayPal == nil {
			return apperr.New(apperr.KindAdapterUnavailable, "PayPal is not configured")
		}
		approved, err := s.opts.PayPal.ExecutePayment(ctx, payment.GatewayReference, proof.PayerID)
		if err != nil {
			s.logger.Warn("paypal execute payment failed", zap.Int64("payment_id", payment.ID), zap.Error(err))
			return apperr.Wrap(apperr.KindAdapterUnavailable, "Unable to confirm PayPal payment", err)
		}
		if !approved {
			return apperr.New(apperr.KindNotApproved, "Payment not confirmed by PayPal")
		}
		return nil

	default:
		return apperr.New(apperr.KindUnknownGateway, "Unknown gateway")
	}
}
