// Package handler содержит HTTP-обработчики API сервиса bountyfunding.
package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/middleware"
	"github.com/bountyfunding/bountyfunding/internal/model"
	"github.com/bountyfunding/bountyfunding/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	FindIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error)
	CreateIssue(ctx context.Context, projectID int64, ref string) (*model.Issue, error)
	UpdateIssueStatus(ctx context.Context, projectID int64, ref, status string) error
	DeleteIssue(ctx context.Context, projectID int64, ref string) error

	ListSponsorships(ctx context.Context, projectID int64, ref string) ([]model.Sponsorship, error)
	GetSponsorship(ctx context.Context, projectID int64, ref, userName string) (*model.Sponsorship, error)
	Sponsor(ctx context.Context, projectID int64, ref, userName string, amount *int) (*model.Sponsorship, error)
	UpdateSponsorshipStatus(ctx context.Context, projectID int64, ref, userName, status string) error
	DeleteSponsorship(ctx context.Context, projectID int64, ref, userName string) error

	GetPayment(ctx context.Context, projectID int64, ref, userName string) (*model.Payment, error)
	CreatePayment(ctx context.Context, projectID int64, ref, userName, gateway, returnURL string) (*model.Payment, error)
	ConfirmPayment(ctx context.Context, projectID int64, ref, userName, status string, proof service.Proof) error

	DeleteUser(ctx context.Context, projectID int64, name string) error

	ListEmails(ctx context.Context) ([]model.Email, error)
	DeleteEmail(ctx context.Context, id int64) error
}

// Handler реализует HTTP-обработчики API сервиса bountyfunding.
type Handler struct {
	service Service
	logger  *zap.Logger
	token   *middleware.TokenMiddleware
	version string
	// timeout ограничивает обработку одного запроса вместе с работой хранилища.
	timeout time.Duration
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
// Нулевой timeout заменяется значением по умолчанию.
func NewHandler(s Service, logger *zap.Logger, token *middleware.TokenMiddleware, version string, timeout time.Duration) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if token == nil {
		token = middleware.NewTokenMiddleware("")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handler{
		service: s,
		logger:  logger,
		token:   token,
		version: version,
		timeout: timeout,
	}
}

type versionResponse struct {
	Version string `json:"version"`
}

type issueResponse struct {
	Ref    string `json:"ref"`
	Status string `json:"status"`
}

type sponsorshipResponse struct {
	Amount int    `json:"amount"`
	Status string `json:"status"`
}

type paymentResponse struct {
	Gateway string `json:"gateway"`
	URL     string `json:"url"`
	Status  string `json:"status"`
}

type paymentCreatedResponse struct {
	Message string `json:"message"`
	paymentResponse
}

type emailResponse struct {
	ID        int64  `json:"id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

type emailsResponse struct {
	Data []emailResponse `json:"data"`
}

func projectID(r *http.Request) int64 {
	return middleware.ProjectIDFromContext(r.Context())
}

// Version возвращает версию сервиса.
func (h *Handler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, versionResponse{Version: h.version})
}

// GetIssue проверяет существование задачи.
func (h *Handler) GetIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.service.FindIssue(r.Context(), projectID(r), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{Ref: issue.Ref, Status: issue.Status.String()})
}

// CreateIssue создаёт задачу по параметру ref.
func (h *Handler) CreateIssue(w http.ResponseWriter, r *http.Request) {
	issue, err := h.service.CreateIssue(r.Context(), projectID(r), r.FormValue("ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, issueResponse{Ref: issue.Ref, Status: issue.Status.String()})
}

// UpdateIssueStatus меняет статус задачи.
func (h *Handler) UpdateIssueStatus(w http.ResponseWriter, r *http.Request) {
	err := h.service.UpdateIssueStatus(r.Context(), projectID(r), chi.URLParam(r, "ref"), r.FormValue("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Issue updated")
}

// DeleteIssue удаляет задачу.
func (h *Handler) DeleteIssue(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteIssue(r.Context(), projectID(r), chi.URLParam(r, "ref")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Issue deleted")
}

// ListSponsorships возвращает обещания по задаче в виде словаря по имени пользователя.
func (h *Handler) ListSponsorships(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListSponsorships(r.Context(), projectID(r), chi.URLParam(r, "ref"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res := make(map[string]sponsorshipResponse, len(list))
	for _, sp := range list {
		res[sp.UserName] = sponsorshipResponse{Amount: sp.Amount, Status: sp.Status.String()}
	}
	writeJSON(w, http.StatusOK, res)
}

// Sponsor создаёт обещание или меняет его сумму.
func (h *Handler) Sponsor(w http.ResponseWriter, r *http.Request) {
	var amount *int
	if raw := r.FormValue("amount"); raw != "" {
		// Сумма хранится в 32-битной колонке.
		v, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			h.writeError(w, r, apperr.Wrap(apperr.KindInvalidRequest, "amount must be a 32-bit integer", err))
			return
		}
		n := int(v)
		amount = &n
	}

	_, err := h.service.Sponsor(r.Context(), projectID(r), chi.URLParam(r, "ref"), r.FormValue("user"), amount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Sponsorship updated")
}

// GetSponsorship возвращает статус и сумму обещания.
func (h *Handler) GetSponsorship(w http.ResponseWriter, r *http.Request) {
	sp, err := h.service.GetSponsorship(r.Context(), projectID(r), chi.URLParam(r, "ref"), chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sponsorshipResponse{Amount: sp.Amount, Status: sp.Status.String()})
}

// UpdateSponsorshipStatus меняет статус обещания.
func (h *Handler) UpdateSponsorshipStatus(w http.ResponseWriter, r *http.Request) {
	err := h.service.UpdateSponsorshipStatus(r.Context(), projectID(r),
		chi.URLParam(r, "ref"), chi.URLParam(r, "user"), r.FormValue("status"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Sponsorship updated")
}

// DeleteSponsorship удаляет обещание.
func (h *Handler) DeleteSponsorship(w http.ResponseWriter, r *http.Request) {
	err := h.service.DeleteSponsorship(r.Context(), projectID(r), chi.URLParam(r, "ref"), chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Sponsorship deleted")
}

// GetPayment возвращает последний платёж по обещанию.
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPayment(r.Context(), projectID(r), chi.URLParam(r, "ref"), chi.URLParam(r, "user"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentResponse(p))
}

// CreatePayment создаёт платёж через выбранный шлюз.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.CreatePayment(r.Context(), projectID(r),
		chi.URLParam(r, "ref"), chi.URLParam(r, "user"), r.FormValue("gateway"), r.FormValue("return_url"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentCreatedResponse{Message: "Payment created", paymentResponse: toPaymentResponse(p)})
}

// ConfirmPayment подтверждает последний платёж по обещанию.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	proof := service.Proof{
		CardNumber: r.FormValue("card_number"),
		CardDate:   r.FormValue("card_date"),
		PayerID:    r.FormValue("payer_id"),
	}

	err := h.service.ConfirmPayment(r.Context(), projectID(r),
		chi.URLParam(r, "ref"), chi.URLParam(r, "user"), r.FormValue("status"), proof)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Payment updated")
}

func toPaymentResponse(p *model.Payment) paymentResponse {
	return paymentResponse{
		Gateway: p.Gateway.String(),
		URL:     p.RedirectURL,
		Status:  p.Status.String(),
	}
}

// DeleteUser удаляет пользователя.
func (h *Handler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteUser(r.Context(), projectID(r), chi.URLParam(r, "name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "User deleted")
}

// ListEmails возвращает письма из очереди.
func (h *Handler) ListEmails(w http.ResponseWriter, r *http.Request) {
	emails, err := h.service.ListEmails(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	res := emailsResponse{Data: make([]emailResponse, 0, len(emails))}
	for _, e := range emails {
		res.Data = append(res.Data, emailResponse{
			ID:        e.ID,
			Recipient: e.Recipient,
			Subject:   e.Subject,
			Body:      e.Body,
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// DeleteEmail удаляет письмо из очереди.
func (h *Handler) DeleteEmail(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.writeError(w, r, apperr.Wrap(apperr.KindNotFound, "Email not found", err))
		return
	}

	if err := h.service.DeleteEmail(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeMessage(w, "Email deleted")
}
