package service

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bountyfunding/bountyfunding/internal/apperr"
	"github.com/bountyfunding/bountyfunding/internal/mailing"
	"github.com/bountyfunding/bountyfunding/internal/model"
	"github.com/bountyfunding/bountyfunding/internal/repository"
)

const project = model.DefaultProjectID

type stubGateway struct {
	mu sync.Mutex

	createRef      string
	createRedirect string
	createErr      error
	createCalls    int
	createAmount   int

	approved    bool
	executeErr  error
	executeRef  string
	executePyr  string
	executeCall int
}

func (g *stubGateway) CreatePayment(ctx context.Context, amount int, returnURL string) (string, string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	g.createAmount = amount
	return g.createRef, g.createRedirect, g.createErr
}

func (g *stubGateway) ExecutePayment(ctx context.Context, reference, payerID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executeCall++
	g.executeRef = reference
	g.executePyr = payerID
	return g.approved, g.executeErr
}

type stubTracker struct {
	calls atomic.Int32
	err   error
}

func (t *stubTracker) NotifyEmails(ctx context.Context) error {
	t.calls.Add(1)
	return t.err
}

func newTestService(t *testing.T, mutate func(*Options)) (*Service, *repository.SQLiteRepository) {
	t.Helper()

	repo, err := repository.NewSQLiteRepository(":memory:")
	require.NoError(t, err)

	renderer, err := mailing.NewRenderer("http://trac.local")
	require.NoError(t, err)

	opts := Options{
		Gateways: []model.Gateway{model.GatewayPlain, model.GatewayPayPal},
		Renderer: renderer,
	}
	if mutate != nil {
		mutate(&opts)
	}

	svc := NewService(repo, opts, nil)
	t.Cleanup(func() { svc.Close() })
	return svc, repo
}

func amountPtr(v int) *int { return &v }

func requireKind(t *testing.T, err error, kind apperr.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, apperr.KindOf(err), "error: %v", err)
}

func TestSponsorCreatesIssueUserAndPledge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	sp, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(50))
	require.NoError(t, err)
	assert.Equal(t, 50, sp.Amount)
	assert.Equal(t, model.SponsorshipStatusPledged, sp.Status)

	_, err = svc.FindIssue(ctx, project, "ISSUE-1")
	require.NoError(t, err)

	sp, err = svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(-10))
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Amount)

	_, err = svc.Sponsor(ctx, project, "ISSUE-1", "", amountPtr(1))
	requireKind(t, err, apperr.KindInvalidRequest)

	_, err = svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(math.MaxInt32+1))
	requireKind(t, err, apperr.KindInvalidRequest)

	sp, err = svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, sp.Amount)
}

func TestSponsorConcurrentSinglePledge(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			svc.Sponsor(ctx, project, "ISSUE-2", "alice", amountPtr(i))
		}(i)
	}
	wg.Wait()

	list, err := svc.ListSponsorships(ctx, project, "ISSUE-2")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestConfirmPlainPayment(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(50))
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
	require.NoError(t, err)

	proof := Proof{CardNumber: "4111111111111111", CardDate: "12/25"}
	require.NoError(t, svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", proof))

	sp, err := svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.SponsorshipStatusConfirmed, sp.Status)

	p, err := svc.GetPayment(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusConfirmed, p.Status)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", proof)
	requireKind(t, err, apperr.KindAlreadyConfirmed)

	sp, err = svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.SponsorshipStatusConfirmed, sp.Status)
}

func TestConfirmPlainPaymentInvalidProof(t *testing.T) {
	tests := []struct {
		name  string
		proof Proof
	}{
		{name: "other valid card", proof: Proof{CardNumber: "4012888888881881", CardDate: "12/25"}},
		{name: "empty card", proof: Proof{CardDate: "12/25"}},
		{name: "month 13", proof: Proof{CardNumber: "4111111111111111", CardDate: "13/25"}},
		{name: "four digit year", proof: Proof{CardNumber: "4111111111111111", CardDate: "12/2025"}},
		{name: "no date", proof: Proof{CardNumber: "4111111111111111"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, nil)
			ctx := context.Background()

			_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(5))
			require.NoError(t, err)
			_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
			require.NoError(t, err)

			err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", tt.proof)
			requireKind(t, err, apperr.KindInvalidProof)

			sp, err := svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
			require.NoError(t, err)
			assert.Equal(t, model.SponsorshipStatusPledged, sp.Status)
		})
	}
}

func TestConfirmPaymentValidation(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(5))
	require.NoError(t, err)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CREATED", Proof{})
	requireKind(t, err, apperr.KindInvalidRequest)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "PAID", Proof{})
	requireKind(t, err, apperr.KindInvalidRequest)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", Proof{})
	requireKind(t, err, apperr.KindNotFound)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "bob", "CONFIRMED", Proof{})
	requireKind(t, err, apperr.KindNotFound)
}

func TestCreatePayPalPayment(t *testing.T) {
	gw := &stubGateway{createRef: "PAY-1", createRedirect: "https://paypal/approve", approved: true}
	svc, _ := newTestService(t, func(o *Options) { o.PayPal = gw })
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(30))
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PAYPAL", "")
	requireKind(t, err, apperr.KindInvalidRequest)
	_, err = svc.GetPayment(ctx, project, "ISSUE-1", "alice")
	requireKind(t, err, apperr.KindNotFound)
	assert.Equal(t, 0, gw.createCalls)

	p, err := svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PAYPAL", "http://trac/return")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", p.GatewayReference)
	assert.Equal(t, "https://paypal/approve", p.RedirectURL)
	assert.Equal(t, 30, gw.createAmount)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", Proof{})
	requireKind(t, err, apperr.KindInvalidProof)

	require.NoError(t, svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", Proof{PayerID: "PAYER"}))
	assert.Equal(t, "PAY-1", gw.executeRef)
	assert.Equal(t, "PAYER", gw.executePyr)
}

func TestConfirmPayPalPaymentNotApproved(t *testing.T) {
	gw := &stubGateway{createRef: "PAY-1", createRedirect: "https://paypal/approve", approved: false}
	svc, _ := newTestService(t, func(o *Options) { o.PayPal = gw })
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(30))
	require.NoError(t, err)
	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PAYPAL", "http://trac/return")
	require.NoError(t, err)

	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", Proof{PayerID: "PAYER"})
	requireKind(t, err, apperr.KindNotApproved)

	gw.executeErr = errors.New("connection refused")
	err = svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED", Proof{PayerID: "PAYER"})
	requireKind(t, err, apperr.KindAdapterUnavailable)

	sp, err := svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, model.SponsorshipStatusPledged, sp.Status)
}

func TestCreatePaymentGateways(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.Gateways = []model.Gateway{model.GatewayPlain} })
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(30))
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "BITCOIN", "")
	requireKind(t, err, apperr.KindUnknownGateway)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PAYPAL", "http://trac/return")
	requireKind(t, err, apperr.KindUnknownGateway)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "nobody", "PLAIN", "")
	requireKind(t, err, apperr.KindNotFound)
}

func TestCreatePayPalPaymentWithoutCredentials(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(30))
	require.NoError(t, err)

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PAYPAL", "http://trac/return")
	requireKind(t, err, apperr.KindAdapterUnavailable)
}

func TestNewerPaymentIsAuthoritative(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(30))
	require.NoError(t, err)

	first, err := svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
	require.NoError(t, err)
	second, err := svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
	require.NoError(t, err)

	latest, err := svc.GetPayment(ctx, project, "ISSUE-1", "alice")
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.NotEqual(t, first.ID, latest.ID)
}

func TestUpdateIssueStatusQueuesEmails(t *testing.T) {
	svc, repo := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(50))
	require.NoError(t, err)
	_, err = svc.Sponsor(ctx, project, "ISSUE-1", "bob", amountPtr(20))
	require.NoError(t, err)
	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "bob", "PLAIN", "")
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmPayment(ctx, project, "ISSUE-1", "bob", "CONFIRMED",
		Proof{CardNumber: "4111111111111111", CardDate: "01/30"}))

	require.NoError(t, svc.UpdateIssueStatus(ctx, project, "ISSUE-1", "ASSIGNED"))

	emails, err := svc.ListEmails(ctx)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, "alice", emails[0].Recipient)
	assert.Equal(t, "Task assigned ISSUE-1", emails[0].Subject)
	assert.Contains(t, emails[0].Body, "$50")

	issue, err := repo.FindIssue(ctx, project, "ISSUE-1")
	require.NoError(t, err)
	assert.Equal(t, model.IssueStatusAssigned, issue.Status)

	require.NoError(t, svc.UpdateIssueStatus(ctx, project, "ISSUE-1", "COMPLETED"))

	emails, err = svc.ListEmails(ctx)
	require.NoError(t, err)
	require.Len(t, emails, 3)

	byUser := map[string]model.Email{}
	for _, e := range emails[1:] {
		byUser[e.Recipient] = e
	}
	assert.Contains(t, byUser["alice"].Body, "select Confirm and then Validate.")
	assert.Contains(t, byUser["bob"].Body, "select Validate.")
	assert.NotContains(t, byUser["bob"].Body, "deposit")

	require.NoError(t, svc.UpdateIssueStatus(ctx, project, "ISSUE-1", "COMPLETED"))
	emails, err = svc.ListEmails(ctx)
	require.NoError(t, err)
	assert.Len(t, emails, 5, "repeating a transition queues emails again")

	for _, e := range emails {
		require.NoError(t, svc.DeleteEmail(ctx, e.ID))
	}
	requireKind(t, svc.DeleteEmail(ctx, emails[0].ID), apperr.KindNotFound)
}

func TestUpdateIssueStatusInvalid(t *testing.T) {
	svc, _ := newTestService(t, nil)

	err := svc.UpdateIssueStatus(context.Background(), project, "ISSUE-1", "CLOSED")
	requireKind(t, err, apperr.KindInvalidRequest)

	_, err = svc.FindIssue(context.Background(), project, "ISSUE-1")
	requireKind(t, err, apperr.KindNotFound)
}

func TestUpdateIssueStatusCreatesIssue(t *testing.T) {
	svc, _ := newTestService(t, nil)

	require.NoError(t, svc.UpdateIssueStatus(context.Background(), project, "NEW", "OPEN"))

	issue, err := svc.FindIssue(context.Background(), project, "NEW")
	require.NoError(t, err)
	assert.Equal(t, model.IssueStatusOpen, issue.Status)
}

func TestUpdateSponsorshipStatus(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(5))
	require.NoError(t, err)

	requireKind(t, svc.UpdateSponsorshipStatus(ctx, project, "ISSUE-1", "alice", "CONFIRMED"), apperr.KindInvalidRequest)
	requireKind(t, svc.UpdateSponsorshipStatus(ctx, project, "ISSUE-1", "alice", "VALIDATED"), apperr.KindInvalidRequest)
	require.NoError(t, svc.UpdateSponsorshipStatus(ctx, project, "ISSUE-1", "alice", "PLEDGED"))

	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
	require.NoError(t, err)
	require.NoError(t, svc.ConfirmPayment(ctx, project, "ISSUE-1", "alice", "CONFIRMED",
		Proof{CardNumber: "4111111111111111", CardDate: "06/27"}))

	requireKind(t, svc.UpdateSponsorshipStatus(ctx, project, "ISSUE-1", "alice", "PLEDGED"), apperr.KindInvalidRequest)
}

func TestDeleteForbiddenByDefault(t *testing.T) {
	svc, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(5))
	require.NoError(t, err)

	requireKind(t, svc.DeleteIssue(ctx, project, "ISSUE-1"), apperr.KindForbidden)
	requireKind(t, svc.DeleteSponsorship(ctx, project, "ISSUE-1", "alice"), apperr.KindForbidden)
	requireKind(t, svc.DeleteUser(ctx, project, "alice"), apperr.KindForbidden)

	list, err := svc.ListSponsorships(ctx, project, "ISSUE-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteAllowed(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) { o.DeleteAllow = true })
	ctx := context.Background()

	_, err := svc.Sponsor(ctx, project, "ISSUE-1", "alice", amountPtr(5))
	require.NoError(t, err)
	_, err = svc.Sponsor(ctx, project, "ISSUE-1", "bob", amountPtr(6))
	require.NoError(t, err)
	_, err = svc.CreatePayment(ctx, project, "ISSUE-1", "alice", "PLAIN", "")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteSponsorship(ctx, project, "ISSUE-1", "bob"))
	_, err = svc.GetSponsorship(ctx, project, "ISSUE-1", "bob")
	requireKind(t, err, apperr.KindNotFound)

	require.NoError(t, svc.DeleteIssue(ctx, project, "ISSUE-1"))
	_, err = svc.GetSponsorship(ctx, project, "ISSUE-1", "alice")
	requireKind(t, err, apperr.KindNotFound)
	_, err = svc.ListSponsorships(ctx, project, "ISSUE-1")
	requireKind(t, err, apperr.KindNotFound)

	require.NoError(t, svc.DeleteUser(ctx, project, "alice"))
	requireKind(t, svc.DeleteUser(ctx, project, "alice"), apperr.KindNotFound)
	requireKind(t, svc.DeleteIssue(ctx, project, "ISSUE-1"), apperr.KindNotFound)
}

func TestRunNotifier(t *testing.T) {
	tr := &stubTracker{err: errors.New("connection refused")}
	svc, _ := newTestService(t, func(o *Options) {
		o.Tracker = tr
		o.NotifyInterval = 10 * time.Millisecond
	})

	_, err := svc.Sponsor(context.Background(), project, "ISSUE-1", "alice", amountPtr(5))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunNotifier(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, tr.calls.Load(), "no emails, no notification")

	require.NoError(t, svc.UpdateIssueStatus(context.Background(), project, "ISSUE-1", "ASSIGNED"))

	assert.Eventually(t, func() bool { return tr.calls.Load() >= 2 }, time.Second, 10*time.Millisecond,
		"notifier keeps ticking after tracker failures")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunNotifier did not stop after cancel")
	}
}

// stallingRepository зависает на проверке очереди до отмены контекста.
type stallingRepository struct {
	Repository
	calls atomic.Int32
}

func (r *stallingRepository) HasPendingEmails(ctx context.Context, projectID int64) (bool, error) {
	r.calls.Add(1)
	<-ctx.Done()
	return false, ctx.Err()
}

func TestRunNotifier_StalledStore(t *testing.T) {
	_, repo := newTestService(t, nil)
	stalled := &stallingRepository{Repository: repo}

	svc := NewService(stalled, Options{
		Tracker:        &stubTracker{},
		NotifyInterval: 10 * time.Millisecond,
		NotifyTimeout:  20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunNotifier(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return stalled.calls.Load() >= 3 }, time.Second, 10*time.Millisecond,
		"each tick must be bounded so the notifier keeps rescheduling")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RunNotifier did not stop after cancel")
	}
}

func TestRunNotifier_NoTracker(t *testing.T) {
	svc := NewService(nil, Options{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		svc.RunNotifier(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("RunNotifier did not return without tracker")
	}
}
