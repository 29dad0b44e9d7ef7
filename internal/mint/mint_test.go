package mint

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rubinfoundry/mintcore/internal/apierr"
	"github.com/rubinfoundry/mintcore/internal/domain"
	"github.com/rubinfoundry/mintcore/internal/signer"
	"github.com/rubinfoundry/mintcore/internal/similarity"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[uint64]domain.MintAuthorization
	byHash  map[string]domain.MintAuthorization
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[uint64]domain.MintAuthorization{}, byHash: map[string]domain.MintAuthorization{}}
}

func (f *fakeStore) PutAuthorization(r domain.MintAuthorization) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[r.Nonce] = r
	return nil
}

func (f *fakeStore) GetAuthorization(nonce uint64) (domain.MintAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[nonce]
	if !ok {
		return domain.MintAuthorization{}, errNotFound
	}
	return r, nil
}

func (f *fakeStore) FindUsedOrRegisteredByContentHash(contentHash string) (domain.MintAuthorization, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ContentHash == contentHash && (r.State == domain.StateUsed || r.State == domain.StateRegistered) {
			return r, nil
		}
	}
	return domain.MintAuthorization{}, errNotFound
}

func (f *fakeStore) UpdateAuthorization(nonce uint64, fn func(domain.MintAuthorization, bool) (domain.MintAuthorization, bool, error)) (domain.MintAuthorization, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, existed := f.records[nonce]
	next, applied, err := fn(cur, existed)
	if err != nil {
		return domain.MintAuthorization{}, false, err
	}
	if applied {
		f.records[nonce] = next
	}
	return next, applied, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errNotFound = errString("not found")

type fakeNonces struct {
	mu   sync.Mutex
	next uint64
	err  error
}

func (f *fakeNonces) Next() (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.next++
	return f.next, nil
}

type fakeSigner struct {
	err error
}

func (f *fakeSigner) Sign(creator common.Address, contentHash [32]byte, ipURI, nftURI string, nonce uint64, expiresAt int64) ([32]byte, [65]byte, error) {
	if f.err != nil {
		return [32]byte{}, [65]byte{}, f.err
	}
	return [32]byte{1}, [65]byte{2}, nil
}

type fakeSimilarity struct {
	mu           sync.Mutex
	result       similarity.Result
	err          error
	promoteCalls chan string
	promoteErr   error
	// ctxCanceled and released let a test prove the context Promote
	// receives outlives the request context that spawned the caller's
	// goroutine: the test closes released only after it has canceled its
	// own request context, so Promote observes the final state.
	ctxCanceled chan struct{}
	released    chan struct{}
}

// newFakeSimilarity builds an instance whose Promote runs unconditionally
// (released is already closed). Tests that need to control exactly when
// Promote inspects its context should build a fakeSimilarity directly with
// an open released channel instead.
func newFakeSimilarity(status similarity.Status) *fakeSimilarity {
	released := make(chan struct{})
	close(released)
	return &fakeSimilarity{
		result:       similarity.Result{Status: status},
		promoteCalls: make(chan string, 4),
		ctxCanceled:  make(chan struct{}, 1),
		released:     released,
	}
}

func (f *fakeSimilarity) CheckAndAdmit(ctx context.Context, ipURI, nftURI string, assetType domain.AssetType, creatorAddress string) (similarity.Result, error) {
	return f.result, f.err
}

func (f *fakeSimilarity) Promote(ctx context.Context, contentHash, storyIPId string) error {
	select {
	case <-f.released:
	case <-time.After(time.Second):
	}
	if ctx.Err() != nil {
		select {
		case f.ctxCanceled <- struct{}{}:
		default:
		}
		return ctx.Err()
	}
	f.promoteCalls <- contentHash
	return f.promoteErr
}

func newEngine(store Store, nonces NonceAllocator, signer Signer, sim SimilarityEngine) *Engine {
	return New(store, nonces, signer, sim, zerolog.Nop())
}

func validIssueInput() IssueInput {
	return IssueInput{
		CreatorAddress: "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb9226",
		IPMetadataURI:  "ipfs://ip",
		NFTMetadataURI: "ipfs://nft",
		AssetType:      domain.AssetImage,
	}
}

func TestIssueHappyPath(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	res, err := e.Issue(context.Background(), validIssueInput())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if res.Nonce != 1 {
		t.Fatalf("got nonce=%d, want 1", res.Nonce)
	}
	if res.ExpiresIn != 900 {
		t.Fatalf("got expiresIn=%d, want 900", res.ExpiresIn)
	}
}

func TestIssueRejectsMissingFields(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Issue(context.Background(), IssueInput{})
	assertCode(t, err, apierr.CodeInvalidInput)
}

func TestIssueRejectsDuplicateContent(t *testing.T) {
	store := newFakeStore()
	in := validIssueInput()
	contentHash := hashFor(t, in)
	store.records[100] = domain.MintAuthorization{Nonce: 100, ContentHash: contentHash, State: domain.StateUsed, IPId: "0xIP"}

	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Issue(context.Background(), in)
	assertCode(t, err, apierr.CodeDuplicateContent)
}

func TestIssueRejectsBlockedSimilarity(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusBlocked))
	_, err := e.Issue(context.Background(), validIssueInput())
	assertCode(t, err, apierr.CodeSimilarityBlocked)
}

func TestIssuePropagatesSignerFailure(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{err: errString("hsm unavailable")}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Issue(context.Background(), validIssueInput())
	assertCode(t, err, apierr.CodeServerError)
}

func TestStatusPendingReportsRemainingSeconds(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending, IssuedAt: now, ExpiresAt: now.Add(900 * time.Second)}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	res, err := e.Status(1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != domain.StatePending || res.RemainingSeconds == nil {
		t.Fatalf("got %+v", res)
	}
}

func TestStatusLazilyExpiresPastDeadline(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending, IssuedAt: now.Add(-1000 * time.Second), ExpiresAt: now.Add(-100 * time.Second)}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	res, err := e.Status(1)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if res.Status != domain.StateExpired {
		t.Fatalf("got status=%s, want expired", res.Status)
	}
	stored, _ := store.GetAuthorization(1)
	if stored.State != domain.StateExpired {
		t.Fatalf("expected lazy transition to persist, got %s", stored.State)
	}
}

func TestStatusNotFound(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Status(999)
	assertCode(t, err, apierr.CodeTokenNotFound)
}

func TestUpdateTransitionsPendingToUsedAndPromotes(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending, ContentHash: "aa", ExpiresAt: now.Add(900 * time.Second)}
	sim := newFakeSimilarity(similarity.StatusClean)
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, sim)

	res, err := e.Update(context.Background(), UpdateInput{Nonce: 1, IPId: "0xIP", TokenID: "7", TxHash: "0xTx"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if res.Status != domain.StateUsed {
		t.Fatalf("got status=%s, want used", res.Status)
	}

	select {
	case hash := <-sim.promoteCalls:
		if hash != "aa" {
			t.Fatalf("got promoted contentHash=%s, want aa", hash)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected best-effort promotion to fire")
	}
}

func TestUpdatePromotionSurvivesRequestContextCancellation(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending, ContentHash: "bb", ExpiresAt: now.Add(900 * time.Second)}
	sim := &fakeSimilarity{
		result:       similarity.Result{Status: similarity.StatusClean},
		promoteCalls: make(chan string, 4),
		ctxCanceled:  make(chan struct{}, 1),
		released:     make(chan struct{}),
	}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, sim)

	// Mirrors net/http: the request context is canceled the instant the
	// handler returns, which happens right after Update returns here too.
	reqCtx, cancel := context.WithCancel(context.Background())
	_, err := e.Update(reqCtx, UpdateInput{Nonce: 1, IPId: "0xIP", TokenID: "7", TxHash: "0xTx"})
	cancel()
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	// Only now let the promotion goroutine inspect its context, so a bug
	// that passed reqCtx through would see it already canceled.
	close(sim.released)

	select {
	case <-sim.ctxCanceled:
		t.Fatalf("promotion observed a canceled context; it must be detached from the request context")
	case hash := <-sim.promoteCalls:
		if hash != "bb" {
			t.Fatalf("got promoted contentHash=%s, want bb", hash)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected best-effort promotion to fire")
	}
}

func TestUpdateOnAlreadyUsedReportsConflict(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StateUsed, IPId: "0xIP"}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	_, err := e.Update(context.Background(), UpdateInput{Nonce: 1, IPId: "0xOther"})
	assertCode(t, err, apierr.CodeTokenAlreadyUsed)
}

func TestUpdateNotFound(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Update(context.Background(), UpdateInput{Nonce: 999})
	assertCode(t, err, apierr.CodeTokenNotFound)
}

func TestUpdateOnRevokedReportsInvalidStatus(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StateRevoked}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	_, err := e.Update(context.Background(), UpdateInput{Nonce: 1})
	assertCode(t, err, apierr.CodeInvalidStatus)
}

func TestFinalizeRejectsNonCommercialWithRoyalty(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Finalize(FinalizeInput{LicenseType: domain.LicenseNonCommercial, RoyaltyPercent: 5})
	assertCode(t, err, apierr.CodeValidationError)
}

func TestFinalizeTransitionsUsedToRegistered(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StateUsed, IPId: "0xIP"}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	res, err := e.Finalize(FinalizeInput{Nonce: 1, LicenseType: domain.LicenseCommercialRemix, RoyaltyPercent: 10, LicenseTermsID: "lt1"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if res.Status != domain.StateRegistered || res.License.LicenseTermsID != "lt1" {
		t.Fatalf("got %+v", res)
	}
}

func TestFinalizeAlreadyFinalizedReportsConflict(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StateRegistered, LicenseTermsID: "lt1"}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	_, err := e.Finalize(FinalizeInput{Nonce: 1, LicenseType: domain.LicenseCommercialRemix, RoyaltyPercent: 10})
	assertCode(t, err, apierr.CodeAlreadyFinalized)
}

func TestFinalizeNotUsedReportsInvalidStatus(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	_, err := e.Finalize(FinalizeInput{Nonce: 1, LicenseType: domain.LicenseCommercialRemix, RoyaltyPercent: 10})
	assertCode(t, err, apierr.CodeInvalidStatus)
}

func TestRevokeTransitionsPendingToRevoked(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StatePending}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	res, err := e.Revoke(1, "")
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if res.Reason != "No reason provided." {
		t.Fatalf("got reason=%q", res.Reason)
	}
}

func TestRevokeNonPendingReportsInvalidStatus(t *testing.T) {
	store := newFakeStore()
	store.records[1] = domain.MintAuthorization{Nonce: 1, State: domain.StateUsed}
	e := newEngine(store, &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))

	_, err := e.Revoke(1, "changed my mind")
	assertCode(t, err, apierr.CodeInvalidStatus)
}

func TestRevokeNotFound(t *testing.T) {
	e := newEngine(newFakeStore(), &fakeNonces{}, &fakeSigner{}, newFakeSimilarity(similarity.StatusClean))
	_, err := e.Revoke(999, "")
	assertCode(t, err, apierr.CodeTokenNotFound)
}

func hashFor(t *testing.T, in IssueInput) string {
	t.Helper()
	return fmt.Sprintf("%x", signer.ContentHash(in.IPMetadataURI, in.NFTMetadataURI))
}

func assertCode(t *testing.T, err error, want apierr.Code) {
	t.Helper()
	ae, ok := apierr.As(err)
	if !ok {
		t.Fatalf("expected apierr.Error, got %v", err)
	}
	if ae.Code != want {
		t.Fatalf("got code %s, want %s", ae.Code, want)
	}
}
