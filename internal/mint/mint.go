// Package mint implements C7, the mint-authorization state machine:
// spec.md §4.7's five operations and the pending -> used -> registered
// path (plus expired/revoked), each mutation going through the store's
// single-transaction load-mutate-persist helper so two concurrent callers
// on the same nonce can never both win.
package mint

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/rubinfoundry/mintcore/internal/apierr"
	"github.com/rubinfoundry/mintcore/internal/domain"
	"github.com/rubinfoundry/mintcore/internal/signer"
	"github.com/rubinfoundry/mintcore/internal/similarity"
)

const authorizationLifetime = 900 * time.Second

// NonceAllocator is the narrow C1 surface this package depends on.
type NonceAllocator interface {
	Next() (uint64, error)
}

// Signer is the narrow C2 surface this package depends on.
type Signer interface {
	Sign(creator common.Address, contentHash [32]byte, ipURI, nftURI string, nonce uint64, expiresAt int64) (message [32]byte, signature [65]byte, err error)
}

// SimilarityEngine is the narrow C6 surface this package depends on.
type SimilarityEngine interface {
	CheckAndAdmit(ctx context.Context, ipURI, nftURI string, assetType domain.AssetType, creatorAddress string) (similarity.Result, error)
	Promote(ctx context.Context, contentHash, storyIPId string) error
}

// Store is the narrow slice of C10 this package depends on.
type Store interface {
	PutAuthorization(domain.MintAuthorization) error
	GetAuthorization(nonce uint64) (domain.MintAuthorization, error)
	FindUsedOrRegisteredByContentHash(contentHash string) (domain.MintAuthorization, error)
	UpdateAuthorization(nonce uint64, fn func(domain.MintAuthorization, bool) (domain.MintAuthorization, bool, error)) (domain.MintAuthorization, bool, error)
}

type Engine struct {
	store      Store
	nonces     NonceAllocator
	signer     Signer
	similarity SimilarityEngine
	log        zerolog.Logger
	now        func() time.Time
}

func New(store Store, nonces NonceAllocator, signer Signer, sim SimilarityEngine, log zerolog.Logger) *Engine {
	return &Engine{store: store, nonces: nonces, signer: signer, similarity: sim, log: log, now: time.Now}
}

type MintDetails struct {
	IPId   string
	TokenID string
	TxHash string
	UsedAt *time.Time
}

type LicenseSnapshot struct {
	LicenseTermsID    string
	LicenseType       domain.LicenseType
	RoyaltyPercent    int
	AllowDerivatives  bool
	CommercialUse     bool
	LicenseTxHash     string
	LicenseAttachedAt *time.Time
}

type IssueInput struct {
	CreatorAddress string
	IPMetadataURI  string
	NFTMetadataURI string
	AssetType      domain.AssetType
	SessionID      string
	FingerprintID  string
}

type IssueResult struct {
	Nonce      uint64
	Signature  [65]byte
	ExpiresAt  time.Time
	ExpiresIn  int
	Similarity similarity.Result
}

// Issue implements spec.md §4.7's issue operation.
func (e *Engine) Issue(ctx context.Context, in IssueInput) (IssueResult, error) {
	if in.CreatorAddress == "" || in.IPMetadataURI == "" || in.NFTMetadataURI == "" {
		return IssueResult{}, apierr.New(apierr.CodeInvalidInput, "creatorAddress, ipMetadataURI, and nftMetadataURI are required")
	}
	if !in.AssetType.Valid() {
		return IssueResult{}, apierr.Newf(apierr.CodeInvalidInput, "unsupported assetType %q", in.AssetType)
	}

	contentHash := fmt.Sprintf("%x", signer.ContentHash(in.IPMetadataURI, in.NFTMetadataURI))

	if prior, err := e.store.FindUsedOrRegisteredByContentHash(contentHash); err == nil {
		return IssueResult{}, apierr.WithPayload(apierr.CodeDuplicateContent, "content already registered", MintDetails{
			IPId: prior.IPId, TokenID: prior.TokenID, TxHash: prior.TxHash, UsedAt: prior.UsedAt,
		})
	}

	simResult, err := e.similarity.CheckAndAdmit(ctx, in.IPMetadataURI, in.NFTMetadataURI, in.AssetType, in.CreatorAddress)
	if err != nil {
		return IssueResult{}, apierr.Wrap(apierr.CodeUpstreamError, "similarity check failed", err)
	}
	if simResult.Status == similarity.StatusBlocked {
		return IssueResult{}, apierr.WithPayload(apierr.CodeSimilarityBlocked, "content too similar to an existing registered asset", simResult)
	}

	nonce, err := e.nonces.Next()
	if err != nil {
		return IssueResult{}, apierr.Wrap(apierr.CodeServerError, "nonce allocation failed", err)
	}

	issuedAt := e.now()
	expiresAt := issuedAt.Add(authorizationLifetime)

	creator := common.HexToAddress(in.CreatorAddress)
	rawHash := signer.ContentHash(in.IPMetadataURI, in.NFTMetadataURI)
	message, signature, err := e.signer.Sign(creator, rawHash, in.IPMetadataURI, in.NFTMetadataURI, nonce, expiresAt.Unix())
	if err != nil {
		return IssueResult{}, apierr.Wrap(apierr.CodeServerError, "signing failed", err)
	}

	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = "no-session-provided"
	}
	fingerprintID := in.FingerprintID
	if fingerprintID == "" {
		fingerprintID = "no-fingerprint-provided"
	}

	record := domain.MintAuthorization{
		Nonce:          nonce,
		CreatorAddress: in.CreatorAddress,
		ContentHash:    contentHash,
		IPMetadataURI:  in.IPMetadataURI,
		NFTMetadataURI: in.NFTMetadataURI,
		AssetType:      in.AssetType,
		SessionID:      sessionID,
		FingerprintID:  fingerprintID,
		Message:        message,
		Signature:      signature,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
		State:          domain.StatePending,
	}
	if err := e.store.PutAuthorization(record); err != nil {
		return IssueResult{}, apierr.Wrap(apierr.CodeServerError, "persist authorization failed", err)
	}

	return IssueResult{
		Nonce:      nonce,
		Signature:  signature,
		ExpiresAt:  expiresAt,
		ExpiresIn:  int(authorizationLifetime.Seconds()),
		Similarity: simResult,
	}, nil
}

type StatusResult struct {
	Nonce            uint64
	Status           domain.MintState
	IsExpired        bool
	ExpiresAt        time.Time
	CreatedAt        time.Time
	RemainingSeconds *int
	MintDetails      *MintDetails
}

// Status implements spec.md §4.7's status operation, including the lazy
// pending -> expired transition.
func (e *Engine) Status(nonce uint64) (StatusResult, error) {
	record, err := e.store.GetAuthorization(nonce)
	if err != nil {
		return StatusResult{}, apierr.Wrap(apierr.CodeTokenNotFound, "mint token not found", err)
	}

	now := e.now()
	if record.State == domain.StatePending && !now.Before(record.ExpiresAt) {
		record, _, err = e.store.UpdateAuthorization(nonce, func(cur domain.MintAuthorization, existed bool) (domain.MintAuthorization, bool, error) {
			if !existed || cur.State != domain.StatePending {
				return cur, false, nil
			}
			cur.State = domain.StateExpired
			return cur, true, nil
		})
		if err != nil {
			return StatusResult{}, apierr.Wrap(apierr.CodeServerError, "expire transition failed", err)
		}
	}

	result := StatusResult{
		Nonce:     record.Nonce,
		Status:    record.State,
		IsExpired: record.IsExpired(now),
		ExpiresAt: record.ExpiresAt,
		CreatedAt: record.IssuedAt,
	}
	switch record.State {
	case domain.StatePending:
		remaining := int(record.ExpiresAt.Sub(now).Seconds())
		if remaining < 0 {
			remaining = 0
		}
		result.RemainingSeconds = &remaining
	case domain.StateUsed, domain.StateRegistered:
		result.MintDetails = &MintDetails{IPId: record.IPId, TokenID: record.TokenID, TxHash: record.TxHash, UsedAt: record.UsedAt}
	}
	return result, nil
}

type UpdateInput struct {
	Nonce   uint64
	IPId    string
	TokenID string
	TxHash  string
}

type UpdateResult struct {
	Nonce  uint64
	Status domain.MintState
	UsedAt time.Time
}

// Update implements spec.md §4.7's update operation. Promotion into the
// similarity engine's registered corpus is best-effort: a failure there is
// logged but never reverses the already-applied state transition.
func (e *Engine) Update(ctx context.Context, in UpdateInput) (UpdateResult, error) {
	if _, err := e.store.GetAuthorization(in.Nonce); err != nil {
		return UpdateResult{}, apierr.Wrap(apierr.CodeTokenNotFound, "mint token not found", err)
	}

	now := e.now()
	record, applied, err := e.store.UpdateAuthorization(in.Nonce, func(cur domain.MintAuthorization, existed bool) (domain.MintAuthorization, bool, error) {
		if !existed {
			return cur, false, nil
		}
		if cur.State == domain.StateUsed || cur.State == domain.StateRegistered {
			return cur, false, nil
		}
		if cur.State != domain.StatePending {
			return cur, false, nil
		}
		if cur.IsExpired(now) {
			cur.State = domain.StateExpired
			return cur, true, nil
		}
		cur.State = domain.StateUsed
		cur.IPId = in.IPId
		cur.TokenID = in.TokenID
		cur.TxHash = in.TxHash
		used := now
		cur.UsedAt = &used
		return cur, true, nil
	})
	if err != nil {
		return UpdateResult{}, apierr.Wrap(apierr.CodeServerError, "update transition failed", err)
	}
	if applied && record.State == domain.StateUsed {
		// Detached from ctx deliberately: this runs after Update has already
		// returned to the caller, and an HTTP request context is canceled the
		// moment the handler returns. A transient provider failure should be
		// able to fail this promotion; the caller's request lifetime must not.
		go e.promoteBestEffort(context.Background(), record.ContentHash, record.IPId)
		return UpdateResult{Nonce: record.Nonce, Status: domain.StateUsed, UsedAt: *record.UsedAt}, nil
	}
	if record.State == domain.StateUsed || record.State == domain.StateRegistered {
		return UpdateResult{}, apierr.WithPayload(apierr.CodeTokenAlreadyUsed, "mint token already used", MintDetails{
			IPId: record.IPId, TokenID: record.TokenID, TxHash: record.TxHash, UsedAt: record.UsedAt,
		})
	}
	return UpdateResult{}, apierr.New(apierr.CodeInvalidStatus, fmt.Sprintf("mint token is %s, not pending", record.State))
}

func (e *Engine) promoteBestEffort(ctx context.Context, contentHash, ipID string) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := e.similarity.Promote(ctx, contentHash, ipID); err != nil {
		e.log.Warn().Err(err).Str("contentHash", contentHash).Str("ipId", ipID).Msg("post-mint similarity promotion failed")
	}
}

type FinalizeInput struct {
	Nonce            uint64
	LicenseTermsID   string
	LicenseType      domain.LicenseType
	RoyaltyPercent   int
	AllowDerivatives bool
	CommercialUse    bool
	LicenseTxHash    string
}

type FinalizeResult struct {
	Nonce    uint64
	Status   domain.MintState
	IPId     string
	License  LicenseSnapshot
}

// Finalize implements spec.md §4.7's finalize operation.
func (e *Engine) Finalize(in FinalizeInput) (FinalizeResult, error) {
	if !in.LicenseType.Valid() {
		return FinalizeResult{}, apierr.Newf(apierr.CodeValidationError, "unsupported licenseType %q", in.LicenseType)
	}
	if in.RoyaltyPercent < 0 || in.RoyaltyPercent > 100 {
		return FinalizeResult{}, apierr.Newf(apierr.CodeValidationError, "royaltyPercent %d out of range [0,100]", in.RoyaltyPercent)
	}
	if in.LicenseType == domain.LicenseNonCommercial && in.RoyaltyPercent != 0 {
		return FinalizeResult{}, apierr.New(apierr.CodeValidationError, "non_commercial license must have royaltyPercent 0")
	}
	if _, err := e.store.GetAuthorization(in.Nonce); err != nil {
		return FinalizeResult{}, apierr.Wrap(apierr.CodeTokenNotFound, "mint token not found", err)
	}

	now := e.now()
	record, applied, err := e.store.UpdateAuthorization(in.Nonce, func(cur domain.MintAuthorization, existed bool) (domain.MintAuthorization, bool, error) {
		if !existed {
			return cur, false, nil
		}
		if cur.State == domain.StateRegistered {
			return cur, false, nil
		}
		if cur.State != domain.StateUsed {
			return cur, false, nil
		}
		cur.State = domain.StateRegistered
		cur.LicenseTermsID = in.LicenseTermsID
		cur.LicenseType = in.LicenseType
		cur.RoyaltyPercent = in.RoyaltyPercent
		cur.AllowDerivatives = in.AllowDerivatives
		cur.CommercialUse = in.CommercialUse
		cur.LicenseTxHash = in.LicenseTxHash
		attached := now
		cur.LicenseAttachedAt = &attached
		return cur, true, nil
	})
	if err != nil {
		return FinalizeResult{}, apierr.Wrap(apierr.CodeServerError, "finalize transition failed", err)
	}
	if record.State == domain.StateRegistered && applied {
		return FinalizeResult{
			Nonce:  record.Nonce,
			Status: domain.StateRegistered,
			IPId:   record.IPId,
			License: LicenseSnapshot{
				LicenseTermsID: record.LicenseTermsID, LicenseType: record.LicenseType, RoyaltyPercent: record.RoyaltyPercent,
				AllowDerivatives: record.AllowDerivatives, CommercialUse: record.CommercialUse,
				LicenseTxHash: record.LicenseTxHash, LicenseAttachedAt: record.LicenseAttachedAt,
			},
		}, nil
	}
	if record.State == domain.StateRegistered {
		return FinalizeResult{}, apierr.WithPayload(apierr.CodeAlreadyFinalized, "mint token already finalized", LicenseSnapshot{
			LicenseTermsID: record.LicenseTermsID, LicenseType: record.LicenseType, RoyaltyPercent: record.RoyaltyPercent,
			AllowDerivatives: record.AllowDerivatives, CommercialUse: record.CommercialUse,
			LicenseTxHash: record.LicenseTxHash, LicenseAttachedAt: record.LicenseAttachedAt,
		})
	}
	return FinalizeResult{}, apierr.New(apierr.CodeInvalidStatus, fmt.Sprintf("mint token is %s, not used", record.State))
}

type RevokeResult struct {
	Nonce     uint64
	RevokedAt time.Time
	Reason    string
}

// Revoke implements spec.md §4.7's revoke operation.
func (e *Engine) Revoke(nonce uint64, reason string) (RevokeResult, error) {
	if _, err := e.store.GetAuthorization(nonce); err != nil {
		return RevokeResult{}, apierr.Wrap(apierr.CodeTokenNotFound, "mint token not found", err)
	}
	if reason == "" {
		reason = "No reason provided."
	}
	now := e.now()
	record, applied, err := e.store.UpdateAuthorization(nonce, func(cur domain.MintAuthorization, existed bool) (domain.MintAuthorization, bool, error) {
		if !existed || cur.State != domain.StatePending {
			return cur, false, nil
		}
		cur.State = domain.StateRevoked
		revoked := now
		cur.RevokedAt = &revoked
		cur.RevokedReason = reason
		return cur, true, nil
	})
	if err != nil {
		return RevokeResult{}, apierr.Wrap(apierr.CodeServerError, "revoke transition failed", err)
	}
	if !applied {
		return RevokeResult{}, apierr.New(apierr.CodeInvalidStatus, fmt.Sprintf("mint token is %s, not pending", record.State))
	}
	return RevokeResult{Nonce: record.Nonce, RevokedAt: *record.RevokedAt, Reason: record.RevokedReason}, nil
}
