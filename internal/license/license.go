// Package license implements C8, the license-terms cache service:
// enum/range validation in front of the store's composite-key lookup, per
// spec.md §4.8 — "validation is strict: invalid enum values or
// out-of-range royalty are rejected before database I/O."
package license

import (
	"github.com/rubinfoundry/mintcore/internal/apierr"
	"github.com/rubinfoundry/mintcore/internal/domain"
)

// Store is the narrow slice of C10 this package depends on.
type Store interface {
	FindLicenseTerms(licenseType domain.LicenseType, royaltyPercent int) (domain.LicenseTermsCache, bool, error)
	PutLicenseTerms(domain.LicenseTermsCache) (created bool, err error)
}

type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

type FindResult struct {
	Cached         bool
	LicenseTermsID string
}

func (s *Service) Find(licenseType domain.LicenseType, royaltyPercent int) (FindResult, error) {
	if err := validate(licenseType, royaltyPercent); err != nil {
		return FindResult{}, err
	}
	entry, found, err := s.store.FindLicenseTerms(licenseType, royaltyPercent)
	if err != nil {
		return FindResult{}, apierr.Wrap(apierr.CodeServerError, "license lookup failed", err)
	}
	if !found {
		return FindResult{Cached: false}, nil
	}
	return FindResult{Cached: true, LicenseTermsID: entry.LicenseTermsID}, nil
}

type PutInput struct {
	LicenseType     domain.LicenseType
	RoyaltyPercent  int
	LicenseTermsID  string
	// TransactionHash is nil when the caller omitted it; the store must
	// then leave any previously recorded hash untouched.
	TransactionHash *string
}

type PutResult struct {
	Created bool
}

func (s *Service) Put(in PutInput) (PutResult, error) {
	if err := validate(in.LicenseType, in.RoyaltyPercent); err != nil {
		return PutResult{}, err
	}
	if in.LicenseTermsID == "" {
		return PutResult{}, apierr.New(apierr.CodeValidationError, "licenseTermsId is required")
	}
	created, err := s.store.PutLicenseTerms(domain.LicenseTermsCache{
		LicenseType:     in.LicenseType,
		RoyaltyPercent:  in.RoyaltyPercent,
		LicenseTermsID:  in.LicenseTermsID,
		TransactionHash: in.TransactionHash,
	})
	if err != nil {
		return PutResult{}, apierr.Wrap(apierr.CodeServerError, "license cache write failed", err)
	}
	return PutResult{Created: created}, nil
}

func validate(licenseType domain.LicenseType, royaltyPercent int) error {
	if !licenseType.Valid() {
		return apierr.Newf(apierr.CodeValidationError, "unsupported licenseType %q", licenseType)
	}
	if royaltyPercent < 0 || royaltyPercent > 100 {
		return apierr.Newf(apierr.CodeValidationError, "royaltyPercent %d out of range [0,100]", royaltyPercent)
	}
	if licenseType == domain.LicenseNonCommercial && royaltyPercent != 0 {
		return apierr.New(apierr.CodeValidationError, "non_commercial license must have royaltyPercent 0")
	}
	return nil
}
