package store

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rubinfoundry/mintcore/internal/domain"
)

var ErrNotFound = errors.New("store: not found")

// authDisk mirrors domain.MintAuthorization field-for-field the way the
// teacher's chainStateDisk mirrors ChainState — a JSON-friendly shape
// kept separate from the in-memory type so wire/storage format changes
// don't ripple through every caller.
type authDisk struct {
	Nonce uint64 `json:"nonce"`

	CreatorAddress string          `json:"creator_address"`
	ContentHash    string          `json:"content_hash"`
	IPMetadataURI  string          `json:"ip_metadata_uri"`
	NFTMetadataURI string          `json:"nft_metadata_uri"`
	AssetType      domain.AssetType `json:"asset_type"`

	SessionID     string `json:"session_id"`
	FingerprintID string `json:"fingerprint_id"`

	Message   string `json:"message"`
	Signature string `json:"signature"`

	IssuedAt  int64 `json:"issued_at"`
	ExpiresAt int64 `json:"expires_at"`

	State domain.MintState `json:"state"`

	IPId    string `json:"ip_id,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	TxHash  string `json:"tx_hash,omitempty"`
	UsedAt  *int64 `json:"used_at,omitempty"`

	LicenseTermsID    string             `json:"license_terms_id,omitempty"`
	LicenseType       domain.LicenseType `json:"license_type,omitempty"`
	RoyaltyPercent    int                `json:"royalty_percent,omitempty"`
	AllowDerivatives  bool               `json:"allow_derivatives,omitempty"`
	CommercialUse     bool               `json:"commercial_use,omitempty"`
	LicenseTxHash     string             `json:"license_tx_hash,omitempty"`
	LicenseAttachedAt *int64             `json:"license_attached_at,omitempty"`

	RevokedAt     *int64 `json:"revoked_at,omitempty"`
	RevokedReason string `json:"revoked_reason,omitempty"`
}

func toDisk(m domain.MintAuthorization) authDisk {
	d := authDisk{
		Nonce:             m.Nonce,
		CreatorAddress:    m.CreatorAddress,
		ContentHash:       m.ContentHash,
		IPMetadataURI:     m.IPMetadataURI,
		NFTMetadataURI:    m.NFTMetadataURI,
		AssetType:         m.AssetType,
		SessionID:         m.SessionID,
		FingerprintID:     m.FingerprintID,
		Message:           fmt.Sprintf("%x", m.Message),
		Signature:         fmt.Sprintf("%x", m.Signature),
		IssuedAt:          m.IssuedAt.Unix(),
		ExpiresAt:         m.ExpiresAt.Unix(),
		State:             m.State,
		IPId:              m.IPId,
		TokenID:           m.TokenID,
		TxHash:            m.TxHash,
		LicenseTermsID:    m.LicenseTermsID,
		LicenseType:       m.LicenseType,
		RoyaltyPercent:    m.RoyaltyPercent,
		AllowDerivatives:  m.AllowDerivatives,
		CommercialUse:     m.CommercialUse,
		LicenseTxHash:     m.LicenseTxHash,
		RevokedReason:     m.RevokedReason,
	}
	if m.UsedAt != nil {
		v := m.UsedAt.Unix()
		d.UsedAt = &v
	}
	if m.LicenseAttachedAt != nil {
		v := m.LicenseAttachedAt.Unix()
		d.LicenseAttachedAt = &v
	}
	if m.RevokedAt != nil {
		v := m.RevokedAt.Unix()
		d.RevokedAt = &v
	}
	return d
}

func fromDisk(d authDisk) (domain.MintAuthorization, error) {
	m := domain.MintAuthorization{
		Nonce:            d.Nonce,
		CreatorAddress:   d.CreatorAddress,
		ContentHash:      d.ContentHash,
		IPMetadataURI:    d.IPMetadataURI,
		NFTMetadataURI:   d.NFTMetadataURI,
		AssetType:        d.AssetType,
		SessionID:        d.SessionID,
		FingerprintID:    d.FingerprintID,
		IssuedAt:         time.Unix(d.IssuedAt, 0).UTC(),
		ExpiresAt:        time.Unix(d.ExpiresAt, 0).UTC(),
		State:            d.State,
		IPId:             d.IPId,
		TokenID:          d.TokenID,
		TxHash:           d.TxHash,
		LicenseTermsID:   d.LicenseTermsID,
		LicenseType:      d.LicenseType,
		RoyaltyPercent:   d.RoyaltyPercent,
		AllowDerivatives: d.AllowDerivatives,
		CommercialUse:    d.CommercialUse,
		LicenseTxHash:    d.LicenseTxHash,
		RevokedReason:    d.RevokedReason,
	}
	if d.Message != "" {
		raw, err := hex.DecodeString(d.Message)
		if err != nil || len(raw) != len(m.Message) {
			return domain.MintAuthorization{}, fmt.Errorf("decode message: invalid %d-byte hex value", len(m.Message))
		}
		copy(m.Message[:], raw)
	}
	if d.Signature != "" {
		raw, err := hex.DecodeString(d.Signature)
		if err != nil || len(raw) != len(m.Signature) {
			return domain.MintAuthorization{}, fmt.Errorf("decode signature: invalid %d-byte hex value", len(m.Signature))
		}
		copy(m.Signature[:], raw)
	}
	if d.UsedAt != nil {
		v := time.Unix(*d.UsedAt, 0).UTC()
		m.UsedAt = &v
	}
	if d.LicenseAttachedAt != nil {
		v := time.Unix(*d.LicenseAttachedAt, 0).UTC()
		m.LicenseAttachedAt = &v
	}
	if d.RevokedAt != nil {
		v := time.Unix(*d.RevokedAt, 0).UTC()
		m.RevokedAt = &v
	}
	return m, nil
}

func nonceKey(nonce uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, nonce)
	return b
}

// PutAuthorization inserts or replaces a record by nonce, and maintains the
// contentHash -> nonce secondary index whenever the record is in state
// Used or Registered (the only states the I2 uniqueness invariant covers).
func (d *DB) PutAuthorization(m domain.MintAuthorization) error {
	disk := toDisk(m)
	raw, err := json.Marshal(disk)
	if err != nil {
		return fmt.Errorf("encode authorization: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketAuthorizations).Put(nonceKey(m.Nonce), raw); err != nil {
			return err
		}
		if m.State == domain.StateUsed || m.State == domain.StateRegistered {
			return tx.Bucket(bucketAuthByContentHash).Put([]byte(m.ContentHash), nonceKey(m.Nonce))
		}
		return nil
	})
}

func (d *DB) GetAuthorization(nonce uint64) (domain.MintAuthorization, error) {
	var m domain.MintAuthorization
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAuthorizations).Get(nonceKey(nonce))
		if raw == nil {
			return nil
		}
		found = true
		var disk authDisk
		if err := json.Unmarshal(raw, &disk); err != nil {
			return fmt.Errorf("decode authorization: %w", err)
		}
		var derr error
		m, derr = fromDisk(disk)
		return derr
	})
	if err != nil {
		return domain.MintAuthorization{}, err
	}
	if !found {
		return domain.MintAuthorization{}, ErrNotFound
	}
	return m, nil
}

// FindUsedOrRegisteredByContentHash backs the DUPLICATE_CONTENT check in
// C7.issue — I2 in spec.md §8.
func (d *DB) FindUsedOrRegisteredByContentHash(contentHash string) (domain.MintAuthorization, error) {
	var nonce uint64
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketAuthByContentHash).Get([]byte(contentHash))
		if raw == nil {
			return nil
		}
		if len(raw) != 8 {
			return fmt.Errorf("corrupt content-hash index entry")
		}
		nonce = binary.BigEndian.Uint64(raw)
		found = true
		return nil
	})
	if err != nil {
		return domain.MintAuthorization{}, err
	}
	if !found {
		return domain.MintAuthorization{}, ErrNotFound
	}
	return d.GetAuthorization(nonce)
}

// SweepExpired transitions every Pending record whose ExpiresAt <= now to
// Expired in a single bulk write (C9). It is crash-idempotent: a record
// already Expired, or no longer Pending, is left untouched.
func (d *DB) SweepExpired(now time.Time) (int, error) {
	count := 0
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthorizations)
		return b.ForEach(func(k, v []byte) error {
			var disk authDisk
			if err := json.Unmarshal(v, &disk); err != nil {
				return fmt.Errorf("decode authorization %x: %w", k, err)
			}
			if disk.State != domain.StatePending {
				return nil
			}
			if now.Before(time.Unix(disk.ExpiresAt, 0)) {
				return nil
			}
			disk.State = domain.StateExpired
			raw, err := json.Marshal(disk)
			if err != nil {
				return err
			}
			count++
			return b.Put(k, raw)
		})
	})
	return count, err
}

// UpdateAuthorization loads, mutates via fn, and persists the record for
// nonce inside a single transaction, giving every C7 mutating operation
// the linearization spec.md §5 requires per nonce. fn returns the mutated
// record and whether the mutation was legal; if !ok the transaction still
// commits (so the caller can observe the pre-existing state) but the
// stored record is left unchanged.
func (d *DB) UpdateAuthorization(nonce uint64, fn func(domain.MintAuthorization, bool) (domain.MintAuthorization, bool, error)) (domain.MintAuthorization, bool, error) {
	var result domain.MintAuthorization
	var applied bool
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAuthorizations)
		raw := b.Get(nonceKey(nonce))
		existed := raw != nil
		var cur domain.MintAuthorization
		if existed {
			var disk authDisk
			if err := json.Unmarshal(raw, &disk); err != nil {
				return fmt.Errorf("decode authorization: %w", err)
			}
			var derr error
			cur, derr = fromDisk(disk)
			if derr != nil {
				return derr
			}
		}
		next, ok, err := fn(cur, existed)
		if err != nil {
			return err
		}
		result = next
		applied = ok
		if !ok {
			return nil
		}
		disk := toDisk(next)
		nraw, err := json.Marshal(disk)
		if err != nil {
			return err
		}
		if err := b.Put(nonceKey(nonce), nraw); err != nil {
			return err
		}
		if next.State == domain.StateUsed || next.State == domain.StateRegistered {
			return tx.Bucket(bucketAuthByContentHash).Put([]byte(next.ContentHash), nonceKey(nonce))
		}
		return nil
	})
	if err != nil {
		return domain.MintAuthorization{}, false, err
	}
	return result, applied, nil
}
