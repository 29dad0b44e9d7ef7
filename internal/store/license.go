package store

import (
	"encoding/json"
	"fmt"
	"strconv"

	bolt "go.etcd.io/bbolt"

	"github.com/rubinfoundry/mintcore/internal/domain"
)

type licenseDisk struct {
	LicenseType     domain.LicenseType `json:"license_type"`
	RoyaltyPercent  int                `json:"royalty_percent"`
	LicenseTermsID  string             `json:"license_terms_id"`
	TransactionHash *string            `json:"transaction_hash,omitempty"`
}

func licenseKey(licenseType domain.LicenseType, royaltyPercent int) []byte {
	return []byte(string(licenseType) + "|" + strconv.Itoa(royaltyPercent))
}

func (d *DB) FindLicenseTerms(licenseType domain.LicenseType, royaltyPercent int) (domain.LicenseTermsCache, bool, error) {
	var out domain.LicenseTermsCache
	var found bool
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLicenseTerms).Get(licenseKey(licenseType, royaltyPercent))
		if raw == nil {
			return nil
		}
		found = true
		var disk licenseDisk
		if err := json.Unmarshal(raw, &disk); err != nil {
			return fmt.Errorf("decode license terms: %w", err)
		}
		out = domain.LicenseTermsCache{
			LicenseType:     disk.LicenseType,
			RoyaltyPercent:  disk.RoyaltyPercent,
			LicenseTermsID:  disk.LicenseTermsID,
			TransactionHash: disk.TransactionHash,
		}
		return nil
	})
	return out, found, err
}

// PutLicenseTerms upserts the (licenseType, royaltyPercent) -> termsId
// mapping, reporting whether the row was newly created (C8.put).
// entry.TransactionHash is only written when non-nil; a Put that omits it
// leaves any previously stored transaction hash untouched.
func (d *DB) PutLicenseTerms(entry domain.LicenseTermsCache) (created bool, err error) {
	key := licenseKey(entry.LicenseType, entry.RoyaltyPercent)
	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLicenseTerms)
		raw := b.Get(key)
		created = raw == nil

		txHash := entry.TransactionHash
		if raw != nil {
			var existing licenseDisk
			if err := json.Unmarshal(raw, &existing); err != nil {
				return fmt.Errorf("decode license terms: %w", err)
			}
			if txHash == nil {
				txHash = existing.TransactionHash
			}
		}

		out, err := json.Marshal(licenseDisk{
			LicenseType:     entry.LicenseType,
			RoyaltyPercent:  entry.RoyaltyPercent,
			LicenseTermsID:  entry.LicenseTermsID,
			TransactionHash: txHash,
		})
		if err != nil {
			return err
		}
		return b.Put(key, out)
	})
	return created, err
}
