package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// trustTimestampsDoc is the domain_trust_timestamps.json layout (spec.md
// §6): a flat map from domain to its DomainTrustRecord.
type trustTimestampsDoc map[string]DomainTrustRecord

// RecordDomainTrust creates or refreshes a DomainTrustRecord for domain,
// called by the Trust Gate (C2) whenever a domain is added to the
// allowlist. The Governance Controller exclusively owns this file
// (spec.md §3 ownership summary).
func (c *Controller) RecordDomainTrust(domain, reviewedBy string, level TrustLevel) (DomainTrustRecord, error) {
	now := time.Now().UTC()
	rec := DomainTrustRecord{
		Domain:                 domain,
		AddedDate:              now,
		LastReviewedDate:       now,
		ReviewedBy:             reviewedBy,
		TrustLevel:             level,
		RevalidationRequiredBy: now.Add(c.budgets.TrustRevalidationWindow),
	}

	err := withExclusiveLock(c.trustTimestampsPath, c.lockTimeout, c.retryCeiling, func(f *os.File) error {
		doc, err := readTrustDoc(f)
		if err != nil {
			return err
		}
		doc[domain] = rec
		return writeTrustDoc(f, doc)
	})
	if err != nil {
		return DomainTrustRecord{}, fmt.Errorf("governance: record domain trust: %w", err)
	}
	return rec, nil
}

// RemoveDomainTrust deletes a domain's trust record.
func (c *Controller) RemoveDomainTrust(domain string) error {
	err := withExclusiveLock(c.trustTimestampsPath, c.lockTimeout, c.retryCeiling, func(f *os.File) error {
		doc, err := readTrustDoc(f)
		if err != nil {
			return err
		}
		delete(doc, domain)
		return writeTrustDoc(f, doc)
	})
	if err != nil {
		return fmt.Errorf("governance: remove domain trust: %w", err)
	}
	return nil
}

// GetDomainTrust reads a single domain's trust record.
func (c *Controller) GetDomainTrust(domain string) (DomainTrustRecord, bool, error) {
	var rec DomainTrustRecord
	var ok bool
	err := withSharedLock(c.trustTimestampsPath, c.sharedReadTimeout, c.retryCeiling, func(f *os.File) error {
		doc, err := readTrustDoc(f)
		if err != nil {
			return err
		}
		rec, ok = doc[domain]
		return nil
	})
	if err != nil {
		return DomainTrustRecord{}, false, fmt.Errorf("governance: get domain trust: %w", err)
	}
	return rec, ok, nil
}

func readTrustDoc(f *os.File) (trustTimestampsDoc, error) {
	if f == nil {
		return make(trustTimestampsDoc), nil
	}
	data, err := readAll(f)
	if err != nil {
		return nil, fmt.Errorf("read domain trust file: %w", err)
	}
	if len(data) == 0 {
		return make(trustTimestampsDoc), nil
	}
	var doc trustTimestampsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return make(trustTimestampsDoc), nil
	}
	if doc == nil {
		doc = make(trustTimestampsDoc)
	}
	return doc, nil
}

func writeTrustDoc(f *os.File, doc trustTimestampsDoc) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal domain trust file: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}
