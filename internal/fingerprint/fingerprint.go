// Package fingerprint derives a stable content identity for an invoice from
// its business fields, so duplicated content is detected no matter how the
// file was named or how many times it was re-uploaded.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var whitespace = regexp.MustCompile(`\s+`)

// Normalize prepares one field for hashing: trimmed, case-folded, internal
// whitespace collapsed to single spaces.
func Normalize(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	return whitespace.ReplaceAllString(value, " ")
}

// NormalizeAmount renders a monetary amount as a fixed two-decimal string so
// 1250.5 and 1250.50 hash identically. Returns "" for a missing amount.
func NormalizeAmount(amount *float64) string {
	if amount == nil {
		return ""
	}
	return fmt.Sprintf("%.2f", *amount)
}

// Generate computes the SHA-256 content fingerprint over the normalized
// business-identity fields, joined with a fixed separator. It returns "" when
// both invoiceNumber and totalAmount are absent: a record with only a
// supplier name carries too little identity for hash-based dedup.
func Generate(supplierName, invoiceNumber, issueDate string, totalAmount *float64) string {
	if strings.TrimSpace(invoiceNumber) == "" && totalAmount == nil {
		return ""
	}

	content := strings.Join([]string{
		Normalize(supplierName),
		Normalize(invoiceNumber),
		Normalize(issueDate),
		NormalizeAmount(totalAmount),
	}, "|")

	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Completeness reports whether the fields carry enough identity to fingerprint
// and lists any missing or merely recommended fields for diagnostics.
func Completeness(supplierName, invoiceNumber, issueDate string, totalAmount *float64) (bool, []string) {
	var issues []string

	if strings.TrimSpace(invoiceNumber) == "" {
		issues = append(issues, "invoice number missing")
	}
	if totalAmount == nil {
		issues = append(issues, "total amount missing")
	}
	if strings.TrimSpace(supplierName) == "" {
		issues = append(issues, "supplier name missing (recommended)")
	}
	if strings.TrimSpace(issueDate) == "" {
		issues = append(issues, "issue date missing (recommended)")
	}

	ok := strings.TrimSpace(invoiceNumber) != "" || totalAmount != nil
	return ok, issues
}
