package ingestion

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/invoicehub/drive-ingest/internal/models"
)

var pdfMagic = []byte("%PDF-")

// ValidateRecord checks the business rules on an extracted invoice before
// persisting it as processed. Returns the full list of violations so the
// audit trail carries every problem at once.
func ValidateRecord(rec *models.InvoiceRecord, now time.Time) []string {
	var errs []string

	if rec.RemoteFileID == "" {
		errs = append(errs, "missing remote file id")
	}
	if rec.RemoteFileName == "" {
		errs = append(errs, "missing remote file name")
	}
	if rec.Extractor == "" {
		errs = append(errs, "missing extractor name")
	}

	if rec.TotalAmount == nil {
		errs = append(errs, "missing total amount")
	} else if *rec.TotalAmount <= 0 {
		errs = append(errs, fmt.Sprintf("total amount must be positive, got %.2f", *rec.TotalAmount))
	}

	if rec.Currency != "" && len(rec.Currency) != 3 {
		errs = append(errs, fmt.Sprintf("currency must be a 3-letter ISO code, got %q", rec.Currency))
	}

	if rec.Confidence != "" && rec.Confidence != "high" && rec.Confidence != "medium" && rec.Confidence != "low" {
		errs = append(errs, fmt.Sprintf("invalid confidence %q", rec.Confidence))
	}

	if rec.NetAmount != nil && rec.TaxAmount != nil && rec.TotalAmount != nil {
		diff := math.Abs(*rec.NetAmount + *rec.TaxAmount - *rec.TotalAmount)
		if diff > AmountTolerance {
			errs = append(errs, fmt.Sprintf("net (%.2f) + tax (%.2f) does not match total (%.2f), off by %.2f",
				*rec.NetAmount, *rec.TaxAmount, *rec.TotalAmount, diff))
		}
	}

	// One day of slack absorbs timezone differences between the issuer and
	// this host.
	if rec.IssueDate != nil && rec.IssueDate.After(now.AddDate(0, 0, 1)) {
		errs = append(errs, fmt.Sprintf("issue date %s is in the future", rec.IssueDate.Format("2006-01-02")))
	}

	return errs
}

// ValidateFileIntegrity checks a downloaded file is a non-empty PDF. A size
// mismatch against the listing is reported but not fatal.
func ValidateFileIntegrity(path string, expectedSize int64) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("downloaded file missing: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("downloaded file %s is empty", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", path, err)
	}
	defer f.Close()

	header := make([]byte, len(pdfMagic))
	if _, err := f.Read(header); err != nil {
		return fmt.Errorf("error reading header of %s: %w", path, err)
	}
	if !bytes.Equal(header, pdfMagic) {
		return fmt.Errorf("file %s is not a valid PDF", path)
	}

	return nil
}
