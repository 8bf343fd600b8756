// Package ingestion holds the pipeline core: duplicate resolution, batch
// processing, failure reprocessing and the run orchestrator.
package ingestion

import (
	"fmt"
	"math"

	"github.com/invoicehub/drive-ingest/internal/models"
)

// AmountTolerance is the maximum absolute difference between two total
// amounts still considered equal when comparing business keys.
const AmountTolerance = 0.02

// Decide resolves what to do with an incoming invoice given the existing
// records that could collide with it. The rules are checked in strict
// priority order; the first match wins:
//
//  1. same remote file, same content hash  -> ignore (nothing changed)
//  2. same remote file, different hash     -> update as a new revision
//  3. different file, same content hash    -> duplicate content
//  4. same supplier+number, amounts differ -> human review
//  5. otherwise                            -> insert
//
// A stored row with no hash at all is an error row that never extracted; rule
// 2 does not apply to it, so recovering one runs through rules 3-5 and ends
// as an in-place insert instead of a revision bump.
//
// byFileID, byHash and byKey are the prior records found by each lookup, any
// of which may be nil.
func Decide(incoming *models.InvoiceRecord, byFileID, byHash, byKey *models.InvoiceRecord) (models.Decision, string) {
	if byFileID != nil {
		if incoming.ContentHash != "" && byFileID.ContentHash == incoming.ContentHash {
			return models.DecisionIgnore,
				fmt.Sprintf("file %s already ingested with identical content", incoming.RemoteFileID)
		}
		if byFileID.ContentHash != "" {
			return models.DecisionUpdateRevision,
				fmt.Sprintf("file %s changed since revision %d", incoming.RemoteFileID, byFileID.Revision)
		}
		// A stored row without a hash never extracted successfully. Recovering
		// it overwrites in place rather than minting a revision, and the
		// content and business key checks below still apply to the incoming
		// fields.
	}

	if incoming.ContentHash != "" && byHash != nil && byHash.RemoteFileID != incoming.RemoteFileID {
		return models.DecisionDuplicate,
			fmt.Sprintf("content already ingested from file %s (%s)", byHash.RemoteFileID, byHash.RemoteFileName)
	}

	if byKey != nil && byKey.RemoteFileID != incoming.RemoteFileID {
		if amountsDiffer(incoming.TotalAmount, byKey.TotalAmount) {
			return models.DecisionReview,
				fmt.Sprintf("invoice %s from %s exists with a different total (existing file %s)",
					incoming.InvoiceNumber, incoming.SupplierName, byKey.RemoteFileID)
		}
	}

	if byFileID != nil {
		return models.DecisionInsert,
			fmt.Sprintf("file %s recovered after a failed ingest", incoming.RemoteFileID)
	}

	return models.DecisionInsert, "new invoice"
}

// amountsDiffer treats a missing amount on either side as a difference: a
// record that lost or gained its total needs a human look.
func amountsDiffer(a, b *float64) bool {
	if a == nil || b == nil {
		return a != b
	}
	return math.Abs(*a-*b) > AmountTolerance
}
