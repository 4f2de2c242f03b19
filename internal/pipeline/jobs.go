// Package pipeline runs the asynchronous fulfillment flow: plan items into
// bundles, prepare and post bundle payloads, verify confirmations, and fan
// out to the optical bridge and offset index.
package pipeline

import (
	"github.com/google/uuid"
)

// Job labels. Each label gets its own worker pool sized by
// config.WorkersConfig.Concurrency.
const (
	LabelNewDataItem   = "newDataItem"
	LabelPlan          = "plan"
	LabelPrepare       = "prepare"
	LabelPost          = "post"
	LabelVerify        = "verify"
	LabelOpticalPost   = "opticalPost"
	LabelPutOffsets    = "putOffsets"
	LabelCleanupFs     = "cleanupFs"
	LabelOversizedItem = "oversizedItem"
	LabelUnbundleBDI   = "unbundleBdi"
	LabelX402Finalize  = "x402Finalize"
)

// ItemJob addresses a single data item.
type ItemJob struct {
	ItemID string `json:"itemId"`
}

// BundleJob addresses a bundle.
type BundleJob struct {
	BundleID uuid.UUID `json:"bundleId"`
}

// AttemptJob addresses a bundle and carries the handler-level attempt count
// for post and verify, whose retry policies outlive a single queue lease.
type AttemptJob struct {
	BundleID uuid.UUID `json:"bundleId"`
	Attempt  int       `json:"attempt"`
}

// PlanJob triggers a planning pass. It carries no payload; the planner pulls
// its own candidates.
type PlanJob struct{}

// FinalizeJob reports the actual byte count of an x402-paid upload back to
// the payment service.
type FinalizeJob struct {
	PaymentID   uuid.UUID `json:"paymentId"`
	ItemID      string    `json:"itemId"`
	ActualBytes int64     `json:"actualBytes"`
}
