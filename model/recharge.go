package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// QueueItemStatus is the lifecycle state of an auxiliary queue item.
type QueueItemStatus string

const (
	// StatusWebserviceSuccessPendingDB marks an item whose provider charge
	// succeeded but whose database row is not yet confirmed. Items in this
	// state represent money already spent and must never be discarded
	// until the matching detail row is verified to exist.
	StatusWebserviceSuccessPendingDB QueueItemStatus = "webservice_success_pending_db"

	// StatusCompleted marks an item whose detail row has been confirmed.
	StatusCompleted QueueItemStatus = "completed"
)

// RechargeCandidate is a device or line eligible for a top-up in the
// current cycle. Produced by the per-fleet selection query, read-only to
// the engine.
type RechargeCandidate struct {
	SIM         string          `json:"sim"`
	Fleet       FleetType       `json:"fleet"`
	Description string          `json:"description,omitempty"`
	Reason      string          `json:"reason"`
	Amount      decimal.Decimal `json:"amount"`
}

// ProviderTransaction is the result of a successful external charge.
// Immutable once created; Folio is the provider-assigned receipt number,
// globally unique per provider, and the idempotency key for persistence.
type ProviderTransaction struct {
	Provider      string          `json:"provider"`
	TransactionID string          `json:"transaction_id"`
	Folio         string          `json:"folio"`
	Amount        decimal.Decimal `json:"amount"`
	RawResponse   json.RawMessage `json:"raw_response,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// QueueItem is the durable recovery unit: a provider charge waiting for
// confirmed database persistence.
type QueueItem struct {
	ID               string              `json:"id"`
	SIM              string              `json:"sim"`
	Fleet            FleetType           `json:"fleet"`
	Transaction      ProviderTransaction `json:"transaction"`
	Status           QueueItemStatus     `json:"status"`
	AddedAt          time.Time           `json:"added_at"`
	RecoveryAttempts int                 `json:"recovery_attempts"`
	LastAttemptAt    time.Time           `json:"last_attempt_at,omitempty"`
	// Provenance records the human-readable reason the item exists,
	// for audits of crash-recovery replays.
	Provenance string `json:"provenance"`
}

func (i *QueueItem) ToJSON() ([]byte, error) {
	return json.Marshal(i)
}

func QueueItemFromJSON(data []byte) (*QueueItem, error) {
	var item QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// Key identifies the item in the queue store: candidate identity plus
// folio, so a re-charge of the same SIM never collides with an earlier
// pending item.
func (i *QueueItem) Key() string {
	return i.SIM + ":" + i.Transaction.Folio
}

// ProviderBalance is a point-in-time balance reading for one provider.
// Read fresh per routing decision, never cached across decisions.
type ProviderBalance struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

// CycleSummary is the externally observable result of one processing
// cycle for one fleet.
type CycleSummary struct {
	Fleet      FleetType `json:"fleet"`
	Processed  int       `json:"processed"`
	Success    int       `json:"success"`
	Failed     int       `json:"failed"`
	Recovered  int       `json:"recovered"`
	LockDenied bool      `json:"lock_denied"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// BatchResult reports the outcome of one batch insert. Duplicates counts
// items whose folio already existed in the detail table; they are treated
// as successful so crash-recovery replays converge, but remain separately
// visible in statistics.
type BatchResult struct {
	Processed  int              `json:"processed"`
	Success    int              `json:"success"`
	Duplicates int              `json:"duplicates"`
	Failed     int              `json:"failed"`
	Errors     map[string]error `json:"-"`
}
