package webhookproc

import (
	"encoding/json"
	"time"
)

// InboundEvent is the parsed, already-authenticated webhook envelope handed
// in by the transport layer.
type InboundEvent struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data"`
	Created  int64           `json:"created"`
	Livemode bool            `json:"livemode"`
}

// ProcessingResult reports the durable outcome of an ingest call.
type ProcessingResult struct {
	ExternalID string `json:"external_id"`
	EventType  string `json:"event_type"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	Duplicate  bool   `json:"duplicate"`
	Error      string `json:"error,omitempty"`
}

// StageRecorder lets a handler report its resource usage for the stage row.
type StageRecorder struct {
	dbQueries int
	apiCalls  int
	startedAt time.Time
}

func (r *StageRecorder) CountQuery()   { r.dbQueries++ }
func (r *StageRecorder) CountAPICall() { r.apiCalls++ }

// eventPayload is the provider "data" envelope: the object lives under
// data.object.
type eventPayload struct {
	Object json.RawMessage `json:"object"`
}

// subscriptionPayload is the subset of a provider subscription object the
// handlers read from webhook payloads.
type subscriptionPayload struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	CanceledAt        int64  `json:"canceled_at"`
	CurrentPeriodStart int64 `json:"current_period_start"`
	CurrentPeriodEnd   int64 `json:"current_period_end"`
	Created           int64  `json:"created"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			ID       string `json:"id"`
			Quantity int64  `json:"quantity"`
			Price    struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// invoicePayload is the subset of a provider invoice object the handlers use.
type invoicePayload struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Paid         bool   `json:"paid"`
}

// pricePayload is the subset of a provider price object the handlers use.
type pricePayload struct {
	ID string `json:"id"`
}

// productPayload is the subset of a provider product object the handlers use.
type productPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Active      bool   `json:"active"`
}
