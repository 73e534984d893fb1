package audit

import "time"

// Action is the flattened action recorded in each audit entry
type Action string

const (
	// License lifecycle
	ActionLicenseCreated     Action = "license_created"
	ActionLicenseActivated   Action = "license_activated"
	ActionLicenseReactivated Action = "license_reactivated"
	ActionLicenseSuspended   Action = "license_suspended"
	ActionLicenseRevoked     Action = "license_revoked"

	// Validation outcomes
	ActionValidationSucceeded Action = "validation_succeeded"
	ActionValidationDenied    Action = "validation_denied"

	// Webhook admission
	ActionEventAdmitted  Action = "event_admitted"
	ActionEventDuplicate Action = "event_duplicate"
	ActionEventRejected  Action = "event_rejected"
	ActionEventIgnored   Action = "event_ignored"
)

// Entry is one link in the hash-chained audit log. Field order is fixed and
// all fields are scalars to guarantee deterministic canonical encoding for
// reproducible hashing.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Actor     string    `json:"actor"`
	Action    Action    `json:"action"`
	SubjectID string    `json:"subject_id"`
	Detail    string    `json:"detail,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	EntryHash string    `json:"entry_hash"`
}
