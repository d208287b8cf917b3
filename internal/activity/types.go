package activity

// Activity records published to the LITFINDER stream. Downstream services
// (moderation, notifications) consume them; the live engine never reads
// them back.

// Metadata contains common record information.
type Metadata struct {
	RecordID  string `json:"record_id"`
	EntityID  string `json:"entity_id"`
	Timestamp int64  `json:"timestamp"`
	Source    string `json:"source"`
	Actor     string `json:"actor"`
}

// EventCreated is published when a user creates an event.
type EventCreated struct {
	Metadata Metadata `json:"metadata"`
	EventID  string   `json:"event_id"`
	Name     string   `json:"name"`
	Owner    string   `json:"owner"`
}

// EventDeleted is published when an owner or admin deletes an event.
type EventDeleted struct {
	Metadata Metadata `json:"metadata"`
	EventID  string   `json:"event_id"`
}

// PromotionRequested is published for admins to review.
type PromotionRequested struct {
	Metadata  Metadata `json:"metadata"`
	EventID   string   `json:"event_id"`
	Requester string   `json:"requester"`
}

// ReportFiled is published when an event is reported.
type ReportFiled struct {
	Metadata Metadata `json:"metadata"`
	EventID  string   `json:"event_id"`
	Reporter string   `json:"reporter"`
	Reason   string   `json:"reason"`
}
