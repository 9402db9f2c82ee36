package core

// Job kinds routed by the worker pools.
const (
	JobKindImport   = "import"
	JobKindDelivery = "delivery"
)

// ImportJob asks a worker to merge a staged upload into the catalog.
type ImportJob struct {
	JobID    string `json:"job_id"`
	Path     string `json:"path"`
	Filename string `json:"filename"`
	Format   Format `json:"format"`
}

// EventPayload is the JSON body POSTed to a subscriber.
type EventPayload struct {
	Event   EventKind `json:"event"`
	Product int64     `json:"product"`
}

// DeliveryJob is one notification owed to one subscriber.
type DeliveryJob struct {
	SubscriptionID int64        `json:"subscription_id"`
	URL            string       `json:"url"`
	Event          EventKind    `json:"event"`
	Payload        EventPayload `json:"payload"`
}
