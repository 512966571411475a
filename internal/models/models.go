package models

// Outcome is the terminal result of one generation call.
type Outcome string

const (
	OutcomeInvalid        Outcome = "invalid"
	OutcomeBusy           Outcome = "busy"
	OutcomeUnsuitable     Outcome = "unsuitable"
	OutcomeDelivered      Outcome = "delivered"
	OutcomeBillingAnomaly Outcome = "billing_anomaly"
	OutcomeFailed         Outcome = "failed"
)

// Payment statuses as reported by the gateway.
const (
	PaymentPending   = "pending"
	PaymentSucceeded = "succeeded"
	PaymentCanceled  = "canceled"
)

type User struct {
	ID                   int64
	TelegramID           int64
	Username             string
	FirstName            string
	Generations          int
	GenerationsUsed      int
	ReferredBy           *int64
	ReferralBonusGranted bool
}

type GenerationLog struct {
	TelegramID int64
	JobID      string
	Prompt     string
	Images     int
	Outcome    Outcome
}

type Payment struct {
	ID          int64
	TelegramID  int64
	PaymentID   string
	Amount      int
	Currency    string
	Generations int
	Status      string
}

type Package struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Generations int    `json:"generations"`
	Price       int    `json:"price"`
	Currency    string `json:"currency"`
	IsActive    bool   `json:"is_active"`
}
