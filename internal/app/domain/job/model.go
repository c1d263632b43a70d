// Package job defines the DVM job row and its customer/provider lifecycle
// states.
package job

import "time"

// Role distinguishes the two projections of a job row.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleProvider Role = "provider"
)

// Status is a job row's lifecycle state.
type Status string

const (
	StatusOpen             Status = "open"
	StatusProcessing       Status = "processing"
	StatusResultAvailable  Status = "result_available"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
	StatusError            Status = "error"
	StatusRejected         Status = "rejected"
)

// Terminal reports whether status never transitions further.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Job is one row, owned either by the customer or a provider.
type Job struct {
	ID              string
	UserID          string
	Role            Role
	Kind            int
	Status          Status
	Input           string
	InputType       string
	Output          string
	Params          map[string]string
	BidMsats        int64
	PriceMsats      int64
	CustomerPubkey  string
	ProviderPubkey  string
	RequestEventID  string
	ResultEventID   string
	EventID         string
	Bolt11          string
	PaymentHash     string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payable computes the amount owed on completion: min(price, bid) when a
// price was set by the provider, otherwise the bid acts as the payable
// cap.
func (j Job) Payable() int64 {
	if j.PriceMsats > 0 {
		if j.PriceMsats < j.BidMsats || j.BidMsats == 0 {
			return j.PriceMsats
		}
		return j.BidMsats
	}
	return j.BidMsats
}
