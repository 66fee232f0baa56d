package model

import "github.com/google/uuid"

// Origin identifies what initiated an operation.
type Origin string

const (
	OriginAPI    Origin = "api"
	OriginCLI    Origin = "cli"
	OriginSystem Origin = "system"
)

// OperationContext carries the caller identity and audit flags through every
// step of a record operation.
type OperationContext struct {
	UserID      string `json:"userId"`
	UserName    string `json:"userName,omitempty"`
	Origin      Origin `json:"origin"`
	SkipAudit   bool   `json:"skipAudit,omitempty"`
	OperationID string `json:"operationId"`
}

// NewOperationContext returns a context for the given user with a fresh
// operation id.
func NewOperationContext(userID string, origin Origin) OperationContext {
	return OperationContext{
		UserID:      userID,
		Origin:      origin,
		OperationID: uuid.NewString(),
	}
}

// EnsureID assigns an operation id if none is set.
func (o OperationContext) EnsureID() OperationContext {
	if o.OperationID == "" {
		o.OperationID = uuid.NewString()
	}
	return o
}
