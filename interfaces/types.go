// Package interfaces defines the core types and collaborator contracts of the
// agent identity provisioning workflow. It carries no implementation details.
package interfaces

import (
	"time"
)

// Step is a state of the provisioning workflow.
type Step string

const (
	StepIdle                Step = "Idle"
	StepBuildingMetadata    Step = "BuildingMetadata"
	StepPublishingContent   Step = "PublishingContent"
	StepBurningToken        Step = "BurningToken"
	StepRegisteringIdentity Step = "RegisteringIdentity"
	StepProvisioning        Step = "Provisioning"
	StepSucceeded           Step = "Succeeded"
	StepFailed              Step = "Failed"
)

var stepOrder = []Step{
	StepIdle,
	StepBuildingMetadata,
	StepPublishingContent,
	StepBurningToken,
	StepRegisteringIdentity,
	StepProvisioning,
	StepSucceeded,
}

// Order returns the position of the step in the linear workflow.
// Failed and unknown steps return -1.
func (s Step) Order() int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// Next returns the step that follows s, or StepFailed for terminal and unknown steps.
func (s Step) Next() Step {
	i := s.Order()
	if i < 0 || i+1 >= len(stepOrder) {
		return StepFailed
	}
	return stepOrder[i+1]
}

// IsTerminal reports whether no further transition is possible from s.
func (s Step) IsTerminal() bool {
	return s == StepSucceeded || s == StepFailed
}

// IsIrreversible reports whether the step submits an on-chain transaction.
func (s Step) IsIrreversible() bool {
	return s == StepBurningToken || s == StepRegisteringIdentity
}

// Cancellable reports whether a user may still abort the workflow in this step.
func (s Step) Cancellable() bool {
	return s == StepIdle || s == StepBuildingMetadata || s == StepPublishingContent
}

func (s Step) String() string {
	return string(s)
}

// ProvisionFormData is the user input for a provisioning attempt.
// It is never modified once handed to the orchestrator.
type ProvisionFormData struct {
	AgentName    string   `json:"agentName" validate:"required"`
	Description  string   `json:"description"`
	Capabilities []string `json:"capabilities" validate:"required,min=1,dive,required"`
	TokenID      string   `json:"tokenId" validate:"required,number"`
}

// ServiceEndpoint is one service entry of the identity document.
type ServiceEndpoint struct {
	Endpoint    string `json:"endpoint"`
	X402Support bool   `json:"x402Support"`
}

// IdentityMetadata is the registration document published to the content store.
// Field names and nesting are fixed by the registration standard.
type IdentityMetadata struct {
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	Services     []ServiceEndpoint `json:"services"`
	Capabilities []string          `json:"capabilities"`
}

// ContentReference addresses a published document.
type ContentReference struct {
	CID string `json:"cid"`
	URI string `json:"uri"`
}

// ReceiptStatus is the execution status of an included transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// ChainReceipt is the confirmation of an included transaction.
type ChainReceipt struct {
	TxHash      string        `json:"txHash"`
	BlockNumber uint64        `json:"blockNumber"`
	Status      ReceiptStatus `json:"status"`

	// IdentityID is set on registration receipts only.
	IdentityID string `json:"identityId,omitempty"`
}

// JobStatus is the backend state of a provisioning job.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobReady   JobStatus = "ready"
	JobFailed  JobStatus = "failed"
)

// ProvisioningStatus is the backend response to a job status query.
type ProvisioningStatus struct {
	Status JobStatus `json:"status"`
	Detail string    `json:"detail,omitempty"`
}

// SignatureRequest describes a transaction waiting for the user's approval.
type SignatureRequest struct {
	Purpose     string    `json:"purpose"`
	ChainID     string    `json:"chainId"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	UnsignedTx  string    `json:"unsignedTx"`
	RequestedAt time.Time `json:"requestedAt"`
}

// Failure is the terminal error record of a failed workflow.
type Failure struct {
	Kind              ErrorKind `json:"kind"`
	Message           string    `json:"message"`
	Detail            string    `json:"detail,omitempty"`
	FailedStep        Step      `json:"failedStep"`
	LastCompletedStep Step      `json:"lastCompletedStep"`
	Retryable         bool      `json:"retryable"`

	// Irreversible is set when an on-chain transaction was already submitted
	// for the failed step or a preceding one.
	Irreversible bool `json:"irreversible"`
}

// Transition records entry into a step.
type Transition struct {
	Step Step      `json:"step"`
	At   time.Time `json:"at"`
}

// WorkflowState is the persisted record of one provisioning attempt.
// It is owned by the orchestrator; workers never see it.
type WorkflowState struct {
	ID                string            `json:"id"`
	Step              Step              `json:"step"`
	LastCompletedStep Step              `json:"lastCompletedStep"`
	Form              ProvisionFormData `json:"form"`
	Owner             string            `json:"owner,omitempty"`

	Metadata            *IdentityMetadata   `json:"metadata,omitempty"`
	Content             *ContentReference   `json:"content,omitempty"`
	BurnTxHash          string              `json:"burnTxHash,omitempty"`
	BurnReceipt         *ChainReceipt       `json:"burnReceipt,omitempty"`
	RegistrationTxHash  string              `json:"registrationTxHash,omitempty"`
	RegistrationReceipt *ChainReceipt       `json:"registrationReceipt,omitempty"`
	JobID               string              `json:"jobId,omitempty"`
	JobStatus           *ProvisioningStatus `json:"jobStatus,omitempty"`

	IdentityID       string            `json:"identityId,omitempty"`
	Failure          *Failure          `json:"failure,omitempty"`
	SignatureRequest *SignatureRequest `json:"signatureRequest,omitempty"`

	History   []Transition `json:"history"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Terminal reports whether the workflow reached Succeeded or Failed.
func (s *WorkflowState) Terminal() bool {
	return s.Step.IsTerminal()
}

// ChainEffectsRecorded reports whether any on-chain transaction has been submitted.
func (s *WorkflowState) ChainEffectsRecorded() bool {
	return s.BurnTxHash != "" || s.BurnReceipt != nil || s.RegistrationTxHash != "" || s.RegistrationReceipt != nil
}

// Clone returns a deep copy safe to hand out to other goroutines.
func (s *WorkflowState) Clone() *WorkflowState {
	if s == nil {
		return nil
	}
	c := *s
	c.Form.Capabilities = append([]string(nil), s.Form.Capabilities...)
	if s.Metadata != nil {
		m := *s.Metadata
		m.Services = append([]ServiceEndpoint(nil), s.Metadata.Services...)
		m.Capabilities = append([]string(nil), s.Metadata.Capabilities...)
		c.Metadata = &m
	}
	if s.Content != nil {
		ref := *s.Content
		c.Content = &ref
	}
	if s.BurnReceipt != nil {
		r := *s.BurnReceipt
		c.BurnReceipt = &r
	}
	if s.RegistrationReceipt != nil {
		r := *s.RegistrationReceipt
		c.RegistrationReceipt = &r
	}
	if s.JobStatus != nil {
		js := *s.JobStatus
		c.JobStatus = &js
	}
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.SignatureRequest != nil {
		sr := *s.SignatureRequest
		c.SignatureRequest = &sr
	}
	c.History = append([]Transition(nil), s.History...)
	return &c
}
