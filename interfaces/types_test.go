package interfaces

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStep_Next(t *testing.T) {
	tests := []struct {
		step Step
		next Step
	}{
		{StepIdle, StepBuildingMetadata},
		{StepBuildingMetadata, StepPublishingContent},
		{StepPublishingContent, StepBurningToken},
		{StepBurningToken, StepRegisteringIdentity},
		{StepRegisteringIdentity, StepProvisioning},
		{StepProvisioning, StepSucceeded},
		{StepSucceeded, StepFailed},
		{StepFailed, StepFailed},
		{Step("Bogus"), StepFailed},
	}

	for _, tt := range tests {
		t.Run(tt.step.String(), func(t *testing.T) {
			assert.Equal(t, tt.next, tt.step.Next())
		})
	}
}

func TestStep_Classification(t *testing.T) {
	assert.True(t, StepSucceeded.IsTerminal())
	assert.True(t, StepFailed.IsTerminal())
	assert.False(t, StepProvisioning.IsTerminal())

	for _, s := range []Step{StepIdle, StepBuildingMetadata, StepPublishingContent} {
		assert.True(t, s.Cancellable(), s)
		assert.False(t, s.IsIrreversible(), s)
	}
	for _, s := range []Step{StepBurningToken, StepRegisteringIdentity, StepProvisioning, StepSucceeded, StepFailed} {
		assert.False(t, s.Cancellable(), s)
	}
	assert.True(t, StepBurningToken.IsIrreversible())
	assert.True(t, StepRegisteringIdentity.IsIrreversible())

	assert.Less(t, StepPublishingContent.Order(), StepBurningToken.Order())
	assert.Equal(t, -1, StepFailed.Order())
}

func TestWorkflowState_Clone(t *testing.T) {
	now := time.Now()
	s := &WorkflowState{
		ID:   "wf",
		Step: StepProvisioning,
		Form: ProvisionFormData{AgentName: "Scout", Capabilities: []string{"search"}, TokenID: "42"},
		Metadata: &IdentityMetadata{
			Name:         "Scout",
			Services:     []ServiceEndpoint{{Endpoint: "https://api.example/agents"}},
			Capabilities: []string{"search"},
		},
		Content:             &ContentReference{CID: "bafy", URI: "ipfs://bafy"},
		BurnReceipt:         &ChainReceipt{TxHash: "0xabc", Status: ReceiptSuccess},
		RegistrationReceipt: &ChainReceipt{TxHash: "0xdef", Status: ReceiptSuccess, IdentityID: "7"},
		JobStatus:           &ProvisioningStatus{Status: JobPending},
		Failure:             &Failure{Kind: KindNetwork},
		SignatureRequest:    &SignatureRequest{Purpose: "burn access token"},
		History:             []Transition{{Step: StepIdle, At: now}},
	}

	c := s.Clone()
	require.Equal(t, s, c)

	c.Form.Capabilities[0] = "x"
	c.Metadata.Services[0].Endpoint = "x"
	c.Metadata.Capabilities[0] = "x"
	c.Content.CID = "x"
	c.BurnReceipt.TxHash = "x"
	c.RegistrationReceipt.IdentityID = "x"
	c.JobStatus.Status = JobReady
	c.Failure.Kind = KindInternal
	c.SignatureRequest.Purpose = "x"
	c.History[0].Step = StepFailed

	assert.Equal(t, "search", s.Form.Capabilities[0])
	assert.Equal(t, "https://api.example/agents", s.Metadata.Services[0].Endpoint)
	assert.Equal(t, "search", s.Metadata.Capabilities[0])
	assert.Equal(t, "bafy", s.Content.CID)
	assert.Equal(t, "0xabc", s.BurnReceipt.TxHash)
	assert.Equal(t, "7", s.RegistrationReceipt.IdentityID)
	assert.Equal(t, JobPending, s.JobStatus.Status)
	assert.Equal(t, KindNetwork, s.Failure.Kind)
	assert.Equal(t, "burn access token", s.SignatureRequest.Purpose)
	assert.Equal(t, StepIdle, s.History[0].Step)

	var nilState *WorkflowState
	assert.Nil(t, nilState.Clone())
}

func TestWorkflowState_ChainEffectsRecorded(t *testing.T) {
	s := &WorkflowState{}
	assert.False(t, s.ChainEffectsRecorded())

	s.BurnTxHash = "0xabc"
	assert.True(t, s.ChainEffectsRecorded())
}
