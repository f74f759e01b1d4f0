package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

func TestPatternObservedValidate(t *testing.T) {
	valid := PatternObserved{
		Signature:     "sig",
		SignatureHash: "hash",
		DomainID:      "domain",
		Confidence:    0.7,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name    string
		mutate  func(*PatternObserved)
		wantErr error
	}{
		{"empty signature", func(e *PatternObserved) { e.Signature = "" }, pattern.ErrEmptySignature},
		{"empty hash", func(e *PatternObserved) { e.SignatureHash = "" }, pattern.ErrEmptySignatureHash},
		{"empty domain", func(e *PatternObserved) { e.DomainID = "" }, pattern.ErrEmptyDomainID},
		{"confidence above one", func(e *PatternObserved) { e.Confidence = 1.1 }, pattern.ErrInvalidConfidence},
		{"confidence below floor", func(e *PatternObserved) { e.Confidence = 0.49 }, pattern.ErrConfidenceBelowFloor},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evt := valid
			tt.mutate(&evt)
			assert.ErrorIs(t, evt.Validate(), tt.wantErr)
		})
	}
}

func TestPatternObservedFloorIsExclusive(t *testing.T) {
	evt := PatternObserved{
		Signature:     "sig",
		SignatureHash: "hash",
		DomainID:      "domain",
		Confidence:    pattern.ConfidenceFloor,
	}
	assert.NoError(t, evt.Validate(), "confidence exactly at the floor is accepted")
}

func TestOutcomeReportedValidate(t *testing.T) {
	valid := OutcomeReported{PatternID: "p", Outcome: OutcomeFailure, RequestID: "r"}
	assert.NoError(t, valid.Validate())

	assert.ErrorIs(t, (&OutcomeReported{Outcome: OutcomeSuccess, RequestID: "r"}).Validate(), ErrMissingPatternID)
	assert.ErrorIs(t, (&OutcomeReported{PatternID: "p", Outcome: "partial", RequestID: "r"}).Validate(), ErrInvalidOutcome)
	assert.ErrorIs(t, (&OutcomeReported{PatternID: "p", Outcome: OutcomeSuccess}).Validate(), ErrMissingRequestID)
}

func TestManualDisableValidate(t *testing.T) {
	assert.NoError(t, (&ManualDisable{PatternID: "p", Reason: "r"}).Validate())
	assert.ErrorIs(t, (&ManualDisable{Reason: "r"}).Validate(), ErrMissingPatternID)
	assert.Error(t, (&ManualDisable{PatternID: "p"}).Validate())
}

func TestMemoryPublisherFailNext(t *testing.T) {
	pub := NewMemoryPublisher()
	pub.FailNext(1, assert.AnError)

	err := pub.Publish(context.Background(), "subj", "payload")
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, pub.Publish(context.Background(), "subj", "payload"))
	assert.Len(t, pub.BySubject("subj"), 1)
}
