package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignatureAcceptsMatchingSignature(t *testing.T) {
	pub := NewPublisher(nil, "top-secret-signing-key")

	payload, err := json.Marshal(ResumeMessage{ExecutionID: "exec-1", SegmentNumber: 2})
	require.NoError(t, err)

	sig := pub.sign(payload)
	assert.True(t, pub.VerifySignature(payload, sig))
}

func TestVerifySignatureRejectsTamperedPayload(t *testing.T) {
	pub := NewPublisher(nil, "top-secret-signing-key")

	payload, err := json.Marshal(ResumeMessage{ExecutionID: "exec-1", SegmentNumber: 2})
	require.NoError(t, err)
	sig := pub.sign(payload)

	tampered, err := json.Marshal(ResumeMessage{ExecutionID: "exec-1", SegmentNumber: 3})
	require.NoError(t, err)

	assert.False(t, pub.VerifySignature(tampered, sig))
}

func TestVerifySignatureRejectsEmptySignature(t *testing.T) {
	pub := NewPublisher(nil, "top-secret-signing-key")
	payload, err := json.Marshal(ResumeMessage{ExecutionID: "exec-1"})
	require.NoError(t, err)

	assert.False(t, pub.VerifySignature(payload, ""))
}

func TestVerifySignatureDiffersByKey(t *testing.T) {
	payload, err := json.Marshal(ResumeMessage{ExecutionID: "exec-1"})
	require.NoError(t, err)

	pubA := NewPublisher(nil, "key-a")
	pubB := NewPublisher(nil, "key-b")

	sig := pubA.sign(payload)
	assert.False(t, pubB.VerifySignature(payload, sig))
}
