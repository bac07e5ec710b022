package metrics

import (
	"io"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	m := New()
	if m == nil {
		t.Fatal("Expected non-nil Metrics")
	}
	if m.OperationsTotal == nil {
		t.Error("Expected OperationsTotal to be initialized")
	}
	if m.SchemasByState == nil {
		t.Error("Expected SchemasByState to be initialized")
	}
	if m.RotationsTotal == nil {
		t.Error("Expected RotationsTotal to be initialized")
	}
}

func TestMetrics_RecordOperation(t *testing.T) {
	m := New()

	m.RecordOperation("query", "BlogPost", 5*time.Millisecond, nil)
	m.RecordOperation("mutation", "BlogPost", 10*time.Millisecond, io.EOF)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordSchemaLoad(t *testing.T) {
	m := New()

	m.RecordSchemaLoad(true)
	m.RecordSchemaLoad(false)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordTransformRun(t *testing.T) {
	m := New()

	m.RecordTransformRun("BlogPost", "title", nil)
	m.RecordTransformRun("BlogPost", "title", io.EOF)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordStorageOperation(t *testing.T) {
	m := New()

	m.RecordStorageOperation("memory", "get", 10*time.Millisecond, nil)
	m.RecordStorageOperation("cassandra", "put", 50*time.Millisecond, io.EOF)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordCacheAccess(t *testing.T) {
	m := New()

	m.RecordCacheAccess("pubkey", true)
	m.RecordCacheAccess("pubkey", false)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordAuthAttempt(t *testing.T) {
	m := New()

	m.RecordAuthAttempt("ed25519", true, "", 5*time.Millisecond)
	m.RecordAuthAttempt("ed25519", false, "signature_verification_failed", 1*time.Millisecond)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordRateLimitHit(t *testing.T) {
	m := New()

	m.RecordRateLimitHit("alice")
	m.RecordRateLimitHit("bob")

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordRotation(t *testing.T) {
	m := New()

	m.RecordRotation("Completed", "manual", 20*time.Millisecond, 3)
	m.RecordRotation("Failed", "manual", 5*time.Millisecond, 0)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordPropagationAck(t *testing.T) {
	m := New()

	m.RecordPropagationAck("corr-1", 2, 3)
	m.RecordPropagationAck("corr-2", 0, 0)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_RecordForward(t *testing.T) {
	m := New()

	m.RecordForward("node-2", nil, 15*time.Millisecond)
	m.RecordForward("node-3", io.EOF, 30*time.Millisecond)

	// Verify metrics are recorded (no panic)
}

func TestMetrics_UpdateSchemaStateCount(t *testing.T) {
	m := New()

	m.UpdateSchemaStateCount("available", 4)
	m.UpdateSchemaStateCount("approved", 2)
}

func TestMetrics_UpdateCacheSize(t *testing.T) {
	m := New()

	m.UpdateCacheSize("pubkey", 1000)
}

func TestMetrics_UpdatePeersConnected(t *testing.T) {
	m := New()

	m.UpdatePeersConnected(3)
}
