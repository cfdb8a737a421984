package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Reset collectors for testing purposes.
	jobsTotal = nil
	jobDurationSeconds = nil
	retriesPublished = nil
	stagedBacklog = nil

	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if jobsTotal == nil || jobDurationSeconds == nil ||
		retriesPublished == nil || stagedBacklog == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}

	ObserveJob("products", "success", 3*time.Second)
	if val := testutil.ToFloat64(jobsTotal.WithLabelValues("products", "success")); val != 1 {
		t.Errorf("expected jobsTotal{products,success} to be 1, got %f", val)
	}

	ObserveRetryPublished("products", "proxy_block")
	if val := testutil.ToFloat64(retriesPublished.WithLabelValues("products", "proxy_block")); val != 1 {
		t.Errorf("expected retriesPublished{products,proxy_block} to be 1, got %f", val)
	}

	SetStagedBacklog("products", 4)
	if val := testutil.ToFloat64(stagedBacklog.WithLabelValues("products")); val != 4 {
		t.Errorf("expected stagedBacklog{products} to be 4, got %f", val)
	}

	IncQuarantined("products")
	if val := testutil.ToFloat64(quarantinedTotal.WithLabelValues("products")); val != 1 {
		t.Errorf("expected quarantinedTotal{products} to be 1, got %f", val)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	Init()
	if Handler() == nil {
		t.Fatal("Handler() returned nil")
	}
}
