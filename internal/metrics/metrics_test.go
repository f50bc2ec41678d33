package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSetPool(t *testing.T) {
	m := New("test")
	m.SetPool(2048.5, 3, 120)

	if got := testutil.ToFloat64(m.poolHashrate); got != 2048.5 {
		t.Errorf("pool hashrate = %v, want 2048.5", got)
	}
	if got := testutil.ToFloat64(m.poolMiners); got != 3 {
		t.Errorf("pool miners = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.roundHashes); got != 120 {
		t.Errorf("round hashes = %v, want 120", got)
	}
}

func TestObserveCycle(t *testing.T) {
	m := New("test")
	m.ObserveCycle("unlocker", time.Now(), nil)
	m.ObserveCycle("unlocker", time.Now(), errors.New("boom"))

	if got := testutil.ToFloat64(m.cycleErrors.WithLabelValues("unlocker")); got != 1 {
		t.Errorf("cycle errors = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.cycleDuration); got != 1 {
		t.Errorf("histogram series = %d, want 1", got)
	}
}

func TestSettlementCounters(t *testing.T) {
	m := New("test")
	m.AddSettled("unlocked", 2)
	m.AddSettled("orphaned", 1)
	m.AddCredited(990)
	m.AddCredited(0)
	m.AddReallocated(15)
	m.SetPending(4)

	if got := testutil.ToFloat64(m.blocksSettled.WithLabelValues("unlocked")); got != 2 {
		t.Errorf("unlocked = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.creditedTotal); got != 990 {
		t.Errorf("credited = %v, want 990", got)
	}
	if got := testutil.ToFloat64(m.reallocated); got != 15 {
		t.Errorf("reallocated = %v, want 15", got)
	}
	if got := testutil.ToFloat64(m.pendingBlocks); got != 4 {
		t.Errorf("pending = %v, want 4", got)
	}
}

func TestHandler(t *testing.T) {
	m := New("pool")
	m.SetNetwork(1000, 42)
	m.SetSubscribers(5, 2)
	m.IncBroadcast()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		"pool_network_height 42",
		"pool_live_subscribers 5",
		"pool_live_address_watchers 2",
		"pool_live_broadcasts_total 1",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
