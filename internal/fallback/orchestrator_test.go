package fallback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/trunk-fallback-gateway/internal/capacity"
	"github.com/acme/trunk-fallback-gateway/internal/config"
	"github.com/acme/trunk-fallback-gateway/internal/domain"
	"github.com/acme/trunk-fallback-gateway/internal/gateway"
	"github.com/acme/trunk-fallback-gateway/internal/repository"
	"github.com/acme/trunk-fallback-gateway/internal/switchctl"
	"github.com/acme/trunk-fallback-gateway/internal/tracker"
	apperrors "github.com/acme/trunk-fallback-gateway/pkg/errors"
	"github.com/acme/trunk-fallback-gateway/pkg/logger"
)

func nopLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

// scriptedManager answers originations per trunk identity embedded in the
// channel descriptor.
type scriptedManager struct {
	mu      sync.Mutex
	results map[string]switchctl.OriginateResult
	seq     int
}

func (m *scriptedManager) Connect(ctx context.Context) error { return nil }
func (m *scriptedManager) Disconnect() {}
func (m *scriptedManager) Originate(ctx context.Context, req switchctl.OriginateRequest) (switchctl.OriginateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for trunk, result := range m.results {
		if strings.HasPrefix(req.Channel, "SIP/"+trunk+"/") {
			if result.Success && result.ExternalID == "" {
				m.seq++
				result.ExternalID = fmt.Sprintf("test.%d", m.seq)
			}
			var err error
			if result.Unavailable {
				err = apperrors.ErrConnectionUnavailable
			}
			return result, err
		}
	}
	return switchctl.OriginateResult{Error: "no route"}, nil
}
func (m *scriptedManager) Hangup(ctx context.Context, externalID string) bool { return true }
func (m *scriptedManager) ListChannels(ctx context.Context) []switchctl.ChannelInfo { return nil }
func (m *scriptedManager) State() switchctl.ConnState { return switchctl.StateConnected }
func (m *scriptedManager) ReconnectAttempts() int { return 0 }
func (m *scriptedManager) Events() <-chan switchctl.Event { return nil }

type fakeTrunkStore struct {
	mu        sync.Mutex
	successes map[uuid.UUID]int
	failures  map[uuid.UUID][]string
	releases  map[uuid.UUID]int
}

func newFakeTrunkStore() *fakeTrunkStore {
	return &fakeTrunkStore{
		successes: make(map[uuid.UUID]int),
		failures:  make(map[uuid.UUID][]string),
		releases:  make(map[uuid.UUID]int),
	}
}

func (s *fakeTrunkStore) RecordSuccess(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes[id]++
	return nil
}

func (s *fakeTrunkStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = append(s.failures[id], reason)
	return nil
}

func (s *fakeTrunkStore) ReleaseCall(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[id]++
	return nil
}

type fakeTariffLookup struct {
	provider *domain.Provider
	err      error
}

func (l *fakeTariffLookup) GetByName(ctx context.Context, name string) (*domain.Provider, error) {
	if l.err != nil {
		return nil, l.err
	}
	return l.provider, nil
}

type fakeRecordSink struct {
	mu       sync.Mutex
	attempts []domain.OriginationAttempt
	finals   []repository.FinalCallRecord
}

func (s *fakeRecordSink) RecordAttempt(ctx context.Context, attempt domain.OriginationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, attempt)
	return nil
}

func (s *fakeRecordSink) RecordFinal(ctx context.Context, record repository.FinalCallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finals = append(s.finals, record)
	return nil
}

type fixture struct {
	orchestrator *Orchestrator
	manager      *scriptedManager
	guard        *capacity.MemoryGuard
	trunkStore   *fakeTrunkStore
	sink         *fakeRecordSink
	tracker      *tracker.Tracker
}

func newFixture(results map[string]switchctl.OriginateResult) *fixture {
	lg := nopLogger()
	manager := &scriptedManager{results: results}
	guard := capacity.NewMemoryGuard()
	trunkStore := newFakeTrunkStore()
	sink := &fakeRecordSink{}
	tr := tracker.New(lg)

	cfg := config.FallbackConfig{
		AssumedDuration: time.Minute,
		DefaultTariff:   0.10,
		EchoDestination: "echo@conference.sip2sip.info",
	}
	swCfg := config.SwitchConfig{Context: "outbound", OriginationTimeout: time.Second}

	deps := Deps{
		Gateway:   gateway.New(manager, swCfg, lg),
		Switch:    manager,
		Guard:     guard,
		Trunks:    trunkStore,
		Providers: &fakeTariffLookup{provider: &domain.Provider{TariffFixed: 0.06, TariffMobile: 0.10}},
		Tracker:   tr,
		Records:   sink,
	}
	return &fixture{
		orchestrator: New(deps, cfg, lg),
		manager:      manager,
		guard:        guard,
		trunkStore:   trunkStore,
		sink:         sink,
		tracker:      tr,
	}
}

func testTrunk(name string, maxChannels int) domain.Trunk {
	return domain.Trunk{
		ID:          uuid.New(),
		Name:        name,
		SIPUsername: name,
		Provider:    "acme-telecom",
		MaxChannels: maxChannels,
		IsActive:    true,
	}
}

func TestPlaceCallFirstTrunkSucceeds(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
	})
	trunkA := testTrunk("trunk-a", 10)

	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "5511999990000"}, []domain.Trunk{trunkA})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.TrunkID == nil || *result.TrunkID != trunkA.ID {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(result.Attempts) != 1 {
		t.Fatalf("expected one attempt, got %d", len(result.Attempts))
	}
	if f.trunkStore.successes[trunkA.ID] != 1 {
		t.Fatalf("success counter not bumped: %+v", f.trunkStore.successes)
	}

	// avg(0.06, 0.10) = 0.08 per minute, one assumed minute.
	if math.Abs(result.EstimatedCost-0.08) > 1e-9 {
		t.Fatalf("expected estimated cost 0.08, got %v", result.EstimatedCost)
	}
}

func TestPlaceCallFallsBackInOrder(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Error: "CONGESTION"},
		"trunk-b": {Success: true},
	})
	trunkA := testTrunk("trunk-a", 10)
	trunkB := testTrunk("trunk-b", 10)

	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "5511999990000"}, []domain.Trunk{trunkA, trunkB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || *result.TrunkID != trunkB.ID {
		t.Fatalf("expected fallback to trunk-b, got %+v", result)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(result.Attempts))
	}
	if !result.Attempts[1].Success || result.Attempts[0].Success {
		t.Fatalf("attempt order wrong: %+v", result.Attempts)
	}

	if got := f.trunkStore.failures[trunkA.ID]; len(got) != 1 || got[0] != "CONGESTION" {
		t.Fatalf("trunk-a failure not recorded exactly once: %v", got)
	}
	if len(f.trunkStore.failures[trunkB.ID]) != 0 {
		t.Fatalf("trunk-b must not carry a failure: %v", f.trunkStore.failures[trunkB.ID])
	}

	// The failed attempt must not leak a capacity slot.
	if inUse, _ := f.guard.InUse(context.Background(), trunkA.ID); inUse != 0 {
		t.Fatalf("trunk-a slot leaked: %d in use", inUse)
	}
}

func TestPlaceCallAllTrunksFail(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Error: "CONGESTION"},
		"trunk-b": {Error: "NO ANSWER"},
	})
	trunks := []domain.Trunk{testTrunk("trunk-a", 10), testTrunk("trunk-b", 10)}

	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "5511999990000"}, trunks)
	if err == nil {
		t.Fatal("expected error")
	}

	var allFailed *AllTrunksFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllTrunksFailedError, got %v", err)
	}
	if allFailed.Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", allFailed.Attempts)
	}
	if allFailed.LastError != "NO ANSWER" {
		t.Fatalf("expected last error from final trunk, got %q", allFailed.LastError)
	}
	if allFailed.SwitchUnreachable {
		t.Fatal("trunk-level rejections must not count as switch unreachable")
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("expected 2 recorded attempts, got %d", len(result.Attempts))
	}
}

func TestPlaceCallSwitchUnreachable(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Unavailable: true, Error: "connection unavailable"},
		"trunk-b": {Unavailable: true, Error: "connection unavailable"},
	})
	trunks := []domain.Trunk{testTrunk("trunk-a", 10), testTrunk("trunk-b", 10)}

	_, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "5511999990000"}, trunks)
	var allFailed *AllTrunksFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllTrunksFailedError, got %v", err)
	}
	if !allFailed.SwitchUnreachable {
		t.Fatal("session-down failures on every trunk must report switch unreachable")
	}
}

func TestPlaceCallSkipsSaturatedTrunk(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
		"trunk-b": {Success: true},
	})
	saturated := testTrunk("trunk-a", 2)
	saturated.CurrentCalls = 2
	trunkB := testTrunk("trunk-b", 10)

	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "5511999990000"}, []domain.Trunk{saturated, trunkB})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *result.TrunkID != trunkB.ID {
		t.Fatalf("expected saturated trunk to be skipped, used %v", result.TrunkID)
	}
	if len(result.Attempts) != 2 {
		t.Fatalf("capacity skip must still be visible as an attempt, got %d", len(result.Attempts))
	}
	if !strings.Contains(result.Attempts[0].Error, apperrors.ErrCapacityExceeded.Error()) {
		t.Fatalf("unexpected skip reason: %q", result.Attempts[0].Error)
	}
	// A skip is not an origination failure.
	if len(f.trunkStore.failures[saturated.ID]) != 0 {
		t.Fatalf("capacity skip must not bump failure counters: %v", f.trunkStore.failures[saturated.ID])
	}
}

func TestPlaceCallValidation(t *testing.T) {
	f := newFixture(nil)

	_, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{}, []domain.Trunk{testTrunk("trunk-a", 1)})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPlaceCallNoCandidates(t *testing.T) {
	f := newFixture(nil)

	_, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "100"}, nil)
	var allFailed *AllTrunksFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("expected AllTrunksFailedError, got %v", err)
	}
	if allFailed.Attempts != 0 {
		t.Fatalf("expected zero attempts, got %d", allFailed.Attempts)
	}
}

func TestPlaceCallConcurrentCapacity(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
	})
	trunk := testTrunk("trunk-a", 5)
	const callers = 25

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, _ := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "100"}, []domain.Trunk{trunk})
			if result.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != trunk.MaxChannels {
		t.Fatalf("expected exactly %d concurrent calls through the trunk, got %d", trunk.MaxChannels, successes)
	}
	if inUse, _ := f.guard.InUse(context.Background(), trunk.ID); inUse != trunk.MaxChannels {
		t.Fatalf("expected %d reserved slots, got %d", trunk.MaxChannels, inUse)
	}
}

func TestTerminalNotificationReconcilesCost(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
	})
	trunk := testTrunk("trunk-a", 10)

	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{To: "100"}, []domain.Trunk{trunk})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now().UTC()
	f.tracker.Handle(switchctl.Event{Type: switchctl.EventAnswered, ExternalID: result.ExternalID, At: start})
	f.tracker.Handle(switchctl.Event{Type: switchctl.EventHangup, ExternalID: result.ExternalID, Cause: 16, At: start.Add(120 * time.Second)})

	f.sink.mu.Lock()
	finals := append([]repository.FinalCallRecord(nil), f.sink.finals...)
	f.sink.mu.Unlock()

	if len(finals) != 1 {
		t.Fatalf("expected one terminal record, got %d", len(finals))
	}
	final := finals[0]
	if final.State != domain.CallStateCompleted || final.Cause != 16 {
		t.Fatalf("unexpected final record: %+v", final)
	}

	// Slot and trunk counter released on hangup.
	if inUse, _ := f.guard.InUse(context.Background(), trunk.ID); inUse != 0 {
		t.Fatalf("slot not released on hangup: %d in use", inUse)
	}
	if f.trunkStore.releases[trunk.ID] != 1 {
		t.Fatalf("trunk counter not released: %+v", f.trunkStore.releases)
	}

	// Cost reconciled from the measured duration: 2 minutes at 0.08/min.
	wantCost := float64(final.DurationSeconds) / 60 * 0.08
	if math.Abs(final.Cost-wantCost) > 1e-9 {
		t.Fatalf("expected cost %v, got %v", wantCost, final.Cost)
	}
}

func TestEnrichmentDegradesGracefully(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
	})
	trunk := testTrunk("trunk-a", 10)

	// No transcriber or sentiment client configured; recording is local.
	result, err := f.orchestrator.PlaceCall(context.Background(), domain.CallRequest{
		To:               "100",
		RecordCall:       true,
		Transcribe:       true,
		AnalyzeSentiment: true,
	}, []domain.Trunk{trunk})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RecordingURL == nil || *result.RecordingURL == "" {
		t.Fatal("recording URL must be populated when recording is requested")
	}
	if result.Transcription != nil || result.Sentiment != nil {
		t.Fatal("missing enrichment clients must degrade to nil fields")
	}
}

func TestCostHelpers(t *testing.T) {
	if got := estimateCost(time.Minute, 0.08); math.Abs(got-0.08) > 1e-9 {
		t.Fatalf("estimateCost(1m, 0.08) = %v", got)
	}
	if got := costFor(90, 0.10); math.Abs(got-0.15) > 1e-9 {
		t.Fatalf("costFor(90s, 0.10) = %v", got)
	}
	if got := costFor(0, 0.10); got != 0 {
		t.Fatalf("zero duration must cost nothing, got %v", got)
	}
}

func TestLookupTariffFallsBackToDefault(t *testing.T) {
	f := newFixture(nil)
	f.orchestrator.deps.Providers = &fakeTariffLookup{err: repository.ErrNotFound}

	if got := f.orchestrator.lookupTariff(context.Background(), "unknown"); got != 0.10 {
		t.Fatalf("expected default tariff 0.10, got %v", got)
	}
	if got := f.orchestrator.lookupTariff(context.Background(), ""); got != 0.10 {
		t.Fatalf("expected default tariff for empty provider, got %v", got)
	}
}

func TestTestTrunkProbe(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Success: true},
	})
	trunk := testTrunk("trunk-a", 2)

	result := f.orchestrator.TestTrunk(context.Background(), trunk)
	if !result.Success {
		t.Fatalf("expected probe success, got %+v", result)
	}

	// Probe slots must be returned.
	if inUse, _ := f.guard.InUse(context.Background(), trunk.ID); inUse != 0 {
		t.Fatalf("probe leaked a slot: %d in use", inUse)
	}
}

func TestTestTrunkFailure(t *testing.T) {
	f := newFixture(map[string]switchctl.OriginateResult{
		"trunk-a": {Error: "CHANUNAVAIL"},
	})

	result := f.orchestrator.TestTrunk(context.Background(), testTrunk("trunk-a", 2))
	if result.Success {
		t.Fatal("expected probe failure")
	}
	if result.Error != "CHANUNAVAIL" {
		t.Fatalf("unexpected probe error: %q", result.Error)
	}
}
