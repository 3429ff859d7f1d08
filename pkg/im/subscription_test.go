package im

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/timer"
	"github.com/emberlink/matter/pkg/transport"
)

// lightCluster is the behavior used across the subscription tests.
type lightCluster struct {
	*protocol.ClusterState
}

const (
	lightClusterID protocol.ClusterID = 0x0006

	attrLightOn    protocol.AttributeID = 0x0000
	attrLightLevel protocol.AttributeID = 0x0001
)

func newLightCluster() *lightCluster {
	return &lightCluster{
		ClusterState: protocol.NewClusterState(map[protocol.AttributeID]any{
			attrLightOn:    false,
			attrLightLevel: 0,
		}),
	}
}

func (c *lightCluster) ClusterID() protocol.ClusterID { return lightClusterID }

func (c *lightCluster) WriteAttribute(id protocol.AttributeID, value any) error {
	if _, err := c.ReadAttribute(id); err != nil {
		return err
	}
	c.SetAttribute(id, value)
	return nil
}

const cmdToggleLight protocol.CommandID = 0x02

func (c *lightCluster) Invoke(id protocol.CommandID, _ any) (any, []protocol.AttributeID, error) {
	if id != cmdToggleLight {
		return nil, nil, protocol.ErrCommandNotFound
	}
	v, _ := c.ReadAttribute(attrLightOn)
	c.SetAttribute(attrLightOn, !v.(bool))
	return nil, []protocol.AttributeID{attrLightOn}, nil
}

// stubSender records reports and fails on demand.
type stubSender struct {
	mu      sync.Mutex
	reports []*ReportData
	errs    []error
}

func (s *stubSender) failNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, errs...)
}

func (s *stubSender) SendReport(_ *ServerSubscription, report *ReportData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.reports = append(s.reports, report)
	return nil
}

func (s *stubSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func (s *stubSender) report(i int) *ReportData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[i]
}

type subFixture struct {
	service *protocol.Service
	events  *EventManager
	cluster *lightCluster
	clock   *timer.Mock
	sender  *stubSender
}

func newSubFixture(t *testing.T) *subFixture {
	t.Helper()
	f := &subFixture{
		service: protocol.NewService(nil),
		clock:   timer.NewMock(),
		sender:  &stubSender{},
	}
	f.events = NewEventManager(f.clock, 0)
	f.cluster = newLightCluster()
	if err := f.service.AddCluster(1, f.cluster); err != nil {
		t.Fatalf("AddCluster: %v", err)
	}
	return f
}

func (f *subFixture) subscription(t *testing.T, req SubscribeRequest, config ServerSubscriptionConfig) *ServerSubscription {
	t.Helper()
	config.ID = 1
	config.Request = req
	config.Service = f.service
	config.Events = f.events
	config.Clock = f.clock
	if config.Sender == nil {
		config.Sender = f.sender
	}
	sub, err := NewServerSubscription(config)
	if err != nil {
		t.Fatalf("NewServerSubscription: %v", err)
	}
	return sub
}

// change applies one attribute mutation and routes the notification to
// the subscription, the way the publisher would.
func (f *subFixture) change(t *testing.T, sub *ServerSubscription, attr protocol.AttributeID, value any) {
	t.Helper()
	f.cluster.SetAttribute(attr, value)
	remove := f.service.AddChangeListener(sub.OnChange)
	defer remove()
	if err := f.service.HandleChange(1, lightClusterID, []protocol.AttributeID{attr}); err != nil {
		t.Fatalf("HandleChange: %v", err)
	}
}

func wildcardRequest(min, max time.Duration) SubscribeRequest {
	return SubscribeRequest{
		AttributePaths: []protocol.AttributePath{{
			Endpoint:  protocol.WildcardEndpoint,
			Cluster:   protocol.WildcardCluster,
			Attribute: protocol.WildcardAttribute,
		}},
		MinIntervalFloor:   min,
		MaxIntervalCeiling: max,
	}
}

func TestServerSubscription_IntervalComputation(t *testing.T) {
	cases := []struct {
		name  string
		min   time.Duration
		max   time.Duration
		limit time.Duration
	}{
		{"typical controller", 2 * time.Second, 10 * time.Minute, 0},
		{"short ceiling", 0, 10 * time.Second, 0},
		{"floor equals ceiling", 30 * time.Second, 30 * time.Second, 0},
		{"ceiling below one cycle", time.Second, 90 * time.Second, 0},
		{"custom limit", time.Second, time.Hour, 10 * time.Minute},
		{"tiny", 0, time.Second, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSubFixture(t)
			sub := f.subscription(t, wildcardRequest(tc.min, tc.max), ServerSubscriptionConfig{
				MaxIntervalLimit: tc.limit,
			})

			limit := tc.limit
			if limit == 0 {
				limit = DefaultMaxIntervalLimit
			}
			maxI, sendI := sub.MaxInterval(), sub.SendInterval()
			if maxI > limit {
				t.Errorf("maxInterval %s exceeds limit %s", maxI, limit)
			}
			if sendI < tc.min || sendI > maxI {
				t.Errorf("sendInterval %s outside [%s, %s]", sendI, tc.min, maxI)
			}
			if half := maxI / 2; half >= minFullCycle && sendI != half {
				t.Errorf("sendInterval = %s, want half of maxInterval %s", sendI, half)
			}
		})
	}

	t.Run("inverted bounds rejected", func(t *testing.T) {
		f := newSubFixture(t)
		_, err := NewServerSubscription(ServerSubscriptionConfig{
			ID:      1,
			Request: wildcardRequest(time.Minute, time.Second),
			Service: f.service,
			Clock:   f.clock,
			Sender:  f.sender,
		})
		if err != ErrIntervalBounds {
			t.Fatalf("err = %v, want ErrIntervalBounds", err)
		}
	})
}

func TestServerSubscription_SeedCarriesSnapshot(t *testing.T) {
	f := newSubFixture(t)
	f.events.Emit(protocol.EventPath{Endpoint: 1, Cluster: lightClusterID, Event: 1}, "boot")

	req := wildcardRequest(0, time.Minute)
	req.EventPaths = []protocol.EventPath{{
		Endpoint: protocol.WildcardEndpoint,
		Cluster:  protocol.WildcardCluster,
		Event:    protocol.WildcardEvent,
	}}
	sub := f.subscription(t, req, ServerSubscriptionConfig{})

	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if f.sender.count() != 1 {
		t.Fatalf("seed produced %d reports, want 1", f.sender.count())
	}
	seed := f.sender.report(0)
	if len(seed.Attributes) != 2 {
		t.Fatalf("seed attributes = %d, want 2", len(seed.Attributes))
	}
	if len(seed.Events) != 1 || seed.Events[0].Number != 1 {
		t.Fatalf("seed events = %+v", seed.Events)
	}
	if got := sub.State(); got != "active" {
		t.Fatalf("state after seed = %s", got)
	}
}

func TestServerSubscription_SeedingSuppression(t *testing.T) {
	// A change racing the initial report is suppressed when its version
	// matches the seeded snapshot, and reported exactly once when it
	// does not.
	run := func(t *testing.T, bumpAfterSeed bool, wantReports int) {
		f := newSubFixture(t)
		sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{})

		s := &seedRaceSender{inner: f.sender}
		s.during = func() {
			if bumpAfterSeed {
				// The cluster mutated after the snapshot was taken, so
				// its version no longer matches.
				f.cluster.SetAttribute(attrLightOn, true)
			}
			sub.OnChange(protocol.AttributeChange{
				Endpoint:   1,
				Cluster:    lightClusterID,
				Version:    f.cluster.Version(),
				Attributes: []protocol.AttributeID{attrLightOn},
			})
		}
		sub.sender = s

		if err := sub.Seed(); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		f.clock.Advance(coalesceDelay)

		// Reports beyond the seed itself.
		if got := f.sender.count() - 1; got != wantReports {
			t.Fatalf("post-seed reports = %d, want %d", got, wantReports)
		}
		if wantReports == 1 {
			report := f.sender.report(1)
			if len(report.Attributes) != 1 || report.Attributes[0].Path.Attribute != attrLightOn {
				t.Fatalf("flushed report = %+v", report)
			}
		}
		// Either way, nothing further is pending.
		f.clock.Advance(time.Second)
		if extra := f.sender.count() - 1 - wantReports; extra != 0 {
			t.Fatalf("change reported %d extra times", extra)
		}
	}

	t.Run("matching version suppressed", func(t *testing.T) { run(t, false, 0) })
	t.Run("differing version reported once", func(t *testing.T) { run(t, true, 1) })
}

// seedRaceSender injects a change notification while the seed report is
// in flight.
type seedRaceSender struct {
	inner  *stubSender
	during func()
	fired  bool
}

func (s *seedRaceSender) SendReport(sub *ServerSubscription, report *ReportData) error {
	if !s.fired {
		s.fired = true
		s.during()
	}
	return s.inner.SendReport(sub, report)
}

func TestServerSubscription_CoalescesBursts(t *testing.T) {
	f := newSubFixture(t)
	sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	// Five rapid changes inside the coalescing window.
	for i := 0; i < 5; i++ {
		attr := attrLightOn
		if i%2 == 1 {
			attr = attrLightLevel
		}
		f.change(t, sub, attr, i)
		f.clock.Advance(8 * time.Millisecond)
	}
	f.clock.Advance(coalesceDelay)

	if got := f.sender.count() - 1; got != 1 {
		t.Fatalf("burst produced %d reports, want 1 coalesced", got)
	}
	report := f.sender.report(1)
	if len(report.Attributes) != 2 {
		t.Fatalf("coalesced report covers %d attributes, want 2", len(report.Attributes))
	}
}

func TestServerSubscription_MinIntervalDeferral(t *testing.T) {
	f := newSubFixture(t)
	sub := f.subscription(t, wildcardRequest(2*time.Second, time.Minute), ServerSubscriptionConfig{})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f.change(t, sub, attrLightOn, true)
	f.clock.Advance(time.Second)
	if got := f.sender.count() - 1; got != 0 {
		t.Fatalf("report sent %s before the interval floor", time.Second)
	}
	f.clock.Advance(time.Second)
	if got := f.sender.count() - 1; got != 1 {
		t.Fatalf("reports after floor elapsed = %d, want 1", got)
	}
}

func TestServerSubscription_RetriesThenTearsDown(t *testing.T) {
	f := newSubFixture(t)
	owner := session.NewSubscriptionSet()
	closed := 0
	sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{
		Owner:    owner,
		OnClosed: func(*ServerSubscription) { closed++ },
	})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if owner.Count() != 1 {
		t.Fatalf("subscription not in owner set")
	}

	netErr := fmt.Errorf("%w: connection refused", transport.ErrNetwork)

	t.Run("two failures keep data queued", func(t *testing.T) {
		f.sender.failNext(netErr, netErr)
		f.change(t, sub, attrLightOn, true)
		f.clock.Advance(coalesceDelay) // attempt 1 fails
		f.clock.Advance(coalesceDelay) // attempt 2 fails
		if sub.State() != "active" {
			t.Fatalf("state = %s after 2 failures, want active", sub.State())
		}
		f.clock.Advance(coalesceDelay) // attempt 3 succeeds
		if got := f.sender.count() - 1; got != 1 {
			t.Fatalf("requeued data reported %d times, want 1", got)
		}
		if len(f.sender.report(1).Attributes) != 1 {
			t.Fatalf("requeued report lost its data: %+v", f.sender.report(1))
		}
	})

	t.Run("third consecutive failure closes", func(t *testing.T) {
		f.sender.failNext(netErr, netErr, netErr)
		f.change(t, sub, attrLightLevel, 42)
		f.clock.Advance(coalesceDelay)
		f.clock.Advance(coalesceDelay)
		f.clock.Advance(coalesceDelay)
		if sub.State() != "closed" {
			t.Fatalf("state = %s after 3 transport failures, want closed", sub.State())
		}
		if closed != 1 {
			t.Fatalf("closed callback fired %d times, want 1", closed)
		}
		if owner.Count() != 0 {
			t.Fatal("subscription still in owner set after teardown")
		}
	})
}

func TestServerSubscription_FatalErrorPropagates(t *testing.T) {
	f := newSubFixture(t)
	appErr := errors.New("marshal exploded")
	var fatal error
	sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{
		OnFatal: func(_ *ServerSubscription, err error) { fatal = err },
	})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f.sender.failNext(appErr, appErr, appErr)
	f.change(t, sub, attrLightOn, true)
	f.clock.Advance(coalesceDelay)
	f.clock.Advance(coalesceDelay)
	f.clock.Advance(coalesceDelay)

	if !errors.Is(fatal, appErr) {
		t.Fatalf("fatal = %v, want %v", fatal, appErr)
	}
	// A fatal error is handed to the owner, not self-closed.
	if sub.State() == "closed" {
		t.Fatal("subscription closed itself on a non-transport error")
	}
	_ = sub.Close(false)
}

func TestServerSubscription_PeriodicKeepAlive(t *testing.T) {
	f := newSubFixture(t)
	sub := f.subscription(t, wildcardRequest(0, 10*time.Second), ServerSubscriptionConfig{})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	f.clock.Advance(sub.SendInterval())
	if got := f.sender.count() - 1; got != 1 {
		t.Fatalf("keep-alive reports = %d, want 1", got)
	}
	if report := f.sender.report(1); len(report.Attributes) != 0 || len(report.Events) != 0 {
		t.Fatalf("keep-alive not empty: %+v", report)
	}
}

func TestServerSubscription_CloseFlushesWhenAsked(t *testing.T) {
	f := newSubFixture(t)

	t.Run("flush", func(t *testing.T) {
		sub := f.subscription(t, wildcardRequest(time.Minute, time.Hour), ServerSubscriptionConfig{})
		if err := sub.Seed(); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		before := f.sender.count()
		f.change(t, sub, attrLightOn, true)
		if err := sub.Close(true); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if got := f.sender.count() - before; got != 1 {
			t.Fatalf("flush on close sent %d reports, want 1", got)
		}
	})

	t.Run("no flush", func(t *testing.T) {
		sub := f.subscription(t, wildcardRequest(time.Minute, time.Hour), ServerSubscriptionConfig{})
		if err := sub.Seed(); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		before := f.sender.count()
		f.change(t, sub, attrLightOn, false)
		if err := sub.Close(false); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if got := f.sender.count() - before; got != 0 {
			t.Fatalf("non-flush close sent %d reports", got)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{})
		if err := sub.Seed(); err != nil {
			t.Fatalf("Seed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if err := sub.Close(false); err != nil {
				t.Fatalf("Close #%d: %v", i+1, err)
			}
		}
		if err := sub.Terminate(); err != nil {
			t.Fatalf("Terminate after Close: %v", err)
		}
	})
}

// stallSender blocks one armed send until released, so tests can hold a
// report in flight.
type stallSender struct {
	mu      sync.Mutex
	reports []*ReportData
	armed   bool
	stalled chan struct{}
	release chan struct{}
}

func newStallSender() *stallSender {
	return &stallSender{
		stalled: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *stallSender) arm() {
	s.mu.Lock()
	s.armed = true
	s.mu.Unlock()
}

func (s *stallSender) SendReport(_ *ServerSubscription, report *ReportData) error {
	s.mu.Lock()
	armed := s.armed
	s.armed = false
	s.mu.Unlock()
	if armed {
		close(s.stalled)
		<-s.release
	}
	s.mu.Lock()
	s.reports = append(s.reports, report)
	s.mu.Unlock()
	return nil
}

func (s *stallSender) report(i int) *ReportData {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports[i]
}

func (s *stallSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reports)
}

func TestServerSubscription_CloseFlushWaitsForInFlightSend(t *testing.T) {
	f := newSubFixture(t)
	sender := newStallSender()
	sub := f.subscription(t, wildcardRequest(0, time.Minute), ServerSubscriptionConfig{Sender: sender})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	// Hold the first delta report on the wire.
	sender.arm()
	f.change(t, sub, attrLightOn, true)
	done := make(chan struct{})
	go func() {
		f.clock.Advance(coalesceDelay)
		close(done)
	}()
	<-sender.stalled

	// Queue a second batch and close with flush while the first is
	// still in flight. The final report must not overtake it.
	f.change(t, sub, attrLightLevel, 7)
	if err := sub.Close(true); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := sender.count(); got != 1 {
		t.Fatalf("flush overtook the in-flight report: %d reports recorded", got)
	}

	close(sender.release)
	<-done

	if got := sender.count(); got != 3 {
		t.Fatalf("reports after close = %d, want seed + batch + flush", got)
	}
	first, final := sender.report(1), sender.report(2)
	if len(first.Attributes) != 1 || first.Attributes[0].Path.Attribute != attrLightOn {
		t.Fatalf("in-flight report carried %v", first.Attributes)
	}
	if len(final.Attributes) != 1 || final.Attributes[0].Path.Attribute != attrLightLevel {
		t.Fatalf("final flush carried %v", final.Attributes)
	}
	if got := sub.State(); got != "closed" {
		t.Fatalf("state after deferred flush = %s, want closed", got)
	}
}

func TestServerSubscription_EventReporting(t *testing.T) {
	f := newSubFixture(t)
	req := wildcardRequest(0, time.Minute)
	req.EventPaths = []protocol.EventPath{{
		Endpoint: 1,
		Cluster:  lightClusterID,
		Event:    protocol.WildcardEvent,
	}}
	sub := f.subscription(t, req, ServerSubscriptionConfig{})
	if err := sub.Seed(); err != nil {
		t.Fatalf("Seed: %v", err)
	}

	remove := f.events.AddListener(sub.OnEvent)
	defer remove()
	f.events.Emit(protocol.EventPath{Endpoint: 1, Cluster: lightClusterID, Event: 2}, "pressed")
	f.events.Emit(protocol.EventPath{Endpoint: 9, Cluster: lightClusterID, Event: 2}, "other endpoint")
	f.clock.Advance(coalesceDelay)

	if got := f.sender.count() - 1; got != 1 {
		t.Fatalf("event reports = %d, want 1", got)
	}
	report := f.sender.report(1)
	if len(report.Events) != 1 || report.Events[0].Data != "pressed" {
		t.Fatalf("event report = %+v", report.Events)
	}
}
