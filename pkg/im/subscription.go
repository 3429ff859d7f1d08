package im

import (
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/timer"
)

// Reporting constants.
const (
	// coalesceDelay batches bursts of changes into one report.
	coalesceDelay = 50 * time.Millisecond

	// maxSendFailures is the consecutive-failure count after which a
	// subscription assumes its peer is gone.
	maxSendFailures = 3

	// minFullCycle is the shortest useful steady-state reporting period;
	// it drives the sendInterval heuristic.
	minFullCycle = 60 * time.Second
)

type subState int

const (
	subConstructing subState = iota
	subSeeding
	subActive
	subClosing
	subClosed
)

func (s subState) String() string {
	switch s {
	case subConstructing:
		return "constructing"
	case subSeeding:
		return "seeding"
	case subActive:
		return "active"
	case subClosing:
		return "closing"
	case subClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ReportSender delivers one report chunk to the subscriber and blocks
// until it is acknowledged or fails.
type ReportSender interface {
	SendReport(sub *ServerSubscription, report *ReportData) error
}

// clusterKey identifies a cluster instance inside dirty bookkeeping.
type clusterKey struct {
	Endpoint protocol.EndpointID
	Cluster  protocol.ClusterID
}

// outstanding is the not-yet-reported delta state. It is snapshotted
// for each send attempt so a failed send can requeue it ahead of newer
// changes, preserving observation order.
type outstanding struct {
	order     []clusterKey
	dirty     map[clusterKey]map[protocol.AttributeID]struct{}
	eventMark protocol.EventNumber
}

func (o *outstanding) empty() bool {
	return len(o.order) == 0 && o.eventMark == 0
}

// ServerSubscriptionConfig assembles a subscription's collaborators.
type ServerSubscriptionConfig struct {
	ID       uint32
	Request  SubscribeRequest
	PeerName string

	// MaxIntervalLimit caps the negotiated maxInterval.
	MaxIntervalLimit time.Duration

	Service *protocol.Service
	Events  *EventManager
	Clock   timer.Service
	Sender  ReportSender

	// Owner is the owning session's subscription set, left when the
	// subscription closes. May be nil in tests.
	Owner *session.SubscriptionSet

	// OnClosed fires exactly once when the subscription reaches the
	// closed state, whatever the cause.
	OnClosed func(*ServerSubscription)

	// OnFatal receives non-transport errors after retries are spent.
	// When nil the subscription closes itself instead.
	OnFatal func(*ServerSubscription, error)

	Log logging.LeveledLogger
}

// ServerSubscription is the per-subscriber reporting state machine. It
// seeds an initial snapshot, then batches change notifications into
// coalesced delta reports honoring the negotiated interval bounds.
type ServerSubscription struct {
	id       uint32
	request  SubscribeRequest
	peerName string

	minInterval  time.Duration
	maxInterval  time.Duration
	sendInterval time.Duration

	service *protocol.Service
	events  *EventManager
	clock   timer.Service
	sender  ReportSender
	owner   *session.SubscriptionSet
	log     logging.LeveledLogger

	onClosed func(*ServerSubscription)
	onFatal  func(*ServerSubscription, error)

	mu    sync.Mutex
	state subState

	// Seeding bookkeeping: per-cluster versions captured in the initial
	// report, and the highest event number it contained. Changes that
	// raced the seed are suppressed by version match.
	seedVersions map[clusterKey]protocol.DataVersion
	seededEvents protocol.EventNumber

	pending outstanding

	lastUpdate   time.Time
	failures     int
	inFlight     bool
	retryQueued  bool
	armed        bool
	flushOnClose bool

	updateTimer timer.Handle
	delayTimer  timer.Handle
}

var _ session.Subscription = (*ServerSubscription)(nil)

// NewServerSubscription validates the negotiated bounds and computes
// the reporting intervals. The subscription starts in the constructing
// state; Seed sends the initial report.
func NewServerSubscription(config ServerSubscriptionConfig) (*ServerSubscription, error) {
	req := config.Request
	if req.MinIntervalFloor < 0 || req.MaxIntervalCeiling <= 0 {
		return nil, ErrInvalidRequest
	}
	if req.MinIntervalFloor > req.MaxIntervalCeiling {
		return nil, ErrIntervalBounds
	}
	if config.MaxIntervalLimit <= 0 {
		config.MaxIntervalLimit = DefaultMaxIntervalLimit
	}
	if config.Clock == nil {
		config.Clock = timer.NewClock()
	}
	if config.Log == nil {
		config.Log = logging.NewDefaultLoggerFactory().NewLogger("im")
	}

	maxInterval := req.MaxIntervalCeiling
	if maxInterval > config.MaxIntervalLimit {
		maxInterval = config.MaxIntervalLimit
	}
	if maxInterval < req.MinIntervalFloor {
		maxInterval = req.MinIntervalFloor
	}

	// Report at half the max interval so the subscriber always sees a
	// second chance before declaring us lost; when half the interval is
	// shorter than one full resubmission cycle, use 80% instead.
	sendInterval := maxInterval / 2
	if sendInterval < minFullCycle {
		sendInterval = maxInterval * 4 / 5
	}
	if sendInterval < req.MinIntervalFloor {
		sendInterval = req.MinIntervalFloor
	}
	if sendInterval > maxInterval {
		sendInterval = maxInterval
	}

	s := &ServerSubscription{
		id:           config.ID,
		request:      req,
		peerName:     config.PeerName,
		minInterval:  req.MinIntervalFloor,
		maxInterval:  maxInterval,
		sendInterval: sendInterval,
		service:      config.Service,
		events:       config.Events,
		clock:        config.Clock,
		sender:       config.Sender,
		owner:        config.Owner,
		log:          config.Log,
		onClosed:     config.OnClosed,
		onFatal:      config.OnFatal,
		state:        subConstructing,
		seedVersions: make(map[clusterKey]protocol.DataVersion),
		pending: outstanding{
			dirty: make(map[clusterKey]map[protocol.AttributeID]struct{}),
		},
	}
	if s.owner != nil {
		s.owner.Add(s)
	}
	return s, nil
}

// SubscriptionID implements session.Subscription.
func (s *ServerSubscription) SubscriptionID() uint32 { return s.id }

// MaxInterval returns the negotiated maximum reporting interval.
func (s *ServerSubscription) MaxInterval() time.Duration { return s.maxInterval }

// SendInterval returns the steady-state reporting period.
func (s *ServerSubscription) SendInterval() time.Duration { return s.sendInterval }

// State returns the current state name for diagnostics.
func (s *ServerSubscription) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Seed transmits the initial snapshot report and, on success, moves the
// subscription to the active state, flushing any changes queued while
// the seed was in flight.
func (s *ServerSubscription) Seed() error {
	s.mu.Lock()
	if s.state != subConstructing {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.state = subSeeding
	report := s.buildSeedReportLocked()
	s.mu.Unlock()

	if err := s.sender.SendReport(s, report); err != nil {
		s.log.Warnf("subscription %d to %s: seed failed: %v", s.id, s.peerName, err)
		s.finish()
		return err
	}

	s.mu.Lock()
	if s.state != subSeeding {
		s.mu.Unlock()
		return ErrSubscriptionClosed
	}
	s.state = subActive
	s.lastUpdate = s.clock.Now()
	s.updateTimer = s.clock.Schedule(s.sendInterval, true, s.onSendInterval)
	s.updateTimer.Start()
	hasPending := !s.pending.empty()
	if hasPending {
		s.scheduleUpdateLocked()
	}
	s.mu.Unlock()

	s.log.Infof("subscription %d to %s active: maxInterval=%s sendInterval=%s",
		s.id, s.peerName, s.maxInterval, s.sendInterval)
	return nil
}

// buildSeedReportLocked reads every matching attribute and buffered
// event, capturing per-cluster versions so changes racing the seed can
// be recognized later.
func (s *ServerSubscription) buildSeedReportLocked() *ReportData {
	report := &ReportData{SubscriptionID: s.id}
	if s.service != nil {
		for _, path := range s.service.ResolveAttributePaths(s.request.AttributePaths) {
			behavior, err := s.service.Cluster(path.Endpoint, path.Cluster)
			if err != nil {
				continue
			}
			value, err := behavior.ReadAttribute(path.Attribute)
			if err != nil {
				continue
			}
			version := behavior.Version()
			s.seedVersions[clusterKey{path.Endpoint, path.Cluster}] = version
			report.Attributes = append(report.Attributes, AttributeReport{
				Path:    path,
				Version: version,
				Value:   value,
			})
		}
	}
	if s.events != nil && len(s.request.EventPaths) > 0 {
		for _, rec := range s.events.EventsSince(s.request.MinEventNumber, s.request.EventPaths) {
			report.Events = append(report.Events, EventReport{
				Path:      rec.Path,
				Number:    rec.Number,
				Timestamp: rec.Timestamp,
				Data:      rec.Data,
			})
			if rec.Number > s.seededEvents {
				s.seededEvents = rec.Number
			}
		}
	}
	return report
}

// OnChange feeds an attribute change notification into the dirty state.
// During seeding, changes whose version matches the seeded snapshot are
// suppressed; anything else is queued and flushed exactly once after
// activation.
func (s *ServerSubscription) OnChange(change protocol.AttributeChange) {
	matched := s.matchAttributes(change)
	if len(matched) == 0 {
		return
	}
	key := clusterKey{change.Endpoint, change.Cluster}

	s.mu.Lock()
	switch s.state {
	case subSeeding:
		if seeded, ok := s.seedVersions[key]; ok && seeded == change.Version {
			s.mu.Unlock()
			return
		}
		s.queueDirtyLocked(key, matched)
		s.mu.Unlock()
	case subActive:
		s.queueDirtyLocked(key, matched)
		s.scheduleUpdateLocked()
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

// OnEvent feeds a new event into the dirty state.
func (s *ServerSubscription) OnEvent(rec *EventRecord) {
	if !matchesAnyEventPath(s.request.EventPaths, rec.Path) {
		return
	}
	if rec.Number <= s.request.MinEventNumber {
		return
	}

	s.mu.Lock()
	switch s.state {
	case subSeeding:
		if rec.Number <= s.seededEvents {
			s.mu.Unlock()
			return
		}
		s.queueEventLocked(rec.Number)
		s.mu.Unlock()
	case subActive:
		s.queueEventLocked(rec.Number)
		s.scheduleUpdateLocked()
		s.mu.Unlock()
	default:
		s.mu.Unlock()
	}
}

func (s *ServerSubscription) matchAttributes(change protocol.AttributeChange) []protocol.AttributeID {
	var matched []protocol.AttributeID
	for _, attr := range change.Attributes {
		concrete := protocol.AttributePath{
			Endpoint:  change.Endpoint,
			Cluster:   change.Cluster,
			Attribute: attr,
		}
		for _, p := range s.request.AttributePaths {
			if p.Matches(concrete) {
				matched = append(matched, attr)
				break
			}
		}
	}
	return matched
}

func (s *ServerSubscription) queueDirtyLocked(key clusterKey, attrs []protocol.AttributeID) {
	set, ok := s.pending.dirty[key]
	if !ok {
		set = make(map[protocol.AttributeID]struct{})
		s.pending.dirty[key] = set
		s.pending.order = append(s.pending.order, key)
	}
	for _, attr := range attrs {
		set[attr] = struct{}{}
	}
}

func (s *ServerSubscription) queueEventLocked(number protocol.EventNumber) {
	if s.pending.eventMark == 0 || number < s.pending.eventMark {
		s.pending.eventMark = number
	}
}

// scheduleUpdateLocked decides when the queued dirty state goes out:
// deferred until minInterval has elapsed since the last report, then
// held back a short coalescing delay so bursts collapse into one
// report. While a send is in flight the work is flagged for pickup when
// it completes.
func (s *ServerSubscription) scheduleUpdateLocked() {
	if s.state != subActive {
		return
	}
	if s.inFlight {
		s.retryQueued = true
		return
	}
	if s.armed {
		return
	}

	delay := coalesceDelay
	if sinceLast := s.clock.Now().Sub(s.lastUpdate); sinceLast < s.minInterval {
		delay = s.minInterval - sinceLast
	}
	s.armed = true
	s.delayTimer = s.clock.Schedule(delay, false, s.fireUpdate)
	s.delayTimer.Start()
}

// fireUpdate runs when the delay timer expires and performs one send
// attempt with everything queued so far.
func (s *ServerSubscription) fireUpdate() {
	s.mu.Lock()
	s.armed = false
	if s.state != subActive {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.retryQueued = true
		s.mu.Unlock()
		return
	}
	snapshot := s.takeOutstandingLocked()
	if snapshot.empty() {
		s.mu.Unlock()
		return
	}
	report := s.buildReportLocked(snapshot)
	s.inFlight = true
	s.mu.Unlock()

	s.deliver(report, snapshot)
}

// onSendInterval is the steady-state periodic report: queued deltas if
// any, an empty liveness report otherwise.
func (s *ServerSubscription) onSendInterval() {
	s.mu.Lock()
	if s.state != subActive {
		s.mu.Unlock()
		return
	}
	if s.inFlight {
		s.retryQueued = true
		s.mu.Unlock()
		return
	}
	snapshot := s.takeOutstandingLocked()
	report := s.buildReportLocked(snapshot)
	s.inFlight = true
	s.mu.Unlock()

	s.deliver(report, snapshot)
}

// takeOutstandingLocked claims the queued dirty state for one send
// attempt, leaving the queue empty for changes arriving meanwhile.
func (s *ServerSubscription) takeOutstandingLocked() outstanding {
	snapshot := s.pending
	s.pending = outstanding{
		dirty: make(map[clusterKey]map[protocol.AttributeID]struct{}),
	}
	return snapshot
}

// requeueLocked puts a failed send's data back ahead of anything queued
// since, so reports never reorder across batches.
func (s *ServerSubscription) requeueLocked(snapshot outstanding) {
	merged := snapshot
	for _, key := range s.pending.order {
		set, ok := merged.dirty[key]
		if !ok {
			set = make(map[protocol.AttributeID]struct{})
			merged.dirty[key] = set
			merged.order = append(merged.order, key)
		}
		for attr := range s.pending.dirty[key] {
			set[attr] = struct{}{}
		}
	}
	if merged.eventMark == 0 ||
		(s.pending.eventMark != 0 && s.pending.eventMark < merged.eventMark) {
		merged.eventMark = s.pending.eventMark
	}
	s.pending = merged
}

// buildReportLocked reads the current value of every dirty attribute,
// in the order the changes were observed.
func (s *ServerSubscription) buildReportLocked(snapshot outstanding) *ReportData {
	report := &ReportData{SubscriptionID: s.id}
	for _, key := range snapshot.order {
		behavior, err := s.service.Cluster(key.Endpoint, key.Cluster)
		if err != nil {
			// Cluster went away between the change and the report.
			continue
		}
		attrs := make([]protocol.AttributeID, 0, len(snapshot.dirty[key]))
		for attr := range snapshot.dirty[key] {
			attrs = append(attrs, attr)
		}
		sort.Slice(attrs, func(i, j int) bool { return attrs[i] < attrs[j] })
		version := behavior.Version()
		for _, attr := range attrs {
			value, err := behavior.ReadAttribute(attr)
			if err != nil {
				continue
			}
			report.Attributes = append(report.Attributes, AttributeReport{
				Path:    protocol.AttributePath{Endpoint: key.Endpoint, Cluster: key.Cluster, Attribute: attr},
				Version: version,
				Value:   value,
			})
		}
	}
	if snapshot.eventMark != 0 && s.events != nil {
		for _, rec := range s.events.EventsSince(snapshot.eventMark-1, s.request.EventPaths) {
			report.Events = append(report.Events, EventReport{
				Path:      rec.Path,
				Number:    rec.Number,
				Timestamp: rec.Timestamp,
				Data:      rec.Data,
			})
		}
	}
	return report
}

// deliver performs one send attempt and drives the retry/teardown
// policy on failure.
func (s *ServerSubscription) deliver(report *ReportData, snapshot outstanding) {
	err := s.sender.SendReport(s, report)

	s.mu.Lock()
	s.inFlight = false
	if s.state == subClosing {
		// Close raced this send. Failed data is requeued so a deferred
		// flush still carries it, in observation order.
		if err != nil {
			s.requeueLocked(snapshot)
		}
		flush := s.flushOnClose
		s.flushOnClose = false
		var final *ReportData
		if flush {
			if snap := s.takeOutstandingLocked(); !snap.empty() {
				final = s.buildReportLocked(snap)
			}
		}
		s.mu.Unlock()

		if final != nil {
			if err := s.sender.SendReport(s, final); err != nil {
				s.log.Debugf("subscription %d to %s: final flush failed: %v", s.id, s.peerName, err)
			}
		}
		s.finish()
		return
	}
	if s.state != subActive {
		s.mu.Unlock()
		return
	}
	if err == nil {
		s.failures = 0
		s.lastUpdate = s.clock.Now()
		if s.retryQueued {
			s.retryQueued = false
			if !s.pending.empty() {
				s.scheduleUpdateLocked()
			}
		}
		s.mu.Unlock()
		return
	}

	s.failures++
	failures := s.failures
	s.requeueLocked(snapshot)
	s.mu.Unlock()

	if failures < maxSendFailures {
		s.log.Debugf("subscription %d to %s: send failed (%d/%d), retrying: %v",
			s.id, s.peerName, failures, maxSendFailures, err)
		s.mu.Lock()
		s.retryQueued = false
		s.scheduleUpdateLocked()
		s.mu.Unlock()
		return
	}

	if isPeerGone(err) {
		s.log.Warnf("subscription %d to %s: peer unreachable after %d attempts, closing: %v",
			s.id, s.peerName, failures, err)
		_ = s.Close(false)
		return
	}

	s.log.Errorf("subscription %d to %s: fatal send error after %d attempts: %v",
		s.id, s.peerName, failures, err)
	if s.onFatal != nil {
		s.onFatal(s, err)
		return
	}
	_ = s.Close(false)
}

// RequestUpdate schedules a send of whatever is queued, honoring the
// usual interval rules. A subscription with nothing pending sends
// nothing.
func (s *ServerSubscription) RequestUpdate() {
	s.mu.Lock()
	if !s.pending.empty() {
		s.scheduleUpdateLocked()
	}
	s.mu.Unlock()
}

// Close ends the subscription. With flush set, queued dirty state is
// sent as a final report first. Close is idempotent.
func (s *ServerSubscription) Close(flush bool) error {
	s.mu.Lock()
	if s.state == subClosing || s.state == subClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = subClosing
	s.stopTimersLocked()
	if s.inFlight {
		// A report is on the wire. The flush must not overtake it, so
		// deliver emits the final report and finishes the close once
		// the in-flight send completes.
		s.flushOnClose = flush
		s.mu.Unlock()
		return nil
	}
	var report *ReportData
	if flush {
		if snapshot := s.takeOutstandingLocked(); !snapshot.empty() {
			report = s.buildReportLocked(snapshot)
		}
	}
	s.mu.Unlock()

	if report != nil {
		if err := s.sender.SendReport(s, report); err != nil {
			s.log.Debugf("subscription %d to %s: final flush failed: %v", s.id, s.peerName, err)
		}
	}
	s.finish()
	return nil
}

// Terminate implements session.Subscription: the owning session is
// going away, so nothing is flushed.
func (s *ServerSubscription) Terminate() error {
	return s.Close(false)
}

func (s *ServerSubscription) stopTimersLocked() {
	if s.updateTimer != nil {
		s.updateTimer.Stop()
	}
	if s.delayTimer != nil {
		s.delayTimer.Stop()
	}
	s.armed = false
}

// finish moves to closed and fires the closed callback exactly once.
func (s *ServerSubscription) finish() {
	s.mu.Lock()
	if s.state == subClosed {
		s.mu.Unlock()
		return
	}
	s.state = subClosed
	s.stopTimersLocked()
	onClosed := s.onClosed
	s.mu.Unlock()

	if s.owner != nil {
		s.owner.Remove(s.id)
	}
	if onClosed != nil {
		onClosed(s)
	}
	s.log.Debugf("subscription %d to %s closed", s.id, s.peerName)
}
