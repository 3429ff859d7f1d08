package im

import (
	"context"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/exchange"
	"github.com/emberlink/matter/pkg/timer"
	"github.com/emberlink/matter/pkg/transport"
)

// DefaultLivenessGrace extends the reporting deadline before a silent
// publisher is declared lost.
const DefaultLivenessGrace = 3 * time.Second

// ClientConfig configures a client bound to one peer.
type ClientConfig struct {
	Exchanges *exchange.Manager
	Peer      transport.PeerAddress
	Clock     timer.Service

	// LivenessGrace overrides DefaultLivenessGrace.
	LivenessGrace time.Duration

	LoggerFactory logging.LoggerFactory
}

// SubscribeOptions carries the subscriber-side callbacks and conflict
// policy for Subscribe.
type SubscribeOptions struct {
	// KeepSubscriptions leaves existing subscriptions to the same peer
	// in place. When false they are cancelled before the new one is
	// established.
	KeepSubscriptions bool

	// OnUpdate receives every report, the initial snapshot included.
	OnUpdate func(*ReportData)

	// OnCancelled fires exactly once when the subscription ends without
	// a local Close: publisher-side teardown or reporting silence past
	// the negotiated interval.
	OnCancelled func()
}

// Client issues interactions against one peer. Every request opens an
// exchange and releases it on all exit paths; cancellation is honored
// at each suspension point.
type Client struct {
	exchanges *exchange.Manager
	peer      transport.PeerAddress
	clock     timer.Service
	grace     time.Duration
	log       logging.LeveledLogger

	mu   sync.Mutex
	subs map[uint32]*ClientSubscription
}

// NewClient builds a client. Call Attach if this client's exchange
// manager serves no Engine, so inbound reports have a route.
func NewClient(config ClientConfig) *Client {
	if config.Clock == nil {
		config.Clock = timer.NewClock()
	}
	if config.LivenessGrace <= 0 {
		config.LivenessGrace = DefaultLivenessGrace
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Client{
		exchanges: config.Exchanges,
		peer:      config.Peer,
		clock:     config.Clock,
		grace:     config.LivenessGrace,
		log:       config.LoggerFactory.NewLogger("im"),
		subs:      make(map[uint32]*ClientSubscription),
	}
}

// Attach registers this client as the exchange acceptor for interaction
// traffic.
func (c *Client) Attach() {
	c.exchanges.Accept(ProtocolID, func(ex *exchange.Exchange, msg *exchange.Message) {
		go c.HandleReport(ex, msg)
	})
}

// HandleReport consumes one inbound report exchange: route to the
// owning subscription, acknowledge, release.
func (c *Client) HandleReport(ex *exchange.Exchange, msg *exchange.Message) {
	defer ex.Close()
	if msg.MessageType != MsgReportData {
		return
	}
	var report ReportData
	if err := decodePayload(msg.Payload, &report); err != nil {
		return
	}

	c.mu.Lock()
	sub := c.subs[report.SubscriptionID]
	c.mu.Unlock()

	status := StatusSuccess
	if sub == nil {
		status = StatusInvalidSubscription
	}
	payload, err := encodePayload(StatusResponse{Status: status})
	if err == nil {
		if err := ex.Send(ProtocolID, MsgStatusResponse, payload); err != nil {
			c.log.Debugf("report ack failed: %v", err)
		}
	}
	if sub != nil {
		sub.handleReport(&report)
	}
}

// Read fetches a snapshot of the requested attributes and events.
func (c *Client) Read(ctx context.Context, req ReadRequest) (*ReportData, error) {
	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}
	ex, err := c.openExchange(ctx)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if err := ex.Send(ProtocolID, MsgReadRequest, payload); err != nil {
		return nil, err
	}

	agg := &ReportData{}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg, err := ex.Receive(ctx)
		if err != nil {
			return nil, err
		}
		chunk, err := c.decodeReportChunk(msg)
		if err != nil {
			return nil, err
		}
		agg.Attributes = append(agg.Attributes, chunk.Attributes...)
		agg.Events = append(agg.Events, chunk.Events...)

		ack, err := encodePayload(StatusResponse{Status: StatusSuccess})
		if err != nil {
			return nil, err
		}
		if err := ex.Send(ProtocolID, MsgStatusResponse, ack); err != nil {
			return nil, err
		}
		if !chunk.MoreChunks {
			return agg, nil
		}
	}
}

// Write applies attribute writes and returns the per-path statuses. A
// timed-required write performs the preamble first.
func (c *Client) Write(ctx context.Context, req WriteRequest) ([]AttributeStatus, error) {
	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}
	ex, err := c.openExchange(ctx)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if req.TimedRequired {
		if err := c.timedPreamble(ctx, ex); err != nil {
			return nil, err
		}
	}
	if err := ex.Send(ProtocolID, MsgWriteRequest, payload); err != nil {
		return nil, err
	}
	msg, err := ex.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.MessageType != MsgWriteResponse {
		return nil, c.statusOrProtocolError(msg)
	}
	var resp WriteResponse
	if err := decodePayload(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return resp.Statuses, nil
}

// Invoke executes commands and returns the per-command results.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}
	ex, err := c.openExchange(ctx)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if req.TimedRequired {
		if err := c.timedPreamble(ctx, ex); err != nil {
			return nil, err
		}
	}
	if err := ex.Send(ProtocolID, MsgInvokeRequest, payload); err != nil {
		return nil, err
	}
	msg, err := ex.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.MessageType != MsgInvokeResponse {
		return nil, c.statusOrProtocolError(msg)
	}
	var resp InvokeResponse
	if err := decodePayload(msg.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscribe establishes a reporting stream. Unless KeepSubscriptions is
// set, existing subscriptions to this peer are cancelled first.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest, opts SubscribeOptions) (*ClientSubscription, error) {
	if req.MinIntervalFloor > req.MaxIntervalCeiling {
		return nil, ErrIntervalBounds
	}
	if !opts.KeepSubscriptions {
		for _, sub := range c.Subscriptions() {
			if err := sub.Cancel(ctx); err != nil {
				c.log.Debugf("cancelling prior subscription %d: %v", sub.ID(), err)
			}
		}
	}

	payload, err := encodePayload(req)
	if err != nil {
		return nil, err
	}
	ex, err := c.openExchange(ctx)
	if err != nil {
		return nil, err
	}
	defer ex.Close()

	if err := ex.Send(ProtocolID, MsgSubscribeRequest, payload); err != nil {
		return nil, err
	}
	msg, err := ex.Receive(ctx)
	if err != nil {
		return nil, err
	}
	if msg.MessageType != MsgSubscribeResponse {
		return nil, c.statusOrProtocolError(msg)
	}
	var resp SubscribeResponse
	if err := decodePayload(msg.Payload, &resp); err != nil {
		return nil, err
	}

	sub := &ClientSubscription{
		id:          resp.SubscriptionID,
		maxInterval: resp.MaxInterval,
		client:      c,
		onUpdate:    opts.OnUpdate,
		onCancelled: opts.OnCancelled,
	}
	c.mu.Lock()
	c.subs[sub.id] = sub
	c.mu.Unlock()
	sub.armLiveness()

	// Tell the publisher we are ready for the initial report.
	ack, err := encodePayload(StatusResponse{Status: StatusSuccess})
	if err == nil {
		err = ex.Send(ProtocolID, MsgStatusResponse, ack)
	}
	if err != nil {
		sub.Close()
		return nil, err
	}

	c.log.Infof("subscription %d to %s established: maxInterval=%s", sub.id, c.peer, sub.maxInterval)
	return sub, nil
}

// Subscriptions snapshots the live subscriptions to this peer.
func (c *Client) Subscriptions() []*ClientSubscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*ClientSubscription, 0, len(c.subs))
	for _, sub := range c.subs {
		out = append(out, sub)
	}
	return out
}

// Close drops every subscription locally without notifying the peer.
func (c *Client) Close() error {
	for _, sub := range c.Subscriptions() {
		sub.Close()
	}
	return nil
}

// openExchange checks cancellation before committing to a new exchange.
func (c *Client) openExchange(ctx context.Context) (*exchange.Exchange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.exchanges.NewExchange(c.peer)
}

// timedPreamble runs the timed-request handshake on an open exchange.
func (c *Client) timedPreamble(ctx context.Context, ex *exchange.Exchange) error {
	if err := ex.Send(ProtocolID, MsgTimedRequest, nil); err != nil {
		return err
	}
	msg, err := ex.Receive(ctx)
	if err != nil {
		return err
	}
	if msg.MessageType != MsgStatusResponse {
		return ErrInvalidRequest
	}
	var status StatusResponse
	if err := decodePayload(msg.Payload, &status); err != nil {
		return err
	}
	if status.Status != StatusSuccess {
		return &StatusError{Status: status.Status}
	}
	return nil
}

// decodeReportChunk decodes one ReportData chunk from a read or
// subscribe exchange.
func (c *Client) decodeReportChunk(msg *exchange.Message) (*ReportData, error) {
	if msg.MessageType != MsgReportData {
		return nil, c.statusOrProtocolError(msg)
	}
	var chunk ReportData
	if err := decodePayload(msg.Payload, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// statusOrProtocolError turns an unexpected response into a typed
// error: the peer's status if it sent one, a protocol violation
// otherwise.
func (c *Client) statusOrProtocolError(msg *exchange.Message) error {
	if msg.MessageType == MsgStatusResponse {
		var status StatusResponse
		if err := decodePayload(msg.Payload, &status); err == nil {
			return &StatusError{Status: status.Status}
		}
	}
	return ErrInvalidRequest
}

func (c *Client) removeSubscription(sub *ClientSubscription) {
	c.mu.Lock()
	if c.subs[sub.id] == sub {
		delete(c.subs, sub.id)
	}
	c.mu.Unlock()
}

// ClientSubscription is the subscriber-side handle of one established
// subscription.
type ClientSubscription struct {
	id          uint32
	maxInterval time.Duration
	client      *Client
	onUpdate    func(*ReportData)
	onCancelled func()

	mu       sync.Mutex
	liveness timer.Handle
	closed   bool

	cancelOnce sync.Once
}

// ID returns the publisher-assigned subscription identifier.
func (s *ClientSubscription) ID() uint32 { return s.id }

// MaxInterval returns the publisher's negotiated maximum reporting
// interval.
func (s *ClientSubscription) MaxInterval() time.Duration { return s.maxInterval }

func (s *ClientSubscription) handleReport(report *ReportData) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.armLiveness()
	if s.onUpdate != nil {
		s.onUpdate(report)
	}
}

// armLiveness restarts the silence watchdog. A publisher quiet past its
// own maxInterval plus grace is treated as gone.
func (s *ClientSubscription) armLiveness() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.liveness != nil {
		s.liveness.Stop()
	}
	s.liveness = s.client.clock.Schedule(s.maxInterval+s.client.grace, false, s.lost)
	s.liveness.Start()
}

// lost fires when the publisher went silent.
func (s *ClientSubscription) lost() {
	s.client.log.Warnf("subscription %d to %s: publisher silent past %s, treating as cancelled",
		s.id, s.client.peer, s.maxInterval+s.client.grace)
	s.terminate(true)
}

// Cancel asks the publisher to end the subscription, then closes the
// local handle. The cancelled observer does not fire for a local
// cancel.
func (s *ClientSubscription) Cancel(ctx context.Context) error {
	defer s.Close()

	payload, err := encodePayload(CancelRequest{SubscriptionID: s.id})
	if err != nil {
		return err
	}
	ex, err := s.client.openExchange(ctx)
	if err != nil {
		return err
	}
	defer ex.Close()
	if err := ex.Send(ProtocolID, MsgCancelSubscription, payload); err != nil {
		return err
	}
	msg, err := ex.Receive(ctx)
	if err != nil {
		return err
	}
	var status StatusResponse
	if msg.MessageType != MsgStatusResponse || decodePayload(msg.Payload, &status) != nil {
		return ErrInvalidRequest
	}
	if status.Status != StatusSuccess {
		return &StatusError{Status: status.Status}
	}
	return nil
}

// Close drops the subscription locally. Idempotent; the cancelled
// observer does not fire.
func (s *ClientSubscription) Close() {
	s.terminate(false)
}

func (s *ClientSubscription) terminate(notify bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.liveness != nil {
		s.liveness.Stop()
	}
	s.mu.Unlock()

	s.client.removeSubscription(s)
	if notify {
		s.cancelOnce.Do(func() {
			if s.onCancelled != nil {
				s.onCancelled()
			}
		})
	}
}
