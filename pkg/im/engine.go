package im

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/logging"

	"github.com/emberlink/matter/pkg/exchange"
	"github.com/emberlink/matter/pkg/protocol"
	"github.com/emberlink/matter/pkg/session"
	"github.com/emberlink/matter/pkg/timer"
	"github.com/emberlink/matter/pkg/transport"
)

// DefaultAckTimeout bounds how long a report send waits for the
// subscriber's acknowledgement.
const DefaultAckTimeout = 5 * time.Second

// EngineConfig configures the server-side interaction engine.
type EngineConfig struct {
	Service   *protocol.Service
	Events    *EventManager
	Publisher *Publisher
	Exchanges *exchange.Manager
	Clock     timer.Service

	// SubscriptionOwner resolves the subscription set of the session a
	// peer address maps to, so subscriptions die with their session.
	// May be nil.
	SubscriptionOwner func(peer transport.PeerAddress) *session.SubscriptionSet

	// AckTimeout overrides DefaultAckTimeout.
	AckTimeout time.Duration

	LoggerFactory logging.LoggerFactory
}

// Engine serves read, write, invoke, subscribe and cancel requests
// arriving on its exchange manager and pushes subscription reports back
// out.
type Engine struct {
	service   *protocol.Service
	events    *EventManager
	publisher *Publisher
	exchanges *exchange.Manager
	clock     timer.Service
	owner     func(peer transport.PeerAddress) *session.SubscriptionSet
	ackWait   time.Duration
	log       logging.LeveledLogger

	reportHandler func(*exchange.Exchange, *exchange.Message)
}

// NewEngine wires the engine into the exchange manager as the acceptor
// for interaction traffic.
func NewEngine(config EngineConfig) *Engine {
	if config.AckTimeout <= 0 {
		config.AckTimeout = DefaultAckTimeout
	}
	if config.Clock == nil {
		config.Clock = timer.NewClock()
	}
	if config.LoggerFactory == nil {
		config.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	e := &Engine{
		service:   config.Service,
		events:    config.Events,
		publisher: config.Publisher,
		exchanges: config.Exchanges,
		clock:     config.Clock,
		owner:     config.SubscriptionOwner,
		ackWait:   config.AckTimeout,
		log:       config.LoggerFactory.NewLogger("im"),
	}
	e.exchanges.Accept(ProtocolID, e.accept)
	return e
}

// SetReportHandler routes inbound report frames to a subscriber-side
// handler, for nodes acting as both publisher and subscriber over one
// exchange manager.
func (e *Engine) SetReportHandler(h func(*exchange.Exchange, *exchange.Message)) {
	e.reportHandler = h
}

// Close tears down the publisher's subscriptions.
func (e *Engine) Close() error {
	return e.publisher.Close()
}

func (e *Engine) accept(ex *exchange.Exchange, msg *exchange.Message) {
	go e.dispatch(ex, msg, false)
}

func (e *Engine) dispatch(ex *exchange.Exchange, msg *exchange.Message, timedArmed bool) {
	defer ex.Close()

	switch msg.MessageType {
	case MsgTimedRequest:
		e.handleTimed(ex)
	case MsgReadRequest:
		e.handleRead(ex, msg)
	case MsgWriteRequest:
		e.handleWrite(ex, msg, timedArmed)
	case MsgInvokeRequest:
		e.handleInvoke(ex, msg, timedArmed)
	case MsgSubscribeRequest:
		e.handleSubscribe(ex, msg)
	case MsgCancelSubscription:
		e.handleCancel(ex, msg)
	case MsgReportData:
		if e.reportHandler != nil {
			e.reportHandler(ex, msg)
			return
		}
		e.respondStatus(ex, StatusInvalidAction)
	default:
		e.respondStatus(ex, StatusInvalidAction)
	}
}

func (e *Engine) respondStatus(ex *exchange.Exchange, status Status) {
	payload, err := encodePayload(StatusResponse{Status: status})
	if err != nil {
		return
	}
	if err := ex.Send(ProtocolID, MsgStatusResponse, payload); err != nil {
		e.log.Debugf("status response failed: %v", err)
	}
}

// handleTimed accepts the timed-request preamble, then continues the
// exchange with the armed flag set for the follow-up request.
func (e *Engine) handleTimed(ex *exchange.Exchange) {
	e.respondStatus(ex, StatusSuccess)
	ctx, cancel := context.WithTimeout(context.Background(), e.ackWait)
	defer cancel()
	next, err := ex.Receive(ctx)
	if err != nil {
		return
	}
	e.dispatch(ex, next, true)
}

func (e *Engine) handleRead(ex *exchange.Exchange, msg *exchange.Message) {
	var req ReadRequest
	if err := decodePayload(msg.Payload, &req); err != nil {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}

	report := &ReportData{}
	for _, path := range e.service.ResolveAttributePaths(req.AttributePaths) {
		behavior, err := e.service.Cluster(path.Endpoint, path.Cluster)
		if err != nil {
			continue
		}
		value, err := behavior.ReadAttribute(path.Attribute)
		if err != nil {
			continue
		}
		report.Attributes = append(report.Attributes, AttributeReport{
			Path:    path,
			Version: behavior.Version(),
			Value:   value,
		})
	}
	if e.events != nil && len(req.EventPaths) > 0 {
		for _, rec := range e.events.EventsSince(req.MinEventNumber, req.EventPaths) {
			report.Events = append(report.Events, EventReport{
				Path:      rec.Path,
				Number:    rec.Number,
				Timestamp: rec.Timestamp,
				Data:      rec.Data,
			})
		}
	}

	payload, err := encodePayload(report)
	if err != nil {
		e.respondStatus(ex, StatusFailure)
		return
	}
	if err := ex.Send(ProtocolID, MsgReportData, payload); err != nil {
		e.log.Debugf("read report send failed: %v", err)
		return
	}
	// Wait for the subscriber's chunk acknowledgement before releasing
	// the exchange.
	ctx, cancel := context.WithTimeout(context.Background(), e.ackWait)
	defer cancel()
	_, _ = ex.Receive(ctx)
}

func (e *Engine) handleWrite(ex *exchange.Exchange, msg *exchange.Message, timedArmed bool) {
	var req WriteRequest
	if err := decodePayload(msg.Payload, &req); err != nil {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}
	if req.TimedRequired && !timedArmed {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}

	resp := WriteResponse{}
	changed := make(map[clusterKey][]protocol.AttributeID)
	var order []clusterKey
	for _, write := range req.Writes {
		status := e.applyWrite(write)
		resp.Statuses = append(resp.Statuses, AttributeStatus{Path: write.Path, Status: status})
		if status == StatusSuccess {
			key := clusterKey{write.Path.Endpoint, write.Path.Cluster}
			if _, ok := changed[key]; !ok {
				order = append(order, key)
			}
			changed[key] = append(changed[key], write.Path.Attribute)
		}
	}

	// One change batch per touched cluster.
	for _, key := range order {
		if err := e.service.HandleChange(key.Endpoint, key.Cluster, changed[key]); err != nil {
			e.log.Warnf("change notification for %d/%d failed: %v", key.Endpoint, key.Cluster, err)
		}
	}

	payload, err := encodePayload(resp)
	if err != nil {
		e.respondStatus(ex, StatusFailure)
		return
	}
	if err := ex.Send(ProtocolID, MsgWriteResponse, payload); err != nil {
		e.log.Debugf("write response send failed: %v", err)
	}
}

func (e *Engine) applyWrite(write AttributeWrite) Status {
	if !write.Path.IsConcrete() {
		return StatusInvalidAction
	}
	behavior, err := e.service.Cluster(write.Path.Endpoint, write.Path.Cluster)
	if err != nil {
		return StatusUnsupportedCluster
	}
	if err := behavior.WriteAttribute(write.Path.Attribute, write.Value); err != nil {
		switch {
		case errors.Is(err, protocol.ErrAttributeNotFound):
			return StatusUnsupportedAttribute
		case errors.Is(err, protocol.ErrAttributeReadOnly):
			return StatusInvalidAction
		default:
			return StatusFailure
		}
	}
	return StatusSuccess
}

func (e *Engine) handleInvoke(ex *exchange.Exchange, msg *exchange.Message, timedArmed bool) {
	var req InvokeRequest
	if err := decodePayload(msg.Payload, &req); err != nil {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}
	if req.TimedRequired && !timedArmed {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}

	resp := InvokeResponse{}
	for _, invoke := range req.Invokes {
		result := CommandResult{Path: invoke.Path, Status: StatusSuccess}
		behavior, err := e.service.Cluster(invoke.Path.Endpoint, invoke.Path.Cluster)
		if err != nil {
			result.Status = StatusUnsupportedCluster
			resp.Results = append(resp.Results, result)
			continue
		}
		response, changed, err := behavior.Invoke(invoke.Path.Command, invoke.Payload)
		if err != nil {
			if errors.Is(err, protocol.ErrCommandNotFound) {
				result.Status = StatusUnsupportedCommand
			} else {
				result.Status = StatusFailure
			}
			resp.Results = append(resp.Results, result)
			continue
		}
		result.Response = response
		resp.Results = append(resp.Results, result)
		if len(changed) > 0 {
			if err := e.service.HandleChange(invoke.Path.Endpoint, invoke.Path.Cluster, changed); err != nil {
				e.log.Warnf("change notification for %d/%d failed: %v",
					invoke.Path.Endpoint, invoke.Path.Cluster, err)
			}
		}
	}

	payload, err := encodePayload(resp)
	if err != nil {
		e.respondStatus(ex, StatusFailure)
		return
	}
	if err := ex.Send(ProtocolID, MsgInvokeResponse, payload); err != nil {
		e.log.Debugf("invoke response send failed: %v", err)
	}
}

func (e *Engine) handleSubscribe(ex *exchange.Exchange, msg *exchange.Message) {
	var req SubscribeRequest
	if err := decodePayload(msg.Payload, &req); err != nil {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}
	if req.MinIntervalFloor > req.MaxIntervalCeiling || req.MaxIntervalCeiling <= 0 {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}

	peer := ex.Peer()
	var owner *session.SubscriptionSet
	if e.owner != nil {
		owner = e.owner(peer)
	}
	sender := &exchangeReportSender{engine: e, peer: peer}
	sub, err := e.publisher.CreateSubscription(req, peer.String(), sender, owner, nil)
	if err != nil {
		e.log.Warnf("subscribe from %s rejected: %v", peer, err)
		e.respondStatus(ex, StatusResourceExhausted)
		return
	}

	payload, err := encodePayload(SubscribeResponse{
		SubscriptionID: sub.SubscriptionID(),
		MaxInterval:    sub.MaxInterval(),
	})
	if err != nil {
		_ = sub.Close(false)
		e.respondStatus(ex, StatusFailure)
		return
	}
	if err := ex.Send(ProtocolID, MsgSubscribeResponse, payload); err != nil {
		e.log.Debugf("subscribe response send failed: %v", err)
		_ = sub.Close(false)
		return
	}

	// The subscriber acknowledges once it is ready to receive reports;
	// only then does the initial report go out on its own exchange.
	ctx, cancel := context.WithTimeout(context.Background(), e.ackWait)
	defer cancel()
	if _, err := ex.Receive(ctx); err != nil {
		e.log.Debugf("subscribe ack from %s not received: %v", peer, err)
		_ = sub.Close(false)
		return
	}
	if err := sub.Seed(); err != nil {
		e.log.Warnf("subscription %d to %s: seeding failed: %v", sub.SubscriptionID(), peer, err)
	}
}

func (e *Engine) handleCancel(ex *exchange.Exchange, msg *exchange.Message) {
	var req CancelRequest
	if err := decodePayload(msg.Payload, &req); err != nil {
		e.respondStatus(ex, StatusInvalidAction)
		return
	}
	sub, ok := e.publisher.Get(req.SubscriptionID)
	if !ok {
		e.respondStatus(ex, StatusInvalidSubscription)
		return
	}
	_ = sub.Close(false)
	e.respondStatus(ex, StatusSuccess)
}

// exchangeReportSender pushes one report chunk per exchange and waits
// for the subscriber's acknowledgement.
type exchangeReportSender struct {
	engine *Engine
	peer   transport.PeerAddress
}

var _ ReportSender = (*exchangeReportSender)(nil)

func (s *exchangeReportSender) SendReport(sub *ServerSubscription, report *ReportData) error {
	payload, err := encodePayload(report)
	if err != nil {
		return err
	}
	ex, err := s.engine.exchanges.NewExchange(s.peer)
	if err != nil {
		return err
	}
	defer ex.Close()

	if err := ex.Send(ProtocolID, MsgReportData, payload); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.engine.ackWait)
	defer cancel()
	msg, err := ex.Receive(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: report %d unacknowledged", transport.ErrTimeout, sub.SubscriptionID())
		}
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
