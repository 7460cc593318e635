// Package hub is the synchronization engine's central coordinator. It owns
// client connect/disconnect, routes inbound change requests through admission
// control and conflict resolution, commits accepted results to the durable
// store, and drives the batcher's broadcast fan-out.
//
// Registry and pool membership are mutated only inside the hub's control
// loop; workers and pumps communicate with the loop through its event
// channel, never by touching hub state directly.
package hub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stafflink/rosterhub/internal/batch"
	"github.com/stafflink/rosterhub/internal/conflict"
	"github.com/stafflink/rosterhub/internal/entity"
	"github.com/stafflink/rosterhub/internal/limiter"
	"github.com/stafflink/rosterhub/internal/metrics"
	"github.com/stafflink/rosterhub/internal/pool"
	"github.com/stafflink/rosterhub/internal/protocol"
	"github.com/stafflink/rosterhub/internal/registry"
	"github.com/stafflink/rosterhub/internal/store"
	"github.com/stafflink/rosterhub/internal/version"
)

var (
	errMissingStore    = errors.New("entity store is required")
	errMissingResolver = errors.New("conflict resolver is required")
	errHubStopped      = errors.New("hub is stopped")
	errPoolFull        = errors.New("connection pool at capacity")
	errDuplicateID     = errors.New("client id already registered")
	noOpLogger         = zap.NewNop()
)

// HubError carries a dotted operation code alongside the cause.
type HubError struct {
	code string
	err  error
}

func (e *HubError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *HubError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *HubError) Code() string {
	return e.code
}

const (
	opHubNew        = "hub.new"
	opHubConnect    = "hub.connect"
	opProcessChange = "hub.process_change"
	opSyncRequest   = "hub.sync_request"
)

func newHubError(operation, reason string, cause error) error {
	return &HubError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// Error codes surfaced to clients in error envelopes.
const (
	errCodeRateLimited    = "rate_limited"
	errCodeOverloaded     = "overloaded"
	errCodeStoreFailed    = "store_unavailable"
	errCodeWriteConflict  = "write_conflict"
	errCodeSuperseded     = "conflict_superseded"
	errCodeNotFound       = "not_found"
	errCodeIllegalDelete  = "illegal_delete"
	errCodeMalformed      = "malformed_message"
	errCodeInvalidRequest = "invalid_request"
	errCodeUnknownType    = "unknown_message_type"
)

// Config wires a Hub.
type Config struct {
	Store    store.EntityStore
	Resolver *conflict.Resolver
	Versions *version.Controller
	Limiter  *limiter.ClientLimiter
	Workers  *pool.WorkerPool
	Reporter *metrics.Reporter
	IDs      IDProvider
	Logger   *zap.Logger
	Clock    func() time.Time

	PoolCapacity  int
	BatchSize     int
	FlushInterval time.Duration
	PingInterval  time.Duration
}

// Hub coordinates connections, resolution, commit, and broadcast.
type Hub struct {
	store    store.EntityStore
	resolver *conflict.Resolver
	versions *version.Controller
	limiter  *limiter.ClientLimiter
	workers  *pool.WorkerPool
	reporter *metrics.Reporter
	ids      IDProvider
	logger   *zap.Logger
	clock    func() time.Time

	registry *registry.Registry
	conns    *pool.ConnectionPool[*wsClient]
	batcher  *batch.Batcher
	keys     *keyLocks

	pingInterval time.Duration

	// events is the single serialized feed of registry-mutating work:
	// connects, disconnects, subscription changes, and broadcasts all pass
	// through it in order.
	events chan hubEvent

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type hubEvent interface {
	isHubEvent()
}

type connectEvent struct {
	client *wsClient
	reply  chan error
}

type disconnectEvent struct {
	clientID entity.ClientID
}

type subscriptionEvent struct {
	clientID  entity.ClientID
	topics    []entity.Topic
	subscribe bool
}

type broadcastEvent struct {
	topic   entity.Topic
	message []byte
}

type barrierEvent struct {
	reply chan struct{}
}

func (connectEvent) isHubEvent()      {}
func (disconnectEvent) isHubEvent()   {}
func (subscriptionEvent) isHubEvent() {}
func (broadcastEvent) isHubEvent()    {}
func (barrierEvent) isHubEvent()      {}

// NewHub constructs the hub and starts its control loop.
func NewHub(cfg Config) (*Hub, error) {
	if cfg.Store == nil {
		return nil, newHubError(opHubNew, "missing_store", errMissingStore)
	}
	if cfg.Resolver == nil {
		return nil, newHubError(opHubNew, "missing_resolver", errMissingResolver)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	versions := cfg.Versions
	if versions == nil {
		versions = version.NewController()
	}
	ids := cfg.IDs
	if ids == nil {
		ids = NewUUIDProvider()
	}
	workers := cfg.Workers
	if workers == nil {
		workers = pool.NewWorkerPool(4, 64, logger)
	}
	poolCapacity := cfg.PoolCapacity
	if poolCapacity <= 0 {
		poolCapacity = 1024
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		store:        cfg.Store,
		resolver:     cfg.Resolver,
		versions:     versions,
		limiter:      cfg.Limiter,
		workers:      workers,
		reporter:     cfg.Reporter,
		ids:          ids,
		logger:       logger,
		clock:        clock,
		registry:     registry.NewRegistry(logger),
		conns:        pool.NewConnectionPool[*wsClient](poolCapacity),
		keys:         newKeyLocks(),
		pingInterval: pingInterval,
		events:       make(chan hubEvent, 256),
		loopCtx:      ctx,
		loopCancel:   cancel,
		loopDone:     make(chan struct{}),
	}

	h.batcher = batch.NewBatcher(batch.Config{
		MaxSize:  cfg.BatchSize,
		Interval: cfg.FlushInterval,
		Flush:    h.flushBatch,
		Logger:   logger,
		Clock:    clock,
	})

	go h.loop()
	return h, nil
}

// SeedVersions raises the version controller to the store's highest
// committed version so a restart never reissues an observed sequence number.
func (h *Hub) SeedVersions(ctx context.Context) error {
	max, err := h.store.MaxVersion(ctx)
	if err != nil {
		return err
	}
	h.versions.Seed(max)
	return nil
}

// Connect registers a new websocket connection, assigns it a unique client
// identifier, and immediately emits the registration acknowledgment. The
// connection is rejected when the pool is at capacity or the hub is stopping.
func (h *Hub) Connect(conn *websocket.Conn) (entity.ClientID, error) {
	rawID, err := h.ids.NewID()
	if err != nil {
		return "", newHubError(opHubConnect, "id_generation_failed", err)
	}
	clientID, err := entity.NewClientID(rawID)
	if err != nil {
		return "", newHubError(opHubConnect, "invalid_client_id", err)
	}

	client := newWSClient(clientID, conn, h.logger)
	event := connectEvent{client: client, reply: make(chan error, 1)}

	if err := h.post(event); err != nil {
		return "", newHubError(opHubConnect, "hub_stopped", err)
	}

	select {
	case err := <-event.reply:
		if err != nil {
			return "", newHubError(opHubConnect, "rejected", err)
		}
	case <-h.loopCtx.Done():
		return "", newHubError(opHubConnect, "hub_stopped", errHubStopped)
	}

	go client.writePump(h.pingInterval)
	go client.readPump(h)
	return clientID, nil
}

// Disconnect removes the client. Safe to call for already-removed clients.
func (h *Hub) Disconnect(clientID entity.ClientID) {
	_ = h.post(disconnectEvent{clientID: clientID})
}

// Stop performs the coordinated shutdown: stop admitting work, drain workers
// up to grace, flush the buffered batch, wait for the loop to deliver it,
// then force-close remaining connections and end the control loop.
func (h *Hub) Stop(grace time.Duration) {
	h.workers.Stop(grace)
	h.batcher.Stop()

	// Barrier: every event posted before this point, including the final
	// flush's broadcasts, has been handled once the reply arrives.
	barrier := barrierEvent{reply: make(chan struct{})}
	if err := h.post(barrier); err == nil {
		select {
		case <-barrier.reply:
		case <-time.After(grace):
		}
	}

	h.loopCancel()
	<-h.loopDone
	for _, clientID := range h.registry.ClientIDs() {
		h.registry.Unregister(clientID)
		h.conns.Remove(clientID.String())
	}
}

// Health reports the point-in-time health snapshot.
func (h *Hub) Health() metrics.Health {
	health := metrics.Health{
		Status:            "ok",
		ActiveConnections: h.registry.Len(),
		QueueDepth:        h.workers.QueueDepth(),
		BatchPending:      h.batcher.Pending(),
		DroppedTasks:      h.workers.Dropped(),
	}
	if workers := h.workers.Workers(); workers > 0 {
		health.WorkerUtilization = float64(h.workers.ActiveWorkers()) / float64(workers)
	}
	if h.reporter != nil {
		health.UptimeSeconds = h.reporter.Uptime(h.clock()).Seconds()
	}
	return health
}

func (h *Hub) post(event hubEvent) error {
	select {
	case h.events <- event:
		return nil
	case <-h.loopCtx.Done():
		return errHubStopped
	}
}

// loop is the single serialized owner of registry and pool membership.
func (h *Hub) loop() {
	defer close(h.loopDone)
	gauges := time.NewTicker(time.Second)
	defer gauges.Stop()

	for {
		select {
		case <-h.loopCtx.Done():
			return
		case event := <-h.events:
			switch e := event.(type) {
			case connectEvent:
				h.handleConnect(e)
			case disconnectEvent:
				h.handleDisconnect(e.clientID)
			case subscriptionEvent:
				h.handleSubscription(e)
			case broadcastEvent:
				h.handleBroadcast(e)
			case barrierEvent:
				close(e.reply)
			}
		case <-gauges.C:
			h.refreshGauges()
		}
	}
}

func (h *Hub) handleConnect(event connectEvent) {
	client := event.client
	if !h.conns.Add(client.id.String(), client) {
		event.reply <- errPoolFull
		return
	}
	now := h.clock()
	if !h.registry.Register(client.id, client, now) {
		h.conns.Remove(client.id.String())
		event.reply <- errDuplicateID
		return
	}
	event.reply <- nil

	h.logger.Info("client connected",
		zap.String("client_id", client.id.String()),
		zap.Int("active", h.registry.Len()))
	h.sendMessage(client.id, protocol.Message{
		Kind:      protocol.KindAck,
		Timestamp: now,
		Body:      protocol.Ack{Ref: "register", ClientID: client.id.String()},
	})
}

func (h *Hub) handleDisconnect(clientID entity.ClientID) {
	if h.registry.Unregister(clientID) {
		h.conns.Remove(clientID.String())
		h.logger.Info("client disconnected",
			zap.String("client_id", clientID.String()),
			zap.Int("active", h.registry.Len()))
	}
}

func (h *Hub) handleSubscription(event subscriptionEvent) {
	names := make([]string, 0, len(event.topics))
	for _, topic := range event.topics {
		if event.subscribe {
			h.registry.Subscribe(event.clientID, topic)
		} else {
			h.registry.Unsubscribe(event.clientID, topic)
		}
		names = append(names, topic.String())
	}
	ref := "subscribe"
	if !event.subscribe {
		ref = "unsubscribe"
	}
	h.sendMessage(event.clientID, protocol.Message{
		Kind:      protocol.KindAck,
		Timestamp: h.clock(),
		Body:      protocol.Ack{Ref: ref, Topics: names},
	})
}

func (h *Hub) handleBroadcast(event broadcastEvent) {
	delivered, failed := h.registry.Broadcast(event.topic, event.message)
	if h.reporter != nil {
		h.reporter.AddBroadcastDeliveries(delivered)
	}
	for _, clientID := range failed {
		h.handleDisconnect(clientID)
	}
}

func (h *Hub) refreshGauges() {
	if h.reporter == nil {
		return
	}
	h.reporter.SetActiveConnections(h.registry.Len())
	h.reporter.SetQueueDepth(h.workers.QueueDepth())
	h.reporter.SetWorkerUtilization(h.workers.ActiveWorkers(), h.workers.Workers())
	h.reporter.SetBatchPending(h.batcher.Pending())
}

// Inbound handles one raw frame from a client's read pump.
func (h *Hub) Inbound(clientID entity.ClientID, raw []byte) {
	message, err := protocol.Decode(raw)
	if err != nil {
		// One malformed message is dropped; the connection stays open.
		if h.reporter != nil {
			h.reporter.IncProtocolError()
		}
		h.logger.Warn("malformed message dropped",
			zap.String("client_id", clientID.String()),
			zap.Error(err))
		code := errCodeMalformed
		if errors.Is(err, protocol.ErrUnknownKind) {
			code = errCodeUnknownType
		}
		h.sendError(clientID, "", code, err.Error(), false)
		return
	}

	h.registry.Touch(clientID, h.clock())

	switch message.Kind {
	case protocol.KindPing:
		h.handlePing(clientID, message)
	case protocol.KindPong:
		// Touch above already refreshed liveness.
	case protocol.KindSubscribe, protocol.KindUnsubscribe:
		h.handleSubscribeMessage(clientID, message)
	case protocol.KindSyncRequest:
		h.submitSyncRequest(clientID, message)
	case protocol.KindEntityCreate, protocol.KindEntityUpdate, protocol.KindEntityDelete:
		h.submitChange(clientID, message)
	case protocol.KindBulkUpdate:
		h.submitBulk(clientID, message)
	case protocol.KindConflictChoice:
		h.submitConflictChoice(clientID, message)
	default:
		h.sendError(clientID, "", errCodeUnknownType, string(message.Kind), false)
	}
}

func (h *Hub) handlePing(clientID entity.ClientID, message protocol.Message) {
	// The pong carries the ping's original timestamp back to the sender.
	h.sendMessage(clientID, protocol.Message{
		Kind:      protocol.KindPong,
		Timestamp: h.clock(),
		Body:      protocol.Heartbeat{EchoTimestamp: message.Timestamp.UnixMilli()},
	})
}

func (h *Hub) handleSubscribeMessage(clientID entity.ClientID, message protocol.Message) {
	body, ok := message.Body.(protocol.Subscription)
	if !ok || len(body.Topics) == 0 {
		h.sendError(clientID, "", errCodeInvalidRequest, "topics required", false)
		return
	}
	topics := make([]entity.Topic, 0, len(body.Topics))
	for _, raw := range body.Topics {
		topic, err := entity.NewTopic(raw)
		if err != nil {
			h.sendError(clientID, "", errCodeInvalidRequest, err.Error(), false)
			return
		}
		topics = append(topics, topic)
	}
	_ = h.post(subscriptionEvent{
		clientID:  clientID,
		topics:    topics,
		subscribe: message.Kind == protocol.KindSubscribe,
	})
}

// admit applies rate limiting before a change enters the pipeline. Denied
// requests are dropped with an admission error, never queued.
func (h *Hub) admit(clientID entity.ClientID, key string) bool {
	if h.limiter == nil {
		return true
	}
	if h.limiter.Allow(clientID.String()) {
		return true
	}
	if h.reporter != nil {
		h.reporter.IncRateLimited()
	}
	h.sendError(clientID, key, errCodeRateLimited, "request rate exceeded", false)
	return false
}

func (h *Hub) submitChange(clientID entity.ClientID, message protocol.Message) {
	body, ok := message.Body.(protocol.EntityChange)
	if !ok {
		h.sendError(clientID, "", errCodeInvalidRequest, "entity change payload required", false)
		return
	}
	if !h.admit(clientID, body.Key) {
		return
	}
	request, hard, err := h.buildChangeRequest(clientID, message.Kind, body)
	if err != nil {
		h.sendError(clientID, body.Key, errCodeInvalidRequest, err.Error(), false)
		return
	}
	h.submitTask(clientID, body.Key, func(ctx context.Context) {
		h.processChange(ctx, request, hard)
	})
}

func (h *Hub) submitBulk(clientID entity.ClientID, message protocol.Message) {
	body, ok := message.Body.(protocol.BulkUpdate)
	if !ok || len(body.Changes) == 0 {
		h.sendError(clientID, "", errCodeInvalidRequest, "changes required", false)
		return
	}
	if !h.admit(clientID, "") {
		return
	}
	type bulkItem struct {
		request entity.ChangeRequest
		hard    bool
	}
	items := make([]bulkItem, 0, len(body.Changes))
	for _, change := range body.Changes {
		kind := protocol.KindEntityUpdate
		if change.BaseVersion == 0 {
			kind = protocol.KindEntityCreate
		}
		request, hard, err := h.buildChangeRequest(clientID, kind, change)
		if err != nil {
			h.sendError(clientID, change.Key, errCodeInvalidRequest, err.Error(), false)
			return
		}
		items = append(items, bulkItem{request: request, hard: hard})
	}
	h.submitTask(clientID, "", func(ctx context.Context) {
		for _, item := range items {
			h.processChange(ctx, item.request, item.hard)
		}
	})
}

func (h *Hub) submitSyncRequest(clientID entity.ClientID, message protocol.Message) {
	body, _ := message.Body.(protocol.SyncRequest)
	if !h.admit(clientID, "") {
		return
	}
	h.submitTask(clientID, "", func(ctx context.Context) {
		h.processSyncRequest(ctx, clientID, body.Topics)
	})
}

func (h *Hub) submitConflictChoice(clientID entity.ClientID, message protocol.Message) {
	body, ok := message.Body.(protocol.ConflictChoice)
	if !ok || body.Key == "" {
		h.sendError(clientID, "", errCodeInvalidRequest, "conflict choice payload required", false)
		return
	}
	if !h.admit(clientID, body.Key) {
		return
	}
	h.submitTask(clientID, body.Key, func(ctx context.Context) {
		h.processConflictChoice(ctx, clientID, body)
	})
}

func (h *Hub) submitTask(clientID entity.ClientID, key string, task pool.Task) {
	if h.workers.Submit(task) {
		return
	}
	if h.reporter != nil {
		h.reporter.AddTasksDropped(1)
	}
	h.sendError(clientID, key, errCodeOverloaded, "worker queue full", true)
}

func (h *Hub) buildChangeRequest(clientID entity.ClientID, kind protocol.Kind, body protocol.EntityChange) (entity.ChangeRequest, bool, error) {
	key, err := entity.NewKey(body.Key)
	if err != nil {
		return entity.ChangeRequest{}, false, err
	}
	topicName := body.Topic
	if topicName == "" {
		topicName = entity.TopicAll.String()
	}
	topic, err := entity.NewTopic(topicName)
	if err != nil {
		return entity.ChangeRequest{}, false, err
	}

	var operation entity.Operation
	switch kind {
	case protocol.KindEntityCreate:
		operation = entity.OperationCreate
	case protocol.KindEntityDelete:
		operation = entity.OperationDelete
	default:
		operation = entity.OperationUpdate
	}

	return entity.ChangeRequest{
		Key:         key,
		Topic:       topic,
		Operation:   operation,
		BaseVersion: body.BaseVersion,
		Payload:     entity.Payload(body.Payload),
		ClientID:    clientID,
		SubmittedAt: h.clock().UTC(),
	}, body.Hard, nil
}

// processChange runs the resolve/commit pipeline for one change request.
// Resolution for a given key is serialized; different keys proceed in
// parallel. No registry-wide lock is held while waiting on the store.
func (h *Hub) processChange(ctx context.Context, request entity.ChangeRequest, hard bool) {
	started := h.clock()
	unlock := h.keys.lock(request.Key.String())
	defer unlock()

	current, err := h.store.Get(ctx, request.Key.String())
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.reportStoreFailure(request, err)
		return
	}

	decision, err := h.resolver.Resolve(current, request)
	if err != nil {
		h.logger.Error("resolution failed",
			zap.String("operation", opProcessChange),
			zap.String("entity_key", request.Key.String()),
			zap.Error(err))
		h.sendError(request.ClientID, request.Key.String(), errCodeInvalidRequest, err.Error(), false)
		return
	}

	if decision.Conflicted {
		if h.reporter != nil {
			h.reporter.IncConflictResolved(string(decision.Resolution.Strategy))
		}
		h.logConflict(request, decision)
	}

	resolution := decision.Resolution
	switch {
	case resolution.RequiresChoice:
		// Neither side applies; the entity stays at its pre-conflict version
		// until the client chooses.
		h.sendConflictNotice(request, current, decision)
		return
	case !resolution.Accepted:
		if h.reporter != nil {
			h.reporter.IncChangeRejected()
		}
		h.sendError(request.ClientID, request.Key.String(), errCodeSuperseded, "change superseded by an earlier write", false)
		h.sendAuthoritativeState(request.ClientID, current)
		return
	}

	outcome, err := h.commit(ctx, request, current, resolution, hard)
	if err != nil {
		return // commit already reported the failure to the requester
	}

	if h.reporter != nil {
		h.reporter.IncChangeAccepted()
		h.reporter.ObserveResolution(h.clock().Sub(started).Seconds())
	}

	h.sendMessage(request.ClientID, protocol.Message{
		Kind:      protocol.KindAck,
		Timestamp: h.clock(),
		Body: protocol.Ack{
			Ref:     "change",
			Key:     outcome.Key.String(),
			Version: outcome.Version,
		},
	})
	h.batcher.Add(outcome)
}

// commit writes the resolved result. Only a confirmed store write advances
// the dataset sequence and reaches the batcher; failures leave the entity
// version unchanged and surface as retryable errors.
func (h *Hub) commit(ctx context.Context, request entity.ChangeRequest, current *entity.Entity, resolution conflict.Resolution, hard bool) (entity.ChangeOutcome, error) {
	now := h.clock().UTC()

	if request.Operation == entity.OperationDelete {
		if current == nil {
			h.sendError(request.ClientID, request.Key.String(), errCodeNotFound, "entity does not exist", false)
			return entity.ChangeOutcome{}, store.ErrNotFound
		}
		if err := h.store.Delete(ctx, request.Key.String(), hard, current.Version); err != nil {
			h.reportDeleteFailure(request, err)
			return entity.ChangeOutcome{}, err
		}
		lifecycle := entity.LifecycleSoftDeleted
		if hard {
			lifecycle = entity.LifecycleHardDeleted
		}
		outcome := entity.ChangeOutcome{
			Key:         request.Key,
			Topic:       request.Topic,
			Version:     current.Version + 1,
			Sequence:    h.versions.Next(),
			Lifecycle:   lifecycle,
			ClientID:    request.ClientID,
			CommittedAt: now,
		}
		h.appendAudit(ctx, request, current, outcome, resolution)
		return outcome, nil
	}

	expectedVersion := int64(0)
	createdAt := now.Unix()
	lifecycle := entity.LifecycleActive
	if current != nil {
		expectedVersion = current.Version
		createdAt = current.CreatedAtSeconds
	}

	payloadJSON, err := resolution.Payload.MarshalJSONString()
	if err != nil {
		h.sendError(request.ClientID, request.Key.String(), errCodeInvalidRequest, err.Error(), false)
		return entity.ChangeOutcome{}, err
	}

	record := entity.Entity{
		Key:              request.Key.String(),
		Topic:            request.Topic.String(),
		Version:          expectedVersion + 1,
		PayloadJSON:      payloadJSON,
		Lifecycle:        lifecycle,
		LastWriter:       request.ClientID.String(),
		UpdatedAtSeconds: now.Unix(),
		CreatedAtSeconds: createdAt,
	}

	if err := h.store.Put(ctx, record, expectedVersion); err != nil {
		h.reportStoreFailure(request, err)
		return entity.ChangeOutcome{}, err
	}

	// Confirmed write: the controller issues the next dataset sequence and
	// the batcher receives the accepted change.
	outcome := entity.ChangeOutcome{
		Key:         request.Key,
		Topic:       request.Topic,
		Version:     record.Version,
		Sequence:    h.versions.Next(),
		Payload:     resolution.Payload,
		Lifecycle:   lifecycle,
		ClientID:    request.ClientID,
		CommittedAt: now,
	}
	h.appendAudit(ctx, request, current, outcome, resolution)
	return outcome, nil
}

func (h *Hub) processSyncRequest(ctx context.Context, clientID entity.ClientID, topics []string) {
	if len(topics) == 0 {
		topics = []string{entity.TopicAll.String()}
	}
	for _, topic := range topics {
		records, err := h.store.List(ctx, store.Filter{Topic: topic})
		if err != nil {
			h.logger.Error("sync request failed",
				zap.String("operation", opSyncRequest),
				zap.String("topic", topic),
				zap.Error(err))
			h.sendError(clientID, "", errCodeStoreFailed, "state fetch failed", true)
			return
		}
		items := make([]protocol.BatchItem, 0, len(records))
		for _, record := range records {
			payload, err := record.Payload()
			if err != nil {
				h.logger.Warn("stored payload decode failed",
					zap.String("entity_key", record.Key),
					zap.Error(err))
				continue
			}
			items = append(items, protocol.BatchItem{
				Key:       record.Key,
				Topic:     record.Topic,
				Version:   record.Version,
				Payload:   payload,
				Deleted:   record.Lifecycle.Deleted(),
				Writer:    record.LastWriter,
				Committed: record.UpdatedAtSeconds,
			})
		}
		h.sendMessage(clientID, protocol.Message{
			Kind:      protocol.KindBatch,
			Timestamp: h.clock(),
			Body:      protocol.BatchDelivery{Items: items},
		})
	}
}

// processConflictChoice applies the client's manual selection of one side of
// a surfaced conflict against the entity's current version.
func (h *Hub) processConflictChoice(ctx context.Context, clientID entity.ClientID, choice protocol.ConflictChoice) {
	unlock := h.keys.lock(choice.Key)
	defer unlock()

	current, err := h.store.Get(ctx, choice.Key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.sendError(clientID, choice.Key, errCodeNotFound, "entity does not exist", false)
			return
		}
		h.sendError(clientID, choice.Key, errCodeStoreFailed, "state fetch failed", true)
		return
	}

	if choice.Choice == "base" {
		// Keeping the authoritative side needs no write; converge the client.
		h.sendAuthoritativeState(clientID, current)
		return
	}

	key, err := entity.NewKey(choice.Key)
	if err != nil {
		h.sendError(clientID, choice.Key, errCodeInvalidRequest, err.Error(), false)
		return
	}
	topic, err := entity.NewTopic(current.Topic)
	if err != nil {
		topic = entity.TopicAll
	}
	request := entity.ChangeRequest{
		Key:         key,
		Topic:       topic,
		Operation:   entity.OperationUpdate,
		BaseVersion: current.Version,
		Payload:     entity.Payload(choice.Payload),
		ClientID:    clientID,
		SubmittedAt: h.clock().UTC(),
	}
	resolution := conflict.Resolution{
		Accepted:   true,
		Payload:    request.Payload.Clone(),
		Strategy:   conflict.StrategyUserChoice,
		Confidence: 1,
	}

	outcome, err := h.commit(ctx, request, current, resolution, false)
	if err != nil {
		return
	}
	if h.reporter != nil {
		h.reporter.IncChangeAccepted()
	}
	h.sendMessage(clientID, protocol.Message{
		Kind:      protocol.KindAck,
		Timestamp: h.clock(),
		Body:      protocol.Ack{Ref: "change", Key: outcome.Key.String(), Version: outcome.Version},
	})
	h.batcher.Add(outcome)
}

// flushBatch receives each flushed batch and fans it out per topic through
// the control loop, preserving acceptance order within a topic.
func (h *Hub) flushBatch(flushed batch.Batch) {
	if h.reporter != nil {
		h.reporter.IncBatchFlushed()
	}

	byTopic := make(map[entity.Topic][]protocol.BatchItem)
	order := make([]entity.Topic, 0, 4)
	for _, outcome := range flushed.Outcomes {
		item := protocol.BatchItem{
			Key:       outcome.Key.String(),
			Topic:     outcome.Topic.String(),
			Version:   outcome.Version,
			Sequence:  outcome.Sequence,
			Payload:   outcome.Payload,
			Deleted:   outcome.Lifecycle.Deleted(),
			Writer:    outcome.ClientID.String(),
			Committed: outcome.CommittedAt.Unix(),
		}
		if _, seen := byTopic[outcome.Topic]; !seen {
			order = append(order, outcome.Topic)
		}
		byTopic[outcome.Topic] = append(byTopic[outcome.Topic], item)
	}

	for _, topic := range order {
		message, err := protocol.Encode(protocol.Message{
			Kind:      protocol.KindBatch,
			Timestamp: h.clock(),
			Body:      protocol.BatchDelivery{Items: byTopic[topic]},
		})
		if err != nil {
			h.logger.Error("batch encode failed", zap.Error(err))
			continue
		}
		_ = h.post(broadcastEvent{topic: topic, message: message})
	}
}

func (h *Hub) sendConflictNotice(request entity.ChangeRequest, current *entity.Entity, decision conflict.Decision) {
	notice := protocol.ConflictNotice{
		Key:          request.Key.String(),
		Incoming:     request.Payload,
		ConflictType: string(decision.Type),
	}
	if current != nil {
		notice.CurrentVersion = current.Version
	}
	if decision.Resolution.Authoritative != nil {
		notice.Base = decision.Resolution.Authoritative
	}
	h.sendMessage(request.ClientID, protocol.Message{
		Kind:      protocol.KindConflict,
		Timestamp: h.clock(),
		Body:      notice,
	})
}

func (h *Hub) sendAuthoritativeState(clientID entity.ClientID, current *entity.Entity) {
	if current == nil {
		return
	}
	payload, err := current.Payload()
	if err != nil {
		h.logger.Warn("stored payload decode failed",
			zap.String("entity_key", current.Key),
			zap.Error(err))
		return
	}
	h.sendMessage(clientID, protocol.Message{
		Kind:      protocol.KindBatch,
		Timestamp: h.clock(),
		Body: protocol.BatchDelivery{Items: []protocol.BatchItem{{
			Key:       current.Key,
			Topic:     current.Topic,
			Version:   current.Version,
			Payload:   payload,
			Deleted:   current.Lifecycle.Deleted(),
			Writer:    current.LastWriter,
			Committed: current.UpdatedAtSeconds,
		}}},
	})
}

func (h *Hub) appendAudit(ctx context.Context, request entity.ChangeRequest, previous *entity.Entity, outcome entity.ChangeOutcome, resolution conflict.Resolution) {
	recordID, err := h.ids.NewID()
	if err != nil {
		h.logger.Warn("audit id generation failed", zap.Error(err))
		return
	}
	payloadJSON, err := outcome.Payload.MarshalJSONString()
	if err != nil {
		payloadJSON = "{}"
	}
	newVersion := outcome.Version
	audit := entity.AuditRecord{
		RecordID:         recordID,
		EntityKey:        outcome.Key.String(),
		AppliedAtSeconds: outcome.CommittedAt.Unix(),
		ClientID:         request.ClientID.String(),
		Operation:        request.Operation,
		NewVersion:       &newVersion,
		Strategy:         string(resolution.Strategy),
		Confidence:       resolution.Confidence,
		PayloadJSON:      payloadJSON,
	}
	if previous != nil && previous.Version > 0 {
		prev := previous.Version
		audit.PreviousVersion = &prev
	}
	if err := h.store.AppendAudit(ctx, audit); err != nil {
		// The commit already happened; a lost audit row is log-only.
		h.logger.Warn("audit append failed",
			zap.String("entity_key", outcome.Key.String()),
			zap.Error(err))
	}
}

func (h *Hub) logConflict(request entity.ChangeRequest, decision conflict.Decision) {
	record := decision.Resolution.Record
	if record == nil {
		return
	}
	h.logger.Info("conflict detected",
		zap.String("entity_key", request.Key.String()),
		zap.String("conflict_type", string(decision.Type)),
		zap.String("strategy", string(record.Strategy)),
		zap.Float64("confidence", record.Confidence))
}

func (h *Hub) reportStoreFailure(request entity.ChangeRequest, err error) {
	switch {
	case errors.Is(err, store.ErrVersionMismatch):
		// Lost to a concurrent writer outside this hub; the client retries
		// against the fresh version.
		h.sendError(request.ClientID, request.Key.String(), errCodeWriteConflict, "version changed during commit", true)
	default:
		if h.reporter != nil {
			h.reporter.IncStoreFailure()
		}
		h.logger.Error("store write failed",
			zap.String("operation", opProcessChange),
			zap.String("entity_key", request.Key.String()),
			zap.Error(err))
		h.sendError(request.ClientID, request.Key.String(), errCodeStoreFailed, "durable store unavailable", true)
	}
}

func (h *Hub) reportDeleteFailure(request entity.ChangeRequest, err error) {
	switch {
	case errors.Is(err, store.ErrIllegalDelete):
		h.sendError(request.ClientID, request.Key.String(), errCodeIllegalDelete, "hard delete requires a soft-deleted entity", false)
	case errors.Is(err, store.ErrNotFound):
		h.sendError(request.ClientID, request.Key.String(), errCodeNotFound, "entity does not exist", false)
	default:
		h.reportStoreFailure(request, err)
	}
}

func (h *Hub) sendError(clientID entity.ClientID, key, code, detail string, retryable bool) {
	h.sendMessage(clientID, protocol.Message{
		Kind:      protocol.KindError,
		Timestamp: h.clock(),
		Body: protocol.ErrorInfo{
			Code:      code,
			Detail:    detail,
			Key:       key,
			Retryable: retryable,
		},
	})
}

func (h *Hub) sendMessage(clientID entity.ClientID, message protocol.Message) {
	raw, err := protocol.Encode(message)
	if err != nil {
		h.logger.Error("message encode failed", zap.Error(err))
		return
	}
	if err := h.registry.Send(clientID, raw); err != nil {
		h.logger.Debug("direct send failed",
			zap.String("client_id", clientID.String()),
			zap.String("kind", string(message.Kind)),
			zap.Error(err))
	}
}
