package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-predict/internal/bus"
	"github.com/loqalabs/loqa-predict/internal/config"
	"github.com/loqalabs/loqa-predict/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// NodeInfo is the registry's view of one runtime on the bus.
type NodeInfo struct {
	ID           string                `json:"id"`
	Role         string                `json:"role"`
	Capabilities []protocol.Capability `json:"capabilities"`
	LastSeen     time.Time             `json:"last_seen"`
	Healthy      bool                  `json:"healthy"`
}

// Registry announces this node and tracks the others through heartbeats.
type Registry struct {
	id       string
	role     string
	caps     []protocol.Capability
	interval time.Duration
	timeout  time.Duration

	log    *slog.Logger
	bus    *bus.Client
	clock  func() time.Time
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	nodes map[string]*NodeInfo
	subs  []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, caps []protocol.Capability, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		id:       id,
		role:     cfg.Role,
		caps:     caps,
		interval: time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond,
		timeout:  time.Duration(cfg.HeartbeatTimeoutMS) * time.Millisecond,
		log:      log.With(slog.String("component", "capability-registry"), slog.String("node_id", id)),
		bus:      busClient,
		clock:    time.Now,
		cancel:   cancel,
		nodes:    make(map[string]*NodeInfo),
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.publish(protocol.SubjectNodeAnnounce); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

// ID returns this node's id.
func (r *Registry) ID() string { return r.id }

func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectNodeAnnounce, r.handleStatus)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectNodeHeartbeatPrefix+".*", r.handleStatus)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return conn.Flush()
}

func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(r.interval)
	defer heartbeat.Stop()
	health := time.NewTicker(r.interval / 2)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publish(protocol.SubjectNodeHeartbeatPrefix + "." + r.id); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

// publish sends the full node status; heartbeats carry capabilities so late joiners need no announce.
func (r *Registry) publish(subject string) error {
	status := protocol.NodeStatus{
		NodeID:       r.id,
		Role:         r.role,
		Capabilities: r.caps,
		Timestamp:    r.clock().UTC(),
	}
	payload, err := json.Marshal(status)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subject, payload); err != nil {
		return err
	}
	r.observe(status)
	return nil
}

func (r *Registry) handleStatus(msg *nats.Msg) {
	var status protocol.NodeStatus
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		r.log.Warn("invalid node status", slog.String("error", err.Error()))
		return
	}
	if status.NodeID == "" {
		return
	}
	if status.Timestamp.IsZero() {
		status.Timestamp = r.clock().UTC()
	}
	r.observe(status)
}

func (r *Registry) observe(status protocol.NodeStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[status.NodeID]
	if !ok {
		node = &NodeInfo{ID: status.NodeID}
		r.nodes[status.NodeID] = node
		if status.NodeID != r.id {
			r.log.Info("node joined", slog.String("peer", status.NodeID), slog.String("role", status.Role))
		}
	}
	if status.Role != "" {
		node.Role = status.Role
	}
	if len(status.Capabilities) > 0 {
		node.Capabilities = status.Capabilities
	}
	if status.Timestamp.After(node.LastSeen) {
		node.LastSeen = status.Timestamp
	}
	node.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	for _, node := range r.nodes {
		if node.Healthy && now.Sub(node.LastSeen) > r.timeout {
			node.Healthy = false
			r.log.Warn("node missed heartbeats", slog.String("peer", node.ID))
		}
	}
}

// Healthy reports whether this node has seen its own status recently.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.id]
	return ok && node.Healthy
}

// Nodes returns known nodes sorted by id. A nil filter matches all.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]NodeInfo, 0, len(r.nodes))
	for _, node := range r.nodes {
		copied := *node
		if filter == nil || filter(copied) {
			results = append(results, copied)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

func WithCapability(name string) func(NodeInfo) bool {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-predict/capability")
	nodes, err := meter.Int64ObservableGauge("loqa.predict.nodes", metric.WithDescription("Known healthy nodes on the bus"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(nodes, r.healthyCount())
		return nil
	}, nodes)
	return err
}

func (r *Registry) healthyCount() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, node := range r.nodes {
		if node.Healthy {
			n++
		}
	}
	return n
}
