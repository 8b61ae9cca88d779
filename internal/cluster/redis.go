package cluster

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/grainsearch/grain-search/internal/assign"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

const (
	nodeKeyPrefix     = "grain:nodes:"
	affinityKeyPrefix = "grain:affinity:"
)

// RedisConfig configures redis-backed membership.
type RedisConfig struct {
	// URL is the redis connection URL.
	URL string

	// HeartbeatInterval is how often the node refreshes its liveness key.
	HeartbeatInterval time.Duration

	// HeartbeatTTL is the liveness key expiry. A node that misses
	// heartbeats for this long drops out of the cluster view.
	HeartbeatTTL time.Duration

	// AdvertiseInterval is how often the node republishes its cached
	// split IDs.
	AdvertiseInterval time.Duration
}

// DefaultRedisConfig returns sensible membership defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		URL:               "redis://localhost:6379/0",
		HeartbeatInterval: 2 * time.Second,
		HeartbeatTTL:      10 * time.Second,
		AdvertiseInterval: 5 * time.Second,
	}
}

// RedisMembership tracks the cluster through redis keys with TTLs. Each node
// heartbeats grain:nodes:<id> and advertises its cache contents under
// grain:affinity:<id>; liveness is simply key existence.
type RedisMembership struct {
	cfg  RedisConfig
	rdb  *redis.Client
	self Node
	log  *logger.Logger

	// contents reports the local cache's split IDs for advertisement.
	// Nil on root-only nodes.
	contents func() []string

	mu        sync.Mutex
	snapshot  []Node
	refreshed time.Time

	stop chan struct{}
	done sync.WaitGroup
}

// NewRedisMembership connects to redis and verifies reachability. The self
// node is registered once Start is called; contents may be nil when the
// process serves no splits.
func NewRedisMembership(ctx context.Context, cfg RedisConfig, self Node, contents func() []string, log *logger.Logger) (*RedisMembership, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	if log == nil {
		log = logger.Default()
	}
	return &RedisMembership{
		cfg:      cfg,
		rdb:      rdb,
		self:     self,
		contents: contents,
		log:      log.WithNode(self.ID),
		stop:     make(chan struct{}),
	}, nil
}

// Start registers the node and begins the heartbeat and advertisement loops.
func (m *RedisMembership) Start(ctx context.Context) error {
	if err := m.heartbeat(ctx); err != nil {
		return err
	}
	m.done.Add(1)
	go m.heartbeatLoop()

	if m.contents != nil {
		m.advertise(ctx)
		m.done.Add(1)
		go m.advertiseLoop()
	}
	m.log.Info("joined cluster", "addr", m.self.Addr)
	return nil
}

func (m *RedisMembership) heartbeatLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HeartbeatInterval)
			if err := m.heartbeat(ctx); err != nil {
				m.log.WithError(err).Warn("heartbeat failed")
			}
			cancel()
		}
	}
}

func (m *RedisMembership) heartbeat(ctx context.Context) error {
	return m.rdb.Set(ctx, nodeKeyPrefix+m.self.ID, m.self.Addr, m.cfg.HeartbeatTTL).Err()
}

func (m *RedisMembership) advertiseLoop() {
	defer m.done.Done()
	ticker := time.NewTicker(m.cfg.AdvertiseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.AdvertiseInterval)
			m.advertise(ctx)
			cancel()
		}
	}
}

func (m *RedisMembership) advertise(ctx context.Context) {
	ids := m.contents()
	sort.Strings(ids)
	err := m.rdb.Set(ctx, affinityKeyPrefix+m.self.ID, strings.Join(ids, ","), m.cfg.HeartbeatTTL).Err()
	if err != nil {
		m.log.WithError(err).Warn("affinity advertisement failed")
	}
}

// Nodes returns the live cluster view. Scans are cached for one heartbeat
// interval so a busy root does not hammer redis.
func (m *RedisMembership) Nodes(ctx context.Context) ([]Node, error) {
	m.mu.Lock()
	if time.Since(m.refreshed) < m.cfg.HeartbeatInterval && m.snapshot != nil {
		out := make([]Node, len(m.snapshot))
		copy(out, m.snapshot)
		m.mu.Unlock()
		return out, nil
	}
	m.mu.Unlock()

	var keys []string
	iter := m.rdb.Scan(ctx, 0, nodeKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	addrs, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(keys))
	for i, key := range keys {
		addr, ok := addrs[i].(string)
		if !ok || addr == "" {
			continue // expired between scan and mget
		}
		nodes = append(nodes, Node{ID: strings.TrimPrefix(key, nodeKeyPrefix), Addr: addr})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	m.mu.Lock()
	m.snapshot = nodes
	m.refreshed = time.Now()
	m.mu.Unlock()

	out := make([]Node, len(nodes))
	copy(out, nodes)
	return out, nil
}

// Affinity fetches the advertised cache contents of the listed nodes.
func (m *RedisMembership) Affinity(ctx context.Context, nodeIDs []string) (assign.Affinity, error) {
	if len(nodeIDs) == 0 {
		return assign.Affinity{}, nil
	}
	keys := make([]string, len(nodeIDs))
	for i, id := range nodeIDs {
		keys[i] = affinityKeyPrefix + id
	}
	values, err := m.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	affinity := make(assign.Affinity, len(nodeIDs))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok || raw == "" {
			continue
		}
		affinity[nodeIDs[i]] = strings.Split(raw, ",")
	}
	return affinity, nil
}

// Close stops the background loops, removes the node's keys, and closes the
// redis connection.
func (m *RedisMembership) Close() error {
	close(m.stop)
	m.done.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.rdb.Del(ctx, nodeKeyPrefix+m.self.ID, affinityKeyPrefix+m.self.ID)
	return m.rdb.Close()
}
