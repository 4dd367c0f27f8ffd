package coordination

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ochopod/pod-agent/pkg/events"
	"github.com/ochopod/pod-agent/pkg/log"
	"github.com/ochopod/pod-agent/pkg/metrics"
)

// Config configures a Client and the embedded coordination-service ensemble
// member it drives.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	JoinAddr string
}

// Client is the C1 facade: connect/session management, ephemeral+sequential
// and persistent node primitives, fire-once watches, session events. It is
// the only thing in the process allowed to touch the Raft-backed store —
// every other actor reaches the store only through Client's methods.
type Client struct {
	cfg     Config
	backend *Backend
	store   Store
	broker  *events.Broker
	logger  zerolog.Logger

	applyTimeout time.Duration

	mu        sync.Mutex
	sessionID string
	state     SessionState
	stopCh    chan struct{}

	watchMu  sync.Mutex
	watchers map[string][]watchEntry // key: "<EventType>:<path>"
}

// watchEntry pairs an armed channel with the guard that fires it exactly
// once. Exists registers the same channel under three event-type keys, so
// all three entries share one once: whichever of the three events arrives
// first wins, and the later two are no-ops instead of a second send/close
// on an already-closed channel.
type watchEntry struct {
	ch   chan *events.Event
	once *sync.Once
}

// NewClient constructs the node-tree store, FSM, event broker and Raft
// backend, but does not start a session — call Connect for that.
func NewClient(cfg Config) (*Client, error) {
	store, err := NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open node-tree store: %w", err)
	}

	broker := events.NewBroker()
	broker.Start()

	fsm := NewFSM(store, broker)

	backend, err := NewBackend(BackendConfig{
		NodeID:   cfg.NodeID,
		BindAddr: cfg.BindAddr,
		DataDir:  cfg.DataDir,
		JoinAddr: cfg.JoinAddr,
	}, fsm)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("start coordination backend: %w", err)
	}

	c := &Client{
		cfg:          cfg,
		backend:      backend,
		store:        store,
		broker:       broker,
		logger:       log.WithComponent("coordination"),
		applyTimeout: 5 * time.Second,
		watchers:     make(map[string][]watchEntry),
	}
	c.StartWatchDispatch()
	return c, nil
}

// Connect establishes the session: assigns a session id, starts the
// liveness monitor that transitions CONNECTED → SUSPENDED → LOST. Watch
// events are already being distributed, since NewClient starts the watch
// dispatch. sessionTimeout bounds how long the
// session tolerates an unreachable ensemble leader before declaring LOST
// and tearing down this session's ephemeral nodes (§4.1, §5).
func (c *Client) Connect(ctx context.Context, sessionTimeout time.Duration) error {
	c.mu.Lock()
	c.sessionID = uuid.NewString()
	c.state = SessionConnected
	c.stopCh = make(chan struct{})
	sessionID := c.sessionID
	stopCh := c.stopCh
	c.mu.Unlock()

	metrics.SessionConnected.Set(1)
	metrics.SessionEventsTotal.WithLabelValues(string(SessionConnected)).Inc()
	c.broker.Publish(&events.Event{Type: events.EventSessionConnected})

	go c.monitorSession(sessionID, sessionTimeout, stopCh)
	return nil
}

// monitorSession polls the Raft backend for leader reachability. While a
// leader is known the session is CONNECTED; once the leader disappears the
// session goes SUSPENDED, and if no leader reappears within sessionTimeout
// the session is declared LOST: its ephemeral nodes are removed and it
// never recovers (callers must Connect again, i.e. a mandatory full
// restart of the registry/election/watcher/driver actors per §4.1).
func (c *Client) monitorSession(sessionID string, sessionTimeout time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var suspendedSince time.Time

	for {
		select {
		case <-ticker.C:
			reachable := c.backend.LeaderAddr() != ""

			c.mu.Lock()
			state := c.state
			c.mu.Unlock()

			switch {
			case reachable && state != SessionConnected:
				c.setState(SessionConnected)
				suspendedSince = time.Time{}

			case !reachable && state == SessionConnected:
				c.setState(SessionSuspended)
				suspendedSince = time.Now()

			case !reachable && state == SessionSuspended:
				if time.Since(suspendedSince) >= sessionTimeout {
					c.declareLost(sessionID)
					return
				}
			}

		case <-stopCh:
			return
		}
	}
}

func (c *Client) setState(s SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	switch s {
	case SessionConnected:
		metrics.SessionConnected.Set(1)
	case SessionSuspended:
		metrics.SessionConnected.Set(0.5)
	case SessionLost:
		metrics.SessionConnected.Set(0)
	}
	metrics.SessionEventsTotal.WithLabelValues(string(s)).Inc()

	eventType := events.EventSessionConnected
	if s == SessionSuspended {
		eventType = events.EventSessionSuspended
	} else if s == SessionLost {
		eventType = events.EventSessionLost
	}
	c.broker.Publish(&events.Event{Type: eventType})
}

func (c *Client) declareLost(sessionID string) {
	c.logger.Warn().Str("session", sessionID).Msg("session lost, removing ephemeral nodes")
	if _, err := c.backend.Apply(Command{Op: OpRemoveEphemeralsForOwner, Owner: sessionID}, c.applyTimeout); err != nil {
		c.logger.Error().Err(err).Msg("failed to remove ephemeral nodes on session loss")
	}
	c.setState(SessionLost)
}

// Reset drops the current session and starts a new one, backing /reset.
func (c *Client) Reset(ctx context.Context, sessionTimeout time.Duration) error {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.mu.Unlock()
	return c.Connect(ctx, sessionTimeout)
}

// SessionID returns the current session's id, used as the Owner of
// ephemeral nodes this process creates.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// State returns the current session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionEvents returns a channel receiving only session-state transitions
// (CONNECTED/SUSPENDED/LOST), matching C1's session_events stream.
func (c *Client) SessionEvents() <-chan *events.Event {
	sub := c.broker.Subscribe()
	out := make(chan *events.Event, 10)
	go func() {
		defer close(out)
		for ev := range sub {
			switch ev.Type {
			case events.EventSessionConnected, events.EventSessionSuspended, events.EventSessionLost:
				out <- ev
			}
		}
	}()
	return out
}

// CreateEphemeralSequential creates a sequential ephemeral node owned by
// the current session under pathPrefix, returning the assigned full path.
func (c *Client) CreateEphemeralSequential(pathPrefix string, data []byte) (string, error) {
	result, err := c.backend.Apply(Command{
		Op: OpCreate,
		Node: &Node{
			Path:       pathPrefix,
			Data:       data,
			Ephemeral:  true,
			Sequential: true,
			Owner:      c.SessionID(),
		},
	}, c.applyTimeout)
	if err != nil {
		return "", err
	}
	return result.Node.Path, nil
}

// CreatePersistent creates a persistent node. If ifAbsent is true and the
// node already exists, this is a no-op.
func (c *Client) CreatePersistent(path string, data []byte, ifAbsent bool) error {
	if ifAbsent && c.store.Exists(path) {
		return nil
	}
	_, err := c.backend.Apply(Command{
		Op:   OpCreate,
		Node: &Node{Path: path, Data: data},
	}, c.applyTimeout)
	return err
}

// Set overwrites a node's payload unconditionally (the registry always
// wins its own descriptor rewrites).
func (c *Client) Set(path string, data []byte) error {
	_, err := c.backend.Apply(Command{Op: OpSet, Path: path, Data: data, ExpectedVersion: -1}, c.applyTimeout)
	return err
}

// Get returns a node's data and version.
func (c *Client) Get(path string) ([]byte, int, error) {
	n, err := c.store.Get(path)
	if err != nil {
		return nil, 0, err
	}
	return n.Data, n.Version, nil
}

// Delete removes a node unconditionally.
func (c *Client) Delete(path string) error {
	_, err := c.backend.Apply(Command{Op: OpDelete, Path: path, ExpectedVersion: -1}, c.applyTimeout)
	return err
}

// Children lists a node's immediate children. When watch is true, the
// returned channel fires exactly once — on the next child creation or
// removal under path — then is never used again, matching ZooKeeper's
// fire-once watch contract (§4.1).
func (c *Client) Children(path string, watch bool) ([]string, <-chan *events.Event, error) {
	children, err := c.store.Children(path)
	if err != nil {
		return nil, nil, err
	}
	if !watch {
		return children, nil, nil
	}
	return children, c.armWatch(events.EventNodeChildrenChanged, path), nil
}

// Exists reports whether path currently has a node. When watch is true,
// the returned channel fires once on the node's next data change,
// creation, or deletion.
func (c *Client) Exists(path string, watch bool) (bool, <-chan *events.Event, error) {
	exists := c.store.Exists(path)
	if !watch {
		return exists, nil, nil
	}
	ch := make(chan *events.Event, 3)
	once := &sync.Once{}
	c.armWatchInto(events.EventNodeDataChanged, path, ch, once)
	c.armWatchInto(events.EventNodeDeleted, path, ch, once)
	c.armWatchInto(events.EventNodeCreated, path, ch, once)
	return exists, ch, nil
}

func (c *Client) armWatch(kind events.EventType, path string) <-chan *events.Event {
	ch := make(chan *events.Event, 1)
	c.armWatchInto(kind, path, ch, &sync.Once{})
	return ch
}

func (c *Client) armWatchInto(kind events.EventType, path string, ch chan *events.Event, once *sync.Once) {
	key := string(kind) + ":" + path
	c.watchMu.Lock()
	c.watchers[key] = append(c.watchers[key], watchEntry{ch: ch, once: once})
	c.watchMu.Unlock()
}

// StartWatchDispatch begins fanning broker events to armed watchers.
// NewClient calls it once for every Client it creates.
func (c *Client) StartWatchDispatch() {
	sub := c.broker.Subscribe()
	go func() {
		for ev := range sub {
			key := string(ev.Type) + ":" + ev.Path
			c.watchMu.Lock()
			entries := c.watchers[key]
			delete(c.watchers, key)
			c.watchMu.Unlock()

			for _, e := range entries {
				e.once.Do(func() {
					select {
					case e.ch <- ev:
					default:
					}
					close(e.ch)
				})
			}
		}
	}()
}

// Backend exposes the underlying Raft backend for components that need to
// serve the join endpoint or read Raft state (IsLeader, Stats).
func (c *Client) Backend() *Backend { return c.backend }

// Close shuts down the session monitor, Raft instance and node-tree store.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.stopCh != nil {
		close(c.stopCh)
	}
	c.mu.Unlock()

	c.broker.Stop()
	if err := c.backend.Shutdown(); err != nil {
		return err
	}
	return c.store.Close()
}
