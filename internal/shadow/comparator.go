// Package shadow implements spec.md §4.H's shadow-traffic comparator: a
// sampled subset of commands is mirrored to a reference upstream server and
// the two replies are diffed, entirely off the client-bound path. It is
// grounded on the teacher's pkg/httpclient retry-client shape (a lazily
// dialed, reused peer connection per caller) generalized from HTTP retries
// to a raw wire-protocol round trip, and uses golang.org/x/sync/errgroup —
// a dependency carried by the wider example pack — to run the upstream
// connect/rewrite preparation concurrently rather than serially.
package shadow

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/logging"
	"github.com/fcoury/oxidedb/internal/wireproto"
)

// Mode selects what happens to the client-bound path on a mismatch.
type Mode int

const (
	// CompareOnly never touches the client connection — the default, and
	// the only mode safe for production traffic.
	CompareOnly Mode = iota
	// CompareAndFail closes the shadow upstream connection after
	// reporting a mismatch. It exists for test harnesses that want to
	// assert a mismatch occurred by observing the connection drop; it
	// never closes the client's own connection.
	CompareAndFail
)

// Config controls sampling, namespace rewriting, and diff behavior for one
// Comparator. An empty UpstreamAddr disables shadowing outright.
type Config struct {
	UpstreamAddr  string
	SampleRate    float64 // [0,1]; 0 disables, 1 shadows every request
	Deterministic bool    // hash (session, request id, db) instead of a coin flip
	DBPrefix      string  // prepended to the database component when rewriting namespaces
	Timeout       time.Duration
	Mode          Mode

	IgnoreTopLevel  []string // top-level reply fields never compared
	IgnoreWildcards []string // dotted "prefix.*" paths never compared
}

// DefaultConfig returns the reference server's own per-reply volatile
// fields as the default ignore list (spec.md §4.H point 4).
func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Second,
		Mode:    CompareOnly,
		IgnoreTopLevel: []string{
			"$clusterTime", "operationTime", "topologyVersion", "localTime", "connectionId",
		},
	}
}

// Counters are the process-wide shadow outcome tallies spec.md §4.H point 5
// requires; a snapshot is reported by the oxidedbShadowMetrics admin command
// and internal/metrics' /shadow endpoint.
type Counters struct {
	Attempts   atomic.Int64
	Matches    atomic.Int64
	Mismatches atomic.Int64
	Timeouts   atomic.Int64
}

// Snapshot is a point-in-time copy of Counters, safe to serialize.
type Snapshot struct {
	Attempts   int64 `json:"attempts"`
	Matches    int64 `json:"matches"`
	Mismatches int64 `json:"mismatches"`
	Timeouts   int64 `json:"timeouts"`
}

// Snapshot reads every counter without blocking writers.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		Attempts:   c.Attempts.Load(),
		Matches:    c.Matches.Load(),
		Mismatches: c.Mismatches.Load(),
		Timeouts:   c.Timeouts.Load(),
	}
}

// Comparator mirrors sampled commands to an upstream reference server and
// compares replies in the background. Observe is the only entry point a
// dispatcher needs; everything else here is implementation detail.
type Comparator struct {
	cfg      Config
	counters Counters

	mu    sync.Mutex
	conns map[string]net.Conn // connID -> lazily-established, reused upstream peer
}

// New builds a Comparator from cfg. A zero-value UpstreamAddr yields a
// Comparator whose Observe is a no-op, so callers can always construct and
// wire one even when shadowing is disabled.
func New(cfg Config) *Comparator {
	return &Comparator{cfg: cfg, conns: map[string]net.Conn{}}
}

// Counters exposes the running tallies for internal/metrics to read.
func (c *Comparator) Counters() *Counters { return &c.counters }

// Observe decides whether to sample the request msg represents and, if so,
// launches the upstream mirror-and-compare in the background. It never
// blocks past the sampling decision, so it never delays the client-bound
// reply already computed as localReply.
func (c *Comparator) Observe(connID, sessionID, db string, msg *wireproto.OpMsgMessage, localReply *bsonkit.Document) {
	if c == nil || c.cfg.UpstreamAddr == "" || msg == nil {
		return
	}
	if !shouldSample(c.cfg, sessionID, msg.Header.RequestID, db) {
		return
	}
	go c.compare(connID, db, msg, localReply)
}

// Close drops every upstream peer connection a connID has accumulated, for
// use when the owning client connection itself closes.
func (c *Comparator) Close(connID string) {
	c.drop(connID)
}

func (c *Comparator) compare(connID, db string, msg *wireproto.OpMsgMessage, localReply *bsonkit.Document) {
	c.counters.Attempts.Add(1)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()

	var (
		conn net.Conn
		fwd  *wireproto.OpMsgMessage
	)
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		conn, err = c.peer(connID)
		return err
	})
	g.Go(func() error {
		fwd = rewriteForward(msg, c.cfg.DBPrefix)
		return nil
	})
	if err := g.Wait(); err != nil {
		logging.Get().Debug("shadow: could not reach upstream", "addr", c.cfg.UpstreamAddr, "error", err)
		return
	}

	remoteReply, err := c.roundTrip(ctx, conn, fwd)
	if err != nil {
		if ctx.Err() != nil {
			c.counters.Timeouts.Add(1)
		}
		c.drop(connID)
		return
	}

	mismatches := Diff(localReply, remoteReply, c.cfg.IgnoreTopLevel, c.cfg.IgnoreWildcards)
	if len(mismatches) == 0 {
		c.counters.Matches.Add(1)
		return
	}
	c.counters.Mismatches.Add(1)
	logging.Get().Warn("shadow mismatch", "db", db, "command", msg.Header.RequestID, "diffs", len(mismatches), "first", mismatches[0])
	if c.cfg.Mode == CompareAndFail {
		c.drop(connID)
	}
}

// rewriteForward clones msg's command and, if a db-prefix is configured,
// rewrites its namespace before forwarding — the request id is reused
// unchanged, per spec.md §4.H point 3, so the upstream's own logs line up
// with the client's original request.
func rewriteForward(msg *wireproto.OpMsgMessage, dbPrefix string) *wireproto.OpMsgMessage {
	cmd := msg.Command()
	clone := cmd.Clone()
	RewriteNamespace(clone, dbPrefix)
	return &wireproto.OpMsgMessage{
		Header: msg.Header,
		Flags:  msg.Flags,
		Sections: []wireproto.Section{
			{Kind: 0, Body: clone},
		},
	}
}

// roundTrip sends fwd to conn reusing its own request id and reads back
// the first reply document, bounded by ctx's deadline.
func (c *Comparator) roundTrip(ctx context.Context, conn net.Conn, fwd *wireproto.OpMsgMessage) (*bsonkit.Document, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := wireproto.WriteMessage(conn, fwd); err != nil {
		return nil, err
	}
	reply, err := wireproto.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	replyMsg, ok := reply.(*wireproto.OpMsgMessage)
	if !ok {
		return nil, errUnexpectedReply
	}
	return replyMsg.Command(), nil
}

// peer returns connID's upstream connection, dialing lazily and caching the
// result for reuse across requests from the same client connection — "not
// shared across client connections; created lazily, reconnected on fault"
// per spec.md's shadow-context data model.
func (c *Comparator) peer(connID string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[connID]; ok {
		return conn, nil
	}
	conn, err := net.Dial("tcp", c.cfg.UpstreamAddr)
	if err != nil {
		return nil, err
	}
	c.conns[connID] = conn
	return conn, nil
}

func (c *Comparator) drop(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[connID]; ok {
		conn.Close()
		delete(c.conns, connID)
	}
}

var errUnexpectedReply = &shadowError{"upstream reply was not an OP_MSG"}

type shadowError struct{ msg string }

func (e *shadowError) Error() string { return e.msg }
