package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Subjects for the collaborator contracts. Gate and voter subjects are
// parameterized by gate name and voter id.
const (
	SubjectImplement    = "crucible.task.implement"
	SubjectScopeCheck   = "crucible.task.scopecheck"
	SubjectQuality      = "crucible.task.quality"
	SubjectRequirements = "crucible.task.requirements"

	subjectGatePrefix    = "crucible.sprint.gate."
	subjectProposePrefix = "crucible.council.propose."
	subjectVotePrefix    = "crucible.council.vote."
)

// GateSubject returns the request subject for a sprint gate.
func GateSubject(name string) string { return subjectGatePrefix + name }

// ProposeSubject returns the propose-phase subject for a voter.
func ProposeSubject(voterID string) string { return subjectProposePrefix + voterID }

// VoteSubject returns the vote-phase subject for a voter.
func VoteSubject(voterID string) string { return subjectVotePrefix + voterID }

// Client is a thin JSON request/reply layer over a NATS connection.
type Client struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// Connect dials NATS and wraps the connection.
func Connect(url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return &Client{nc: nc, logger: logger}, nil
}

// NewClient wraps an existing connection. The caller keeps ownership
// of the connection lifecycle.
func NewClient(nc *nats.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{nc: nc, logger: logger}
}

// Close drains and closes the underlying connection.
func (c *Client) Close() {
	c.nc.Close()
}

// Request performs one JSON request/reply round trip. The context
// bounds the whole exchange.
func (c *Client) Request(ctx context.Context, subject string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request for %s: %w", subject, err)
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("unmarshal reply from %s: %w", subject, err)
	}
	return nil
}

// StartEmbedded runs an in-process NATS server, for local mode and
// tests. Port -1 picks a random free port.
func StartEmbedded(host string, port int) (*natsserver.Server, error) {
	opts := &natsserver.Options{
		Host:           host,
		Port:           port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
	}
	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}
	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		server.Shutdown()
		return nil, fmt.Errorf("embedded NATS server not ready")
	}
	return server, nil
}
