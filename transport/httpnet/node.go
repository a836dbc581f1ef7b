// Package httpnet carries envelopes as JSON over HTTP between parties.
package httpnet

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"ecdh_mpsi/protocol"
	"ecdh_mpsi/transport"
)

const MessagePath = "/psi/message"

type Config struct {
	ListenAddr  string
	Peers       map[string]string // party ID -> base URL
	SendTimeout time.Duration
	MaxInflight int64
	Logger      zerolog.Logger
}

// Node is both the HTTP endpoint of the local party and its client towards
// peers.
type Node struct {
	id     string
	cfg    Config
	logger zerolog.Logger

	engine *gin.Engine
	server *http.Server
	client *http.Client
	sem    *semaphore.Weighted

	mu      sync.RWMutex
	peers   map[string]string
	handler transport.Handler

	inflight sync.WaitGroup
}

func New(partyID string, cfg Config) *Node {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 64
	}
	n := &Node{
		id:     partyID,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "httpnet").Str("party", partyID).Logger(),
		client: &http.Client{Timeout: cfg.SendTimeout},
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
		peers:  make(map[string]string),
	}
	for id, url := range cfg.Peers {
		n.peers[id] = strings.TrimRight(url, "/")
	}

	n.engine = gin.New()
	n.engine.Use(gin.Recovery())
	n.engine.GET("/status", n.statusHandler)
	n.engine.POST(MessagePath, n.messageHandler)
	return n
}

func (n *Node) Handler() http.Handler {
	return n.engine
}

func (n *Node) Start() error {
	n.server = &http.Server{Addr: n.cfg.ListenAddr, Handler: n.engine}
	errCh := make(chan error, 1)
	go func() {
		n.logger.Info().Str("addr", n.cfg.ListenAddr).Msg("listening")
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return errors.Wrapf(err, "listen on %s", n.cfg.ListenAddr)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop waits for outbound messages still being posted, then shuts the
// server down. Both steps give up when ctx expires.
func (n *Node) Stop(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		n.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "outbound messages still pending")
	}
	if n.server != nil {
		err = errors.CombineErrors(err, n.server.Shutdown(ctx))
	}
	return err
}

func (n *Node) AddPeer(partyID, url string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[partyID] = strings.TrimRight(url, "/")
}

func (n *Node) peerURL(partyID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	url, ok := n.peers[partyID]
	return url, ok
}

// WaitForPeers polls the status endpoint of every known peer until all of
// them answer or ctx expires.
func (n *Node) WaitForPeers(ctx context.Context, interval time.Duration) error {
	n.mu.RLock()
	pending := make(map[string]string, len(n.peers))
	for id, url := range n.peers {
		pending[id] = url
	}
	n.mu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		for id, url := range pending {
			if n.ping(ctx, url) == nil {
				n.logger.Debug().Str("peer", id).Msg("peer is up")
				delete(pending, id)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			ids := make([]string, 0, len(pending))
			for id := range pending {
				ids = append(ids, id)
			}
			return errors.Mark(errors.Wrapf(ctx.Err(), "peers %v", ids), transport.ErrPeerUnreachable)
		case <-ticker.C:
		}
	}
}

func (n *Node) ping(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/status", nil)
	if err != nil {
		return err
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Newf("status %d", resp.StatusCode)
	}
	return nil
}

func (n *Node) RegisterHandler(h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// #############################################################################

func (n *Node) AsyncSendMessage(ctx context.Context, env *protocol.Envelope, onSent func(error)) {
	if env.Sender == "" {
		env.Sender = n.id
	}
	url, ok := n.peerURL(env.Receiver)
	if !ok {
		if onSent != nil {
			onSent(errors.Wrapf(transport.ErrUnknownPeer, "%s", env.Receiver))
		}
		return
	}
	body, err := json.Marshal(env)
	if err != nil {
		if onSent != nil {
			onSent(errors.Wrap(err, "encode envelope"))
		}
		return
	}

	n.inflight.Add(1)
	go func() {
		defer n.inflight.Done()
		err := n.post(ctx, url+MessagePath, body)
		if err != nil {
			n.logger.Debug().Err(err).Str("peer", env.Receiver).Str("task", env.TaskID).Msg("send failed")
		}
		if onSent != nil {
			onSent(err)
		}
	}()
}

func (n *Node) post(ctx context.Context, url string, body []byte) error {
	if err := n.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer n.sem.Release(1)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := n.client.Do(req)
	if err != nil {
		return errors.Mark(errors.Wrapf(err, "post %s", url), transport.ErrPeerUnreachable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("post %s: status %d", url, resp.StatusCode)
	}
	return nil
}

// #############################################################################

func (n *Node) messageHandler(ctx *gin.Context) {
	var env protocol.Envelope
	if err := ctx.ShouldBindJSON(&env); err != nil {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "invalid envelope"})
		return
	}
	if env.Receiver != "" && env.Receiver != n.id {
		ctx.JSON(http.StatusBadRequest, gin.H{"error": "wrong receiver"})
		return
	}

	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h == nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}
	h(&env)
	ctx.JSON(http.StatusOK, gin.H{"status": "queued"})
}

func (n *Node) statusHandler(ctx *gin.Context) {
	n.mu.RLock()
	peers := make([]string, 0, len(n.peers))
	for id := range n.peers {
		peers = append(peers, id)
	}
	n.mu.RUnlock()
	ctx.JSON(http.StatusOK, gin.H{"party": n.id, "peers": peers})
}
