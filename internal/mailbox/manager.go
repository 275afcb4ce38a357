// Package mailbox maintains one persistent protocol session per mailbox
// account. The manager heartbeats each session and replaces it when the
// heartbeat fails; callers never reconnect themselves.
package mailbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/metrics"
	"caseflow/internal/models"

	"github.com/rs/zerolog"
)

var ErrUnknownAccount = errors.New("mailbox account is not configured")

// Client is one live protocol session. ListNewSince returns messages
// with a sequence number strictly greater than the watermark.
type Client interface {
	ListNewSince(ctx context.Context, sinceSeq uint64) ([]models.MailMessage, error)
	Noop(ctx context.Context) error
	Close() error
}

// Dialer opens a new session for an account.
type Dialer func(ctx context.Context, account config.MailboxAccount) (Client, error)

type managedConn struct {
	account    config.MailboxAccount
	client     Client
	timer      Timer // heartbeat timer; nil when not monitoring
	dead       bool
	reconnects int
}

type Manager struct {
	mu       sync.Mutex
	accounts map[string]config.MailboxAccount
	conns    map[string]*managedConn
	dial     Dialer
	clock    Clock

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
	reconnectDelay   time.Duration
	maxReconnects    int

	logger zerolog.Logger
}

func NewManager(cfg config.MailboxConfig, dial Dialer, clock Clock, logger zerolog.Logger) *Manager {
	accounts := make(map[string]config.MailboxAccount, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		accounts[acct.ID] = acct
	}
	if clock == nil {
		clock = NewClock()
	}
	return &Manager{
		accounts:         accounts,
		conns:            make(map[string]*managedConn),
		dial:             dial,
		clock:            clock,
		heartbeatEvery:   time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		heartbeatTimeout: time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
		reconnectDelay:   time.Duration(cfg.ReconnectDelaySec) * time.Second,
		maxReconnects:    5,
		logger:           logger.With().Str("component", "mailbox").Logger(),
	}
}

// Account returns the configuration for an account id.
func (m *Manager) Account(id string) (config.MailboxAccount, bool) {
	acct, ok := m.accounts[id]
	return acct, ok
}

// Conn returns a healthy session for the account, dialing if none
// exists. At most one live session per account: repeated calls share it.
func (m *Manager) Conn(ctx context.Context, accountID string) (Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}

	if c := m.conns[accountID]; c != nil && !c.dead {
		// Already connected: just make sure monitoring is live. Resets
		// the existing timer rather than creating a second one.
		m.startMonitorLocked(c)
		return c.client, nil
	}

	client, err := m.dial(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("dial mailbox %s: %w", accountID, err)
	}

	c := &managedConn{account: acct, client: client}
	m.conns[accountID] = c
	m.startMonitorLocked(c)
	m.logger.Info().Str("account", accountID).Msg("mailbox session established")
	return client, nil
}

// startMonitorLocked arms the heartbeat timer. Calling it on an already
// monitored connection resets the pending timer; there is never more
// than one timer per connection.
func (m *Manager) startMonitorLocked(c *managedConn) {
	if c.timer != nil {
		c.timer.Reset(m.heartbeatEvery)
		return
	}
	id := c.account.ID
	c.timer = m.clock.AfterFunc(m.heartbeatEvery, func() { m.heartbeat(id) })
}

// stopMonitorLocked always cancels the pending timer so reconnect cycles
// cannot leak timers.
func (m *Manager) stopMonitorLocked(c *managedConn) {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// heartbeat sends one no-op over the session. Success reschedules the
// timer; failure or timeout kills the connection and schedules exactly
// one reconnection attempt.
func (m *Manager) heartbeat(accountID string) {
	m.mu.Lock()
	c := m.conns[accountID]
	if c == nil || c.dead {
		m.mu.Unlock()
		return
	}
	client := c.client
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.heartbeatTimeout)
	err := client.Noop(ctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	c = m.conns[accountID]
	if c == nil || c.client != client {
		// Session was replaced while the no-op was in flight.
		return
	}
	if err == nil {
		c.reconnects = 0
		m.startMonitorLocked(c)
		return
	}

	metrics.IncHeartbeatFailure()
	m.logger.Warn().Err(err).Str("account", accountID).Msg("heartbeat failed, reconnecting")
	m.stopMonitorLocked(c)
	c.dead = true
	_ = client.Close()
	m.scheduleReconnectLocked(c)
}

func (m *Manager) scheduleReconnectLocked(c *managedConn) {
	if c.reconnects >= m.maxReconnects {
		m.logger.Error().Str("account", c.account.ID).Msg("reconnect attempts exhausted")
		delete(m.conns, c.account.ID)
		return
	}
	c.reconnects++
	delay := m.reconnectDelay
	for i := 1; i < c.reconnects; i++ {
		delay *= 2
	}
	id := c.account.ID
	m.clock.AfterFunc(delay, func() { m.redial(id) })
}

func (m *Manager) redial(accountID string) {
	m.mu.Lock()
	c := m.conns[accountID]
	if c == nil || !c.dead {
		m.mu.Unlock()
		return
	}
	acct := c.account
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	client, err := m.dial(ctx, acct)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	c = m.conns[accountID]
	if c == nil || !c.dead {
		if err == nil {
			_ = client.Close()
		}
		return
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("account", accountID).Msg("reconnect failed")
		m.scheduleReconnectLocked(c)
		return
	}
	c.client = client
	c.dead = false
	c.reconnects = 0
	m.startMonitorLocked(c)
	m.logger.Info().Str("account", accountID).Msg("mailbox session restored")
}

// Close stops all monitoring and closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.conns {
		m.stopMonitorLocked(c)
		_ = c.client.Close()
		delete(m.conns, id)
	}
}
