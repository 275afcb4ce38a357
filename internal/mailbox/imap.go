package mailbox

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"caseflow/internal/config"
	"caseflow/internal/models"
)

// imapClient speaks the narrow IMAP subset the sync pipeline needs:
// LOGIN, SELECT, NOOP, and FETCH of sequence number, envelope subject
// and sender. Anything richer belongs behind the Client interface.
type imapClient struct {
	mu        sync.Mutex
	conn      net.Conn
	accountID string
	tag       int
}

// DialIMAP opens a TLS session and authenticates the account. The
// address in Host must be host:port.
func DialIMAP(ctx context.Context, account config.MailboxAccount) (Client, error) {
	dialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 30 * time.Second}}
	conn, err := dialer.DialContext(ctx, "tcp", account.Host)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", account.Host, err)
	}

	c := &imapClient{conn: conn, accountID: account.ID}

	// Server greeting.
	if _, err := c.readLine(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if _, err := c.command(ctx, fmt.Sprintf("LOGIN %s %s", quote(account.Username), quote(account.Password))); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("login %s: %w", account.ID, err)
	}
	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.command(ctx, "SELECT "+quote(folder)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("select %s: %w", folder, err)
	}
	return c, nil
}

func (c *imapClient) Noop(ctx context.Context) error {
	_, err := c.command(ctx, "NOOP")
	return err
}

func (c *imapClient) ListNewSince(ctx context.Context, sinceSeq uint64) ([]models.MailMessage, error) {
	lines, err := c.command(ctx, fmt.Sprintf("FETCH %d:* (UID ENVELOPE)", sinceSeq+1))
	if err != nil {
		return nil, err
	}

	var out []models.MailMessage
	for _, line := range lines {
		msg, ok := parseFetchLine(line)
		if !ok || msg.Seq <= sinceSeq {
			continue
		}
		msg.AccountID = c.accountID
		msg.ReceivedAt = time.Now()
		out = append(out, msg)
	}
	return out, nil
}

func (c *imapClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// command sends one tagged command and collects untagged response lines
// until the tagged completion. A NO or BAD completion is an error.
func (c *imapClient) command(ctx context.Context, cmd string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer func() { _ = c.conn.SetDeadline(time.Time{}) }()
	}

	c.tag++
	tag := fmt.Sprintf("a%d", c.tag)
	if _, err := fmt.Fprintf(c.conn, "%s %s\r\n", tag, cmd); err != nil {
		return nil, fmt.Errorf("send %s: %w", strings.Fields(cmd)[0], err)
	}

	var lines []string
	for {
		line, err := c.readLine()
		if err != nil {
			return nil, err
		}
		if strings.HasPrefix(line, tag+" ") {
			status := strings.TrimPrefix(line, tag+" ")
			if !strings.HasPrefix(status, "OK") {
				return nil, fmt.Errorf("server replied: %s", status)
			}
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func (c *imapClient) readLine() (string, error) {
	var b strings.Builder
	buf := make([]byte, 1)
	for {
		if _, err := c.conn.Read(buf); err != nil {
			return "", err
		}
		if buf[0] == '\n' {
			return strings.TrimRight(b.String(), "\r"), nil
		}
		b.WriteByte(buf[0])
	}
}

// parseFetchLine extracts sequence number, subject and sender from one
// untagged FETCH response. Parsing is lenient: a line that does not
// look like a FETCH is skipped, not an error.
func parseFetchLine(line string) (models.MailMessage, bool) {
	var msg models.MailMessage
	if !strings.HasPrefix(line, "* ") {
		return msg, false
	}
	rest := strings.TrimPrefix(line, "* ")
	fields := strings.SplitN(rest, " ", 3)
	if len(fields) < 2 || !strings.EqualFold(fields[1], "FETCH") {
		return msg, false
	}
	seq, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return msg, false
	}
	msg.Seq = seq

	// ENVELOPE quoted fields arrive as date, subject, sender.
	quoted := extractQuoted(rest)
	switch {
	case len(quoted) >= 3:
		msg.Subject = quoted[1]
		msg.Sender = quoted[2]
	case len(quoted) == 2:
		msg.Subject = quoted[0]
		msg.Sender = quoted[1]
	case len(quoted) == 1:
		msg.Subject = quoted[0]
	}
	return msg, true
}

func extractQuoted(s string) []string {
	var out []string
	for {
		start := strings.IndexByte(s, '"')
		if start < 0 {
			return out
		}
		s = s[start+1:]
		end := strings.IndexByte(s, '"')
		if end < 0 {
			return out
		}
		out = append(out, s[:end])
		s = s[end+1:]
	}
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}
