package email

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

const (
	inbox          = "INBOX"
	commandTimeout = 30 * time.Second
)

// Config holds the mail server settings.
type Config struct {
	Username       string
	Password       string
	IMAPHost       string
	IMAPPort       int
	SMTPHost       string
	SMTPPort       int
	TriggerSubject string
	MarkAsRead     bool
}

// Client is a Mailbox backed by IMAP for reading and SMTP for sending.
// Each call opens its own connection.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

// NewClient creates a mail client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, logger: logger.With("component", "mail-client")}
}

// FetchUnread returns unread INBOX messages whose subject contains the trigger subject.
// Fetched messages are flagged \Seen when MarkAsRead is set.
func (c *Client) FetchUnread(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(c.cfg.IMAPHost, strconv.Itoa(c.cfg.IMAPPort))
	ic, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	ic.Timeout = commandTimeout
	defer func() {
		if err := ic.Logout(); err != nil {
			c.logger.Debug("IMAP logout failed", "error", err)
		}
	}()

	if err := ic.Login(c.cfg.Username, c.cfg.Password); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	if _, err := ic.Select(inbox, false); err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", inbox, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}
	criteria.Header.Add("Subject", c.cfg.TriggerSubject)

	uids, err := ic.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search mailbox: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchUid, section.FetchItem()}

	fetched := make(chan *imap.Message, len(uids))
	done := make(chan error, 1)
	go func() {
		done <- ic.UidFetch(seqset, items, fetched)
	}()

	messages, seen := c.collect(fetched, section)
	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	if c.cfg.MarkAsRead && len(messages) > 0 {
		flags := []interface{}{imap.SeenFlag}
		if err := ic.UidStore(seen, imap.FormatFlagsOp(imap.AddFlags, true), flags, nil); err != nil {
			return nil, fmt.Errorf("failed to mark messages as read: %w", err)
		}
	}

	return messages, nil
}

// collect parses fetched messages and returns them with the set of their UIDs.
// Messages without a body or that fail to parse are skipped and stay unseen.
func (c *Client) collect(fetched <-chan *imap.Message, section *imap.BodySectionName) ([]Message, *imap.SeqSet) {
	messages := make([]Message, 0, len(fetched))
	seen := new(imap.SeqSet)
	for msg := range fetched {
		body := msg.GetBody(section)
		if body == nil {
			c.logger.Warn("server returned no body", "uid", msg.Uid)
			continue
		}
		m, err := parseMessage(body)
		if err != nil {
			c.logger.Warn("failed to parse message", "uid", msg.Uid, "error", err)
			continue
		}
		m.UID = msg.Uid
		messages = append(messages, m)
		seen.AddNum(msg.Uid)
	}
	return messages, seen
}

// parseMessage reads an RFC 5322 message, preferring the text/plain part and
// converting an HTML-only body to markdown.
func parseMessage(r io.Reader) (Message, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return Message{}, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	var m Message
	h := mr.Header

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		m.From = from[0].String()
	} else {
		m.From = h.Get("From")
	}
	if subject, err := h.Subject(); err == nil {
		m.Subject = subject
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		m.MessageID = "<" + id + ">"
	}
	if date, err := h.Date(); err == nil {
		m.Date = date
	}

	var text, html string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("failed to read part: %w", err)
		}

		ih, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, err := ih.ContentType()
		if err != nil {
			ct, _, _ = mime.ParseMediaType(ih.Get("Content-Type"))
		}

		b, err := io.ReadAll(p.Body)
		if err != nil {
			return Message{}, fmt.Errorf("failed to read body: %w", err)
		}

		switch {
		case (ct == "" || ct == "text/plain") && text == "":
			text = string(b)
		case ct == "text/html" && html == "":
			html = string(b)
		}
	}

	switch {
	case strings.TrimSpace(text) != "":
		m.Body = text
	case html != "":
		md, err := htmltomarkdown.ConvertString(html)
		if err != nil {
			return Message{}, fmt.Errorf("failed to convert HTML body: %w", err)
		}
		m.Body = md
	}

	return m, nil
}
