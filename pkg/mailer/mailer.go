// Package mailer delivers books to users' registered devices over SMTP.
package mailer

import (
	"context"

	"github.com/crocodilestick/calibre-web-automated/pkg/config"
	"github.com/pkg/errors"
	"github.com/wneessen/go-mail"
)

// Message is one outbound delivery. AttachmentPath is the book file; device
// inboxes key on the attachment, the body is a courtesy.
type Message struct {
	To             []string
	Subject        string
	Body           string
	AttachmentPath string
}

type Client struct {
	host     string
	port     int
	username string
	password string
	from     string
}

func New(cfg *config.Config) *Client {
	return &Client{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.MailFrom,
	}
}

// Send dials the configured relay and delivers one message. A missing host
// means mail is unconfigured; callers treat that as a handler failure, not a
// crash.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c.host == "" {
		return errors.New("smtp host is not configured")
	}
	if len(msg.To) == 0 {
		return errors.New("message has no recipients")
	}

	m := mail.NewMsg()
	if err := m.From(c.from); err != nil {
		return errors.WithStack(err)
	}
	if err := m.To(msg.To...); err != nil {
		return errors.WithStack(err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)
	if msg.AttachmentPath != "" {
		m.AttachFile(msg.AttachmentPath)
	}

	opts := []mail.Option{
		mail.WithPort(c.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if c.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(c.username),
			mail.WithPassword(c.password),
		)
	}

	client, err := mail.NewClient(c.host, opts...)
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(client.DialAndSendWithContext(ctx, m))
}
