// Package smtp implements the outbound relay client: authenticated
// message submission through a configured SMTP server, with error
// classification that separates server-level faults from per-recipient
// rejections.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/message"
)

// ErrorKind classifies what failed during a delivery attempt.
type ErrorKind string

const (
	KindConnect  ErrorKind = "connect"
	KindAuth     ErrorKind = "auth"
	KindTimeout  ErrorKind = "timeout"
	KindRejected ErrorKind = "rejected"
)

// DeliveryError is a classified delivery failure. Everything except
// KindRejected is a server-level fault: the server itself is unusable
// and the dispatcher should fail over. KindRejected means the server
// works but refused this recipient or message.
type DeliveryError struct {
	Kind    ErrorKind
	Message string
}

func (e *DeliveryError) Error() string {
	return e.Message
}

// ServerFault reports whether the error condemns the server rather
// than the recipient.
func (e *DeliveryError) ServerFault() bool {
	return e.Kind != KindRejected
}

// IsServerFault reports whether err indicates a server-level fault.
// Unclassified errors are not treated as server faults, so a bad
// recipient never burns a healthy server.
func IsServerFault(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.ServerFault()
	}
	return false
}

// Client submits messages through configured relay servers.
type Client struct {
	hostname string
	timeout  time.Duration
	builder  *message.Builder
	logger   *slog.Logger
}

// NewClient creates a relay client. hostname is used for EHLO.
func NewClient(hostname string, timeout time.Duration, builder *message.Builder, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		hostname: hostname,
		timeout:  timeout,
		builder:  builder,
		logger:   logger.With("component", "smtp-client"),
	}
}

// Send builds the message for one recipient and submits it through the
// given server. The context bounds the whole attempt.
func (c *Client) Send(ctx context.Context, server *campaign.Server, rcpt campaign.Recipient, msg *campaign.Message) error {
	data, err := c.builder.Build(server.SenderEmail, rcpt, msg)
	if err != nil {
		return &DeliveryError{
			Kind:    KindRejected,
			Message: fmt.Sprintf("message build failed: %v", err),
		}
	}

	client, conn, err := c.dial(ctx, server)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if server.Username != "" {
		auth := sasl.NewPlainClient("", server.Username, server.Password)
		if err := client.Auth(auth); err != nil {
			return &DeliveryError{
				Kind:    KindAuth,
				Message: fmt.Sprintf("authentication failed on %s: %v", server.Name, err),
			}
		}
	}

	if err := client.Mail(server.SenderEmail, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}
	if err := client.Rcpt(rcpt.Email, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", rcpt.Email))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return categorizeError(err, "DATA write")
	}
	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Debug("message submitted",
		"server", server.Name,
		"from", server.SenderEmail,
		"to", rcpt.Email,
	)
	return nil
}

// Probe connects and authenticates without sending anything. Used by
// the server test endpoint and CLI command.
func (c *Client) Probe(ctx context.Context, server *campaign.Server) error {
	client, conn, err := c.dial(ctx, server)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer client.Close()

	if server.Username != "" {
		auth := sasl.NewPlainClient("", server.Username, server.Password)
		if err := client.Auth(auth); err != nil {
			return &DeliveryError{
				Kind:    KindAuth,
				Message: fmt.Sprintf("authentication failed on %s: %v", server.Name, err),
			}
		}
	}

	if err := client.Noop(); err != nil {
		return categorizeError(err, "NOOP")
	}
	client.Quit()
	return nil
}

// dial connects to the server and completes the EHLO phase. Port 465
// uses implicit TLS; on other ports the connection is upgraded via
// STARTTLS when the server record asks for TLS and stays plaintext
// when it does not.
func (c *Client) dial(ctx context.Context, server *campaign.Server) (*gosmtp.Client, net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.timeout}

	conn, err := dialer.DialContext(ctx, "tcp", server.Addr())
	if err != nil {
		return nil, nil, c.connectError(server, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.timeout))
	}

	var client *gosmtp.Client
	switch {
	case server.Port == 465:
		tlsConn := tls.Client(conn, c.tlsConfig(server))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, nil, c.connectError(server, err)
		}
		conn = tlsConn
		client = gosmtp.NewClient(conn)
	case server.UseTLS:
		// NewClientStartTLS runs the EHLO and STARTTLS exchange and
		// fails when the server does not offer the extension. It also
		// resets the hello state, so the Hello below re-introduces us
		// with the configured hostname over the encrypted channel.
		client, err = gosmtp.NewClientStartTLS(conn, c.tlsConfig(server))
		if err != nil {
			conn.Close()
			return nil, nil, c.connectError(server, err)
		}
	default:
		client = gosmtp.NewClient(conn)
	}

	if err := client.Hello(c.hostname); err != nil {
		client.Close()
		conn.Close()
		return nil, nil, categorizeError(err, "EHLO")
	}

	return client, conn, nil
}

func (c *Client) tlsConfig(server *campaign.Server) *tls.Config {
	return &tls.Config{
		ServerName: server.Host,
		MinVersion: tls.VersionTLS12,
	}
}

func (c *Client) connectError(server *campaign.Server, err error) *DeliveryError {
	kind := KindConnect
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() || errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &DeliveryError{
		Kind:    kind,
		Message: fmt.Sprintf("connection to %s failed: %v", server.Addr(), err),
	}
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError maps an SMTP transaction error to a DeliveryError.
// 5xx replies reject the message or recipient; 4xx replies mean the
// server is temporarily unusable and worth failing over from.
func categorizeError(err error, stage string) *DeliveryError {
	msg := fmt.Sprintf("%s failed: %v", stage, err)

	matches := smtpCodePattern.FindStringSubmatch(err.Error())
	if len(matches) > 1 {
		if strings.HasPrefix(matches[1], "5") {
			return &DeliveryError{Kind: KindRejected, Message: msg}
		}
		return &DeliveryError{Kind: KindConnect, Message: msg}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &DeliveryError{Kind: KindTimeout, Message: msg}
	}

	// No reply code means the conversation itself broke.
	return &DeliveryError{Kind: KindConnect, Message: msg}
}
