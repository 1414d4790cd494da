package smtp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestNewClient(t *testing.T) {
	builder := message.NewBuilder()

	// Default timeout
	client := NewClient("mail.example.com", 0, builder, testLogger())
	if client.timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", client.timeout)
	}
	if client.hostname != "mail.example.com" {
		t.Errorf("expected hostname mail.example.com, got %s", client.hostname)
	}

	// Custom timeout
	client = NewClient("mail.example.com", 60*time.Second, builder, testLogger())
	if client.timeout != 60*time.Second {
		t.Errorf("expected timeout 60s, got %v", client.timeout)
	}
}

func TestDeliveryErrorServerFault(t *testing.T) {
	tests := []struct {
		kind  ErrorKind
		fault bool
	}{
		{KindConnect, true},
		{KindAuth, true},
		{KindTimeout, true},
		{KindRejected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := &DeliveryError{Kind: tt.kind, Message: "x"}
			if err.ServerFault() != tt.fault {
				t.Errorf("ServerFault() for %s = %v, want %v", tt.kind, err.ServerFault(), tt.fault)
			}
		})
	}
}

func TestIsServerFault(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{
			name:     "connect error",
			err:      &DeliveryError{Kind: KindConnect, Message: "refused"},
			expected: true,
		},
		{
			name:     "auth error",
			err:      &DeliveryError{Kind: KindAuth, Message: "535"},
			expected: true,
		},
		{
			name:     "recipient rejected",
			err:      &DeliveryError{Kind: KindRejected, Message: "550"},
			expected: false,
		},
		{
			name:     "wrapped delivery error",
			err:      fmt.Errorf("attempt: %w", &DeliveryError{Kind: KindTimeout, Message: "timeout"}),
			expected: true,
		},
		{
			name:     "unknown error",
			err:      errors.New("something else"),
			expected: false,
		},
		{
			name:     "nil error",
			err:      nil,
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsServerFault(tt.err); got != tt.expected {
				t.Errorf("IsServerFault() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{
			name: "permanent rejection 550",
			err:  errors.New("550 5.1.1 user unknown"),
			kind: KindRejected,
		},
		{
			name: "permanent rejection 554",
			err:  errors.New("554 transaction failed"),
			kind: KindRejected,
		},
		{
			name: "temporary 421",
			err:  errors.New("421 service not available"),
			kind: KindConnect,
		},
		{
			name: "temporary 450",
			err:  errors.New("450 mailbox busy"),
			kind: KindConnect,
		},
		{
			name: "deadline exceeded",
			err:  context.DeadlineExceeded,
			kind: KindTimeout,
		},
		{
			name: "no code",
			err:  errors.New("broken pipe"),
			kind: KindConnect,
		},
		{
			name: "code inside text not at boundary",
			err:  errors.New("id 1550a rejected please retry"),
			kind: KindConnect,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := categorizeError(tt.err, "RCPT TO")
			if de.Kind != tt.kind {
				t.Errorf("expected kind %s, got %s (message %q)", tt.kind, de.Kind, de.Message)
			}
			if de.Message == "" {
				t.Error("message must carry the stage and cause")
			}
		})
	}
}

// scriptedServer speaks just enough SMTP on a local listener to carry
// a plaintext submission end to end. It accepts a single connection
// and records every line the client sends.
type scriptedServer struct {
	ln    net.Listener
	mu    sync.Mutex
	lines []string
}

func startScriptedServer(t *testing.T) *scriptedServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := &scriptedServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *scriptedServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *scriptedServer) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func (s *scriptedServer) serve() {
	conn, err := s.ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	fmt.Fprintf(conn, "220 scripted ready\r\n")
	r := bufio.NewReader(conn)
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		s.mu.Lock()
		s.lines = append(s.lines, line)
		s.mu.Unlock()

		if inData {
			if line == "." {
				inData = false
				fmt.Fprintf(conn, "250 queued\r\n")
			}
			continue
		}

		switch cmd := strings.ToUpper(line); {
		case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
			fmt.Fprintf(conn, "250-scripted\r\n250 AUTH PLAIN\r\n")
		case strings.HasPrefix(cmd, "AUTH"):
			fmt.Fprintf(conn, "235 ok\r\n")
		case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"), strings.HasPrefix(cmd, "NOOP"):
			fmt.Fprintf(conn, "250 ok\r\n")
		case strings.HasPrefix(cmd, "DATA"):
			inData = true
			fmt.Fprintf(conn, "354 go ahead\r\n")
		case strings.HasPrefix(cmd, "QUIT"):
			fmt.Fprintf(conn, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(conn, "500 unrecognized\r\n")
		}
	}
}

func TestClientSendConversation(t *testing.T) {
	srv := startScriptedServer(t)
	client := NewClient("mail.test.local", 5*time.Second, message.NewBuilder(), testLogger())

	server := &campaign.Server{
		Name:        "relay1",
		Host:        "127.0.0.1",
		Port:        srv.port(),
		Username:    "user",
		Password:    "secret",
		SenderEmail: "sender@test.local",
		Enabled:     true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Send(ctx, server, campaign.Recipient{Email: "dest@example.com"}, &campaign.Message{
		Subject: "hello",
		Body:    "plain body",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := srv.received()
	for _, want := range []string{
		"EHLO mail.test.local",
		"AUTH PLAIN",
		"MAIL FROM:<sender@test.local>",
		"RCPT TO:<dest@example.com>",
		"DATA",
		"QUIT",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("conversation missing %q:\n%s", want, got)
		}
	}
}

func TestClientProbeConversation(t *testing.T) {
	srv := startScriptedServer(t)
	client := NewClient("mail.test.local", 5*time.Second, message.NewBuilder(), testLogger())

	server := &campaign.Server{
		Name:     "relay1",
		Host:     "127.0.0.1",
		Port:     srv.port(),
		Username: "user",
		Password: "secret",
		Enabled:  true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Probe(ctx, server); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if got := srv.received(); !strings.Contains(got, "NOOP") {
		t.Errorf("probe conversation missing NOOP:\n%s", got)
	}
}

func TestClientSendStartTLSNotOffered(t *testing.T) {
	srv := startScriptedServer(t)
	client := NewClient("mail.test.local", 5*time.Second, message.NewBuilder(), testLogger())

	server := &campaign.Server{
		Name:        "relay1",
		Host:        "127.0.0.1",
		Port:        srv.port(),
		SenderEmail: "sender@test.local",
		UseTLS:      true,
		Enabled:     true,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Send(ctx, server, campaign.Recipient{Email: "dest@example.com"}, &campaign.Message{
		Subject: "hello",
		Body:    "plain body",
	})
	if err == nil {
		t.Fatal("expected error when STARTTLS is unavailable")
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("expected DeliveryError, got %T: %v", err, err)
	}
	if de.Kind != KindConnect {
		t.Errorf("expected kind %s, got %s (message %q)", KindConnect, de.Kind, de.Message)
	}
	if !IsServerFault(err) {
		t.Error("TLS negotiation failure must count as a server fault")
	}
}
