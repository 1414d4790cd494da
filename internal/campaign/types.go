// Package campaign implements the SMTP-rotation dispatch engine: server
// pool and rotation policy, the sequential send loop, live progress
// reporting and campaign run management.
package campaign

import (
	"net"
	"strconv"
	"time"
)

// Server is an outbound SMTP relay configuration. The dispatcher treats
// servers as read-only: the pool copies the slice at run start, so
// configuration edits never affect an in-flight campaign.
type Server struct {
	Name             string `json:"name" yaml:"name"`
	Host             string `json:"host" yaml:"host"`
	Port             int    `json:"port" yaml:"port"`
	Username         string `json:"username" yaml:"username"`
	Password         string `json:"password" yaml:"password"`
	SenderEmail      string `json:"sender_email" yaml:"sender_email"`
	UseTLS           bool   `json:"use_tls" yaml:"use_tls"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
	Priority         int    `json:"priority" yaml:"priority"`
	MaxEmailsPerHour int    `json:"max_emails_per_hour" yaml:"max_emails_per_hour"`
}

// Addr returns the host:port dial address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RotationMode selects how the pool decides when to switch servers.
type RotationMode string

const (
	// RotateByCount rotates after N send attempts through the current
	// server. Successes and failures both count.
	RotateByCount RotationMode = "by_count"
	// RotateByTime rotates after a duration has elapsed since the
	// current server became active, checked at attempt boundaries.
	RotateByTime RotationMode = "by_time"
)

// Policy is the rotation and retry policy for one campaign run. It is
// immutable for the duration of the run.
type Policy struct {
	Mode              RotationMode  `json:"mode" yaml:"mode"`
	Threshold         int           `json:"threshold" yaml:"threshold"`
	Interval          time.Duration `json:"interval" yaml:"interval"`
	DelayBetweenSends time.Duration `json:"delay_between_sends" yaml:"delay_between_sends"`
	FailoverEnabled   bool          `json:"failover_enabled" yaml:"failover_enabled"`
	MaxRetries        int           `json:"max_retries_per_recipient" yaml:"max_retries_per_recipient"`
}

// Attachment references a file owned by the caller. The dispatcher
// attaches by reference and never mutates the file.
type Attachment struct {
	Name string `json:"name,omitempty" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// Message is the campaign message content.
type Message struct {
	Subject     string       `json:"subject" yaml:"subject"`
	Body        string       `json:"body" yaml:"body"`
	IsHTML      bool         `json:"is_html" yaml:"is_html"`
	Attachments []Attachment `json:"attachments,omitempty" yaml:"attachments"`
}

// Recipient is a validated delivery target.
type Recipient struct {
	Email  string            `json:"email"`
	Name   string            `json:"name,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Request is the explicit value object describing one campaign run.
// The caller supplies everything; the dispatcher holds no shared state.
// ID is optional: when empty the dispatcher assigns one.
type Request struct {
	ID         string      `json:"id,omitempty"`
	Servers    []Server    `json:"servers"`
	Policy     Policy      `json:"policy"`
	Message    Message     `json:"message"`
	Recipients []Recipient `json:"recipients"`
	DryRun     bool        `json:"dry_run"`
}

// FailedRecipient records a terminal delivery failure.
type FailedRecipient struct {
	Email     string    `json:"email"`
	Error     string    `json:"error"`
	Server    string    `json:"server"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is the final summary of a campaign run.
type Run struct {
	ID               string            `json:"id"`
	DryRun           bool              `json:"dry_run"`
	StartTime        time.Time         `json:"start_time"`
	EndTime          time.Time         `json:"end_time"`
	Total            int               `json:"total"`
	Sent             int               `json:"sent"`
	Failed           int               `json:"failed"`
	RotationCount    int               `json:"rotation_count"`
	Failovers        int               `json:"failovers"`
	PerServerUsage   map[string]int    `json:"per_server_usage"`
	FailedRecipients []FailedRecipient `json:"failed_recipients,omitempty"`
}

// Duration returns the end-to-end run duration.
func (r *Run) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// SuccessRate returns the percentage of recipients delivered.
func (r *Run) SuccessRate() float64 {
	if r.Total == 0 {
		return 0
	}
	return float64(r.Sent) / float64(r.Total) * 100
}
