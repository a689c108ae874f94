package utils

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/badoux/checkmail"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// Dispatch is one outbound message handed to the dispatch collaborator.
type Dispatch struct {
	Token     string // idempotency key, deterministic per (execution, step)
	Recipient string
	Subject   string
	Body      string
	Language  string
}

// Dispatcher is the collaborator contract: it returns a delivery
// reference or a SendError telling the scheduler whether to retry.
type Dispatcher interface {
	Send(ctx context.Context, d Dispatch) (string, error)
}

// SendError is a classified dispatch failure.
type SendError struct {
	Reason    string
	Retryable bool
}

func (e *SendError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("dispatch failed (%s): %s", kind, e.Reason)
}

// DispatchToken derives the idempotency key for a step. It is a pure
// function of (executionID, stepNumber) so a crashed-and-retried tick
// presents the same token and cannot double-send.
func DispatchToken(executionID uint, stepNumber int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("dunner:dispatch:%d:%d", executionID, stepNumber)))
	return hex.EncodeToString(sum[:])
}

// SMTPDispatcher implements Dispatcher over plain SMTP. Throughput
// admission (per-tenant batching, inter-batch delays) is this
// collaborator's concern, not the scheduler's.
type SMTPDispatcher struct {
	dialer  *gomail.Dialer
	from    string
	timeout time.Duration
}

func NewSMTPDispatcher(host string, port int, username, password, from string, timeout time.Duration) *SMTPDispatcher {
	return &SMTPDispatcher{
		dialer:  gomail.NewDialer(host, port, username, password),
		from:    from,
		timeout: timeout,
	}
}

func (d *SMTPDispatcher) Send(ctx context.Context, msg Dispatch) (string, error) {
	if err := checkmail.ValidateFormat(msg.Recipient); err != nil {
		return "", &SendError{Reason: fmt.Sprintf("invalid recipient %q: %v", msg.Recipient, err), Retryable: false}
	}

	m := gomail.NewMessage()
	m.SetHeader("From", d.from)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetHeader("X-Dunner-Token", msg.Token)
	ref := uuid.New().String()
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@dunner>", ref))
	m.SetBody("text/html", msg.Body)

	// gomail has no context support, so the dial-and-send runs under a
	// bounded timeout and the slow path is abandoned, not cancelled.
	done := make(chan error, 1)
	go func() { done <- d.dialer.DialAndSend(m) }()

	timeout := d.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"recipient": msg.Recipient,
				"token":     msg.Token,
			}).Warnf("smtp send failed: %v", err)
			return "", &SendError{Reason: err.Error(), Retryable: true}
		}
		return ref, nil
	case <-timer.C:
		return "", &SendError{Reason: fmt.Sprintf("smtp send timed out after %s", timeout), Retryable: true}
	case <-ctx.Done():
		return "", &SendError{Reason: ctx.Err().Error(), Retryable: true}
	}
}
