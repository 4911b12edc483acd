package email

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnabled_RequiresHostAndFrom(t *testing.T) {
	assert.False(t, New(Config{}).Enabled())
	assert.False(t, New(Config{Host: "smtp.example.com"}).Enabled())
	assert.False(t, New(Config{From: "forge@example.com"}).Enabled())
	assert.True(t, New(Config{Host: "smtp.example.com", From: "forge@example.com"}).Enabled())
}

func TestSend_FailsFastWhenNotConfigured(t *testing.T) {
	s := New(Config{})
	err := s.Send(context.Background(), "reviewer@example.com", "subject", "body")
	assert.Error(t, err)
}

func TestSend_RetriesThenGivesUpOnUnreachableHost(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 1, From: "forge@example.com"})
	err := s.Send(context.Background(), "reviewer@example.com", "subject", "body")
	assert.Error(t, err)
}

func TestSend_RespectsContextCancellation(t *testing.T) {
	s := New(Config{Host: "127.0.0.1", Port: 1, From: "forge@example.com"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, "reviewer@example.com", "subject", "body")
	assert.Error(t, err)
}

func TestBuildMessage_IncludesHeadersAndBody(t *testing.T) {
	msg := buildMessage("forge@example.com", "reviewer@example.com", "Approval needed", "<p>click here</p>")

	assert.Contains(t, msg, "From: forge@example.com\r\n")
	assert.Contains(t, msg, "To: reviewer@example.com\r\n")
	assert.Contains(t, msg, "Subject: Approval needed\r\n")
	assert.Contains(t, msg, "Content-Type: text/html; charset=UTF-8\r\n")
	assert.Contains(t, msg, "<p>click here</p>")
}
