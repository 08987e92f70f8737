/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package notify fans fired alerts out to in-process subscribers, the event
// bus, and external channels (Slack, Telegram, email, webhooks, Redis, Kafka).
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
)

// Channel is the interface for all notification backends.
type Channel interface {
	// Send delivers a notification. Returns an error if delivery fails.
	Send(ctx context.Context, msg Message) error

	// Type returns the channel type name.
	Type() string
}

// Message is a notification to be delivered.
type Message struct {
	AlertID    string    `json:"alert_id"`
	InstanceID string    `json:"instance_id"`
	RuleID     string    `json:"rule_id"`
	Severity   string    `json:"severity"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
}

// MessageFromAlert builds the notification for a fired alert.
func MessageFromAlert(a alerts.Alert) Message {
	return Message{
		AlertID:    a.ID,
		InstanceID: a.InstanceID,
		RuleID:     a.RuleID,
		Severity:   string(a.Severity),
		Title:      a.RuleName,
		Body:       a.Message,
		Timestamp:  a.Timestamp,
	}
}

// --- Slack ---

// SlackChannel sends notifications to Slack via webhook.
type SlackChannel struct {
	WebhookURL string
	Channel    string // optional override
	client     *http.Client
}

// NewSlackChannel creates a Slack notification channel.
func NewSlackChannel(webhookURL, channel string) *SlackChannel {
	return &SlackChannel{
		WebhookURL: webhookURL,
		Channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *SlackChannel) Type() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *[%s] %s* (%s)\n%s", severityEmoji(msg.Severity), strings.ToUpper(msg.Severity), msg.Title, msg.InstanceID, msg.Body)

	payload := map[string]interface{}{
		"text": text,
	}
	if s.Channel != "" {
		payload["channel"] = s.Channel
	}
	return postJSON(ctx, s.client, "slack", s.WebhookURL, payload, nil)
}

// --- Telegram ---

const telegramAPIBase = "https://api.telegram.org"

// TelegramChannel sends notifications via Telegram Bot API.
type TelegramChannel struct {
	BotToken string
	ChatID   string
	// APIBase overrides the Bot API endpoint.
	APIBase string
	client  *http.Client
}

// NewTelegramChannel creates a Telegram notification channel.
func NewTelegramChannel(botToken, chatID string) *TelegramChannel {
	return &TelegramChannel{
		BotToken: botToken,
		ChatID:   chatID,
		APIBase:  telegramAPIBase,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramChannel) Type() string { return "telegram" }

func (t *TelegramChannel) Send(ctx context.Context, msg Message) error {
	text := fmt.Sprintf("%s *\\[%s\\] %s*\n%s\n\n%s",
		severityEmoji(msg.Severity),
		strings.ToUpper(escapeMarkdown(msg.Severity)),
		escapeMarkdown(msg.Title),
		escapeMarkdown(msg.InstanceID),
		escapeMarkdown(msg.Body),
	)

	base := strings.TrimRight(t.APIBase, "/")
	if base == "" {
		base = telegramAPIBase
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	payload := map[string]interface{}{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "MarkdownV2",
	}
	return postJSON(ctx, t.client, "telegram", url, payload, nil)
}

// --- Email ---

// EmailChannel sends notifications via SMTP.
type EmailChannel struct {
	Host     string
	Port     int
	From     string
	To       []string
	Username string
	Password string

	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmailChannel creates an email notification channel.
func NewEmailChannel(host string, port int, from string, to []string, username, password string) *EmailChannel {
	return &EmailChannel{
		Host:     host,
		Port:     port,
		From:     from,
		To:       to,
		Username: username,
		Password: password,
		sendMail: smtp.SendMail,
	}
}

func (e *EmailChannel) Type() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := fmt.Sprintf("[connwatch %s] %s: %s", strings.ToUpper(msg.Severity), msg.InstanceID, msg.Title)
	body := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\n\nInstance: %s\nAlert: %s\nTime: %s",
		e.From,
		strings.Join(e.To, ","),
		subject,
		msg.Body,
		msg.InstanceID,
		msg.AlertID,
		msg.Timestamp.Format(time.RFC3339),
	)

	addr := fmt.Sprintf("%s:%d", e.Host, e.Port)
	var auth smtp.Auth
	if e.Username != "" {
		auth = smtp.PlainAuth("", e.Username, e.Password, e.Host)
	}

	send := e.sendMail
	if send == nil {
		send = smtp.SendMail
	}
	return send(addr, auth, e.From, e.To, []byte(body))
}

// --- Webhook ---

// SignatureHeader carries the hex HMAC-SHA256 of the webhook body.
const SignatureHeader = "X-Connwatch-Signature"

// WebhookChannel sends JSON notifications to any HTTP endpoint.
type WebhookChannel struct {
	URL     string
	Headers map[string]string // optional auth headers
	// Secret enables body signing when set.
	Secret string
	client *http.Client
}

// NewWebhookChannel creates a generic webhook notification channel.
func NewWebhookChannel(url, secret string, headers map[string]string) *WebhookChannel {
	return &WebhookChannel{
		URL:     url,
		Headers: headers,
		Secret:  secret,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookChannel) Type() string { return "webhook" }

// Send posts the message, retrying once on failure.
func (w *WebhookChannel) Send(ctx context.Context, msg Message) error {
	payload := map[string]interface{}{
		"event":       "new-alert",
		"alert_id":    msg.AlertID,
		"instance_id": msg.InstanceID,
		"rule_id":     msg.RuleID,
		"severity":    msg.Severity,
		"title":       msg.Title,
		"body":        msg.Body,
		"timestamp":   msg.Timestamp.Format(time.RFC3339),
	}

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		lastErr = postJSON(ctx, w.client, "webhook", w.URL, payload, func(req *http.Request, body []byte) {
			for k, v := range w.Headers {
				req.Header.Set(k, v)
			}
			if w.Secret != "" {
				req.Header.Set(SignatureHeader, Signature(w.Secret, body))
			}
		})
		if lastErr == nil || ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

// Signature returns the hex HMAC-SHA256 of body keyed by secret.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func postJSON(ctx context.Context, client *http.Client, kind, url string, payload any, decorate func(*http.Request, []byte)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s marshal: %w", kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s request: %w", kind, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if decorate != nil {
		decorate(req, body)
	}

	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s send: %w", kind, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s returned %d: %s", kind, resp.StatusCode, string(respBody))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// --- Router ---

// SeverityRoute maps severity levels to channels.
type SeverityRoute struct {
	Low      []Channel
	Medium   []Channel
	High     []Channel
	Critical []Channel
}

// Router selects external channels for a message based on severity.
// Higher severities also reach every channel of the lower levels.
type Router struct {
	routes  SeverityRoute
	limiter *RateLimiter
}

// NewRouter creates a notification router. limiter may be nil.
func NewRouter(routes SeverityRoute, limiter *RateLimiter) *Router {
	return &Router{routes: routes, limiter: limiter}
}

// AllChannels returns a router sending every severity to channels.
func AllChannels(limiter *RateLimiter, channels ...Channel) *Router {
	return NewRouter(SeverityRoute{Low: channels}, limiter)
}

// ChannelsFor returns the channels a message should reach. It returns nil
// when the instance is over its rate limit.
func (r *Router) ChannelsFor(msg Message) ([]Channel, bool) {
	channels := r.channelsForSeverity(msg.Severity)
	if len(channels) == 0 {
		return nil, true
	}
	if r.limiter != nil && !r.limiter.Allow(msg.InstanceID) {
		return nil, false
	}
	return channels, true
}

func (r *Router) channelsForSeverity(severity string) []Channel {
	var all []Channel
	switch severity {
	case "critical":
		all = append(all, r.routes.Critical...)
		fallthrough
	case "high":
		all = append(all, r.routes.High...)
		fallthrough
	case "medium":
		all = append(all, r.routes.Medium...)
		fallthrough
	default:
		all = append(all, r.routes.Low...)
	}
	return all
}

// --- Rate Limiter ---

// RateLimiter limits notifications per instance per hour.
type RateLimiter struct {
	maxPerHour int
	mu         sync.Mutex
	counts     map[string][]time.Time
	now        func() time.Time
}

// NewRateLimiter creates a rate limiter with the given max per hour per instance.
func NewRateLimiter(maxPerHour int) *RateLimiter {
	return &RateLimiter{
		maxPerHour: maxPerHour,
		counts:     make(map[string][]time.Time),
		now:        time.Now,
	}
}

// Allow checks if the instance is within rate limits.
func (rl *RateLimiter) Allow(instanceID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-1 * time.Hour)

	recent := make([]time.Time, 0, len(rl.counts[instanceID]))
	for _, t := range rl.counts[instanceID] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxPerHour {
		rl.counts[instanceID] = recent
		return false
	}

	rl.counts[instanceID] = append(recent, now)
	return true
}

// --- Helpers ---

func severityEmoji(severity string) string {
	switch severity {
	case "critical":
		return "🔴"
	case "high":
		return "🟠"
	case "medium":
		return "🟡"
	case "low":
		return "🔵"
	default:
		return "⚪"
	}
}

func escapeMarkdown(s string) string {
	replacer := strings.NewReplacer(
		"_", "\\_",
		"*", "\\*",
		"[", "\\[",
		"]", "\\]",
		"(", "\\(",
		")", "\\)",
		"~", "\\~",
		"`", "\\`",
		">", "\\>",
		"#", "\\#",
		"+", "\\+",
		"-", "\\-",
		"=", "\\=",
		"|", "\\|",
		"{", "\\{",
		"}", "\\}",
		".", "\\.",
		"!", "\\!",
	)
	return replacer.Replace(s)
}
