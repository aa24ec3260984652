package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"kpialert/internal/config"
	"kpialert/internal/directory"
	"kpialert/internal/domain"
	"kpialert/internal/templatefmt"
)

// defaultBodyTemplate renders the long-form notification used by email and push.
const defaultBodyTemplate = "[{{.Severity}}] {{.Kpi}} {{.Event}}: {{.Message}}\n" +
	"Current value {{fmtValue .CurrentValue .Unit}}, threshold {{fmtValue .ThresholdValue .Unit}}.\n" +
	"{{if .DimensionValue}}Scope: {{.Dimension}} {{.DimensionValue}}.\n{{end}}" +
	"{{if .Recommendation}}Recommendation: {{.Recommendation}}\n{{end}}" +
	"{{if .Comment}}Comment: {{.Comment}}\n{{end}}" +
	"Detected at {{fmtTime .Timestamp}}."

// defaultSMSTemplate renders the compact single-line SMS form.
const defaultSMSTemplate = "[{{.Severity}}] {{.Kpi}}: {{fmtValue .CurrentValue .Unit}} " +
	"(threshold {{fmtValue .ThresholdValue .Unit}}){{if .DimensionValue}} {{.DimensionValue}}{{end}}"

// Message is one rendered outbound delivery for a single recipient.
// Params: destination user, rendered subject/body, and source payload.
// Returns: channel sender input.
type Message struct {
	Recipient directory.User
	Subject   string
	Body      string
	Payload   domain.AlertNotification
}

// ChannelSender sends one outbound notification to one channel.
// Params: context and rendered message.
// Returns: transport error when send fails.
type ChannelSender interface {
	Channel() string
	Send(ctx context.Context, message Message) error
}

// Dispatcher delivers notifications with configured retries and backoff.
// Params: sender map, retry policies, and compiled channel templates.
// Returns: send helper for the lifecycle and evaluator layers.
type Dispatcher struct {
	senders   map[string]ChannelSender
	channels  []string
	retries   map[string]config.NotifyRetry
	templates map[string]*template.Template
	logger    *slog.Logger
	closers   []func()
}

// NewDispatcher builds the notification dispatcher from enabled channels.
// Params: global notify config and logger.
// Returns: configured dispatcher or channel/template setup error.
func NewDispatcher(cfg config.NotifyConfig, logger *slog.Logger) (*Dispatcher, error) {
	dispatcher := &Dispatcher{
		senders:   make(map[string]ChannelSender),
		retries:   make(map[string]config.NotifyRetry),
		templates: make(map[string]*template.Template),
		logger:    logger,
	}

	if cfg.Email.Enabled {
		dispatcher.senders[config.ChannelEmail] = NewEmailSender(cfg.Email)
		dispatcher.retries[config.ChannelEmail] = cfg.Email.Retry
		if err := dispatcher.compileTemplate(config.ChannelEmail, cfg.Email.Template, defaultBodyTemplate); err != nil {
			return nil, err
		}
	}
	if cfg.SMS.Enabled {
		dispatcher.senders[config.ChannelSMS] = NewSMSSender(cfg.SMS)
		dispatcher.retries[config.ChannelSMS] = cfg.SMS.Retry
		if err := dispatcher.compileTemplate(config.ChannelSMS, cfg.SMS.Template, defaultSMSTemplate); err != nil {
			return nil, err
		}
	}
	if cfg.Push.Enabled {
		core, err := newPushCore(cfg.Push)
		if err != nil {
			return nil, err
		}
		dispatcher.closers = append(dispatcher.closers, core.close)
		for _, channel := range []string{config.ChannelInApp, config.ChannelWebsocket} {
			dispatcher.senders[channel] = NewPushSender(channel, core)
			dispatcher.retries[channel] = cfg.Push.Retry
			if err := dispatcher.compileTemplate(channel, "", defaultBodyTemplate); err != nil {
				return nil, err
			}
		}
	}
	if cfg.Telegram.Enabled {
		dispatcher.senders[config.ChannelTelegram] = NewTelegramSender(cfg.Telegram)
		dispatcher.retries[config.ChannelTelegram] = cfg.Telegram.Retry
		if err := dispatcher.compileTemplate(config.ChannelTelegram, cfg.Telegram.Template, defaultBodyTemplate); err != nil {
			return nil, err
		}
	}

	for _, channel := range config.ChannelNames() {
		if _, ok := dispatcher.senders[channel]; ok {
			dispatcher.channels = append(dispatcher.channels, channel)
		}
	}
	return dispatcher, nil
}

// compileTemplate compiles one channel body template with default fallback.
// Params: channel key, configured override, and default body.
// Returns: parse error for invalid overrides.
func (d *Dispatcher) compileTemplate(channel, override, fallback string) error {
	body := override
	if strings.TrimSpace(body) == "" {
		body = fallback
	}
	compiled, err := templatefmt.ParseNotificationTemplate("notify."+channel+".template", body)
	if err != nil {
		return fmt.Errorf("notify template for channel %q: %w", channel, err)
	}
	d.templates[channel] = compiled
	return nil
}

// Channels returns configured channel keys.
// Params: none.
// Returns: deterministic sender list.
func (d *Dispatcher) Channels() []string {
	return d.channels
}

// Enabled reports whether one channel has a configured sender.
// Params: channel key.
// Returns: true when the channel can deliver.
func (d *Dispatcher) Enabled(channel string) bool {
	_, ok := d.senders[channel]
	return ok
}

// Send renders and delivers one notification to one recipient on one channel.
// Params: channel key, recipient, and notification payload.
// Returns: final error after the channel retry policy is exhausted.
func (d *Dispatcher) Send(ctx context.Context, channel string, recipient directory.User, notification domain.AlertNotification) error {
	sender, ok := d.senders[channel]
	if !ok {
		return fmt.Errorf("notify channel %q is not configured", channel)
	}

	var rendered strings.Builder
	if err := d.templates[channel].Execute(&rendered, notification); err != nil {
		return fmt.Errorf("render notify template for channel %q: %w", channel, err)
	}

	message := Message{
		Recipient: recipient,
		Subject:   fmt.Sprintf("[%s] KPI alert %s %s", notification.Severity, notification.Kpi, notification.Event),
		Body:      rendered.String(),
		Payload:   notification,
	}
	return d.sendWithRetry(ctx, sender, message, d.retries[channel])
}

// Broadcast delivers one notification to every recipient over the given channels.
// Params: channel keys, recipient list, and notification payload.
// Returns: count of failed deliveries; failures are logged, never propagated.
func (d *Dispatcher) Broadcast(ctx context.Context, channels []string, recipients []directory.User, notification domain.AlertNotification) int {
	failures := 0
	for _, channel := range channels {
		if !d.Enabled(channel) {
			continue
		}
		for _, recipient := range recipients {
			if err := d.Send(ctx, channel, recipient, notification); err != nil {
				failures++
				if d.logger != nil {
					d.logger.Warn("notification delivery failed",
						"channel", channel,
						"recipient", recipient.ID,
						"alert_id", notification.AlertID,
						"error", err.Error())
				}
			}
		}
	}
	return failures
}

// sendWithRetry delivers one message with channel-specific retry policy.
// Params: sender, rendered message, and retry policy.
// Returns: final error after retries.
func (d *Dispatcher) sendWithRetry(ctx context.Context, sender ChannelSender, message Message, retry config.NotifyRetry) error {
	if !retry.Enabled {
		return sender.Send(ctx, message)
	}

	attempt := 0
	backoff := time.Duration(retry.InitialMS) * time.Millisecond
	maxBackoff := time.Duration(retry.MaxMS) * time.Millisecond
	var timer *time.Timer
	stopTimer := func() {
		if timer != nil && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}

	for {
		attempt++
		err := sender.Send(ctx, message)
		if err == nil {
			stopTimer()
			if attempt > 1 && d.logger != nil {
				d.logger.Info("notify send recovered after retries", "channel", sender.Channel(), "attempt", attempt)
			}
			return nil
		}
		if d.logger != nil {
			d.logger.Warn("notify send attempt failed", "channel", sender.Channel(), "attempt", attempt, "error", err.Error())
		}

		if retry.MaxAttempts > 0 && attempt >= retry.MaxAttempts {
			stopTimer()
			return fmt.Errorf("channel %s failed after %d attempts: %w", sender.Channel(), attempt, err)
		}

		if timer == nil {
			timer = time.NewTimer(backoff)
		} else {
			stopTimer()
			timer.Reset(backoff)
		}
		select {
		case <-ctx.Done():
			stopTimer()
			return ctx.Err()
		case <-timer.C:
		}

		if strings.EqualFold(retry.Backoff, "exponential") {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Close releases channel transports.
// Params: none.
// Returns: nothing; close failures are ignored.
func (d *Dispatcher) Close() {
	for _, closeFn := range d.closers {
		closeFn()
	}
}
