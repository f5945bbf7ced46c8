package notify

import "github.com/sells-group/kyb-monitor/internal/config"

// FromConfig assembles the configured channels. The returned close
// function releases producer connections.
func FromConfig(cfg config.NotifyConfig) (Notifier, func() error) {
	var (
		m      Multi
		closer = func() error { return nil }
	)
	if cfg.Log {
		m = append(m, NewLog())
	}
	if cfg.WebhookURL != "" {
		m = append(m, NewWebhook(cfg.WebhookURL, cfg.WebhookTimeout))
	}
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != "" {
		k := NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		m = append(m, k)
		closer = k.Close
	}
	switch len(m) {
	case 0:
		return Nop{}, closer
	case 1:
		return m[0], closer
	}
	return m, closer
}
