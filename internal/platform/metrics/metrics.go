// Package metrics exposes prometheus instrumentation for the protection
// pipeline. A nil *Set is valid and records nothing, so components never
// need to branch on whether metrics are wired.
package metrics

import "github.com/prometheus/client_golang/prometheus"

type Set struct {
	resolutions  *prometheus.CounterVec
	unlocks      *prometheus.CounterVec
	lockouts     prometheus.Counter
	messages     *prometheus.CounterVec
	submissions  *prometheus.CounterVec
	promptsOpen  prometheus.Gauge
	wkdThrottled prometheus.Counter
}

// New builds the metric set and, when reg is non-nil, registers it.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "recipient_resolutions_total",
			Help:      "Recipient key resolutions by outcome.",
		}, []string{"outcome"}),
		unlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "key_unlocks_total",
			Help:      "Private key unlock attempts by result.",
		}, []string{"result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "lockouts_total",
			Help:      "Times an account hit the passphrase attempt limit.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "messages_built_total",
			Help:      "Sendable messages produced by variant.",
		}, []string{"variant"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "directory_submissions_total",
			Help:      "Public key directory submissions by outcome.",
		}, []string{"outcome"}),
		promptsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mailcrypt",
			Name:      "passphrase_prompts_open",
			Help:      "Interactive passphrase prompts currently open.",
		}),
		wkdThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailcrypt",
			Name:      "wkd_lookups_throttled_total",
			Help:      "Web key discovery lookups dropped by the per-domain limiter.",
		}),
	}
	if reg != nil {
		reg.MustRegister(s.resolutions, s.unlocks, s.lockouts, s.messages, s.submissions, s.promptsOpen, s.wkdThrottled)
	}
	return s
}

func (s *Set) Resolution(outcome string) {
	if s == nil {
		return
	}
	s.resolutions.WithLabelValues(outcome).Inc()
}

func (s *Set) Unlock(result string) {
	if s == nil {
		return
	}
	s.unlocks.WithLabelValues(result).Inc()
}

func (s *Set) Lockout() {
	if s == nil {
		return
	}
	s.lockouts.Inc()
}

func (s *Set) MessageBuilt(variant string) {
	if s == nil {
		return
	}
	s.messages.WithLabelValues(variant).Inc()
}

func (s *Set) Submission(outcome string) {
	if s == nil {
		return
	}
	s.submissions.WithLabelValues(outcome).Inc()
}

func (s *Set) PromptOpened() {
	if s == nil {
		return
	}
	s.promptsOpen.Inc()
}

func (s *Set) PromptClosed() {
	if s == nil {
		return
	}
	s.promptsOpen.Dec()
}

func (s *Set) WKDThrottled() {
	if s == nil {
		return
	}
	s.wkdThrottled.Inc()
}
