package pkg

import "github.com/prometheus/client_golang/prometheus"

var (
	ChatRelaySessionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_sessions",
		Help: "A gauge of live sessions connected to the chat relay.",
	})

	ChatRelayInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_relay_in_flight_requests",
		Help: "A gauge of requests being handled by the chat relay.",
	})

	ChatRelayRequestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_relay_requests_total",
		Help: "A counter for requests to the chat relay.",
	}, []string{"code", "method"})

	ChatRelayMessagesCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_messages_relayed_total",
		Help: "A counter of chat messages decrypted and relayed.",
	})

	ChatRelayDecryptFailuresCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_relay_decrypt_failures_total",
		Help: "A counter of chat messages dropped on authentication failure.",
	})
)

func init() {
	prometheus.MustRegister(
		ChatRelaySessionsGauge,
		ChatRelayInFlightGauge,
		ChatRelayRequestsCounter,
		ChatRelayMessagesCounter,
		ChatRelayDecryptFailuresCounter,
	)
}
