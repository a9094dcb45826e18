// Package metrics holds the Prometheus collectors of the bot. Labels are kept
// to fixed sets (command names, results) so cardinality stays bounded.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK     = "ok"
	ResultError  = "error"
	ResultDenied = "denied"
)

var (
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jokebot_commands_total",
			Help: "Bot commands handled, by command and result.",
		},
		[]string{"command", "result"},
	)

	commandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jokebot_command_duration_seconds",
			Help:    "Time spent handling a bot command.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	jokesRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jokebot_jokes_recorded_total",
			Help: "Jokes accepted from users.",
		},
	)

	broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jokebot_broadcast_messages_total",
			Help: "Per-recipient broadcast sends, by result.",
		},
		[]string{"result"},
	)

	pendingDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jokebot_pending_delivered_total",
			Help: "Pending jokes handed off for broadcast and removed from the queue.",
		},
	)

	notifierRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jokebot_notifier_runs_total",
			Help: "Notifier passes over the pending queue, by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(commands, commandLatency, jokesRecorded, broadcasts, pendingDelivered, notifierRuns)
}

// ObserveCommand records one handled command started at start.
func ObserveCommand(command, result string, start time.Time) {
	commands.WithLabelValues(command, result).Inc()
	commandLatency.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

func JokeRecorded() {
	jokesRecorded.Inc()
}

func BroadcastSent(err error) {
	broadcasts.WithLabelValues(result(err)).Inc()
}

func PendingDelivered() {
	pendingDelivered.Inc()
}

func NotifierRun(err error) {
	notifierRuns.WithLabelValues(result(err)).Inc()
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}
