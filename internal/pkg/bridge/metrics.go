package bridge

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jake-scott/ryobi-gdo/internal/pkg/tiwiapi"
)

// Metrics collects bridge and connection counters for the diagnostics
// endpoint.
type Metrics struct {
	SocketConnects prometheus.Counter
	SocketDrops    prometheus.Counter
	notifications  prometheus.Counter
	commands       *prometheus.CounterVec
	doorState      *prometheus.GaugeVec
	lastUpdate     *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		SocketConnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryobi_gdo_socket_connects_total",
			Help: "Successful websocket connections, including reconnects",
		}),
		SocketDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryobi_gdo_socket_drops_total",
			Help: "Websocket connection drops",
		}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ryobi_gdo_notifications_total",
			Help: "Inbound attribute update notifications applied",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ryobi_gdo_commands_total",
			Help: "Outbound commands by kind",
		}, []string{"command"}),
		doorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ryobi_gdo_door_state",
			Help: "Door state code (0 closed, 1 open, 2 closing, 3 opening, 4 fault)",
		}, []string{"device", "name"}),
		lastUpdate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ryobi_gdo_last_update_timestamp_seconds",
			Help: "Unix time of the most recent state for each device",
		}, []string{"device", "name"}),
	}
}

func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(m.SocketConnects, m.SocketDrops, m.notifications,
		m.commands, m.doorState, m.lastUpdate)
}

func (m *Metrics) observeState(d Device) {
	m.doorState.WithLabelValues(d.ID, d.Name).Set(float64(d.State.Door))
	if !d.State.UpdatedAt.IsZero() {
		m.lastUpdate.WithLabelValues(d.ID, d.Name).Set(float64(d.State.UpdatedAt.Unix()))
	}
}

func (m *Metrics) observeNotification(d Device) {
	m.notifications.Inc()
	m.observeState(d)
}

func (m *Metrics) observeCommand(cmd tiwiapi.Command) {
	m.commands.WithLabelValues(cmd.Name()).Inc()
}
