package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nicebartender/switchboard/chat"
	"github.com/nicebartender/switchboard/dispatch"
)

// Collector tracks dispatch and routing activity.
type Collector struct {
	chatsOpened prometheus.Counter
	assignments *prometheus.CounterVec
	transfers   prometheus.Counter
	statuses    *prometheus.CounterVec
	messages    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		chatsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_chats_opened_total",
			Help: "Chats opened by a first customer message.",
		}),
		assignments: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_assignments_total",
			Help: "Assignment and transfer request outcomes.",
		}, []string{"result"}),
		transfers: factory.NewCounter(prometheus.CounterOpts{
			Name: "switchboard_transfers_total",
			Help: "Completed chat transfers.",
		}),
		statuses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_chat_status_changes_total",
			Help: "Chat status transitions by resulting status.",
		}, []string{"status"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "switchboard_messages_routed_total",
			Help: "Messages routed by author type.",
		}, []string{"author"}),
	}
}

// HandleSignal is registered with Engine.Notify.
func (c *Collector) HandleSignal(s dispatch.Signal) {
	switch s.Kind {
	case dispatch.SignalOpen:
		c.chatsOpened.Inc()
	case dispatch.SignalFound:
		c.assignments.WithLabelValues("found").Inc()
	case dispatch.SignalMiss:
		c.assignments.WithLabelValues("missed").Inc()
	case dispatch.SignalTransfer:
		c.transfers.Inc()
	case dispatch.SignalStatus:
		c.statuses.WithLabelValues(string(s.Status)).Inc()
	}
}

// MessageRouted implements router.Metrics.
func (c *Collector) MessageRouted(author chat.AuthorType) {
	c.messages.WithLabelValues(string(author)).Inc()
}
