// Package metrics exposes the comm core's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsEstablished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_connections_established_total",
		Help: "TCP connections that reached the established state.",
	})
	Disconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_disconnects_total",
		Help: "Connection teardowns, local or remote.",
	})
	OpenHandlers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "asynccomm_open_handlers",
		Help: "Live I/O handlers registered in the handler map.",
	})
	MessagesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "asynccomm_messages_dispatched_total",
		Help: "Decoded messages handed to dispatch callbacks.",
	}, []string{"path"}) // path = response | default
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_bytes_sent_total",
		Help: "Payload and header bytes written to sockets.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_bytes_received_total",
		Help: "Bytes read from sockets.",
	})
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_request_timeouts_total",
		Help: "Pending requests that expired without a response.",
	})
	ChecksumFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_header_checksum_failures_total",
		Help: "Incoming headers rejected by the CRC check.",
	})
	SendQueueRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_send_queue_rejects_total",
		Help: "Enqueues rejected because the send queue byte limit was reached.",
	})
	ProxyUpdatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "asynccomm_proxy_updates_applied_total",
		Help: "Proxy update frames applied to the local table.",
	})
)
