// Package telemetry defines the metrics recorded by supervisors without tying
// them to a backend. The prometheus subpackage provides the production
// implementation; Nop is used when metrics are disabled.
package telemetry

import "vnoded/internal/domain"

// Audit results.
const (
	AuditAlone          = "alone"
	AuditOverSubscribed = "over_subscribed"
	AuditStale          = "stale"
	AuditError          = "error"
)

// Broker operations reported through BrokerError.
const (
	OpDeclareBind = "declare_bind"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpStatus      = "status"
	OpAck         = "ack"
)

type SupervisorMetrics interface {
	// SupervisorStarted is called once a supervisor turns active.
	SupervisorStarted(shard domain.ShardNumber)
	// SupervisorStopped is called once when an active supervisor stops.
	SupervisorStopped(shard domain.ShardNumber, reason domain.StopReason)
	MessageReceived(shard domain.ShardNumber, bytes int)
	AuditCompleted(result string)
	BrokerError(op string)
}

type nopMetrics struct{}

func (nopMetrics) SupervisorStarted(domain.ShardNumber)                     {}
func (nopMetrics) SupervisorStopped(domain.ShardNumber, domain.StopReason) {}
func (nopMetrics) MessageReceived(domain.ShardNumber, int)                 {}
func (nopMetrics) AuditCompleted(string)                                   {}
func (nopMetrics) BrokerError(string)                                      {}

// Nop returns metrics that discard everything.
func Nop() SupervisorMetrics { return nopMetrics{} }
