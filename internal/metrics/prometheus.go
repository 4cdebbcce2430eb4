package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all daemon metrics. Each process has its own copy; only the
// manager exposes it over HTTP.
type Registry struct {
	// Privsep transport and supervisor
	Envelopes        *prometheus.CounterVec
	ProcessesRunning *prometheus.GaugeVec
	ProcessStarts    *prometheus.CounterVec
	SandboxEntered   *prometheus.CounterVec

	// Capture workers
	Frames        *prometheus.CounterVec
	CaptureErrors *prometheus.CounterVec

	// Socket workers
	Datagrams *prometheus.CounterVec

	// Conflict detection
	ARPProbes        *prometheus.CounterVec
	ARPAnnouncements *prometheus.CounterVec
	ARPConflicts     *prometheus.CounterVec
	ARPOutcomes      *prometheus.CounterVec

	// DHCP traffic seen by the manager
	BOOTPMessages *prometheus.CounterVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Envelopes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_privsep_envelopes_total",
		Help: "Envelopes moved over privsep channels",
	}, []string{"direction", "cmd"})

	r.ProcessesRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "leased_privsep_processes",
		Help: "Privsep child processes currently supervised",
	}, []string{"role"})

	r.ProcessStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_privsep_starts_total",
		Help: "Privsep child process start attempts",
	}, []string{"role", "result"})

	r.SandboxEntered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_privsep_sandbox_total",
		Help: "Sandbox strategies entered by privsep children",
	}, []string{"strategy"})

	r.Frames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_capture_frames_total",
		Help: "Frames moved through capture workers",
	}, []string{"interface", "proto", "direction"})

	r.CaptureErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_capture_errors_total",
		Help: "Capture device errors by class",
	}, []string{"interface", "class"})

	r.Datagrams = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_inet_datagrams_total",
		Help: "Datagrams moved through socket workers",
	}, []string{"interface", "proto", "direction"})

	r.ARPProbes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_arp_probes_total",
		Help: "ARP probes sent",
	}, []string{"interface"})

	r.ARPAnnouncements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_arp_announcements_total",
		Help: "ARP announcements sent, including defends",
	}, []string{"interface", "reason"})

	r.ARPConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_arp_conflicts_total",
		Help: "Conflicting ARP frames observed",
	}, []string{"interface", "state"})

	r.ARPOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_arp_outcomes_total",
		Help: "Conflict detection outcomes",
	}, []string{"interface", "outcome"})

	r.BOOTPMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leased_bootp_messages_total",
		Help: "DHCP and router discovery messages decoded by the manager",
	}, []string{"interface", "type"})

	return r
}
