package monitor_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/marcus-qen/connwatch/internal/controlplane/alerts"
	"github.com/marcus-qen/connwatch/internal/controlplane/events"
	"github.com/marcus-qen/connwatch/internal/controlplane/fleet"
	"github.com/marcus-qen/connwatch/internal/controlplane/healthcheck"
	"github.com/marcus-qen/connwatch/internal/controlplane/monitor"
	"go.uber.org/zap"
)

// flappingProbe reports "open" for the first openTicks state checks of an
// instance and "close" afterwards.
type flappingProbe struct {
	mu        sync.Mutex
	openTicks int
	calls     map[string]int
}

func (p *flappingProbe) CheckAPIHealth(context.Context) (healthcheck.APIHealth, error) {
	return healthcheck.APIHealth{Status: "ok", LatencyMs: 50}, nil
}

func (p *flappingProbe) GetInstanceState(_ context.Context, id string) (healthcheck.InstanceState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	if p.calls[id] <= p.openTicks {
		return healthcheck.InstanceState{State: "open"}, nil
	}
	return healthcheck.InstanceState{State: "close"}, nil
}

func (p *flappingProbe) GetWebhookConfig(context.Context, string) (healthcheck.WebhookConfig, error) {
	return healthcheck.WebhookConfig{Enabled: true}, nil
}

func (p *flappingProbe) MeasureConnectivity(context.Context, string) (healthcheck.Connectivity, error) {
	return healthcheck.Connectivity{LatencyMs: 100}, nil
}

var _ = Describe("Monitoring an instance that drops its connection", func() {
	const instance = "inst-1"

	var (
		svc    *monitor.Service
		bus    *events.Bus
		stream <-chan events.Event
	)

	BeforeEach(func() {
		bus = events.NewBus(256)
		stream = bus.Subscribe("scenario")
		var err error
		svc, err = monitor.New(monitor.Options{
			Client: &flappingProbe{openTicks: 2, calls: map[string]int{}},
			Bus:    bus,
			Logger: zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		Expect(svc.Close(context.Background())).To(Succeed())
	})

	checks := func() int {
		m, _ := svc.GetMetrics(instance)
		return m.TotalChecks
	}

	It("alerts once on disconnect and holds the alert through the cooldown", func() {
		By("starting a one-second polling loop")
		Expect(svc.StartMonitoring(instance, time.Second)).To(Succeed())

		By("waiting for two connected ticks")
		Eventually(checks, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 2))
		Expect(svc.GetActiveAlerts(instance)).To(BeEmpty())

		By("waiting for the first disconnected tick")
		Eventually(checks, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 3))
		m, ok := svc.GetMetrics(instance)
		Expect(ok).To(BeTrue())
		Expect(m.Status).To(Equal(fleet.StatusDisconnected))

		Eventually(func() []alerts.Alert { return svc.GetActiveAlerts(instance) }, time.Second, 20*time.Millisecond).Should(HaveLen(1))
		alert := svc.GetActiveAlerts(instance)[0]
		Expect(alert.RuleID).To(Equal(alerts.RuleInstanceDisconnected))
		Expect(alert.Severity).To(Equal(alerts.SeverityHigh))
		Expect(alert.Acknowledged).To(BeFalse())
		Expect(alert.ResolvedAt).To(BeNil())

		By("letting a fourth tick run inside the cooldown")
		Eventually(checks, 5*time.Second, 50*time.Millisecond).Should(BeNumerically(">=", 4))
		Expect(svc.StopMonitoring(instance)).To(BeTrue())

		Expect(svc.GetActiveAlerts(instance)).To(HaveLen(1))
		Expect(svc.GetAlertHistory(instance, 0)).To(HaveLen(1))

		history := svc.MetricsHistory(instance)
		Expect(len(history)).To(BeNumerically(">=", 4))
		Expect(history[0].Status).To(Equal(fleet.StatusConnected))
		Expect(history[1].Status).To(Equal(fleet.StatusConnected))
		Expect(history[2].Status).To(Equal(fleet.StatusDisconnected))
		Expect(history[3].Status).To(Equal(fleet.StatusDisconnected))

		By("seeing exactly one new-alert broadcast")
		newAlerts := 0
		Eventually(func() int {
			for {
				select {
				case evt := <-stream:
					if evt.Type == events.NewAlert {
						newAlerts++
					}
				default:
					return newAlerts
				}
			}
		}, time.Second, 20*time.Millisecond).Should(Equal(1))
	})

	It("reports global health across instances", func() {
		Expect(svc.StartMonitoring("a", time.Hour)).To(Succeed())
		Eventually(func() int {
			m, _ := svc.GetMetrics("a")
			return m.TotalChecks
		}, 2*time.Second, 20*time.Millisecond).Should(Equal(1))

		stats := svc.GetGlobalStats()
		Expect(stats.TotalInstances).To(Equal(1))
		Expect(stats.Connected).To(Equal(1))
		Expect(stats.OverallHealth).To(Equal(100))
		Expect(stats.Monitored).To(Equal(1))
	})
})
