package reliability_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	reliability "github.com/JohnPlummer/jp-go-reliability"
)

var _ = Describe("OperationalMode", func() {
	DescribeTable("permissions narrow with severity",
		func(mode reliability.OperationalMode, reads, writes, origin bool) {
			Expect(mode.AllowsReads()).To(Equal(reads))
			Expect(mode.AllowsWrites()).To(Equal(writes))
			Expect(mode.AllowsOriginCalls()).To(Equal(origin))
		},
		Entry("normal", reliability.ModeNormal, true, true, true),
		Entry("cache-only", reliability.ModeCacheOnly, true, false, false),
		Entry("read-only", reliability.ModeReadOnly, true, false, true),
		Entry("offline", reliability.ModeOffline, false, false, false),
	)

	It("orders modes by severity", func() {
		Expect(reliability.ModeNormal < reliability.ModeCacheOnly).To(BeTrue())
		Expect(reliability.ModeCacheOnly < reliability.ModeReadOnly).To(BeTrue())
		Expect(reliability.ModeReadOnly < reliability.ModeOffline).To(BeTrue())
	})

	It("round-trips as JSON strings", func() {
		data, err := json.Marshal(reliability.ModeCacheOnly)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal(`"cache-only"`))

		var mode reliability.OperationalMode
		Expect(json.Unmarshal([]byte(`"offline"`), &mode)).To(Succeed())
		Expect(mode).To(Equal(reliability.ModeOffline))

		Expect(json.Unmarshal([]byte(`"bogus"`), &mode)).NotTo(Succeed())
	})
})

var _ = Describe("ModeController", func() {
	newController := func(opts ...reliability.DegradationOption) *reliability.ModeController {
		controller, err := reliability.NewModeController(opts...)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(controller.Close)
		return controller
	}

	Describe("Construction", func() {
		It("starts in the default mode", func() {
			controller := newController()
			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
			Expect(controller.IsDegraded()).To(BeFalse())
		})

		It("honors a custom default mode", func() {
			controller := newController(reliability.WithDefaultMode(reliability.ModeReadOnly))
			Expect(controller.Mode()).To(Equal(reliability.ModeReadOnly))
			Expect(controller.IsDegraded()).To(BeTrue())
		})

		It("rejects normal as a fallback mode", func() {
			_, err := reliability.NewModeController(reliability.WithFallbackMode(reliability.ModeNormal))
			Expect(err).To(MatchError(ContainSubstring("fallback mode")))
		})

		It("rejects a negative cooldown", func() {
			_, err := reliability.NewModeController(reliability.WithCooldown(-time.Second))
			Expect(err).To(MatchError(ContainSubstring("cooldown")))
		})
	})

	Describe("Degrade", func() {
		It("transitions and counts the degradation", func() {
			controller := newController()

			Expect(controller.Degrade(reliability.ModeCacheOnly)).To(BeTrue())

			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
			m := controller.Metrics()
			Expect(m.DegradationCount).To(Equal(uint64(1)))
			Expect(m.RecoveryCount).To(BeZero())
			Expect(m.LastModeChangeTime).NotTo(BeNil())
		})

		It("is a no-op for the current mode", func() {
			controller := newController()
			controller.Degrade(reliability.ModeCacheOnly)

			Expect(controller.Degrade(reliability.ModeCacheOnly)).To(BeFalse())
			Expect(controller.Metrics().DegradationCount).To(Equal(uint64(1)))
		})

		It("is a no-op when degradation handling is disabled", func() {
			controller := newController(reliability.WithDegradationDisabled())

			Expect(controller.Degrade(reliability.ModeOffline)).To(BeFalse())
			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
		})
	})

	Describe("Recover", func() {
		It("is gated by the cooldown", func() {
			controller := newController(reliability.WithCooldown(time.Minute))
			controller.Degrade(reliability.ModeCacheOnly)

			Expect(controller.CanRecover()).To(BeFalse())
			Expect(controller.Recover()).To(BeFalse())
			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
			Expect(controller.Metrics().RecoveryCount).To(BeZero())
		})

		It("succeeds once the cooldown has elapsed", func() {
			controller := newController(reliability.WithCooldown(40 * time.Millisecond))
			controller.Degrade(reliability.ModeCacheOnly)

			waitBeyond(40 * time.Millisecond)

			Expect(controller.CanRecover()).To(BeTrue())
			Expect(controller.Recover()).To(BeTrue())
			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
			Expect(controller.Metrics().RecoveryCount).To(Equal(uint64(1)))
		})

		It("is a no-op when not degraded", func() {
			controller := newController(reliability.WithCooldown(0))

			Expect(controller.Recover()).To(BeFalse())
			Expect(controller.Metrics().RecoveryCount).To(BeZero())
		})

		It("can recover to an intermediate degraded mode", func() {
			controller := newController(reliability.WithCooldown(0))
			controller.Degrade(reliability.ModeOffline)

			Expect(controller.RecoverTo(reliability.ModeReadOnly)).To(BeTrue())
			Expect(controller.Mode()).To(Equal(reliability.ModeReadOnly))
			Expect(controller.Metrics().RecoveryCount).To(Equal(uint64(1)))
		})

		It("refuses to recover to a more severe mode", func() {
			controller := newController(reliability.WithCooldown(0))
			controller.Degrade(reliability.ModeCacheOnly)

			Expect(controller.RecoverTo(reliability.ModeOffline)).To(BeFalse())
			Expect(controller.RecoverTo(reliability.ModeCacheOnly)).To(BeFalse())
			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
			Expect(controller.Metrics().RecoveryCount).To(BeZero())
		})
	})

	Describe("CanRecover", func() {
		It("is always true when not degraded", func() {
			controller := newController(reliability.WithCooldown(time.Hour))
			Expect(controller.CanRecover()).To(BeTrue())
		})
	})

	Describe("SetMode", func() {
		It("classifies leaving normal as a degradation", func() {
			controller := newController()

			Expect(controller.SetMode(reliability.ModeReadOnly)).To(BeTrue())
			m := controller.Metrics()
			Expect(m.DegradationCount).To(Equal(uint64(1)))
			Expect(m.RecoveryCount).To(BeZero())
		})

		It("classifies entering normal as a recovery, bypassing the cooldown", func() {
			controller := newController(reliability.WithCooldown(time.Hour))
			controller.Degrade(reliability.ModeCacheOnly)

			Expect(controller.SetMode(reliability.ModeNormal)).To(BeTrue())
			m := controller.Metrics()
			Expect(m.RecoveryCount).To(Equal(uint64(1)))
		})

		It("counts neither for a lateral move between degraded modes", func() {
			controller := newController()
			controller.Degrade(reliability.ModeCacheOnly)

			Expect(controller.SetMode(reliability.ModeOffline)).To(BeTrue())
			m := controller.Metrics()
			Expect(m.DegradationCount).To(Equal(uint64(1)))
			Expect(m.RecoveryCount).To(BeZero())
		})
	})

	Describe("Counters", func() {
		It("never decrease over a controller's lifetime", func() {
			controller := newController(reliability.WithCooldown(0))

			var lastDegradations, lastRecoveries uint64
			steps := []func(){
				func() { controller.Degrade(reliability.ModeCacheOnly) },
				func() { controller.Recover() },
				func() { controller.SetMode(reliability.ModeOffline) },
				func() { controller.SetMode(reliability.ModeNormal) },
				func() { controller.Degrade(reliability.ModeReadOnly) },
				func() { controller.Recover() },
			}
			for _, step := range steps {
				step()
				m := controller.Metrics()
				Expect(m.DegradationCount).To(BeNumerically(">=", lastDegradations))
				Expect(m.RecoveryCount).To(BeNumerically(">=", lastRecoveries))
				lastDegradations = m.DegradationCount
				lastRecoveries = m.RecoveryCount
			}
			Expect(lastDegradations).To(Equal(uint64(3)))
			Expect(lastRecoveries).To(Equal(uint64(3)))
		})
	})

	Describe("OnCircuitStateChanged", func() {
		It("degrades to the fallback mode when the circuit opens", func() {
			controller := newController(reliability.WithFallbackMode(reliability.ModeCacheOnly))

			controller.OnCircuitStateChanged(reliability.StateOpen)

			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
		})

		It("does not degrade further when already degraded", func() {
			controller := newController(reliability.WithFallbackMode(reliability.ModeCacheOnly))
			controller.SetMode(reliability.ModeOffline)

			controller.OnCircuitStateChanged(reliability.StateOpen)

			Expect(controller.Mode()).To(Equal(reliability.ModeOffline))
		})

		It("recovers when the circuit closes after the cooldown", func() {
			controller := newController(reliability.WithCooldown(0))
			controller.OnCircuitStateChanged(reliability.StateOpen)

			controller.OnCircuitStateChanged(reliability.StateClosed)

			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
		})

		It("does not recover before the cooldown elapses", func() {
			controller := newController(reliability.WithCooldown(time.Hour))
			controller.OnCircuitStateChanged(reliability.StateOpen)

			controller.OnCircuitStateChanged(reliability.StateClosed)

			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
		})

		It("ignores half-open", func() {
			controller := newController(reliability.WithCooldown(0))
			controller.OnCircuitStateChanged(reliability.StateOpen)

			controller.OnCircuitStateChanged(reliability.StateHalfOpen)

			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
		})

		It("is a no-op when auto-degradation is off", func() {
			controller := newController(reliability.WithAutoDegradation(false))

			controller.OnCircuitStateChanged(reliability.StateOpen)

			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
		})
	})

	Describe("OnHealthChange", func() {
		It("degrades to the fallback mode on unhealthy", func() {
			controller := newController()

			controller.OnHealthChange(reliability.StatusUnhealthy)

			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
		})

		It("deliberately ignores a degraded verdict", func() {
			controller := newController()

			controller.OnHealthChange(reliability.StatusDegraded)
			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))

			// And in the other direction: borderline health cannot recover
			// a degraded controller either.
			controller.OnHealthChange(reliability.StatusUnhealthy)
			controller.OnHealthChange(reliability.StatusDegraded)
			Expect(controller.Mode()).To(Equal(reliability.ModeCacheOnly))
		})

		It("recovers on healthy after the cooldown", func() {
			controller := newController(reliability.WithCooldown(0))
			controller.OnHealthChange(reliability.StatusUnhealthy)

			controller.OnHealthChange(reliability.StatusHealthy)

			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
		})
	})

	Describe("Subscriptions", func() {
		It("replays the current mode to a new subscriber", func() {
			controller := newController()
			controller.Degrade(reliability.ModeReadOnly)

			modes := &recorder[reliability.OperationalMode]{}
			cancel := controller.SubscribeModes(modes.record)
			DeferCleanup(cancel)

			Expect(modes.snapshot()).To(Equal([]reliability.OperationalMode{reliability.ModeReadOnly}))
		})

		It("publishes mode and metrics on every transition", func() {
			controller := newController(reliability.WithCooldown(0))

			modes := &recorder[reliability.OperationalMode]{}
			snapshots := &recorder[reliability.DegradationMetrics]{}
			DeferCleanup(controller.SubscribeModes(modes.record))
			DeferCleanup(controller.SubscribeMetrics(snapshots.record))

			controller.Degrade(reliability.ModeCacheOnly)
			controller.Recover()

			Expect(modes.snapshot()).To(Equal([]reliability.OperationalMode{
				reliability.ModeNormal,
				reliability.ModeCacheOnly,
				reliability.ModeNormal,
			}))
			latest := snapshots.snapshot()[snapshots.len()-1]
			Expect(latest.DegradationCount).To(Equal(uint64(1)))
			Expect(latest.RecoveryCount).To(Equal(uint64(1)))
		})
	})

	Describe("Close", func() {
		It("is idempotent and stops transitions", func() {
			controller := newController()
			controller.Close()
			controller.Close()

			Expect(controller.Degrade(reliability.ModeOffline)).To(BeFalse())
			Expect(controller.Mode()).To(Equal(reliability.ModeNormal))
		})
	})
})
