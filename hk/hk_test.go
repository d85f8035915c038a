package hk_test

import (
	"time"

	"github.com/railtrdp/trdpgo/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	It("runs a registered cleanup func on its schedule and honors Unreg", func() {
		h := hk.New()
		go h.Run()
		defer h.Stop()

		fired := make(chan struct{}, 8)
		h.Reg("probe", func() time.Duration {
			fired <- struct{}{}
			return 10 * time.Millisecond
		}, time.Millisecond)

		Eventually(fired, time.Second).Should(Receive())
		Eventually(fired, time.Second).Should(Receive())

		h.Unreg("probe")
		time.Sleep(20 * time.Millisecond)
		for len(fired) > 0 {
			<-fired
		}
		Consistently(fired, 50*time.Millisecond).ShouldNot(Receive())
	})

	It("stops an entry that returns UnregInterval", func() {
		h := hk.New()
		go h.Run()
		defer h.Stop()

		calls := 0
		done := make(chan struct{})
		h.Reg("once", func() time.Duration {
			calls++
			close(done)
			return hk.UnregInterval
		}, time.Millisecond)

		Eventually(done, time.Second).Should(BeClosed())
		time.Sleep(20 * time.Millisecond)
		Expect(calls).To(Equal(1))
	})
})
