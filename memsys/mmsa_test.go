package memsys_test

import (
	"github.com/railtrdp/trdpgo/errs"
	"github.com/railtrdp/trdpgo/memsys"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("MMSA", func() {
	It("rounds up to the smallest fitting class and zero-fills", func() {
		mm := &memsys.MMSA{Name: "t1", Size: 1 * memsys.MaxPageSlabSize}
		mm.Init(nil)
		b, err := mm.Alloc(50)
		Expect(err).To(BeNil())
		Expect(len(b.Bytes())).To(Equal(50))
		for _, c := range b.Bytes() {
			Expect(c).To(Equal(byte(0)))
		}
	})

	It("fails allocation above the largest class", func() {
		mm := &memsys.MMSA{Name: "t2", Size: 1 * memsys.MaxPageSlabSize}
		mm.Init(nil)
		_, err := mm.Alloc(memsys.MaxPageSlabSize + 1)
		Expect(err).NotTo(BeNil())
		Expect(errs.KindOf(err)).To(Equal(errs.MEM_ERR))
	})

	It("detects a double free without corrupting state", func() {
		mm := &memsys.MMSA{Name: "t3", Size: 1 * memsys.MaxPageSlabSize}
		mm.Init(nil)
		b, _ := mm.Alloc(100)
		mm.Free(b)
		mm.Free(b) // second free must be detected, not panic/corrupt
		Expect(mm.Stats().FreeErrors).To(Equal(int64(1)))

		// allocator still usable afterwards
		b2, err := mm.Alloc(100)
		Expect(err).To(BeNil())
		Expect(b2).NotTo(BeNil())
	})

	It("disables pre-fragmentation that would exceed half the arena", func() {
		mm := &memsys.MMSA{Name: "t4", Size: 1024, Classes: []int64{48, 128}}
		mm.Init(memsys.PreFrag{0: 100}) // 100*48 = 4800 >> 512 (half of 1024)
		st := mm.Stats()
		Expect(st.PerClass[0]).To(Equal(int64(0)))
		// still satisfies subsequent allocs until true exhaustion
		_, err := mm.Alloc(48)
		Expect(err).To(BeNil())
	})

	It("satisfies subsequent allocs after valid pre-fragmentation", func() {
		mm := &memsys.MMSA{Name: "t5", Size: 4096, Classes: []int64{48, 128}}
		mm.Init(memsys.PreFrag{0: 2})
		_, err := mm.Alloc(48)
		Expect(err).To(BeNil())
	})
})
