package id_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/id"
)

var _ = Describe("item ids", Ordered, func() {
	It("rejects a node id outside the snowflake range", func() {
		Expect(id.Init(1024)).To(MatchError(ContainSubstring("out of range")))
		Expect(id.Init(-1)).To(HaveOccurred())
	})

	It("hands out increasing ids once initialized", func() {
		Expect(id.Init(7)).To(Succeed())

		prev := id.New()
		for i := 0; i < 100; i++ {
			next := id.New()
			Expect(next).To(BeNumerically(">", prev))
			prev = next
		}
	})

	It("accepts a repeated Init for the same node only", func() {
		Expect(id.Init(7)).To(Succeed())
		Expect(id.Init(8)).To(MatchError(ContainSubstring("already running as node 7")))
	})
})
