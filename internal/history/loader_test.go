package history_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/history"
)

var _ = Describe("Loader", func() {
	var (
		ctx    context.Context
		store  *memStore
		loader *history.Loader
		end    time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = newMemStore()
		loader = history.NewLoader(store, 50)
		end = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	})

	Describe("OpenContainer", func() {
		It("yields an empty state for an empty container", func() {
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			s := loader.Snapshot()
			Expect(s.ContainerID).To(Equal(int64(1)))
			Expect(s.Items).To(BeEmpty())
			Expect(s.OldestLoadedAt).To(BeNil())
			Expect(s.HasMoreOlder).To(BeFalse())
		})

		It("loads a short history ascending with nothing more to load", func() {
			all := store.fill(1, 7, end)

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			s := loader.Snapshot()
			Expect(ids(s.Items)).To(Equal(ids(all)))
			Expect(*s.OldestLoadedAt).To(BeTemporally("==", all[0].CreatedAt))
			Expect(s.HasMoreOlder).To(BeFalse())
		})

		It("loads the most recent batch of a long history", func() {
			all := store.fill(1, 120, end)

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			s := loader.Snapshot()
			Expect(ids(s.Items)).To(Equal(ids(all[70:])))
			Expect(s.HasMoreOlder).To(BeTrue())
		})

		It("corrects the exact-batch boundary with one empty LoadOlder", func() {
			all := store.fill(1, 50, end)

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
			s := loader.Snapshot()
			Expect(s.Items).To(HaveLen(50))
			Expect(s.HasMoreOlder).To(BeTrue())

			n, err := loader.LoadOlder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())

			s = loader.Snapshot()
			Expect(ids(s.Items)).To(Equal(ids(all)))
			Expect(s.HasMoreOlder).To(BeFalse())
			Expect(*s.OldestLoadedAt).To(BeTemporally("==", all[0].CreatedAt))
		})

		It("fully resets when switching containers", func() {
			store.fill(1, 80, end)
			other := store.fill(2, 3, end.Add(-time.Hour))

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
			Expect(loader.Snapshot().HasMoreOlder).To(BeTrue())

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 2)).To(Succeed())

			s := loader.Snapshot()
			Expect(s.ContainerID).To(Equal(int64(2)))
			Expect(ids(s.Items)).To(Equal(ids(other)))
			Expect(*s.OldestLoadedAt).To(BeTemporally("==", other[0].CreatedAt))
			Expect(s.HasMoreOlder).To(BeFalse())
		})

		It("keeps the previous container when the fetch fails", func() {
			first := store.fill(1, 5, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			store.recentErr = errors.New("connection reset")
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 2)).To(MatchError(ContainSubstring("connection reset")))

			s := loader.Snapshot()
			Expect(s.ContainerID).To(Equal(int64(1)))
			Expect(ids(s.Items)).To(Equal(ids(first)))
		})

		It("rejects an unknown kind", func() {
			err := loader.OpenContainer(ctx, domain.ContainerKind("wiki"), 1)
			Expect(err).To(MatchError(history.ErrNoContainer))
			recent, _ := store.calls()
			Expect(recent).To(BeZero())
		})

		It("keeps items pushed while the first page is in flight", func() {
			store.fill(1, 3, end)
			release := make(chan struct{})
			entered := make(chan struct{})
			store.setGate(func() {
				close(entered)
				<-release
			})

			done := make(chan error)
			go func() { done <- loader.OpenContainer(ctx, domain.KindConversation, 1) }()
			Eventually(entered).Should(BeClosed())

			pushed := domain.Item{ID: 99, Kind: domain.KindConversation, ContainerID: 1, CreatedAt: end.Add(time.Second)}
			Expect(loader.AppendNew(pushed)).To(BeFalse())

			store.setGate(nil)
			close(release)
			Eventually(done).Should(Receive(BeNil()))

			s := loader.Snapshot()
			Expect(s.Items).To(HaveLen(4))
			Expect(s.Items[3].ID).To(Equal(int64(99)))
		})
	})

	Describe("LoadOlder", func() {
		It("does nothing when no container is open", func() {
			n, err := loader.LoadOlder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			_, before := store.calls()
			Expect(before).To(BeZero())
		})

		It("does nothing once the history is exhausted", func() {
			store.fill(1, 10, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			n, err := loader.LoadOlder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(BeZero())
			_, before := store.calls()
			Expect(before).To(BeZero())
		})

		It("walks back to the full ordered history without gaps or duplicates", func() {
			all := store.fill(1, 137, end)

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
			for loader.Snapshot().HasMoreOlder {
				_, err := loader.LoadOlder(ctx)
				Expect(err).NotTo(HaveOccurred())
			}

			s := loader.Snapshot()
			Expect(ids(s.Items)).To(Equal(ids(all)))
			_, before := store.calls()
			Expect(before).To(Equal(2))
		})

		It("orders identical timestamps by id and keeps ties across a page boundary", func() {
			loader = history.NewLoader(store, 3)
			same := end.Add(-time.Minute)
			store.add(1, 10, end.Add(-time.Hour))
			store.add(1, 14, same)
			store.add(1, 12, same)
			store.add(1, 13, same)
			store.add(1, 11, same)
			store.add(1, 20, end)

			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
			Expect(ids(loader.Snapshot().Items)).To(Equal([]int64{13, 14, 20}))

			for loader.Snapshot().HasMoreOlder {
				_, err := loader.LoadOlder(ctx)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(ids(loader.Snapshot().Items)).To(Equal([]int64{10, 11, 12, 13, 14, 20}))
		})

		It("leaves the state unchanged when the fetch fails", func() {
			store.fill(1, 60, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
			before := loader.Snapshot()

			store.beforeErr = errors.New("timeout")
			n, err := loader.LoadOlder(ctx)
			Expect(err).To(MatchError(ContainSubstring("timeout")))
			Expect(n).To(BeZero())
			Expect(loader.Snapshot()).To(Equal(before))

			store.beforeErr = nil
			n, err = loader.LoadOlder(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(10))
		})

		It("discards a page that lands after the container was closed", func() {
			store.fill(1, 60, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())

			release := make(chan struct{})
			entered := make(chan struct{})
			store.setGate(func() {
				close(entered)
				<-release
			})

			done := make(chan int)
			go func() {
				defer GinkgoRecover()
				n, err := loader.LoadOlder(ctx)
				Expect(err).NotTo(HaveOccurred())
				done <- n
			}()
			Eventually(entered).Should(BeClosed())

			loader.Reset()
			close(release)
			Eventually(done).Should(Receive(BeZero()))

			s := loader.Snapshot()
			Expect(s.ContainerID).To(BeZero())
			Expect(s.Items).To(BeEmpty())
		})
	})

	Describe("AppendNew", func() {
		var all []domain.Item

		BeforeEach(func() {
			all = store.fill(1, 5, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 1)).To(Succeed())
		})

		item := func(id int64, at time.Time) domain.Item {
			return domain.Item{ID: id, Kind: domain.KindConversation, ContainerID: 1, CreatedAt: at}
		}

		It("appends at the tail without touching the paging state", func() {
			before := loader.Snapshot()

			Expect(loader.AppendNew(item(500, end.Add(time.Second)))).To(BeTrue())

			s := loader.Snapshot()
			Expect(s.Items).To(HaveLen(6))
			Expect(s.Items[5].ID).To(Equal(int64(500)))
			Expect(s.OldestLoadedAt).To(Equal(before.OldestLoadedAt))
			Expect(s.HasMoreOlder).To(Equal(before.HasMoreOlder))
		})

		It("ignores duplicates", func() {
			Expect(loader.AppendNew(all[4])).To(BeFalse())
			Expect(loader.AppendNew(item(500, end.Add(time.Second)))).To(BeTrue())
			Expect(loader.AppendNew(item(500, end.Add(time.Second)))).To(BeFalse())
			Expect(loader.Snapshot().Items).To(HaveLen(6))
		})

		It("ignores items of another container", func() {
			other := item(500, end.Add(time.Second))
			other.ContainerID = 2
			Expect(loader.AppendNew(other)).To(BeFalse())

			topic := item(501, end.Add(time.Second))
			topic.Kind = domain.KindTopic
			Expect(loader.AppendNew(topic)).To(BeFalse())
		})

		It("keeps ascending order for an item delivered late", func() {
			Expect(loader.AppendNew(item(600, end.Add(2*time.Second)))).To(BeTrue())
			Expect(loader.AppendNew(item(500, end.Add(time.Second)))).To(BeTrue())

			items := loader.Snapshot().Items
			Expect(ids(items[5:])).To(Equal([]int64{500, 600}))
		})

		It("leaves items older than the loaded window to LoadOlder", func() {
			store.fill(3, 60, end)
			Expect(loader.OpenContainer(ctx, domain.KindConversation, 3)).To(Succeed())

			old := domain.Item{ID: 1, Kind: domain.KindConversation, ContainerID: 3, CreatedAt: end.Add(-24 * time.Hour)}
			Expect(loader.AppendNew(old)).To(BeFalse())
		})

		It("does nothing after Reset", func() {
			loader.Reset()
			Expect(loader.AppendNew(item(500, end.Add(time.Second)))).To(BeFalse())
		})
	})
})
