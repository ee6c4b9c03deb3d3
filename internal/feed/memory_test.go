package feed_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/domain"
	"go-roleplay/internal/feed"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) handle(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) ids() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.events))
	for _, ev := range r.events {
		ids = append(ids, ev.Item.ID)
	}
	return ids
}

func message(id, conversationID int64) domain.Event {
	return domain.Event{
		Class: domain.ClassMessageInserted,
		Item: domain.Item{
			ID:          id,
			Kind:        domain.KindConversation,
			ContainerID: conversationID,
			CreatedAt:   time.Now(),
		},
	}
}

var _ = Describe("MemoryFeed", func() {
	var (
		f   *feed.MemoryFeed
		ctx context.Context
	)

	BeforeEach(func() {
		f = feed.NewMemoryFeed()
		ctx = context.Background()
		DeferCleanup(f.Close)
	})

	It("delivers events of the subscribed class only", func() {
		rec := &recorder{}
		_, err := f.Subscribe(ctx, domain.ClassMessageInserted, nil, rec.handle)
		Expect(err).NotTo(HaveOccurred())

		Expect(f.Publish(ctx, message(1, 10))).To(Succeed())
		Expect(f.Publish(ctx, domain.Event{Class: domain.ClassPostInserted, Item: domain.Item{ID: 2}})).To(Succeed())

		Eventually(rec.ids).Should(Equal([]int64{1}))
		Consistently(rec.ids, 50*time.Millisecond).Should(Equal([]int64{1}))
	})

	It("applies the filter before the handler", func() {
		rec := &recorder{}
		onlyConversation10 := func(ev domain.Event) bool { return ev.Item.ContainerID == 10 }
		_, err := f.Subscribe(ctx, domain.ClassMessageInserted, onlyConversation10, rec.handle)
		Expect(err).NotTo(HaveOccurred())

		Expect(f.Publish(ctx, message(1, 10))).To(Succeed())
		Expect(f.Publish(ctx, message(2, 11))).To(Succeed())
		Expect(f.Publish(ctx, message(3, 10))).To(Succeed())

		Eventually(rec.ids).Should(Equal([]int64{1, 3}))
	})

	It("stops delivering once Unsubscribe returns", func() {
		rec := &recorder{}
		h, err := f.Subscribe(ctx, domain.ClassMessageInserted, nil, rec.handle)
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Live()).To(HaveLen(1))

		Expect(f.Unsubscribe(ctx, h)).To(Succeed())
		Expect(f.Live()).To(BeEmpty())

		Expect(f.Publish(ctx, message(1, 10))).To(Succeed())
		Consistently(rec.ids, 50*time.Millisecond).Should(BeEmpty())
	})

	It("rejects unknown handles", func() {
		err := f.Unsubscribe(ctx, feed.Handle{ID: "nope"})
		Expect(err).To(MatchError(feed.ErrUnknownHandle))
	})

	It("refuses registrations after Close", func() {
		Expect(f.Close()).To(Succeed())
		_, err := f.Subscribe(ctx, domain.ClassPostInserted, nil, func(context.Context, domain.Event) {})
		Expect(err).To(MatchError(feed.ErrClosed))
	})

	It("preserves publish order within a subscription", func() {
		rec := &recorder{}
		_, err := f.Subscribe(ctx, domain.ClassMessageInserted, nil, rec.handle)
		Expect(err).NotTo(HaveOccurred())

		for i := int64(1); i <= 20; i++ {
			Expect(f.Publish(ctx, message(i, 10))).To(Succeed())
		}
		Eventually(rec.ids).Should(HaveLen(20))
		Expect(rec.ids()).To(BeEquivalentTo([]int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}))
	})
})
