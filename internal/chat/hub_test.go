package chat_test

import (
	"context"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/chat"
	"go-roleplay/internal/domain"
	"go-roleplay/internal/feed"
)

var _ = Describe("Hub", func() {
	var (
		ctx     context.Context
		cancel  context.CancelFunc
		memFeed *feed.MemoryFeed
		items   *memItems
		hub     *chat.Hub
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		memFeed = feed.NewMemoryFeed()
		items = &memItems{}
		hub = chat.NewHub(items, memFeed)
		go hub.Run(ctx)
		DeferCleanup(func() {
			cancel()
			_ = memFeed.Close()
		})
	})

	It("stores an item and announces it on the feed", func() {
		var (
			mu  sync.Mutex
			got []domain.Event
		)
		_, err := memFeed.Subscribe(ctx, domain.ClassPostInserted, nil, func(_ context.Context, ev domain.Event) {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
		})
		Expect(err).NotTo(HaveOccurred())

		stored, err := hub.Publish(ctx, domain.Item{Kind: domain.KindTopic, ContainerID: 5, Content: "scene"})
		Expect(err).NotTo(HaveOccurred())
		Expect(stored.ID).NotTo(BeZero())
		Expect(items.count()).To(Equal(1))

		Eventually(func() []domain.Event {
			mu.Lock()
			defer mu.Unlock()
			return append([]domain.Event(nil), got...)
		}).Should(ConsistOf(domain.Event{Class: domain.ClassPostInserted, Item: stored}))
	})

	It("returns store failures", func() {
		items.insertErr = errWriteFailed
		_, err := hub.Publish(ctx, domain.Item{Kind: domain.KindConversation, ContainerID: 1, Content: "hi"})
		Expect(err).To(MatchError(errWriteFailed))
	})

	It("closes a client's send channel on unregister", func() {
		client := &chat.Client{Hub: hub, Send: make(chan []byte, 1), UserID: 1}
		Expect(hub.Register(client)).To(BeTrue())
		Expect(hub.Unregister(client)).To(BeTrue())
		Eventually(client.Send).Should(BeClosed())
	})

	It("refuses work once stopped", func() {
		cancel()
		client := &chat.Client{Hub: hub, Send: make(chan []byte, 1), UserID: 1}
		Eventually(func() bool { return hub.Register(client) }).Should(BeFalse())

		_, err := hub.Publish(context.Background(), domain.Item{Kind: domain.KindConversation, ContainerID: 1, Content: "hi"})
		Expect(err).To(MatchError(chat.ErrHubStopped))
	})
})
