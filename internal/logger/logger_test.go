package logger_test

import (
	"bytes"
	"context"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/logger"
)

var _ = Describe("LogFields", func() {
	It("returns empty fields for a bare context", func() {
		Expect(logger.GetLogFields(context.Background())).To(Equal(logger.LogFields{}))
	})

	It("merges newer values over older ones", func() {
		ctx := logger.WithLogFields(context.Background(), logger.LogFields{
			UserID:    logger.Ptr(int64(1)),
			PersonaID: logger.Ptr(int64(10)),
			Component: "a",
		})
		ctx = logger.WithLogFields(ctx, logger.LogFields{
			PersonaID: logger.Ptr(int64(11)),
		})

		fields := logger.GetLogFields(ctx)
		Expect(*fields.UserID).To(Equal(int64(1)))
		Expect(*fields.PersonaID).To(Equal(int64(11)))
		Expect(fields.Component).To(Equal("a"))
	})
})

var _ = Describe("TraceHandler", func() {
	It("adds context fields to records", func() {
		var buf bytes.Buffer
		log := slog.New(logger.NewTraceHandler(slog.NewTextHandler(&buf, nil)))

		ctx := logger.WithLogFields(context.Background(), logger.LogFields{
			PersonaID:  logger.Ptr(int64(42)),
			Generation: logger.Ptr(uint64(3)),
			Component:  "roleplay.test",
		})
		log.InfoContext(ctx, "hello")

		Expect(buf.String()).To(ContainSubstring("persona_id=42"))
		Expect(buf.String()).To(ContainSubstring("generation=3"))
		Expect(buf.String()).To(ContainSubstring("component=roleplay.test"))
	})
})
