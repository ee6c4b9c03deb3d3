package chat_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/chat"
)

var _ = Describe("ProtocolSchema", func() {
	It("lists every command type", func() {
		command := chat.ProtocolSchema()["command"]
		Expect(command).NotTo(BeNil())

		prop, ok := command.Properties.Get("type")
		Expect(ok).To(BeTrue())
		Expect(prop.Enum).To(ConsistOf(
			chat.CmdSetActivePersona, chat.CmdOpenContainer, chat.CmdLoadOlder, chat.CmdSend,
			chat.CmdOpenActivity, chat.CmdCloseActivity, chat.CmdMarkAllRead, chat.CmdResetFlags,
		))
	})

	It("describes frames with their payload fields", func() {
		frame := chat.ProtocolSchema()["frame"]

		for _, field := range []string{"type", "item", "history", "unread", "read_cursor"} {
			_, ok := frame.Properties.Get(field)
			Expect(ok).To(BeTrue(), field)
		}
	})
})
