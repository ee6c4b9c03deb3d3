package history_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/history"
	"go-roleplay/internal/membership"
	myMiddleware "go-roleplay/internal/middleware"
	"go-roleplay/internal/user"
)

type mockOwner struct {
	err error
}

func (m *mockOwner) GetPersona(_ context.Context, userID, personaID int64) (*user.Persona, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &user.Persona{ID: personaID, UserID: userID}, nil
}

type mockResolver struct {
	members map[int64]bool
	err     error
}

func (m *mockResolver) CheckParticipant(_ context.Context, containerID, _ int64) error {
	if m.err != nil {
		return m.err
	}
	if !m.members[containerID] {
		return membership.ErrNotMember
	}
	return nil
}

var _ = Describe("Handler", func() {
	var (
		store         *memStore
		owner         *mockOwner
		conversations *mockResolver
		router        chi.Router
		end           time.Time
	)

	BeforeEach(func() {
		store = newMemStore()
		owner = &mockOwner{}
		end = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		conversations = &mockResolver{members: map[int64]bool{1: true}}
		h := history.NewHandler(store, owner, conversations, &mockResolver{members: map[int64]bool{}}, 5)
		router = chi.NewRouter()
		router.Get("/api/{kind}/{id}/items", h.Items)
	})

	get := func(path string, query url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path+"?"+query.Encode(), nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req.WithContext(myMiddleware.WithUser(req.Context(), 7, "mira")))
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) history.ItemsResponse {
		var body history.ItemsResponse
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	It("pages back through a conversation with the returned cursor", func() {
		all := store.fill(1, 8, end)

		rec := get("/api/conversations/1/items", url.Values{"persona_id": {"3"}})
		Expect(rec.Code).To(Equal(http.StatusOK))
		first := decode(rec)
		Expect(ids(first.Items)).To(Equal(ids(all[3:])))
		Expect(first.HasMoreOlder).To(BeTrue())
		Expect(first.Next).NotTo(BeNil())

		rec = get("/api/conversations/1/items", url.Values{
			"persona_id": {"3"},
			"before_at":  {first.Next.BeforeAt.Format(time.RFC3339Nano)},
			"before_id":  {"10004"},
		})
		Expect(rec.Code).To(Equal(http.StatusOK))
		second := decode(rec)
		Expect(ids(second.Items)).To(Equal(ids(all[:3])))
		Expect(second.HasMoreOlder).To(BeFalse())
	})

	It("caps the page size", func() {
		store.fill(1, 8, end)

		rec := get("/api/conversations/1/items", url.Values{"persona_id": {"3"}, "limit": {"2"}})
		Expect(decode(rec).Items).To(HaveLen(2))
	})

	It("refuses a persona that does not participate", func() {
		rec := get("/api/topics/1/items", url.Values{"persona_id": {"3"}})
		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("answers 503 when the membership lookup fails", func() {
		store.fill(1, 3, end)
		conversations.err = errors.New("connection reset")

		rec := get("/api/conversations/1/items", url.Values{"persona_id": {"3"}})
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})

	It("refuses a persona owned by someone else", func() {
		owner.err = user.ErrPersonaNotOwned
		rec := get("/api/conversations/1/items", url.Values{"persona_id": {"3"}})
		Expect(rec.Code).To(Equal(http.StatusForbidden))
	})

	It("rejects malformed parameters", func() {
		Expect(get("/api/conversations/1/items", url.Values{}).Code).To(Equal(http.StatusBadRequest))
		Expect(get("/api/conversations/x/items", url.Values{"persona_id": {"3"}}).Code).To(Equal(http.StatusBadRequest))
		Expect(get("/api/conversations/1/items", url.Values{"persona_id": {"3"}, "before_at": {"yesterday"}}).Code).
			To(Equal(http.StatusBadRequest))
		Expect(get("/api/wiki/1/items", url.Values{"persona_id": {"3"}}).Code).To(Equal(http.StatusNotFound))
	})

	It("answers 503 when the store fails", func() {
		store.recentErr = errors.New("timeout")
		rec := get("/api/conversations/1/items", url.Values{"persona_id": {"3"}})
		Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
	})
})
