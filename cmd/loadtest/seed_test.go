package main

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go-roleplay/internal/db"
)

// recordingQuerier hands out increasing ids for every INSERT ... RETURNING
// and records the participant rows written.
type recordingQuerier struct {
	nextID       int64
	participants [][2]int64
	failOn       string
}

type idRow struct {
	id  int64
	err error
}

func (r idRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.id
	return nil
}

func (q *recordingQuerier) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	if q.failOn != "" && strings.Contains(sql, q.failOn) {
		return idRow{err: errors.New("insert rejected")}
	}
	q.nextID++
	return idRow{id: q.nextID}
}

func (q *recordingQuerier) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	q.participants = append(q.participants, [2]int64{args[0].(int64), args[1].(int64)})
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (q *recordingQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not used")
}

var _ db.Querier = (*recordingQuerier)(nil)

var _ = Describe("seedPair", func() {
	It("creates two personas sharing one conversation", func() {
		q := &recordingQuerier{}

		p, err := seedPair(context.Background(), q, 7)
		Expect(err).NotTo(HaveOccurred())

		Expect(p.a.username).To(Equal("lt_7_a"))
		Expect(p.b.username).To(Equal("lt_7_b"))
		Expect(p.a.personaID).NotTo(Equal(p.b.personaID))
		Expect(p.conversation).NotTo(BeZero())
		Expect(q.participants).To(ConsistOf(
			[2]int64{p.conversation, p.a.personaID},
			[2]int64{p.conversation, p.b.personaID},
		))
	})

	It("stops at the first failed insert", func() {
		q := &recordingQuerier{failOn: "INSERT INTO conversations"}

		_, err := seedPair(context.Background(), q, 1)
		Expect(err).To(MatchError(ContainSubstring("creating conversation")))
		Expect(q.participants).To(BeEmpty())
	})
})
