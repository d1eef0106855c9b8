package sqlite_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
	"github.com/convohubhq/convohub/pkg/store/sqlite"
	"github.com/convohubhq/convohub/pkg/store/sqlstore"
)

var _ = Describe("Driver", func() {
	var (
		ctx    context.Context
		tmpDir string
		driver *sqlstore.Driver
	)

	seedThread := func(ctx context.Context) string {
		GinkgoHelper()
		thread := &model.Thread{ID: model.NewID(), OwnerID: "u1", Title: "t", CreatedAt: time.Now().UTC()}
		Expect(driver.CreateThread(ctx, thread)).To(Succeed())
		return thread.ID
	}

	seedBranch := func(ctx context.Context, threadID, name string) string {
		GinkgoHelper()
		branch := &model.Branch{ID: model.NewID(), ThreadID: threadID, Name: name, CreatedAt: time.Now().UTC()}
		Expect(driver.CreateBranch(ctx, branch)).To(Succeed())
		return branch.ID
	}

	addMessage := func(ctx context.Context, branchID string, at time.Time) string {
		GinkgoHelper()
		msg := &model.Message{
			ID:        model.NewID(),
			BranchID:  branchID,
			Role:      model.RoleUser,
			Content:   map[string]any{"text": "m"},
			Origin:    model.OriginLive,
			CreatedAt: at,
		}
		Expect(driver.CreateMessage(ctx, msg)).To(Succeed())
		return msg.ID
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		tmpDir, err = os.MkdirTemp("", "sqlite-test-*")
		Expect(err).NotTo(HaveOccurred())

		driver, err = sqlite.NewDriver(filepath.Join(tmpDir, "test.db"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		driver.Close()
		os.RemoveAll(tmpDir)
	})

	Describe("threads", func() {
		It("round-trips a thread", func() {
			threadID := seedThread(ctx)

			thread, err := driver.GetThread(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(thread.OwnerID).To(Equal("u1"))
			Expect(thread.Title).To(Equal("t"))
		})

		It("reports a missing thread", func() {
			_, err := driver.GetThread(ctx, "nope")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("maps a duplicate id to DuplicateError", func() {
			thread := &model.Thread{ID: model.NewID(), OwnerID: "u1", Title: "t", CreatedAt: time.Now().UTC()}
			Expect(driver.CreateThread(ctx, thread)).To(Succeed())
			Expect(store.IsDuplicate(driver.CreateThread(ctx, thread))).To(BeTrue())
		})
	})

	Describe("branches", func() {
		It("maps a duplicate (thread, name) to DuplicateError", func() {
			threadID := seedThread(ctx)
			seedBranch(ctx, threadID, "main")

			dup := &model.Branch{ID: model.NewID(), ThreadID: threadID, Name: "main", CreatedAt: time.Now().UTC()}
			Expect(store.IsDuplicate(driver.CreateBranch(ctx, dup))).To(BeTrue())
		})

		It("round-trips fork provenance", func() {
			threadID := seedThread(ctx)
			baseID := model.NewID()
			fromBranch := seedBranch(ctx, threadID, "main")
			branch := &model.Branch{
				ID:                  model.NewID(),
				ThreadID:            threadID,
				Name:                "idea",
				BaseMessageID:       &baseID,
				CreatedFromBranchID: &fromBranch,
				CreatedAt:           time.Now().UTC(),
			}
			Expect(driver.CreateBranch(ctx, branch)).To(Succeed())

			loaded, err := driver.GetBranch(ctx, branch.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(*loaded.BaseMessageID).To(Equal(baseID))
			Expect(*loaded.CreatedFromBranchID).To(Equal(fromBranch))
			Expect(loaded.CreatedFromMessageID).To(BeNil())
		})
	})

	Describe("messages", func() {
		var branchID string

		BeforeEach(func() {
			branchID = seedBranch(ctx, seedThread(ctx), "main")
		})

		It("round-trips content and state snapshot maps", func() {
			parent := addMessage(ctx, branchID, time.Now().UTC())
			msg := &model.Message{
				ID:              model.NewID(),
				BranchID:        branchID,
				ParentMessageID: &parent,
				Role:            model.RoleAssistant,
				Content:         map[string]any{"text": "reply"},
				StateSnapshot:   map[string]any{"note": "stub"},
				Origin:          model.OriginLive,
				CreatedAt:       time.Now().UTC(),
			}
			Expect(driver.CreateMessage(ctx, msg)).To(Succeed())

			loaded, err := driver.GetMessage(ctx, msg.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Text()).To(Equal("reply"))
			Expect(loaded.StateSnapshot).To(HaveKeyWithValue("note", "stub"))
			Expect(*loaded.ParentMessageID).To(Equal(parent))
		})

		It("lists branch messages chronologically with rowid tie-breaking", func() {
			at := time.Now().UTC().Truncate(time.Second)
			first := addMessage(ctx, branchID, at)
			second := addMessage(ctx, branchID, at)

			msgs, err := driver.ListBranchMessages(ctx, branchID)
			Expect(err).NotTo(HaveOccurred())
			Expect(msgs).To(HaveLen(2))
			Expect(msgs[0].ID).To(Equal(first))
			Expect(msgs[1].ID).To(Equal(second))

			tip, err := driver.BranchTip(ctx, branchID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(tip.ID).To(Equal(second))
		})

		It("returns nil for the tip of an empty branch", func() {
			tip, err := driver.BranchTip(ctx, branchID, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(tip).To(BeNil())
		})

		It("lists children of a message", func() {
			parent := addMessage(ctx, branchID, time.Now().UTC())
			child := &model.Message{
				ID:              model.NewID(),
				BranchID:        branchID,
				ParentMessageID: &parent,
				Role:            model.RoleAssistant,
				Content:         map[string]any{"text": "c"},
				Origin:          model.OriginLive,
				CreatedAt:       time.Now().UTC(),
			}
			Expect(driver.CreateMessage(ctx, child)).To(Succeed())

			children, err := driver.Children(ctx, parent)
			Expect(err).NotTo(HaveOccurred())
			Expect(children).To(HaveLen(1))
			Expect(children[0].ID).To(Equal(child.ID))
		})
	})

	Describe("edges", func() {
		var from, to string

		BeforeEach(func() {
			branchID := seedBranch(ctx, seedThread(ctx), "main")
			from = addMessage(ctx, branchID, time.Now().UTC())
			to = addMessage(ctx, branchID, time.Now().UTC())
		})

		It("rejects a duplicate (from, to) pair", func() {
			edge := &model.Edge{FromMessageID: from, ToMessageID: to, EdgeType: model.EdgeReference, CreatedAt: time.Now().UTC()}
			Expect(driver.CreateEdge(ctx, edge)).To(Succeed())
			Expect(store.IsDuplicate(driver.CreateEdge(ctx, edge))).To(BeTrue())
		})

		It("deletes an edge and reports whether it existed", func() {
			edge := &model.Edge{FromMessageID: from, ToMessageID: to, EdgeType: model.EdgeReference, CreatedAt: time.Now().UTC()}
			Expect(driver.CreateEdge(ctx, edge)).To(Succeed())

			removed, err := driver.DeleteEdge(ctx, from, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeTrue())

			removed, err = driver.DeleteEdge(ctx, from, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(BeFalse())
		})

		It("lists edges by endpoint", func() {
			weight := "0.5"
			edge := &model.Edge{FromMessageID: from, ToMessageID: to, EdgeType: model.EdgeMergeParent, Weight: &weight, CreatedAt: time.Now().UTC()}
			Expect(driver.CreateEdge(ctx, edge)).To(Succeed())

			outgoing, err := driver.EdgesFrom(ctx, from)
			Expect(err).NotTo(HaveOccurred())
			Expect(outgoing).To(HaveLen(1))
			Expect(outgoing[0].EdgeType).To(Equal(model.EdgeMergeParent))
			Expect(*outgoing[0].Weight).To(Equal("0.5"))

			incoming, err := driver.EdgesTo(ctx, to)
			Expect(err).NotTo(HaveOccurred())
			Expect(incoming).To(HaveLen(1))
		})
	})

	Describe("summaries", func() {
		var threadID string

		BeforeEach(func() {
			threadID = seedThread(ctx)
		})

		It("returns nil when no current summary exists", func() {
			summary, err := driver.CurrentSummary(ctx, threadID, "thread")
			Expect(err).NotTo(HaveOccurred())
			Expect(summary).To(BeNil())
		})

		It("tracks the current summary across version bumps", func() {
			now := time.Now().UTC()
			v1 := &model.Summary{
				ID: model.NewID(), ThreadID: threadID, SummaryType: "thread",
				Content: "first", IsCurrent: true, Version: 1, CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.CreateSummary(ctx, v1)).To(Succeed())

			v1.IsCurrent = false
			Expect(driver.UpdateSummary(ctx, v1)).To(Succeed())
			v2 := &model.Summary{
				ID: model.NewID(), ThreadID: threadID, SummaryType: "thread",
				Content: "second", Metadata: map[string]any{"message_count": float64(2)},
				IsCurrent: true, Version: 2, CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.CreateSummary(ctx, v2)).To(Succeed())

			current, err := driver.CurrentSummary(ctx, threadID, "thread")
			Expect(err).NotTo(HaveOccurred())
			Expect(current.Content).To(Equal("second"))
			Expect(current.Version).To(Equal(2))
			Expect(current.Metadata).To(HaveKeyWithValue("message_count", float64(2)))

			all, err := driver.CurrentSummaries(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(1))
		})

		It("reports updating a missing summary", func() {
			ghost := &model.Summary{ID: model.NewID(), ThreadID: threadID, SummaryType: "thread", Content: "x"}
			Expect(store.IsNotFound(driver.UpdateSummary(ctx, ghost))).To(BeTrue())
		})
	})

	Describe("memories", func() {
		It("replaces the row sharing (thread, key) on upsert", func() {
			threadID := seedThread(ctx)
			now := time.Now().UTC()
			first := &model.Memory{
				ID: model.NewID(), ThreadID: threadID, MemoryType: model.MemoryFact,
				Key: "k", Value: "v1", Confidence: "high", Source: "s", CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.UpsertMemory(ctx, first)).To(Succeed())
			second := &model.Memory{
				ID: model.NewID(), ThreadID: threadID, MemoryType: model.MemoryFact,
				Key: "k", Value: "v2", Confidence: "medium", Source: "s", CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.UpsertMemory(ctx, second)).To(Succeed())

			memories, err := driver.ListMemories(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(memories).To(HaveLen(1))
			Expect(memories[0].ID).To(Equal(second.ID))
			Expect(memories[0].Value).To(Equal("v2"))
			Expect(memories[0].Confidence).To(Equal("medium"))
		})
	})

	Describe("merges", func() {
		It("round-trips a merge record with its summary map", func() {
			threadID := seedThread(ctx)
			lca := model.NewID()
			record := &model.Merge{
				ID:                  model.NewID(),
				ThreadID:            threadID,
				SourceBranchID:      model.NewID(),
				TargetBranchID:      model.NewID(),
				Strategy:            "append-last",
				LCAMessageID:        &lca,
				MergedIntoMessageID: model.NewID(),
				Summary:             map[string]any{"lca": lca},
				CreatedAt:           time.Now().UTC(),
			}
			Expect(driver.CreateMerge(ctx, record)).To(Succeed())

			loaded, err := driver.GetMerge(ctx, record.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Strategy).To(Equal("append-last"))
			Expect(*loaded.LCAMessageID).To(Equal(lca))
			Expect(loaded.Summary).To(HaveKeyWithValue("lca", lca))
		})

		It("reports a missing merge record", func() {
			_, err := driver.GetMerge(ctx, "nope")
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("idempotency records", func() {
		It("returns nil for an absent (key, operation) pair", func() {
			rec, err := driver.GetIdempotency(ctx, "some-key-123456", "merge")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec).To(BeNil())
		})

		It("rejects a second claim for the same pair", func() {
			now := time.Now().UTC()
			rec := &model.IdempotencyRecord{
				ID: model.NewID(), Key: "some-key-123456", Operation: "merge",
				CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.CreateIdempotency(ctx, rec)).To(Succeed())

			dup := &model.IdempotencyRecord{
				ID: model.NewID(), Key: "some-key-123456", Operation: "merge",
				CreatedAt: now, UpdatedAt: now,
			}
			Expect(store.IsDuplicate(driver.CreateIdempotency(ctx, dup))).To(BeTrue())

			// Same key under another operation is a separate claim.
			other := &model.IdempotencyRecord{
				ID: model.NewID(), Key: "some-key-123456", Operation: "message-send",
				CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.CreateIdempotency(ctx, other)).To(Succeed())
		})

		It("stores and clears results", func() {
			now := time.Now().UTC()
			rec := &model.IdempotencyRecord{
				ID: model.NewID(), Key: "some-key-123456", Operation: "merge",
				CreatedAt: now, UpdatedAt: now,
			}
			Expect(driver.CreateIdempotency(ctx, rec)).To(Succeed())

			rec.Result = []byte(`{"merge_id":"m1"}`)
			Expect(driver.UpdateIdempotency(ctx, rec)).To(Succeed())

			loaded, err := driver.GetIdempotency(ctx, "some-key-123456", "merge")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded.Result).To(Equal([]byte(`{"merge_id":"m1"}`)))

			Expect(driver.DeleteIdempotency(ctx, "some-key-123456", "merge")).To(Succeed())
			loaded, err = driver.GetIdempotency(ctx, "some-key-123456", "merge")
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(BeNil())
		})
	})

	Describe("DeleteThread", func() {
		It("cascades to branches, messages, edges and summaries", func() {
			threadID := seedThread(ctx)
			branchID := seedBranch(ctx, threadID, "main")
			from := addMessage(ctx, branchID, time.Now().UTC())
			to := addMessage(ctx, branchID, time.Now().UTC())
			Expect(driver.CreateEdge(ctx, &model.Edge{
				FromMessageID: from, ToMessageID: to, EdgeType: model.EdgeReference, CreatedAt: time.Now().UTC(),
			})).To(Succeed())
			Expect(driver.CreateSummary(ctx, &model.Summary{
				ID: model.NewID(), ThreadID: threadID, SummaryType: "thread",
				Content: "s", IsCurrent: true, Version: 1,
				CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
			})).To(Succeed())

			Expect(driver.DeleteThread(ctx, threadID)).To(Succeed())

			_, err := driver.GetBranch(ctx, branchID)
			Expect(store.IsNotFound(err)).To(BeTrue())
			_, err = driver.GetMessage(ctx, from)
			Expect(store.IsNotFound(err)).To(BeTrue())
			edges, err := driver.EdgesFrom(ctx, from)
			Expect(err).NotTo(HaveOccurred())
			Expect(edges).To(BeEmpty())
			summaries, err := driver.CurrentSummaries(ctx, threadID)
			Expect(err).NotTo(HaveOccurred())
			Expect(summaries).To(BeEmpty())
		})

		It("reports a missing thread", func() {
			Expect(store.IsNotFound(driver.DeleteThread(ctx, "nope"))).To(BeTrue())
		})
	})

	Describe("WithTx", func() {
		It("discards every write when the callback fails", func() {
			threadID := seedThread(ctx)
			branchID := seedBranch(ctx, threadID, "main")

			boom := errors.New("boom")
			var msgID string
			err := driver.WithTx(ctx, func(ctx context.Context, _ store.Store) error {
				msgID = addMessage(ctx, branchID, time.Now().UTC())
				return boom
			})
			Expect(err).To(MatchError(boom))

			_, err = driver.GetMessage(ctx, msgID)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("commits everything when the callback succeeds", func() {
			threadID := seedThread(ctx)
			branchID := seedBranch(ctx, threadID, "main")

			var msgID string
			Expect(driver.WithTx(ctx, func(ctx context.Context, _ store.Store) error {
				msgID = addMessage(ctx, branchID, time.Now().UTC())
				return nil
			})).To(Succeed())

			_, err := driver.GetMessage(ctx, msgID)
			Expect(err).NotTo(HaveOccurred())
		})

		It("rolls back to the savepoint when a nested failure is absorbed", func() {
			threadID := seedThread(ctx)
			branchID := seedBranch(ctx, threadID, "main")

			var outerMsg, innerMsg string
			err := driver.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
				outerMsg = addMessage(ctx, branchID, time.Now().UTC())
				inner := tx.WithTx(ctx, func(ctx context.Context, _ store.Store) error {
					innerMsg = addMessage(ctx, branchID, time.Now().UTC())
					return errors.New("inner failure")
				})
				Expect(inner).To(HaveOccurred())
				return nil
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = driver.GetMessage(ctx, outerMsg)
			Expect(err).NotTo(HaveOccurred())
			_, err = driver.GetMessage(ctx, innerMsg)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})

		It("rolls back nested writes together when the outer callback fails", func() {
			threadID := seedThread(ctx)
			branchID := seedBranch(ctx, threadID, "main")

			boom := errors.New("outer failure")
			var outerMsg, innerMsg string
			err := driver.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
				outerMsg = addMessage(ctx, branchID, time.Now().UTC())
				Expect(tx.WithTx(ctx, func(ctx context.Context, _ store.Store) error {
					innerMsg = addMessage(ctx, branchID, time.Now().UTC())
					return nil
				})).To(Succeed())
				return boom
			})
			Expect(err).To(MatchError(boom))

			_, err = driver.GetMessage(ctx, outerMsg)
			Expect(store.IsNotFound(err)).To(BeTrue())
			_, err = driver.GetMessage(ctx, innerMsg)
			Expect(store.IsNotFound(err)).To(BeTrue())
		})
	})
})
