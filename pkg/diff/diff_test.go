package diff_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/convohubhq/convohub/pkg/diff"
	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store/inmemory"
)

var diffBase = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func addThread(ctx context.Context, driver *inmemory.Driver) string {
	thread := &model.Thread{ID: model.NewID(), OwnerID: "u1", Title: "t", CreatedAt: diffBase}
	Expect(driver.CreateThread(ctx, thread)).To(Succeed())
	return thread.ID
}

func addBranch(ctx context.Context, driver *inmemory.Driver, threadID, name string, baseMessageID *string) string {
	branch := &model.Branch{
		ID:            model.NewID(),
		ThreadID:      threadID,
		Name:          name,
		BaseMessageID: baseMessageID,
		CreatedAt:     diffBase,
	}
	Expect(driver.CreateBranch(ctx, branch)).To(Succeed())
	return branch.ID
}

func addMsg(ctx context.Context, driver *inmemory.Driver, branchID string, parentID *string, text string, offset time.Duration) *model.Message {
	msg := &model.Message{
		ID:        model.NewID(),
		BranchID:  branchID,
		Role:      model.RoleUser,
		Content:   map[string]any{"text": text},
		Origin:    model.OriginLive,
		CreatedAt: diffBase.Add(offset),
	}
	msg.ParentMessageID = parentID
	Expect(driver.CreateMessage(ctx, msg)).To(Succeed())
	return msg
}

var _ = Describe("Engine.Compute", func() {
	var (
		ctx    context.Context
		driver *inmemory.Driver
		engine *diff.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		engine = diff.NewEngine(driver)
	})

	It("rejects an unknown mode", func() {
		_, err := engine.Compute(ctx, "a", "b", diff.Mode("words"), nil)
		Expect(err).To(MatchError(diff.ErrInvalidMode))
	})

	It("rejects branches from different threads", func() {
		t1 := addThread(ctx, driver)
		t2 := addThread(ctx, driver)
		b1 := addBranch(ctx, driver, t1, "main", nil)
		b2 := addBranch(ctx, driver, t2, "main", nil)
		addMsg(ctx, driver, b1, nil, "x", 0)
		addMsg(ctx, driver, b2, nil, "y", 0)

		_, err := engine.Compute(ctx, b1, b2, diff.ModeMessages, nil)
		var crossErr diff.CrossThreadError
		Expect(err).To(BeAssignableToTypeOf(crossErr))
	})

	It("rejects an empty branch", func() {
		t1 := addThread(ctx, driver)
		b1 := addBranch(ctx, driver, t1, "main", nil)
		b2 := addBranch(ctx, driver, t1, "idea", nil)
		addMsg(ctx, driver, b1, nil, "x", 0)

		_, err := engine.Compute(ctx, b1, b2, diff.ModeMessages, nil)
		var emptyErr diff.EmptyBranchError
		Expect(err).To(BeAssignableToTypeOf(emptyErr))
	})

	Describe("messages mode", func() {
		It("reports the LCA and each branch's full list when the LCA is not in both lists", func() {
			t1 := addThread(ctx, driver)
			b1 := addBranch(ctx, driver, t1, "main", nil)
			b2 := addBranch(ctx, driver, t1, "idea", nil)

			root := addMsg(ctx, driver, b1, nil, "seed", 0)
			shared := addMsg(ctx, driver, b1, &root.ID, "fork point", time.Second)
			addMsg(ctx, driver, b1, &shared.ID, "left", 2*time.Second)
			addMsg(ctx, driver, b2, &shared.ID, "right", 3*time.Second)

			result, err := engine.Compute(ctx, b1, b2, diff.ModeMessages, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.LCAMessageID).NotTo(BeNil())
			Expect(*result.LCAMessageID).To(Equal(shared.ID))
			// The shared message belongs to the left branch only, so both
			// branches surface as standalone ranges.
			Expect(result.Ranges).To(HaveLen(2))
			Expect(result.Ranges[0].Count).To(Equal(3))
			Expect(result.Ranges[1].Count).To(Equal(1))
		})

		It("collapses to a single common range when a branch is compared with itself", func() {
			t1 := addThread(ctx, driver)
			b1 := addBranch(ctx, driver, t1, "main", nil)
			root := addMsg(ctx, driver, b1, nil, "seed", 0)
			addMsg(ctx, driver, b1, &root.ID, "next", time.Second)

			result, err := engine.Compute(ctx, b1, b1, diff.ModeMessages, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Ranges).To(HaveLen(1))
			Expect(result.Ranges[0].Count).To(Equal(2))
		})
	})

	Describe("summary mode", func() {
		It("compares the threads' current summaries as word sets", func() {
			t1 := addThread(ctx, driver)
			b1 := addBranch(ctx, driver, t1, "main", nil)
			b2 := addBranch(ctx, driver, t1, "idea", nil)
			addMsg(ctx, driver, b1, nil, "x", 0)
			addMsg(ctx, driver, b2, nil, "y", 0)

			Expect(driver.CreateSummary(ctx, &model.Summary{
				ID:          model.NewID(),
				ThreadID:    t1,
				SummaryType: "thread",
				Content:     "alpha beta gamma",
				IsCurrent:   true,
				Version:     1,
				CreatedAt:   diffBase,
				UpdatedAt:   diffBase,
			})).To(Succeed())

			result, err := engine.Compute(ctx, b1, b2, diff.ModeSummary, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Summary).NotTo(BeNil())
			Expect(result.Summary.CommonContent).To(Equal("alpha beta gamma"))
			Expect(result.Summary.LeftOnly).To(BeEmpty())
			Expect(result.Summary.RightOnly).To(BeEmpty())
		})
	})
})

var _ = Describe("Engine.FindBaseBranch", func() {
	var (
		ctx    context.Context
		driver *inmemory.Driver
		engine *diff.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		engine = diff.NewEngine(driver)
	})

	It("finds the branch owning the shared base message", func() {
		t1 := addThread(ctx, driver)
		baseBranch := addBranch(ctx, driver, t1, "main", nil)
		baseMsg := addMsg(ctx, driver, baseBranch, nil, "base", 0)

		left := addBranch(ctx, driver, t1, "left", &baseMsg.ID)
		right := addBranch(ctx, driver, t1, "right", &baseMsg.ID)

		found, err := engine.FindBaseBranch(ctx, left, right)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).NotTo(BeNil())
		Expect(*found).To(Equal(baseBranch))
	})

	It("returns nil when the branches fork from different messages", func() {
		t1 := addThread(ctx, driver)
		baseBranch := addBranch(ctx, driver, t1, "main", nil)
		m1 := addMsg(ctx, driver, baseBranch, nil, "one", 0)
		m2 := addMsg(ctx, driver, baseBranch, &m1.ID, "two", time.Second)

		left := addBranch(ctx, driver, t1, "left", &m1.ID)
		right := addBranch(ctx, driver, t1, "right", &m2.ID)

		found, err := engine.FindBaseBranch(ctx, left, right)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeNil())
	})

	It("returns nil when the base message belongs to a compared branch", func() {
		t1 := addThread(ctx, driver)
		leftID := model.NewID()
		baseMsg := addMsg(ctx, driver, leftID, nil, "base", 0)
		Expect(driver.CreateBranch(ctx, &model.Branch{
			ID:            leftID,
			ThreadID:      t1,
			Name:          "left",
			BaseMessageID: &baseMsg.ID,
			CreatedAt:     diffBase,
		})).To(Succeed())

		right := addBranch(ctx, driver, t1, "right", &baseMsg.ID)

		found, err := engine.FindBaseBranch(ctx, leftID, right)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeNil())
	})
})
