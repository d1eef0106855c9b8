package diff

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store/inmemory"
)

// The three-way classification compares memories across thread scopes, so
// these specs drive memoryDiff directly with separate threads standing in
// for the left, right and base branches.
var _ = Describe("memoryDiff", func() {
	var (
		ctx        context.Context
		driver     *inmemory.Driver
		engine     *Engine
		leftT      string
		rightT     string
		baseT      string
		baseBranch string
	)

	stamp := time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC)

	putMemory := func(threadID, key, value, confidence string) {
		Expect(driver.UpsertMemory(ctx, &model.Memory{
			ID:         model.NewID(),
			ThreadID:   threadID,
			MemoryType: model.MemoryFact,
			Key:        key,
			Value:      value,
			Confidence: confidence,
			Source:     "test",
			CreatedAt:  stamp,
			UpdatedAt:  stamp,
		})).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()
		driver = inmemory.NewDriver()
		engine = NewEngine(driver)

		newThread := func() string {
			id := model.NewID()
			Expect(driver.CreateThread(ctx, &model.Thread{ID: id, OwnerID: "u", Title: "t", CreatedAt: stamp})).To(Succeed())
			return id
		}
		leftT = newThread()
		rightT = newThread()
		baseT = newThread()

		branch := &model.Branch{ID: model.NewID(), ThreadID: baseT, Name: "base", CreatedAt: stamp}
		Expect(driver.CreateBranch(ctx, branch)).To(Succeed())
		baseBranch = branch.ID
	})

	It("is empty for identical key sets and values", func() {
		putMemory(leftT, "k", "v", "high")
		putMemory(rightT, "k", "v", "high")
		putMemory(baseT, "k", "v", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, &baseBranch)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Added).To(BeEmpty())
		Expect(out.Removed).To(BeEmpty())
		Expect(out.Modified).To(BeEmpty())
		Expect(out.Conflicts).To(BeEmpty())
	})

	It("classifies a one-sided change as modified", func() {
		putMemory(baseT, "k", "v1", "high")
		putMemory(leftT, "k", "v1", "high")
		putMemory(rightT, "k", "v2", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, &baseBranch)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Conflicts).To(BeEmpty())
		Expect(out.Modified).To(HaveLen(1))
		Expect(out.Modified[0].Key).To(Equal("k"))
		Expect(out.Modified[0].LeftValue).To(Equal("v1"))
		Expect(out.Modified[0].RightValue).To(Equal("v2"))
		Expect(out.Modified[0].IsConflict).To(BeFalse())
	})

	It("classifies divergence on both sides as a conflict", func() {
		putMemory(baseT, "k", "v1", "high")
		putMemory(leftT, "k", "v3", "high")
		putMemory(rightT, "k", "v2", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, &baseBranch)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Modified).To(BeEmpty())
		Expect(out.Conflicts).To(HaveLen(1))
		Expect(out.Conflicts[0].IsConflict).To(BeTrue())
	})

	It("distinguishes removed_from_left from added", func() {
		putMemory(baseT, "old", "v", "high")
		putMemory(rightT, "old", "v", "high")
		putMemory(rightT, "new", "v", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, &baseBranch)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Added).To(HaveLen(1))
		Expect(out.Added[0].Key).To(Equal("new"))
		Expect(out.Added[0].DiffType).To(Equal("added"))
		Expect(out.Removed).To(HaveLen(1))
		Expect(out.Removed[0].Key).To(Equal("old"))
		Expect(out.Removed[0].DiffType).To(Equal("removed_from_left"))
	})

	It("distinguishes removed_from_right from removed", func() {
		putMemory(baseT, "tracked", "v", "high")
		putMemory(leftT, "tracked", "v", "high")
		putMemory(leftT, "ephemeral", "v", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, &baseBranch)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Removed).To(HaveLen(2))
		byKey := map[string]string{}
		for _, change := range out.Removed {
			byKey[change.Key] = change.DiffType
		}
		Expect(byKey["tracked"]).To(Equal("removed_from_right"))
		Expect(byKey["ephemeral"]).To(Equal("removed"))
	})

	It("treats every left-only memory as removed without a base", func() {
		putMemory(leftT, "a", "v", "high")
		putMemory(rightT, "b", "v", "high")

		out, err := engine.memoryDiff(ctx, leftT, rightT, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(out.Added).To(HaveLen(1))
		Expect(out.Added[0].Key).To(Equal("b"))
		Expect(out.Removed).To(HaveLen(1))
		Expect(out.Removed[0].Key).To(Equal("a"))
		Expect(out.Removed[0].DiffType).To(Equal("removed"))
	})
})
