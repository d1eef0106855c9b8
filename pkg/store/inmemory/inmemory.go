// Package inmemory provides a map-backed implementation of store.Store.
//
// It is the default for tests and local development. Transactions are
// implemented by snapshotting the maps and restoring them when the callback
// fails; a transaction mutex serializes writers so the snapshot is consistent.
package inmemory

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

type txKey struct{}

// Driver implements store.Store using in-memory maps.
type Driver struct {
	// mu guards the entity maps for individual operations.
	mu sync.RWMutex

	// txMu serializes transactions so snapshots are consistent.
	txMu sync.Mutex

	// seq breaks created_at ties with insertion order.
	seq       uint64
	msgSeq    map[string]uint64
	threads   map[string]model.Thread
	branches  map[string]model.Branch
	messages  map[string]model.Message
	edges     map[string]model.Edge
	summaries map[string]model.Summary
	memories  map[string]model.Memory
	merges    map[string]model.Merge
	idem      map[string]model.IdempotencyRecord
}

// NewDriver creates a new in-memory store.
func NewDriver() *Driver {
	return &Driver{
		msgSeq:    make(map[string]uint64),
		threads:   make(map[string]model.Thread),
		branches:  make(map[string]model.Branch),
		messages:  make(map[string]model.Message),
		edges:     make(map[string]model.Edge),
		summaries: make(map[string]model.Summary),
		memories:  make(map[string]model.Memory),
		merges:    make(map[string]model.Merge),
		idem:      make(map[string]model.IdempotencyRecord),
	}
}

func edgeKey(from, to string) string { return from + "\x00" + to }
func idemKey(key, op string) string  { return key + "\x00" + op }

// CreateThread inserts a thread.
func (d *Driver) CreateThread(_ context.Context, thread *model.Thread) error {
	if thread == nil {
		return errors.New("cannot store nil thread")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.threads[thread.ID]; ok {
		return store.DuplicateError{Kind: "thread", Key: thread.ID}
	}
	d.threads[thread.ID] = *thread
	return nil
}

// GetThread retrieves a thread by id.
func (d *Driver) GetThread(_ context.Context, id string) (*model.Thread, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	thread, ok := d.threads[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "thread", ID: id}
	}
	return &thread, nil
}

// DeleteThread removes a thread and everything hanging off it.
func (d *Driver) DeleteThread(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.threads[id]; !ok {
		return store.NotFoundError{Kind: "thread", ID: id}
	}
	delete(d.threads, id)

	doomed := make(map[string]bool)
	for bid, b := range d.branches {
		if b.ThreadID == id {
			delete(d.branches, bid)
		}
	}
	for mid, m := range d.messages {
		if b, ok := d.branches[m.BranchID]; !ok || b.ThreadID == id {
			// Branch already deleted above, or belongs to the doomed thread.
			if _, stillThere := d.branches[m.BranchID]; !stillThere {
				doomed[mid] = true
				delete(d.messages, mid)
				delete(d.msgSeq, mid)
			}
		}
	}
	for k, e := range d.edges {
		if doomed[e.FromMessageID] || doomed[e.ToMessageID] {
			delete(d.edges, k)
		}
	}
	for sid, s := range d.summaries {
		if s.ThreadID == id {
			delete(d.summaries, sid)
		}
	}
	for mid, m := range d.memories {
		if m.ThreadID == id {
			delete(d.memories, mid)
		}
	}
	for mid, m := range d.merges {
		if m.ThreadID == id {
			delete(d.merges, mid)
		}
	}
	return nil
}

// CreateBranch inserts a branch.
func (d *Driver) CreateBranch(_ context.Context, branch *model.Branch) error {
	if branch == nil {
		return errors.New("cannot store nil branch")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.branches[branch.ID]; ok {
		return store.DuplicateError{Kind: "branch", Key: branch.ID}
	}
	for _, b := range d.branches {
		if b.ThreadID == branch.ThreadID && b.Name == branch.Name {
			return store.DuplicateError{Kind: "branch", Key: branch.Name}
		}
	}
	d.branches[branch.ID] = *branch
	return nil
}

// GetBranch retrieves a branch by id.
func (d *Driver) GetBranch(_ context.Context, id string) (*model.Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	branch, ok := d.branches[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "branch", ID: id}
	}
	return &branch, nil
}

// ListBranches returns a thread's branches ordered by creation time.
func (d *Driver) ListBranches(_ context.Context, threadID string) ([]*model.Branch, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*model.Branch
	for _, b := range d.branches {
		if b.ThreadID == threadID {
			branch := b
			result = append(result, &branch)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CreateMessage inserts a message.
func (d *Driver) CreateMessage(_ context.Context, msg *model.Message) error {
	if msg == nil {
		return errors.New("cannot store nil message")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.messages[msg.ID]; ok {
		return store.DuplicateError{Kind: "message", Key: msg.ID}
	}
	d.seq++
	d.msgSeq[msg.ID] = d.seq
	d.messages[msg.ID] = *msg
	return nil
}

// GetMessage retrieves a message by id.
func (d *Driver) GetMessage(_ context.Context, id string) (*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	msg, ok := d.messages[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	return &msg, nil
}

// sortedMessages returns copies of the matching messages ordered by
// (created_at, insertion order).
func (d *Driver) sortedMessages(match func(model.Message) bool) []*model.Message {
	var result []*model.Message
	for _, m := range d.messages {
		if match(m) {
			msg := m
			result = append(result, &msg)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return d.msgSeq[a.ID] < d.msgSeq[b.ID]
	})
	return result
}

// ListBranchMessages returns a branch's messages in chronological order.
func (d *Driver) ListBranchMessages(_ context.Context, branchID string) ([]*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.sortedMessages(func(m model.Message) bool {
		return m.BranchID == branchID
	}), nil
}

// ListThreadMessages returns every message in a thread in chronological order.
func (d *Driver) ListThreadMessages(_ context.Context, threadID string) ([]*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.sortedMessages(func(m model.Message) bool {
		b, ok := d.branches[m.BranchID]
		return ok && b.ThreadID == threadID
	}), nil
}

// BranchTip returns the most recently created message of a branch, or
// (nil, nil) when the branch is empty. The lock flag is a no-op here; the
// transaction mutex already serializes writers.
func (d *Driver) BranchTip(_ context.Context, branchID string, _ bool) (*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	msgs := d.sortedMessages(func(m model.Message) bool {
		return m.BranchID == branchID
	})
	if len(msgs) == 0 {
		return nil, nil
	}
	return msgs[len(msgs)-1], nil
}

// Children returns the messages whose parent pointer references messageID.
func (d *Driver) Children(_ context.Context, messageID string) ([]*model.Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.sortedMessages(func(m model.Message) bool {
		return m.ParentMessageID != nil && *m.ParentMessageID == messageID
	}), nil
}

// CreateEdge inserts an edge, rejecting duplicates of the (from, to) pair.
func (d *Driver) CreateEdge(_ context.Context, edge *model.Edge) error {
	if edge == nil {
		return errors.New("cannot store nil edge")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := edgeKey(edge.FromMessageID, edge.ToMessageID)
	if _, ok := d.edges[key]; ok {
		return store.DuplicateError{Kind: "edge", Key: key}
	}
	d.edges[key] = *edge
	return nil
}

// DeleteEdge removes the (from, to) edge, reporting whether it existed.
func (d *Driver) DeleteEdge(_ context.Context, fromID, toID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := edgeKey(fromID, toID)
	if _, ok := d.edges[key]; !ok {
		return false, nil
	}
	delete(d.edges, key)
	return true, nil
}

// EdgesFrom returns edges whose from side is the given message.
func (d *Driver) EdgesFrom(_ context.Context, messageID string) ([]*model.Edge, error) {
	return d.listEdges(func(e model.Edge) bool { return e.FromMessageID == messageID })
}

// EdgesTo returns edges whose to side is the given message.
func (d *Driver) EdgesTo(_ context.Context, messageID string) ([]*model.Edge, error) {
	return d.listEdges(func(e model.Edge) bool { return e.ToMessageID == messageID })
}

func (d *Driver) listEdges(match func(model.Edge) bool) ([]*model.Edge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*model.Edge
	for _, e := range d.edges {
		if match(e) {
			edge := e
			result = append(result, &edge)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].FromMessageID != result[j].FromMessageID {
			return result[i].FromMessageID < result[j].FromMessageID
		}
		return result[i].ToMessageID < result[j].ToMessageID
	})
	return result, nil
}

// CurrentSummaries returns the is_current summaries of a thread.
func (d *Driver) CurrentSummaries(_ context.Context, threadID string) ([]*model.Summary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*model.Summary
	for _, s := range d.summaries {
		if s.ThreadID == threadID && s.IsCurrent {
			summary := s
			result = append(result, &summary)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// CurrentSummary returns the current summary of the given type, or (nil, nil).
func (d *Driver) CurrentSummary(_ context.Context, threadID, summaryType string) (*model.Summary, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, s := range d.summaries {
		if s.ThreadID == threadID && s.SummaryType == summaryType && s.IsCurrent {
			summary := s
			return &summary, nil
		}
	}
	return nil, nil
}

// CreateSummary inserts a summary.
func (d *Driver) CreateSummary(_ context.Context, summary *model.Summary) error {
	if summary == nil {
		return errors.New("cannot store nil summary")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.summaries[summary.ID]; ok {
		return store.DuplicateError{Kind: "summary", Key: summary.ID}
	}
	d.summaries[summary.ID] = *summary
	return nil
}

// UpdateSummary replaces a summary row.
func (d *Driver) UpdateSummary(_ context.Context, summary *model.Summary) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.summaries[summary.ID]; !ok {
		return store.NotFoundError{Kind: "summary", ID: summary.ID}
	}
	d.summaries[summary.ID] = *summary
	return nil
}

// ListMemories returns all memories of a thread ordered by key.
func (d *Driver) ListMemories(_ context.Context, threadID string) ([]*model.Memory, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []*model.Memory
	for _, m := range d.memories {
		if m.ThreadID == threadID {
			memory := m
			result = append(result, &memory)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Key < result[j].Key
	})
	return result, nil
}

// UpsertMemory inserts a memory, replacing any row with the same (thread, key).
func (d *Driver) UpsertMemory(_ context.Context, memory *model.Memory) error {
	if memory == nil {
		return errors.New("cannot store nil memory")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, m := range d.memories {
		if m.ThreadID == memory.ThreadID && m.Key == memory.Key {
			delete(d.memories, id)
			break
		}
	}
	d.memories[memory.ID] = *memory
	return nil
}

// CreateMerge inserts a merge record.
func (d *Driver) CreateMerge(_ context.Context, merge *model.Merge) error {
	if merge == nil {
		return errors.New("cannot store nil merge")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.merges[merge.ID]; ok {
		return store.DuplicateError{Kind: "merge", Key: merge.ID}
	}
	d.merges[merge.ID] = *merge
	return nil
}

// GetMerge retrieves a merge record by id.
func (d *Driver) GetMerge(_ context.Context, id string) (*model.Merge, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	merge, ok := d.merges[id]
	if !ok {
		return nil, store.NotFoundError{Kind: "merge", ID: id}
	}
	return &merge, nil
}

// GetIdempotency retrieves the record for (key, operation), or (nil, nil).
func (d *Driver) GetIdempotency(_ context.Context, key, operation string) (*model.IdempotencyRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.idem[idemKey(key, operation)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

// CreateIdempotency inserts a record; a second insert for the same
// (key, operation) pair reports DuplicateError.
func (d *Driver) CreateIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	if rec == nil {
		return errors.New("cannot store nil idempotency record")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := idemKey(rec.Key, rec.Operation)
	if _, ok := d.idem[key]; ok {
		return store.DuplicateError{Kind: "idempotency record", Key: rec.Key}
	}
	d.idem[key] = *rec
	return nil
}

// UpdateIdempotency replaces the record for (key, operation).
func (d *Driver) UpdateIdempotency(_ context.Context, rec *model.IdempotencyRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := idemKey(rec.Key, rec.Operation)
	if _, ok := d.idem[key]; !ok {
		return store.NotFoundError{Kind: "idempotency record", ID: rec.Key}
	}
	d.idem[key] = *rec
	return nil
}

// DeleteIdempotency removes the record for (key, operation).
func (d *Driver) DeleteIdempotency(_ context.Context, key, operation string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.idem, idemKey(key, operation))
	return nil
}

// snapshot captures the current state of every map. Entries are value structs
// that are replaced wholesale on every write, so a shallow map copy is a
// consistent point-in-time snapshot.
type snapshot struct {
	seq       uint64
	msgSeq    map[string]uint64
	threads   map[string]model.Thread
	branches  map[string]model.Branch
	messages  map[string]model.Message
	edges     map[string]model.Edge
	summaries map[string]model.Summary
	memories  map[string]model.Memory
	merges    map[string]model.Merge
	idem      map[string]model.IdempotencyRecord
}

func (d *Driver) capture() snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return snapshot{
		seq:       d.seq,
		msgSeq:    maps.Clone(d.msgSeq),
		threads:   maps.Clone(d.threads),
		branches:  maps.Clone(d.branches),
		messages:  maps.Clone(d.messages),
		edges:     maps.Clone(d.edges),
		summaries: maps.Clone(d.summaries),
		memories:  maps.Clone(d.memories),
		merges:    maps.Clone(d.merges),
		idem:      maps.Clone(d.idem),
	}
}

func (d *Driver) restore(s snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.seq = s.seq
	d.msgSeq = s.msgSeq
	d.threads = s.threads
	d.branches = s.branches
	d.messages = s.messages
	d.edges = s.edges
	d.summaries = s.summaries
	d.memories = s.memories
	d.merges = s.merges
	d.idem = s.idem
}

// WithTx runs fn atomically against the driver. A nested call joins the
// enclosing transaction: it snapshots again so an inner failure rolls back
// only the inner writes, and leaves commit to the outermost caller.
func (d *Driver) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if ctx.Value(txKey{}) == nil {
		d.txMu.Lock()
		defer d.txMu.Unlock()
		ctx = context.WithValue(ctx, txKey{}, true)
	}

	snap := d.capture()
	if err := fn(ctx, d); err != nil {
		d.restore(snap)
		return err
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (d *Driver) Close() error {
	return nil
}

var _ store.Store = (*Driver)(nil)
