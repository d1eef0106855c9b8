package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/convohubhq/convohub/pkg/model"
	"github.com/convohubhq/convohub/pkg/store"
)

// -- threads --

func (d *Driver) CreateThread(ctx context.Context, thread *model.Thread) error {
	_, err := d.exec(ctx,
		`INSERT INTO threads (id, owner_id, title, created_at) VALUES (?, ?, ?, ?)`,
		thread.ID, thread.OwnerID, thread.Title, thread.CreatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "thread", Key: thread.ID}
		}
		return fmt.Errorf("failed to insert thread: %w", err)
	}
	return nil
}

func (d *Driver) GetThread(ctx context.Context, id string) (*model.Thread, error) {
	row := d.queryRow(ctx,
		`SELECT id, owner_id, title, created_at FROM threads WHERE id = ?`, id)

	thread := &model.Thread{}
	err := row.Scan(&thread.ID, &thread.OwnerID, &thread.Title, &thread.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "thread", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return thread, nil
}

func (d *Driver) DeleteThread(ctx context.Context, id string) error {
	return d.WithTx(ctx, func(ctx context.Context, _ store.Store) error {
		if _, err := d.GetThread(ctx, id); err != nil {
			return err
		}
		statements := []string{
			`DELETE FROM edges WHERE from_message_id IN
				(SELECT m.id FROM messages m JOIN branches b ON m.branch_id = b.id WHERE b.thread_id = ?)
			 OR to_message_id IN
				(SELECT m.id FROM messages m JOIN branches b ON m.branch_id = b.id WHERE b.thread_id = ?)`,
			`DELETE FROM messages WHERE branch_id IN (SELECT id FROM branches WHERE thread_id = ?)`,
			`DELETE FROM branches WHERE thread_id = ?`,
			`DELETE FROM summaries WHERE thread_id = ?`,
			`DELETE FROM memories WHERE thread_id = ?`,
			`DELETE FROM merges WHERE thread_id = ?`,
			`DELETE FROM threads WHERE id = ?`,
		}
		for _, stmt := range statements {
			args := []any{id}
			if stmt == statements[0] {
				args = []any{id, id}
			}
			if _, err := d.exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("failed to delete thread data: %w", err)
			}
		}
		return nil
	})
}

// -- branches --

func (d *Driver) CreateBranch(ctx context.Context, branch *model.Branch) error {
	_, err := d.exec(ctx,
		`INSERT INTO branches
			(id, thread_id, name, base_message_id, created_from_branch_id, created_from_message_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		branch.ID, branch.ThreadID, branch.Name,
		nullable(branch.BaseMessageID), nullable(branch.CreatedFromBranchID),
		nullable(branch.CreatedFromMessageID), branch.CreatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "branch", Key: branch.ThreadID + "/" + branch.Name}
		}
		return fmt.Errorf("failed to insert branch: %w", err)
	}
	return nil
}

const branchColumns = `id, thread_id, name, base_message_id, created_from_branch_id, created_from_message_id, created_at`

func scanBranch(row interface{ Scan(...any) error }) (*model.Branch, error) {
	branch := &model.Branch{}
	var base, fromBranch, fromMessage sql.NullString
	err := row.Scan(&branch.ID, &branch.ThreadID, &branch.Name,
		&base, &fromBranch, &fromMessage, &branch.CreatedAt)
	if err != nil {
		return nil, err
	}
	branch.BaseMessageID = strPtr(base)
	branch.CreatedFromBranchID = strPtr(fromBranch)
	branch.CreatedFromMessageID = strPtr(fromMessage)
	return branch, nil
}

func (d *Driver) GetBranch(ctx context.Context, id string) (*model.Branch, error) {
	row := d.queryRow(ctx, `SELECT `+branchColumns+` FROM branches WHERE id = ?`, id)
	branch, err := scanBranch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "branch", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch: %w", err)
	}
	return branch, nil
}

func (d *Driver) ListBranches(ctx context.Context, threadID string) ([]*model.Branch, error) {
	rows, err := d.query(ctx,
		`SELECT `+branchColumns+` FROM branches WHERE thread_id = ?
		 ORDER BY created_at, `+d.dialect.InsertionOrder(), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branches: %w", err)
	}
	defer rows.Close()

	var branches []*model.Branch
	for rows.Next() {
		branch, err := scanBranch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan branch: %w", err)
		}
		branches = append(branches, branch)
	}
	return branches, rows.Err()
}

// -- messages --

func (d *Driver) CreateMessage(ctx context.Context, msg *model.Message) error {
	content, err := marshalMap(msg.Content)
	if err != nil {
		return err
	}
	snapshot, err := marshalMap(msg.StateSnapshot)
	if err != nil {
		return err
	}
	_, err = d.exec(ctx,
		`INSERT INTO messages
			(id, branch_id, parent_message_id, role, content, state_snapshot, origin, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.BranchID, nullable(msg.ParentMessageID),
		string(msg.Role), content, snapshot, string(msg.Origin), msg.CreatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "message", Key: msg.ID}
		}
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

const messageColumns = `id, branch_id, parent_message_id, role, content, state_snapshot, origin, created_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	msg := &model.Message{}
	var parent, content, snapshot sql.NullString
	var role, origin string
	err := row.Scan(&msg.ID, &msg.BranchID, &parent, &role, &content, &snapshot, &origin, &msg.CreatedAt)
	if err != nil {
		return nil, err
	}
	msg.ParentMessageID = strPtr(parent)
	msg.Role = model.Role(role)
	msg.Origin = model.Origin(origin)
	if msg.Content, err = unmarshalMap(content); err != nil {
		return nil, err
	}
	if msg.StateSnapshot, err = unmarshalMap(snapshot); err != nil {
		return nil, err
	}
	return msg, nil
}

func (d *Driver) scanMessages(rows *sql.Rows) ([]*model.Message, error) {
	defer rows.Close()
	var msgs []*model.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (d *Driver) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	row := d.queryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "message", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (d *Driver) ListBranchMessages(ctx context.Context, branchID string) ([]*model.Message, error) {
	rows, err := d.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE branch_id = ?
		 ORDER BY created_at, `+d.dialect.InsertionOrder(), branchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list branch messages: %w", err)
	}
	return d.scanMessages(rows)
}

func (d *Driver) ListThreadMessages(ctx context.Context, threadID string) ([]*model.Message, error) {
	rows, err := d.query(ctx,
		`SELECT m.id, m.branch_id, m.parent_message_id, m.role, m.content, m.state_snapshot, m.origin, m.created_at
		 FROM messages m JOIN branches b ON m.branch_id = b.id
		 WHERE b.thread_id = ?
		 ORDER BY m.created_at, m.`+d.dialect.InsertionOrder(), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list thread messages: %w", err)
	}
	return d.scanMessages(rows)
}

func (d *Driver) BranchTip(ctx context.Context, branchID string, lock bool) (*model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE branch_id = ?
		 ORDER BY created_at DESC, ` + d.dialect.InsertionOrder() + ` DESC LIMIT 1`
	_, inTx := ctx.Value(txKey{}).(*txState)
	if lock && inTx && d.dialect.SupportsForUpdate() {
		query += ` FOR UPDATE`
	}
	row := d.queryRow(ctx, query, branchID)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get branch tip: %w", err)
	}
	return msg, nil
}

func (d *Driver) Children(ctx context.Context, messageID string) ([]*model.Message, error) {
	rows, err := d.query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE parent_message_id = ?
		 ORDER BY created_at, `+d.dialect.InsertionOrder(), messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list children: %w", err)
	}
	return d.scanMessages(rows)
}

// -- edges --

func (d *Driver) CreateEdge(ctx context.Context, edge *model.Edge) error {
	_, err := d.exec(ctx,
		`INSERT INTO edges (from_message_id, to_message_id, edge_type, weight, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		edge.FromMessageID, edge.ToMessageID, string(edge.EdgeType),
		nullable(edge.Weight), edge.CreatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "edge", Key: edge.FromMessageID + "->" + edge.ToMessageID}
		}
		return fmt.Errorf("failed to insert edge: %w", err)
	}
	return nil
}

func (d *Driver) DeleteEdge(ctx context.Context, fromID, toID string) (bool, error) {
	result, err := d.exec(ctx,
		`DELETE FROM edges WHERE from_message_id = ? AND to_message_id = ?`, fromID, toID)
	if err != nil {
		return false, fmt.Errorf("failed to delete edge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted edges: %w", err)
	}
	return affected > 0, nil
}

const edgeColumns = `from_message_id, to_message_id, edge_type, weight, created_at`

func (d *Driver) listEdges(ctx context.Context, column, messageID string) ([]*model.Edge, error) {
	rows, err := d.query(ctx,
		`SELECT `+edgeColumns+` FROM edges WHERE `+column+` = ? ORDER BY created_at`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list edges: %w", err)
	}
	defer rows.Close()

	var edges []*model.Edge
	for rows.Next() {
		edge := &model.Edge{}
		var edgeType string
		var weight sql.NullString
		if err := rows.Scan(&edge.FromMessageID, &edge.ToMessageID, &edgeType, &weight, &edge.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan edge: %w", err)
		}
		edge.EdgeType = model.EdgeType(edgeType)
		edge.Weight = strPtr(weight)
		edges = append(edges, edge)
	}
	return edges, rows.Err()
}

func (d *Driver) EdgesFrom(ctx context.Context, messageID string) ([]*model.Edge, error) {
	return d.listEdges(ctx, "from_message_id", messageID)
}

func (d *Driver) EdgesTo(ctx context.Context, messageID string) ([]*model.Edge, error) {
	return d.listEdges(ctx, "to_message_id", messageID)
}

// -- summaries --

const summaryColumns = `id, thread_id, summary_type, content, metadata, is_current, version, created_at, updated_at`

func scanSummary(row interface{ Scan(...any) error }) (*model.Summary, error) {
	summary := &model.Summary{}
	var metadata sql.NullString
	err := row.Scan(&summary.ID, &summary.ThreadID, &summary.SummaryType, &summary.Content,
		&metadata, &summary.IsCurrent, &summary.Version, &summary.CreatedAt, &summary.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if summary.Metadata, err = unmarshalMap(metadata); err != nil {
		return nil, err
	}
	return summary, nil
}

func (d *Driver) CurrentSummaries(ctx context.Context, threadID string) ([]*model.Summary, error) {
	rows, err := d.query(ctx,
		`SELECT `+summaryColumns+` FROM summaries
		 WHERE thread_id = ? AND is_current ORDER BY created_at, `+d.dialect.InsertionOrder(), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list current summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*model.Summary
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}

func (d *Driver) CurrentSummary(ctx context.Context, threadID, summaryType string) (*model.Summary, error) {
	row := d.queryRow(ctx,
		`SELECT `+summaryColumns+` FROM summaries
		 WHERE thread_id = ? AND summary_type = ? AND is_current
		 ORDER BY version DESC LIMIT 1`, threadID, summaryType)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current summary: %w", err)
	}
	return summary, nil
}

func (d *Driver) CreateSummary(ctx context.Context, summary *model.Summary) error {
	metadata, err := marshalMap(summary.Metadata)
	if err != nil {
		return err
	}
	_, err = d.exec(ctx,
		`INSERT INTO summaries
			(id, thread_id, summary_type, content, metadata, is_current, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.ThreadID, summary.SummaryType, summary.Content,
		metadata, summary.IsCurrent, summary.Version, summary.CreatedAt, summary.UpdatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "summary", Key: summary.ID}
		}
		return fmt.Errorf("failed to insert summary: %w", err)
	}
	return nil
}

func (d *Driver) UpdateSummary(ctx context.Context, summary *model.Summary) error {
	metadata, err := marshalMap(summary.Metadata)
	if err != nil {
		return err
	}
	result, err := d.exec(ctx,
		`UPDATE summaries SET thread_id = ?, summary_type = ?, content = ?, metadata = ?,
			is_current = ?, version = ?, updated_at = ?
		 WHERE id = ?`,
		summary.ThreadID, summary.SummaryType, summary.Content, metadata,
		summary.IsCurrent, summary.Version, summary.UpdatedAt, summary.ID)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated summaries: %w", err)
	}
	if affected == 0 {
		return store.NotFoundError{Kind: "summary", ID: summary.ID}
	}
	return nil
}

// -- memories --

const memoryColumns = `id, thread_id, memory_type, key, value, metadata, confidence, source, expires_at, created_at, updated_at`

func (d *Driver) ListMemories(ctx context.Context, threadID string) ([]*model.Memory, error) {
	rows, err := d.query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE thread_id = ?
		 ORDER BY created_at, `+d.dialect.InsertionOrder(), threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
	}
	defer rows.Close()

	var memories []*model.Memory
	for rows.Next() {
		memory := &model.Memory{}
		var memoryType string
		var metadata sql.NullString
		var expires sql.NullTime
		err := rows.Scan(&memory.ID, &memory.ThreadID, &memoryType, &memory.Key, &memory.Value,
			&metadata, &memory.Confidence, &memory.Source, &expires, &memory.CreatedAt, &memory.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan memory: %w", err)
		}
		memory.MemoryType = model.MemoryType(memoryType)
		memory.ExpiresAt = timePtr(expires)
		if memory.Metadata, err = unmarshalMap(metadata); err != nil {
			return nil, err
		}
		memories = append(memories, memory)
	}
	return memories, rows.Err()
}

func (d *Driver) UpsertMemory(ctx context.Context, memory *model.Memory) error {
	metadata, err := marshalMap(memory.Metadata)
	if err != nil {
		return err
	}
	var expires any
	if memory.ExpiresAt != nil {
		expires = *memory.ExpiresAt
	}
	_, err = d.exec(ctx,
		`INSERT INTO memories
			(id, thread_id, memory_type, key, value, metadata, confidence, source, expires_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id, key) DO UPDATE SET
			id = excluded.id,
			memory_type = excluded.memory_type,
			value = excluded.value,
			metadata = excluded.metadata,
			confidence = excluded.confidence,
			source = excluded.source,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		memory.ID, memory.ThreadID, string(memory.MemoryType), memory.Key, memory.Value,
		metadata, memory.Confidence, memory.Source, expires, memory.CreatedAt, memory.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert memory: %w", err)
	}
	return nil
}

// -- merges --

func (d *Driver) CreateMerge(ctx context.Context, merge *model.Merge) error {
	summary, err := marshalMap(merge.Summary)
	if err != nil {
		return err
	}
	resolution, err := marshalMap(merge.ConflictResolution)
	if err != nil {
		return err
	}
	_, err = d.exec(ctx,
		`INSERT INTO merges
			(id, thread_id, source_branch_id, target_branch_id, strategy,
			 lca_message_id, merged_into_message_id, summary, conflict_resolution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		merge.ID, merge.ThreadID, merge.SourceBranchID, merge.TargetBranchID, merge.Strategy,
		nullable(merge.LCAMessageID), merge.MergedIntoMessageID, summary, resolution, merge.CreatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "merge", Key: merge.ID}
		}
		return fmt.Errorf("failed to insert merge: %w", err)
	}
	return nil
}

func (d *Driver) GetMerge(ctx context.Context, id string) (*model.Merge, error) {
	row := d.queryRow(ctx,
		`SELECT id, thread_id, source_branch_id, target_branch_id, strategy,
			lca_message_id, merged_into_message_id, summary, conflict_resolution, created_at
		 FROM merges WHERE id = ?`, id)

	merge := &model.Merge{}
	var lca, summary, resolution sql.NullString
	err := row.Scan(&merge.ID, &merge.ThreadID, &merge.SourceBranchID, &merge.TargetBranchID,
		&merge.Strategy, &lca, &merge.MergedIntoMessageID, &summary, &resolution, &merge.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFoundError{Kind: "merge", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get merge: %w", err)
	}
	merge.LCAMessageID = strPtr(lca)
	if merge.Summary, err = unmarshalMap(summary); err != nil {
		return nil, err
	}
	if merge.ConflictResolution, err = unmarshalMap(resolution); err != nil {
		return nil, err
	}
	return merge, nil
}

// -- idempotency --

func (d *Driver) GetIdempotency(ctx context.Context, key, operation string) (*model.IdempotencyRecord, error) {
	row := d.queryRow(ctx,
		`SELECT id, key, operation, result, created_at, updated_at
		 FROM idempotency_records WHERE key = ? AND operation = ?`, key, operation)

	rec := &model.IdempotencyRecord{}
	var result []byte
	err := row.Scan(&rec.ID, &rec.Key, &rec.Operation, &result, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}
	if len(result) > 0 {
		rec.Result = result
	}
	return rec, nil
}

func (d *Driver) CreateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	var result any
	if rec.Result != nil {
		result = rec.Result
	}
	_, err := d.exec(ctx,
		`INSERT INTO idempotency_records (id, key, operation, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Key, rec.Operation, result, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		if d.dialect.IsUniqueViolation(err) {
			return store.DuplicateError{Kind: "idempotency", Key: rec.Key + "/" + rec.Operation}
		}
		return fmt.Errorf("failed to insert idempotency record: %w", err)
	}
	return nil
}

func (d *Driver) UpdateIdempotency(ctx context.Context, rec *model.IdempotencyRecord) error {
	var result any
	if rec.Result != nil {
		result = rec.Result
	}
	updated, err := d.exec(ctx,
		`UPDATE idempotency_records SET result = ?, updated_at = ?
		 WHERE key = ? AND operation = ?`,
		result, rec.UpdatedAt, rec.Key, rec.Operation)
	if err != nil {
		return fmt.Errorf("failed to update idempotency record: %w", err)
	}
	affected, err := updated.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to count updated idempotency records: %w", err)
	}
	if affected == 0 {
		return store.NotFoundError{Kind: "idempotency", ID: rec.Key + "/" + rec.Operation}
	}
	return nil
}

func (d *Driver) DeleteIdempotency(ctx context.Context, key, operation string) error {
	_, err := d.exec(ctx,
		`DELETE FROM idempotency_records WHERE key = ? AND operation = ?`, key, operation)
	if err != nil {
		return fmt.Errorf("failed to delete idempotency record: %w", err)
	}
	return nil
}
