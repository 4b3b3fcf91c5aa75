// Package dbtest provides an in-memory db.Repository for tests.
package dbtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"athena-grader/internal/db"
	"athena-grader/internal/model"
	apperrors "athena-grader/pkg/errors"
)

type Memory struct {
	mu          sync.Mutex
	rowLocks    map[int64]*sync.Mutex
	pairLocks   map[[2]int64]*sync.Mutex
	assignments map[int64]model.Assignment
	submissions map[int64]model.Submission
	grades      map[int64]model.Grade
	results     map[int64]model.AutograderResult
	nextSubID   int64
	nextResID   int64
}

var _ db.Repository = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		rowLocks:    make(map[int64]*sync.Mutex),
		pairLocks:   make(map[[2]int64]*sync.Mutex),
		assignments: make(map[int64]model.Assignment),
		submissions: make(map[int64]model.Submission),
		grades:      make(map[int64]model.Grade),
		results:     make(map[int64]model.AutograderResult),
	}
}

func (m *Memory) PutAssignment(a model.Assignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments[a.ID] = a
}

// Results returns every stored autograder result for a submission.
func (m *Memory) Results(submissionID int64) []model.AutograderResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AutograderResult
	for _, r := range m.results {
		if r.SubmissionID == submissionID {
			out = append(out, r)
		}
	}
	return out
}

func (m *Memory) GetAssignment(ctx context.Context, assignmentID int64) (*model.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assignments[assignmentID]
	if !ok {
		return nil, apperrors.ErrAssignmentNotFound
	}
	return &a, nil
}

func (m *Memory) GetSubmission(ctx context.Context, submissionID int64) (*model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.submissions[submissionID]
	if !ok {
		return nil, apperrors.ErrSubmissionNotFound
	}
	return &s, nil
}

func (m *Memory) GetGrade(ctx context.Context, submissionID int64) (*model.Grade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grades[submissionID]
	if !ok {
		return nil, apperrors.ErrGradeNotFound
	}
	return &g, nil
}

func (m *Memory) GetAutograderResult(ctx context.Context, resultID int64) (*model.AutograderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[resultID]
	if !ok {
		return nil, apperrors.ErrAutogradeResultNotFound
	}
	return &r, nil
}

func (m *Memory) GetAutograderResultBySubmission(ctx context.Context, submissionID int64) (*model.AutograderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r := m.resultFor(submissionID); r != nil {
		return r, nil
	}
	return nil, apperrors.ErrAutogradeResultNotFound
}

func (m *Memory) resultFor(submissionID int64) *model.AutograderResult {
	for _, r := range m.results {
		if r.SubmissionID == submissionID {
			r := r
			return &r
		}
	}
	return nil
}

func (m *Memory) CreateSubmission(ctx context.Context, sub *model.Submission) ([]int64, error) {
	pair := [2]int64{sub.StudentID, sub.AssignmentID}

	m.mu.Lock()
	pl, ok := m.pairLocks[pair]
	if !ok {
		pl = &sync.Mutex{}
		m.pairLocks[pair] = pl
	}
	m.mu.Unlock()

	pl.Lock()
	defer pl.Unlock()

	// Take the row locks of the current pair rows, as SELECT ... FOR UPDATE would.
	m.mu.Lock()
	var current []int64
	for id, s := range m.submissions {
		if s.StudentID == sub.StudentID && s.AssignmentID == sub.AssignmentID && s.Status != model.StatusSuperseded {
			current = append(current, id)
		}
	}
	sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })
	locks := make([]*sync.Mutex, 0, len(current))
	for _, id := range current {
		locks = append(locks, m.rowLocks[id])
	}
	m.mu.Unlock()

	for _, lock := range locks {
		lock.Lock()
		defer lock.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var superseded []int64
	for _, id := range current {
		s := m.submissions[id]
		if s.Status == model.StatusSuperseded {
			continue
		}
		s.Status = model.StatusSuperseded
		s.UpdatedAt = sub.SubmittedAt
		m.submissions[id] = s
		superseded = append(superseded, id)
	}

	m.nextSubID++
	sub.ID = m.nextSubID
	sub.UpdatedAt = sub.SubmittedAt
	m.submissions[sub.ID] = *sub
	m.rowLocks[sub.ID] = &sync.Mutex{}
	return superseded, nil
}

func (m *Memory) CreateAutograderResult(ctx context.Context, res *model.AutograderResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resultFor(res.SubmissionID) != nil {
		return apperrors.ErrAutogradeResultExists
	}
	m.nextResID++
	res.ID = m.nextResID
	m.results[res.ID] = *res
	return nil
}

func (m *Memory) DeleteAutograderResult(ctx context.Context, resultID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.results, resultID)
	return nil
}

func (m *Memory) SetResultsVisible(ctx context.Context, submissionIDs []int64, visible bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(submissionIDs))
	for _, id := range submissionIDs {
		want[id] = true
	}
	var n int64
	for id, r := range m.results {
		if want[r.SubmissionID] {
			r.Visible = visible
			m.results[id] = r
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListStalePendingResults(ctx context.Context, createdBefore time.Time, limit int) ([]model.AutograderResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.AutograderResult
	for _, r := range m.results {
		if r.CompletedAt == nil && r.CreatedAt.Before(createdBefore) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListGradebook(ctx context.Context, assignmentID int64) ([]model.GradebookRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.GradebookRow
	for _, s := range m.submissions {
		if s.AssignmentID != assignmentID || s.Status == model.StatusSuperseded {
			continue
		}
		row := model.GradebookRow{
			SubmissionID: s.ID,
			StudentID:    s.StudentID,
			SubmittedAt:  s.SubmittedAt,
			Status:       s.Status,
		}
		if g, ok := m.grades[s.ID]; ok {
			v := g.Grade
			row.ManualGrade = &v
		}
		if r := m.resultFor(s.ID); r != nil {
			row.AutogradeOK = r.Success
			row.Visible = r.Visible
			if r.Completed() {
				v := r.Score
				row.AutogradeScore = &v
			}
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StudentID < out[j].StudentID })
	return out, nil
}

func (m *Memory) WithSubmissionLock(ctx context.Context, submissionID int64, fn func(ctx context.Context, tx db.SubmissionTx) error) error {
	m.mu.Lock()
	lock, ok := m.rowLocks[submissionID]
	m.mu.Unlock()
	if !ok {
		return apperrors.ErrSubmissionNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sub := m.submissions[submissionID]
	m.mu.Unlock()

	tx := &memoryTx{m: m, sub: &sub}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memoryTx stages writes and applies them only when fn succeeds.
type memoryTx struct {
	m   *Memory
	sub *model.Submission
	ops []func()

	gradeSet      bool
	grade         *model.Grade
	resultSet     bool
	result        *model.AutograderResult
	statusTouched bool
}

func (t *memoryTx) Submission() *model.Submission {
	return t.sub
}

func (t *memoryTx) Grade(ctx context.Context) (*model.Grade, error) {
	if t.gradeSet {
		return t.grade, nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	g, ok := t.m.grades[t.sub.ID]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

func (t *memoryTx) AutograderResult(ctx context.Context) (*model.AutograderResult, error) {
	if t.resultSet {
		return t.result, nil
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.resultFor(t.sub.ID), nil
}

func (t *memoryTx) SetStatus(ctx context.Context, status model.SubmissionStatus) error {
	t.sub.Status = status
	t.sub.UpdatedAt = time.Now().UTC()
	t.statusTouched = true
	return nil
}

func (t *memoryTx) UpsertGrade(ctx context.Context, grade *model.Grade) error {
	g := *grade
	g.SubmissionID = t.sub.ID
	t.gradeSet, t.grade = true, &g
	t.ops = append(t.ops, func() { t.m.grades[g.SubmissionID] = g })
	return nil
}

func (t *memoryTx) DeleteGrade(ctx context.Context) error {
	id := t.sub.ID
	t.gradeSet, t.grade = true, nil
	t.ops = append(t.ops, func() { delete(t.m.grades, id) })
	return nil
}

func (t *memoryTx) DeleteAutograderResult(ctx context.Context) error {
	id := t.sub.ID
	t.resultSet, t.result = true, nil
	t.ops = append(t.ops, func() {
		for rid, r := range t.m.results {
			if r.SubmissionID == id {
				delete(t.m.results, rid)
			}
		}
	})
	return nil
}

func (t *memoryTx) CompleteAutograderResult(ctx context.Context, res *model.AutograderResult) error {
	r := *res
	t.resultSet, t.result = true, &r
	t.ops = append(t.ops, func() {
		stored, ok := t.m.results[r.ID]
		if !ok || stored.SubmissionID != t.sub.ID {
			return
		}
		stored.Score = r.Score
		stored.Success = r.Success
		stored.ResultDir = r.ResultDir
		stored.CompletedAt = r.CompletedAt
		t.m.results[r.ID] = stored
	})
	return nil
}

func (t *memoryTx) commit() {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	for _, op := range t.ops {
		op()
	}
	if t.statusTouched {
		t.m.submissions[t.sub.ID] = *t.sub
	}
}
