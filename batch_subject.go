package haywatch

import (
	"context"
	"time"
)

// BatchSubject decorates an inner Subject so that many watches calling
// add/remove within the same window produce exactly one inner call per
// operation type. Two consecutive same-type calls merge; a different-
// type call starts a new batch, preserving add/remove ordering
// boundaries. Everything else passes straight through.
type BatchSubject struct {
	ctx     context.Context
	subject Subject

	addBatch    *BatchIds
	removeBatch *BatchIds
}

func NewBatchSubjectWithDefaults(ctx context.Context, subject Subject) *BatchSubject {
	return NewBatchSubject(ctx, subject, DefaultBatchSettings())
}

func NewBatchSubject(ctx context.Context, subject Subject, settings *BatchSettings) *BatchSubject {
	self := &BatchSubject{
		ctx:     ctx,
		subject: subject,
	}
	self.addBatch = NewBatchIds(func(ids []string) error {
		return subject.Add(self.ctx, ids)
	}, settings.Window)
	self.removeBatch = NewBatchIds(func(ids []string) error {
		return subject.Remove(self.ctx, ids)
	}, settings.Window)
	return self
}

func (self *BatchSubject) Display() string {
	return self.subject.Display()
}

func (self *BatchSubject) PollRate() time.Duration {
	return self.subject.PollRate()
}

func (self *BatchSubject) SetPollRate(pollRate time.Duration) {
	self.subject.SetPollRate(pollRate)
}

func (self *BatchSubject) Add(ctx context.Context, ids []string) error {
	return self.addBatch.Invoke(ids)
}

func (self *BatchSubject) Remove(ctx context.Context, ids []string) error {
	return self.removeBatch.Invoke(ids)
}

func (self *BatchSubject) Refresh(ctx context.Context) error {
	return self.subject.Refresh(ctx)
}

func (self *BatchSubject) AddChangedCallback(callback ChangedFunction) func() {
	return self.subject.AddChangedCallback(callback)
}

func (self *BatchSubject) Get(id string) (Dict, bool) {
	return self.subject.Get(id)
}

func (self *BatchSubject) Inspect() []Dict {
	return self.subject.Inspect()
}
