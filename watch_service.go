package haywatch

import (
	"context"
)

// WatchService is the composition root: one server-backed subject per
// service, wrapped in a batching decorator, shared by all watches the
// service opens.
type WatchService struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiSubject *ApiSubject
	subject    Subject
}

func NewWatchServiceWithDefaults(ctx context.Context, apis WatchApis, display string) *WatchService {
	return NewWatchService(ctx, apis, display, DefaultSubjectSettings(), DefaultBatchSettings())
}

func NewWatchService(
	ctx context.Context,
	apis WatchApis,
	display string,
	subjectSettings *SubjectSettings,
	batchSettings *BatchSettings,
) *WatchService {
	cancelCtx, cancel := context.WithCancel(ctx)

	apiSubject := NewApiSubject(cancelCtx, apis, display, subjectSettings)
	subject := NewBatchSubject(cancelCtx, apiSubject, batchSettings)

	return &WatchService{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiSubject: apiSubject,
		subject:    subject,
	}
}

func (self *WatchService) Subject() Subject {
	return self.subject
}

// Watch opens a watch over the ids on the shared subject.
func (self *WatchService) Watch(ctx context.Context, display string, ids []string) (*Watch, error) {
	return OpenWatch(ctx, self.subject, display, ids)
}

// Nudge polls immediately, ahead of the timer. Used with server hints.
func (self *WatchService) Nudge(ctx context.Context) error {
	return self.apiSubject.Poll(ctx)
}

// Close closes every watch opened on this service's subject, then
// force-closes the server watch.
func (self *WatchService) Close(ctx context.Context) error {
	watches := OpenWatches()
	for _, watch := range watches {
		if watch.subject != self.subject {
			continue
		}
		if err := watch.Close(ctx); err != nil {
			return err
		}
	}
	err := self.apiSubject.Close(ctx)
	self.cancel()
	return err
}
