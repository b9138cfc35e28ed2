package sync

import (
	"sync"

	"github.com/rjeczalik/notify"
)

// notifyBackend watches recursively using the native recursive APIs where
// the platform has them (FSEvents, ReadDirectoryChangesW) and inotify otherwise.
type notifyBackend struct {
	rawEvents chan notify.EventInfo
	events    chan string
	errors    chan error
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

func newNotifyBackend() *notifyBackend {
	return &notifyBackend{
		rawEvents: make(chan notify.EventInfo, eventBufferSize),
		events:    make(chan string, eventBufferSize),
		errors:    make(chan error, 1),
		done:      make(chan struct{}),
	}
}

func (b *notifyBackend) Start(root string) error {
	recursivePath := root + "/..."
	if err := notify.Watch(recursivePath, b.rawEvents, notify.All); err != nil {
		return err
	}

	b.wg.Add(1)
	go b.forward()
	return nil
}

func (b *notifyBackend) Events() <-chan string {
	return b.events
}

func (b *notifyBackend) Errors() <-chan error {
	return b.errors
}

func (b *notifyBackend) Stop() {
	b.stopOnce.Do(func() {
		// notify.Stop does not close the channel
		notify.Stop(b.rawEvents)
		close(b.done)
		b.wg.Wait()
		close(b.events)
	})
}

func (b *notifyBackend) forward() {
	defer b.wg.Done()

	for {
		select {
		case <-b.done:
			return
		case event := <-b.rawEvents:
			select {
			case b.events <- event.Path():
			case <-b.done:
				return
			}
		}
	}
}
