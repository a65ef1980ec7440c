package repo

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"

	"github.com/duckduckfit/docsync/diff"
)

type DocState int

const (
	DocStatePending DocState = iota
	DocStateReady
	// no local copy and no peer answered. The handle is dropped and a later find retries.
	DocStateUnavailable
	DocStateDeleted
)

func (self DocState) String() string {
	switch self {
	case DocStatePending:
		return "pending"
	case DocStateReady:
		return "ready"
	case DocStateUnavailable:
		return "unavailable"
	case DocStateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// mutates the working copy of a document. Returning an error discards the whole change.
// The function must not call back into the handle.
type ChangeFunction = func(doc map[string]any) error

type ChangeEvent struct {
	Handle *DocHandle
	// snapshot after the change
	Doc         map[string]any
	Differences []diff.Difference
	// false when the change was merged from a peer
	Local bool
}

type ChangeEventFunction = func(event *ChangeEvent)

// document states are ordered by (clock, writer)
type docVersion struct {
	clock  uint64
	writer PeerId
}

func (self docVersion) lessThan(b docVersion) bool {
	if self.clock != b.clock {
		return self.clock < b.clock
	}
	return self.writer < b.writer
}

type DocHandle struct {
	repo       *Repo
	documentId DocumentId

	stateLock sync.Mutex
	state     DocState
	// the current snapshot. Replaced on every change, never mutated.
	doc     map[string]any
	version docVersion
	// closed when the handle leaves pending
	done chan struct{}

	persistLock      sync.Mutex
	persistedVersion docVersion

	migrateLock sync.Mutex

	changeCallbacks *CallbackList[ChangeEventFunction]
}

func newDocHandle(repo *Repo, documentId DocumentId) *DocHandle {
	return &DocHandle{
		repo:            repo,
		documentId:      documentId,
		state:           DocStatePending,
		done:            make(chan struct{}),
		changeCallbacks: NewCallbackList[ChangeEventFunction](),
	}
}

func (self *DocHandle) DocumentId() DocumentId {
	return self.documentId
}

func (self *DocHandle) State() DocState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *DocHandle) IsReady() bool {
	return self.State() == DocStateReady
}

func (self *DocHandle) WhenReady(ctx context.Context) error {
	select {
	case <-self.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	switch self.State() {
	case DocStateReady:
		return nil
	default:
		return &NotFoundError{DocumentId: self.documentId}
	}
}

// Doc returns a copy of the current snapshot, or nil when the handle is not ready
func (self *DocHandle) Doc() map[string]any {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != DocStateReady {
		return nil
	}
	return diff.Clone(self.doc).(map[string]any)
}

func (self *DocHandle) Clock() uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.version.clock
}

// returns the remove function
func (self *DocHandle) AddChangeCallback(callback ChangeEventFunction) func() {
	return self.changeCallbacks.Add(callback)
}

// Change runs `change` on a working copy and commits the result atomically.
// A change that leaves the document equal emits nothing.
func (self *DocHandle) Change(change ChangeFunction) error {
	event, err := self.change(change)
	if err != nil {
		return err
	}
	if event == nil {
		return nil
	}
	self.repo.commit(self)
	self.emit(event)
	return nil
}

func (self *DocHandle) change(change ChangeFunction) (*ChangeEvent, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case DocStateReady:
	case DocStateDeleted:
		return nil, ErrDeleted
	default:
		return nil, &NotFoundError{DocumentId: self.documentId}
	}

	working := diff.Clone(self.doc).(map[string]any)
	if err := change(working); err != nil {
		return nil, err
	}
	differences, err := diff.Diff(self.doc, working, self.repo.settings.GetKey)
	if err != nil {
		return nil, err
	}
	if len(differences) == 0 {
		return nil, nil
	}

	self.doc = working
	self.version = docVersion{
		clock:  self.version.clock + 1,
		writer: self.repo.peerId,
	}
	return &ChangeEvent{
		Handle:      self,
		Doc:         diff.Clone(working).(map[string]any),
		Differences: differences,
		Local:       true,
	}, nil
}

// merge adopts a peer's state when it orders after the local one.
// Returns the change event for a ready handle, nil when nothing changed.
func (self *DocHandle) merge(remoteDoc map[string]any, remoteVersion docVersion) (*ChangeEvent, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case DocStateDeleted:
		return nil, false, nil
	case DocStatePending, DocStateUnavailable:
		self.setReady(remoteDoc, remoteVersion)
		return nil, true, nil
	}

	if !self.version.lessThan(remoteVersion) {
		return nil, false, nil
	}

	differences, err := diff.Diff(self.doc, remoteDoc, self.repo.settings.GetKey)
	if err != nil {
		return nil, false, err
	}
	self.version = remoteVersion
	if len(differences) == 0 {
		// same content under a newer version
		return nil, true, nil
	}
	working, err := diff.Apply(diff.Clone(self.doc), differences)
	if err != nil {
		return nil, false, err
	}
	self.doc = working.(map[string]any)
	return &ChangeEvent{
		Handle:      self,
		Doc:         diff.Clone(self.doc).(map[string]any),
		Differences: differences,
		Local:       false,
	}, true, nil
}

// must be called with the state lock
func (self *DocHandle) setReady(doc map[string]any, version docVersion) {
	self.doc = doc
	self.version = version
	self.state = DocStateReady
	self.closeDone()
}

func (self *DocHandle) ready(doc map[string]any, version docVersion) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == DocStatePending {
		self.setReady(doc, version)
	}
}

func (self *DocHandle) unavailable() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state == DocStatePending {
		self.state = DocStateUnavailable
		self.closeDone()
	}
}

func (self *DocHandle) delete() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.state = DocStateDeleted
	self.doc = nil
	self.closeDone()
	self.changeCallbacks.Clear()
}

// must be called with the state lock
func (self *DocHandle) closeDone() {
	select {
	case <-self.done:
	default:
		close(self.done)
	}
}

// snapshot for persistence and sync. ok is false unless ready.
func (self *DocHandle) snapshot() (doc map[string]any, version docVersion, ok bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.state != DocStateReady {
		return nil, docVersion{}, false
	}
	return self.doc, self.version, true
}

func (self *DocHandle) emit(event *ChangeEvent) {
	for _, callback := range self.changeCallbacks.Get() {
		HandleError(func() {
			callback(event)
		})
	}
}

// TypedHandle views a document as a `T`.
// Changes are applied as the minimal difference between the document before and after the change,
// so fields the change did not touch are left alone.
// `T` should model every field of the document. Fields `T` drops are removed by a change.
type TypedHandle[T any] struct {
	*DocHandle
}

func Typed[T any](handle *DocHandle) *TypedHandle[T] {
	return &TypedHandle[T]{
		DocHandle: handle,
	}
}

func (self *TypedHandle[T]) Value() (*T, error) {
	doc := self.DocHandle.Doc()
	if doc == nil {
		return nil, &NotFoundError{DocumentId: self.documentId}
	}
	var value T
	if err := diff.FromPlain(doc, &value); err != nil {
		return nil, err
	}
	return &value, nil
}

func (self *TypedHandle[T]) Change(change func(value *T) error) error {
	return self.DocHandle.Change(func(doc map[string]any) error {
		var value T
		if err := diff.FromPlain(doc, &value); err != nil {
			return err
		}
		if err := change(&value); err != nil {
			return err
		}
		desired, err := diff.ToPlain(&value)
		if err != nil {
			return err
		}
		if _, ok := desired.(map[string]any); !ok {
			return ErrInvalidDocument
		}
		// object roots are updated in place
		_, err = diff.GetAndApplyChanges(doc, desired, self.repo.settings.GetKey)
		return err
	})
}

func (self *TypedHandle[T]) AddTypedChangeCallback(callback func(value *T, event *ChangeEvent)) func() {
	return self.AddChangeCallback(func(event *ChangeEvent) {
		var value T
		if err := diff.FromPlain(event.Doc, &value); err != nil {
			glog.Infof("[repo]typed change %s decode err = %s\n", self.documentId, err)
			return
		}
		callback(&value, event)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
