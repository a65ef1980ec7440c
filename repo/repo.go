package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/duckduckfit/docsync/diff"
	"github.com/duckduckfit/docsync/store"
)

const (
	documentKeyPrefix  = "doc"
	tombstoneKeyPrefix = "tombstone"
)

type RepoSettings struct {
	// keys array elements when diffing documents
	GetKey       diff.GetKeyFunc
	PeerMetadata *PeerMetadata
}

func DefaultRepoSettings() *RepoSettings {
	return &RepoSettings{
		GetKey: diff.KeyByField("id"),
		PeerMetadata: &PeerMetadata{
			IsEphemeral: false,
		},
	}
}

// the stored form of a document
type storedDocument struct {
	Clock  uint64 `msgpack:"clock"`
	Writer PeerId `msgpack:"writer"`
	Data   []byte `msgpack:"data"`
}

// Repo is the registry of documents on this peer.
// Documents persist to storage on every commit and sync to peers through the network adapters.
// Concurrent edits resolve per document: the state with the greater (clock, writer) wins.
type Repo struct {
	ctx    context.Context
	cancel context.CancelFunc

	peerId   PeerId
	storage  store.Storage
	settings *RepoSettings

	handles *xsync.MapOf[DocumentId, *DocHandle]

	stateLock       sync.Mutex
	networkAdapters map[NetworkAdapter]func()
	peers           map[PeerId]*PeerMetadata
}

func NewRepoWithDefaults(ctx context.Context, storage store.Storage) *Repo {
	return NewRepo(ctx, PeerId(NewId().String()), storage, DefaultRepoSettings())
}

func NewRepo(ctx context.Context, peerId PeerId, storage store.Storage, settings *RepoSettings) *Repo {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Repo{
		ctx:             cancelCtx,
		cancel:          cancel,
		peerId:          peerId,
		storage:         storage,
		settings:        settings,
		handles:         xsync.NewMapOf[DocumentId, *DocHandle](),
		networkAdapters: map[NetworkAdapter]func(){},
		peers:           map[PeerId]*PeerMetadata{},
	}
}

func (self *Repo) PeerId() PeerId {
	return self.peerId
}

func (self *Repo) Peers() []PeerId {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	peerIds := make([]PeerId, 0, len(self.peers))
	for peerId := range self.peers {
		peerIds = append(peerIds, peerId)
	}
	return peerIds
}

// Create registers a new document. `initial` is any value that converts to a plain object.
func (self *Repo) Create(initial any) (*DocHandle, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}
	doc, err := toDocument(initial)
	if err != nil {
		return nil, err
	}
	handle := newDocHandle(self, NewId())
	handle.ready(doc, docVersion{
		clock:  1,
		writer: self.peerId,
	})
	self.handles.Store(handle.documentId, handle)
	glog.V(1).Infof("[repo]create %s\n", handle.documentId)
	self.commit(handle)
	return handle, nil
}

// Find resolves a document from memory, then storage, then peers.
// With no network adapters a document missing from storage is not found.
// Otherwise a request goes to peers and find waits, bounded by `ctx`, for a peer to sync the document.
func (self *Repo) Find(ctx context.Context, documentId DocumentId) (*DocHandle, error) {
	if self.ctx.Err() != nil {
		return nil, ErrClosed
	}
	if self.isDeleted(documentId) {
		return nil, &NotFoundError{DocumentId: documentId}
	}

	handle, loaded := self.handles.LoadOrCompute(documentId, func() *DocHandle {
		return newDocHandle(self, documentId)
	})
	if !loaded {
		self.resolve(handle)
	}

	if err := handle.WhenReady(ctx); err != nil {
		if isNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("find %s: %w", documentId, err)
	}
	return handle, nil
}

func (self *Repo) resolve(handle *DocHandle) {
	doc, version, err := self.load(handle.documentId)
	if err == nil {
		glog.V(1).Infof("[repo]load %s\n", handle.documentId)
		handle.ready(doc, version)
		handle.persistLock.Lock()
		handle.persistedVersion = version
		handle.persistLock.Unlock()
		return
	}
	if !errors.Is(err, store.ErrKeyNotFound) {
		glog.Infof("[repo]load %s err = %s\n", handle.documentId, err)
	}

	if len(self.networkAdapterList()) == 0 {
		handle.unavailable()
		self.dropHandle(handle)
		return
	}

	glog.V(1).Infof("[repo]request %s\n", handle.documentId)
	self.send(&Message{
		Type:       MessageTypeRequest,
		SenderId:   self.peerId,
		DocumentId: handle.documentId.String(),
	})
}

// drops the handle if it is still the registered one
func (self *Repo) dropHandle(handle *DocHandle) {
	self.handles.Compute(handle.documentId, func(current *DocHandle, loaded bool) (*DocHandle, bool) {
		return current, !loaded || current == handle
	})
}

// Delete removes a document. Later finds and peer syncs of the id are ignored.
// Deleting an unknown or already deleted document is not an error.
func (self *Repo) Delete(documentId DocumentId) error {
	if err := self.storage.Save(store.Key(tombstoneKeyPrefix, documentId.String()), []byte{1}); err != nil {
		return err
	}
	if err := self.storage.Remove(store.Key(documentKeyPrefix, documentId.String())); err != nil {
		return err
	}
	handle, _ := self.handles.LoadOrCompute(documentId, func() *DocHandle {
		return newDocHandle(self, documentId)
	})
	handle.delete()
	glog.V(1).Infof("[repo]delete %s\n", documentId)
	return nil
}

func (self *Repo) isDeleted(documentId DocumentId) bool {
	if handle, ok := self.handles.Load(documentId); ok && handle.State() == DocStateDeleted {
		return true
	}
	_, err := self.storage.Load(store.Key(tombstoneKeyPrefix, documentId.String()))
	return err == nil
}

// Handles lists the ready documents in memory
func (self *Repo) Handles() []*DocHandle {
	handles := []*DocHandle{}
	self.handles.Range(func(documentId DocumentId, handle *DocHandle) bool {
		if handle.IsReady() {
			handles = append(handles, handle)
		}
		return true
	})
	return handles
}

// StoredDocumentIds lists the documents in storage
func (self *Repo) StoredDocumentIds() ([]DocumentId, error) {
	entries, err := self.storage.LoadRange(documentKeyPrefix + "/")
	if err != nil {
		return nil, err
	}
	documentIds := make([]DocumentId, 0, len(entries))
	for _, entry := range entries {
		documentId, err := ParseId(strings.TrimPrefix(entry.Key, documentKeyPrefix+"/"))
		if err != nil {
			glog.Infof("[repo]skip stored key %s err = %s\n", entry.Key, err)
			continue
		}
		documentIds = append(documentIds, documentId)
	}
	return documentIds, nil
}

func (self *Repo) AddNetworkAdapter(adapter NetworkAdapter) error {
	removeCallback := adapter.AddEventCallback(func(event NetworkEvent) {
		HandleError(func() {
			self.onNetworkEvent(adapter, event)
		})
	})
	self.stateLock.Lock()
	self.networkAdapters[adapter] = removeCallback
	self.stateLock.Unlock()

	if err := adapter.Connect(self.peerId, self.settings.PeerMetadata); err != nil {
		self.RemoveNetworkAdapter(adapter)
		return err
	}
	return nil
}

func (self *Repo) RemoveNetworkAdapter(adapter NetworkAdapter) {
	self.stateLock.Lock()
	removeCallback, ok := self.networkAdapters[adapter]
	delete(self.networkAdapters, adapter)
	self.stateLock.Unlock()

	if ok {
		removeCallback()
		adapter.Disconnect()
	}
}

func (self *Repo) networkAdapterList() []NetworkAdapter {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	adapters := make([]NetworkAdapter, 0, len(self.networkAdapters))
	for adapter := range self.networkAdapters {
		adapters = append(adapters, adapter)
	}
	return adapters
}

func (self *Repo) Close() {
	self.cancel()
	for _, adapter := range self.networkAdapterList() {
		self.RemoveNetworkAdapter(adapter)
	}
}

func (self *Repo) onNetworkEvent(adapter NetworkAdapter, event NetworkEvent) {
	switch v := event.(type) {
	case *PeerCandidateEvent:
		self.onPeerCandidate(adapter, v)
	case *PeerDisconnectedEvent:
		self.stateLock.Lock()
		delete(self.peers, v.PeerId)
		self.stateLock.Unlock()
		glog.V(1).Infof("[repo]peer disconnected %s (%s)\n", v.PeerId, v.DeviceId)
	case *MessageEvent:
		self.onMessage(adapter, v.Message)
	case *ReadyEvent:
		glog.V(1).Infof("[repo]network ready\n")
	case *CloseEvent:
		glog.V(1).Infof("[repo]network closed\n")
	}
}

// a new peer gets every ready document, and is asked for every pending one
func (self *Repo) onPeerCandidate(adapter NetworkAdapter, event *PeerCandidateEvent) {
	if event.PeerId == "" || event.PeerId == SelfPeerId || event.PeerId == self.peerId {
		return
	}
	self.stateLock.Lock()
	self.peers[event.PeerId] = event.PeerMetadata
	self.stateLock.Unlock()
	glog.V(1).Infof("[repo]peer candidate %s (%s)\n", event.PeerId, event.DeviceId)

	self.handles.Range(func(documentId DocumentId, handle *DocHandle) bool {
		switch handle.State() {
		case DocStateReady:
			if message, ok := self.syncMessage(handle, event.PeerId); ok {
				self.sendTo(adapter, message)
			}
		case DocStatePending:
			self.sendTo(adapter, &Message{
				Type:       MessageTypeRequest,
				SenderId:   self.peerId,
				TargetId:   event.PeerId,
				DocumentId: documentId.String(),
			})
		}
		return true
	})
}

func (self *Repo) onMessage(adapter NetworkAdapter, message *Message) {
	if message.SenderId == self.peerId {
		return
	}
	if message.TargetId != "" && message.TargetId != self.peerId {
		return
	}
	documentId, err := ParseId(message.DocumentId)
	if err != nil {
		glog.Infof("[repo]message %s from %s has invalid document id err = %s\n", message.Type, message.SenderId, err)
		return
	}

	switch message.Type {
	case MessageTypeSync:
		self.onSync(documentId, message)
	case MessageTypeRequest:
		handle, ok := self.handles.Load(documentId)
		if ok {
			if syncMessage, ok := self.syncMessage(handle, message.SenderId); ok {
				self.sendTo(adapter, syncMessage)
				return
			}
		}
		self.sendTo(adapter, &Message{
			Type:       MessageTypeDocUnavailable,
			SenderId:   self.peerId,
			TargetId:   message.SenderId,
			DocumentId: message.DocumentId,
		})
	case MessageTypeDocUnavailable:
		glog.V(1).Infof("[repo]%s unavailable at %s\n", documentId, message.SenderId)
	default:
		glog.V(2).Infof("[repo]ignore message %s from %s\n", message.Type, message.SenderId)
	}
}

func (self *Repo) onSync(documentId DocumentId, message *Message) {
	if self.isDeleted(documentId) {
		return
	}
	plain, err := diff.UnmarshalPlain(message.Data)
	if err != nil {
		glog.Infof("[repo]sync %s from %s decode err = %s\n", documentId, message.SenderId, err)
		return
	}
	doc, ok := plain.(map[string]any)
	if !ok {
		glog.Infof("[repo]sync %s from %s is not an object\n", documentId, message.SenderId)
		return
	}
	writer := message.Writer
	if writer == "" {
		writer = message.SenderId
	}

	handle, _ := self.handles.LoadOrCompute(documentId, func() *DocHandle {
		return newDocHandle(self, documentId)
	})
	event, changed, err := handle.merge(doc, docVersion{
		clock:  message.Clock,
		writer: writer,
	})
	if err != nil {
		glog.Infof("[repo]sync %s from %s merge err = %s\n", documentId, message.SenderId, err)
		return
	}
	if !changed {
		return
	}
	glog.V(2).Infof("[repo]sync %s from %s clock %d\n", documentId, message.SenderId, message.Clock)
	self.save(handle)
	if event != nil {
		handle.emit(event)
	}
}

// commit persists a local change and announces it to peers
func (self *Repo) commit(handle *DocHandle) {
	self.save(handle)
	if message, ok := self.syncMessage(handle, ""); ok {
		self.send(message)
	}
}

func (self *Repo) save(handle *DocHandle) {
	doc, version, ok := handle.snapshot()
	if !ok {
		return
	}

	handle.persistLock.Lock()
	defer handle.persistLock.Unlock()
	if !handle.persistedVersion.lessThan(version) {
		// a newer state is already stored
		return
	}
	data, err := diff.Marshal(doc)
	if err != nil {
		glog.Infof("[repo]save %s encode err = %s\n", handle.documentId, err)
		return
	}
	stored, err := msgpack.Marshal(&storedDocument{
		Clock:  version.clock,
		Writer: version.writer,
		Data:   data,
	})
	if err != nil {
		glog.Infof("[repo]save %s encode err = %s\n", handle.documentId, err)
		return
	}
	if err := self.storage.Save(store.Key(documentKeyPrefix, handle.documentId.String()), stored); err != nil {
		glog.Infof("[repo]save %s err = %s\n", handle.documentId, err)
		return
	}
	handle.persistedVersion = version
}

func (self *Repo) load(documentId DocumentId) (map[string]any, docVersion, error) {
	stored, err := self.storage.Load(store.Key(documentKeyPrefix, documentId.String()))
	if err != nil {
		return nil, docVersion{}, err
	}
	var storedDoc storedDocument
	if err := msgpack.Unmarshal(stored, &storedDoc); err != nil {
		return nil, docVersion{}, err
	}
	plain, err := diff.UnmarshalPlain(storedDoc.Data)
	if err != nil {
		return nil, docVersion{}, err
	}
	doc, ok := plain.(map[string]any)
	if !ok {
		return nil, docVersion{}, ErrInvalidDocument
	}
	return doc, docVersion{
		clock:  storedDoc.Clock,
		writer: storedDoc.Writer,
	}, nil
}

func (self *Repo) syncMessage(handle *DocHandle, targetId PeerId) (*Message, bool) {
	doc, version, ok := handle.snapshot()
	if !ok {
		return nil, false
	}
	data, err := diff.Marshal(doc)
	if err != nil {
		glog.Infof("[repo]sync %s encode err = %s\n", handle.documentId, err)
		return nil, false
	}
	return &Message{
		Type:       MessageTypeSync,
		SenderId:   self.peerId,
		TargetId:   targetId,
		DocumentId: handle.documentId.String(),
		Clock:      version.clock,
		Writer:     version.writer,
		Data:       data,
	}, true
}

func (self *Repo) send(message *Message) {
	for _, adapter := range self.networkAdapterList() {
		self.sendTo(adapter, message)
	}
}

func (self *Repo) sendTo(adapter NetworkAdapter, message *Message) {
	if err := adapter.Send(message); err != nil {
		glog.Infof("[repo]send %s %s err = %s\n", message.Type, message.DocumentId, err)
	}
}

func toDocument(value any) (map[string]any, error) {
	if value == nil {
		return map[string]any{}, nil
	}
	plain, err := diff.ToPlain(value)
	if err != nil {
		return nil, err
	}
	doc, ok := plain.(map[string]any)
	if !ok {
		return nil, ErrInvalidDocument
	}
	return doc, nil
}
