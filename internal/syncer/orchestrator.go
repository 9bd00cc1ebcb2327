// Package syncer reconciles the local store against the sync server: it
// subscribes to the realtime channel, applies remote changes, pushes local
// mutations, and debounces session-state writes.
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qazuor/markview/internal/channel"
	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/store"
	"github.com/qazuor/markview/internal/syncapi"
)

// API is the subset of the sync REST client the orchestrator uses.
// *syncapi.Client satisfies it; tests substitute fakes.
type API interface {
	FetchDocument(ctx context.Context, id string) (*models.Document, error)
	PutDocument(ctx context.Context, req *models.UpsertDocumentRequest) (*models.Document, bool, error)
	DeleteDocument(ctx context.Context, id string) (*models.Document, error)
	FetchFolders(ctx context.Context, since *time.Time) (*syncapi.FolderList, error)
	FetchFolder(ctx context.Context, id string) (*models.Folder, error)
	PutFolder(ctx context.Context, req *models.UpsertFolderRequest) (*models.Folder, error)
	DeleteFolder(ctx context.Context, id string) (*models.Folder, error)
	FetchSession(ctx context.Context) (*models.SessionState, error)
	UpdateSession(ctx context.Context, state *models.SessionState) error
}

// Channel is the subset of the realtime channel client the orchestrator
// uses. *channel.Client satisfies it.
type Channel interface {
	DeviceID() string
	OnEvent(t models.EventType, fn func(models.Event)) func()
	OnStateChange(fn func(channel.State)) func()
}

// Config tunes orchestrator timing. Zero values take the production
// defaults; tests shorten them.
type Config struct {
	// SessionDebounce is the window for coalescing session-state pushes.
	SessionDebounce time.Duration
	// RetryAttempts bounds the fetch-document retry loop.
	RetryAttempts int
	// RetryDelay is the fixed delay between fetch attempts.
	RetryDelay time.Duration
	// ProviderDebounce is the auto-save window for provider-linked
	// (GitHub/Drive) documents.
	ProviderDebounce time.Duration
	// ProviderPush, when set, pushes a provider-linked document to its
	// provider. Left nil when no provider is connected.
	ProviderPush func(ctx context.Context, doc *models.Document) error
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.SessionDebounce == 0 {
		out.SessionDebounce = 500 * time.Millisecond
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = 3
	}
	if out.RetryDelay == 0 {
		out.RetryDelay = 2 * time.Second
	}
	if out.ProviderDebounce == 0 {
		out.ProviderDebounce = 2 * time.Second
	}
	return out
}

// Orchestrator wires the local store, REST client and realtime channel
// together. Construct with New, start with Start, tear down with Close.
type Orchestrator struct {
	store  *store.Store
	api    API
	ch     Channel
	logger *slog.Logger
	cfg    Config

	ctx    context.Context
	cancel context.CancelFunc

	sessionPush *Debounced

	mu            sync.Mutex
	lastPushed    *models.SessionState
	prevOpen      []string
	locallyClosed map[string]struct{}
	fetching      map[string]int64 // docID -> highest version being fetched
	syncErrs      map[string]error
	unsubs        []func()
	started       bool

	pushMu     sync.Mutex
	inflight   map[string]bool
	dirtyAgain map[string]bool
	providerDb map[string]*Debounced

	wg sync.WaitGroup
}

// New creates an orchestrator. cfg may be nil for defaults.
func New(st *store.Store, api API, ch Channel, cfg *Config, logger *slog.Logger) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}
	o := &Orchestrator{
		store:         st,
		api:           api,
		ch:            ch,
		logger:        logger,
		cfg:           cfg.withDefaults(),
		locallyClosed: make(map[string]struct{}),
		fetching:      make(map[string]int64),
		syncErrs:      make(map[string]error),
		inflight:      make(map[string]bool),
		dirtyAgain:    make(map[string]bool),
		providerDb:    make(map[string]*Debounced),
	}
	o.sessionPush = NewDebounced(o.cfg.SessionDebounce, o.pushSession)
	return o
}

// Start subscribes to the store and the realtime channel. Reconciliation
// runs until Close.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.mu.Unlock()

	o.addUnsub(o.store.Subscribe(o.onStoreChange))

	for _, t := range []models.EventType{
		models.EventConnected,
		models.EventHeartbeat,
		models.EventDocumentUpdated,
		models.EventDocumentDeleted,
		models.EventFolderUpdated,
		models.EventFolderDeleted,
		models.EventSessionUpdated,
	} {
		o.addUnsub(o.ch.OnEvent(t, o.HandleEvent))
	}

	o.addUnsub(o.ch.OnStateChange(func(s channel.State) {
		if s == channel.StateConnected {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.initialSync()
			}()
		}
	}))
}

// Close cancels in-flight work, clears debounce timers and drops all
// subscriptions. The locally-closed set is transient per login session and is
// discarded here.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if !o.started {
		o.mu.Unlock()
		return
	}
	o.started = false
	unsubs := o.unsubs
	o.unsubs = nil
	o.locallyClosed = make(map[string]struct{})
	cancel := o.cancel
	o.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	o.sessionPush.Stop()

	o.pushMu.Lock()
	for _, d := range o.providerDb {
		d.Stop()
	}
	o.pushMu.Unlock()

	if cancel != nil {
		cancel()
	}
	o.wg.Wait()
}

// SyncError reports the terminal sync error recorded for a document, if any.
func (o *Orchestrator) SyncError(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.syncErrs[id]
}

func (o *Orchestrator) addUnsub(unsub func()) {
	o.mu.Lock()
	o.unsubs = append(o.unsubs, unsub)
	o.mu.Unlock()
}

// ---- local change handling ----

func (o *Orchestrator) onStoreChange(c store.Change) {
	switch c.Kind {
	case store.ChangeSession:
		o.onSessionChange(c.Remote)
	case store.ChangeDocument:
		if c.Remote {
			return
		}
		o.queueDocumentPush(c.ID)
	case store.ChangeFolder:
		if c.Remote {
			return
		}
		o.pushFolder(c.ID)
	}
}

// onSessionChange maintains the locally-closed set by diffing the open set
// against the previous snapshot, then schedules a debounced push. Remote
// session changes (a remote deletion closing a document) update the snapshot
// without registering a deliberate local close.
func (o *Orchestrator) onSessionChange(remote bool) {
	state := o.store.Session()

	o.mu.Lock()
	prev := o.prevOpen
	o.prevOpen = append([]string(nil), state.OpenDocumentIDs...)
	if !remote {
		current := make(map[string]struct{}, len(state.OpenDocumentIDs))
		for _, id := range state.OpenDocumentIDs {
			current[id] = struct{}{}
			// re-opening a document lifts the exclusion
			delete(o.locallyClosed, id)
		}
		for _, id := range prev {
			if _, ok := current[id]; !ok {
				o.locallyClosed[id] = struct{}{}
			}
		}
	}
	o.mu.Unlock()

	o.sessionPush.Trigger()
}

// pushSession fires after the debounce window. Unchanged snapshots are
// skipped entirely; the redundant network write is the whole reason the
// comparison exists.
func (o *Orchestrator) pushSession() {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	state := o.store.Session()

	o.mu.Lock()
	unchanged := state.Equal(o.lastPushed)
	o.mu.Unlock()
	if unchanged {
		return
	}

	if err := o.api.UpdateSession(ctx, state); err != nil {
		o.logger.Warn("session push failed", "error", err)
		return
	}

	o.mu.Lock()
	o.lastPushed = state
	o.mu.Unlock()
}

// queueDocumentPush coalesces pushes per document: a mutation arriving while
// a push is in flight marks the entry dirty and the worker goes around
// again, so the queue never holds two payloads for one entity.
func (o *Orchestrator) queueDocumentPush(id string) {
	doc, ok := o.store.GetDocument(id)
	if !ok {
		// deleted locally; propagate the deletion
		o.deleteRemote(id)
		return
	}

	if doc.Source != models.SourceLocal && o.cfg.ProviderPush != nil {
		o.scheduleProviderPush(id)
		return
	}

	o.pushMu.Lock()
	if o.inflight[id] {
		o.dirtyAgain[id] = true
		o.pushMu.Unlock()
		return
	}
	o.inflight[id] = true
	o.pushMu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pushDocumentLoop(id)
	}()
}

func (o *Orchestrator) pushDocumentLoop(id string) {
	for {
		o.pushDocument(id)

		o.pushMu.Lock()
		if o.dirtyAgain[id] {
			delete(o.dirtyAgain, id)
			o.pushMu.Unlock()
			continue
		}
		delete(o.inflight, id)
		o.pushMu.Unlock()
		return
	}
}

func (o *Orchestrator) pushDocument(id string) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	doc, ok := o.store.GetDocument(id)
	if !ok {
		return
	}

	o.store.SetSyncStatus(id, models.StatusSyncing)

	req := &models.UpsertDocumentRequest{
		ID:              doc.ID,
		Name:            doc.Name,
		Content:         doc.Content,
		FolderID:        doc.FolderID,
		IsManuallyNamed: doc.IsManuallyNamed,
		Cursor:          doc.Cursor,
		Scroll:          doc.Scroll,
		Source:          doc.Source,
		GitHubInfo:      doc.GitHubInfo,
		DriveInfo:       doc.DriveInfo,
		SyncVersion:     doc.SyncVersion,
	}

	pushed, _, err := o.api.PutDocument(ctx, req)
	if err == nil {
		o.store.MarkSynced(id, pushed.SyncVersion, time.Now(), store.ContentHash(req.Content))
		o.clearSyncErr(id)
		return
	}

	var apiErr *syncapi.APIError
	if errors.As(err, &apiErr) && apiErr.Kind == syncapi.KindConflict {
		// Server wins: never retry the same payload. The local edits in this
		// payload are discarded; the conflict error is recorded so a UI can
		// surface what happened.
		o.logger.Warn("version conflict, adopting server copy",
			"document_id", id,
			"local_version", doc.SyncVersion,
			"server_version", apiErr.ServerVersion,
		)
		if apiErr.ServerDocument != nil {
			o.store.ApplyRemoteDocument(apiErr.ServerDocument)
		} else {
			o.fetchDocument(id, apiErr.ServerVersion)
		}
		return
	}

	o.logger.Warn("document push failed", "document_id", id, "error", err)
	o.store.SetSyncStatus(id, models.StatusError)
	o.setSyncErr(id, err)
}

func (o *Orchestrator) deleteRemote(id string) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.api.DeleteDocument(ctx, id); err != nil {
			var apiErr *syncapi.APIError
			if errors.As(err, &apiErr) && apiErr.Kind == syncapi.KindNotFound {
				return // already gone server-side
			}
			o.logger.Warn("document delete push failed", "document_id", id, "error", err)
		}
	}()
}

func (o *Orchestrator) pushFolder(id string) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		folder, ok := o.store.GetFolder(id)
		if !ok {
			if _, err := o.api.DeleteFolder(ctx, id); err != nil {
				var apiErr *syncapi.APIError
				if errors.As(err, &apiErr) && apiErr.Kind == syncapi.KindNotFound {
					return
				}
				o.logger.Warn("folder delete push failed", "folder_id", id, "error", err)
			}
			return
		}
		req := &models.UpsertFolderRequest{
			ID:        folder.ID,
			Name:      folder.Name,
			ParentID:  folder.ParentID,
			Color:     folder.Color,
			Icon:      folder.Icon,
			SortOrder: folder.SortOrder,
		}
		if _, err := o.api.PutFolder(ctx, req); err != nil {
			o.logger.Warn("folder push failed", "folder_id", id, "error", err)
		}
	}()
}

// scheduleProviderPush debounces the auto-save of a provider-linked
// document. The document sits in cloud-pending until the window fires.
func (o *Orchestrator) scheduleProviderPush(id string) {
	o.store.SetSyncStatus(id, models.StatusCloudPending)

	o.pushMu.Lock()
	d, ok := o.providerDb[id]
	if !ok {
		d = NewDebounced(o.cfg.ProviderDebounce, func() { o.providerPush(id) })
		o.providerDb[id] = d
	}
	o.pushMu.Unlock()

	d.Trigger()
}

func (o *Orchestrator) providerPush(id string) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	doc, ok := o.store.GetDocument(id)
	if !ok {
		return
	}

	o.store.SetSyncStatus(id, models.StatusSyncing)
	if err := o.cfg.ProviderPush(ctx, doc); err != nil {
		o.logger.Warn("provider push failed", "document_id", id, "error", err)
		o.store.SetSyncStatus(id, models.StatusError)
		o.setSyncErr(id, err)
		return
	}
	o.store.MarkSynced(id, doc.SyncVersion, time.Now(), store.ContentHash(doc.Content))
	o.clearSyncErr(id)
}

// ---- remote event handling ----

// HandleEvent reconciles one realtime event against the local store. The
// switch is exhaustive over the event kinds; events from this device are
// dropped wholesale, since reconciling against our own stale write would
// clobber in-flight local edits.
func (o *Orchestrator) HandleEvent(ev models.Event) {
	if ev.OriginDeviceID != "" && ev.OriginDeviceID == o.ch.DeviceID() {
		return
	}

	switch ev.Type {
	case models.EventConnected, models.EventHeartbeat:
		// connection bookkeeping lives in the channel client

	case models.EventDocumentUpdated:
		o.onDocumentUpdated(ev)

	case models.EventDocumentDeleted:
		o.onDocumentDeleted(ev)

	case models.EventFolderUpdated:
		o.onFolderUpdated(ev)

	case models.EventFolderDeleted:
		o.onFolderDeleted(ev)

	case models.EventSessionUpdated:
		o.onSessionUpdated(ev)

	default:
		o.logger.Warn("unknown realtime event", "type", ev.Type)
	}
}

// onDocumentUpdated fetches-and-replaces only when the server holds a
// strictly newer version. Equal or older versions are tolerated silently:
// they are echoes or reordered deliveries, and refetching would needlessly
// clobber in-flight local edits.
func (o *Orchestrator) onDocumentUpdated(ev models.Event) {
	local, ok := o.store.GetDocument(ev.DocumentID)
	if ok && ev.SyncVersion <= local.SyncVersion {
		return
	}
	o.fetchDocument(ev.DocumentID, ev.SyncVersion)
}

func (o *Orchestrator) onDocumentDeleted(ev models.Event) {
	if _, err := o.store.RemoveDocumentRemote(ev.DocumentID); err != nil {
		// already absent; nothing to undo
		return
	}
}

func (o *Orchestrator) onFolderUpdated(ev models.Event) {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		folder, err := o.api.FetchFolder(ctx, ev.FolderID)
		if err != nil {
			o.logger.Warn("folder fetch failed", "folder_id", ev.FolderID, "error", err)
			return
		}
		o.store.ApplyRemoteFolder(folder)
	}()
}

func (o *Orchestrator) onFolderDeleted(ev models.Event) {
	if _, err := o.store.RemoveFolderRemote(ev.FolderID); err != nil {
		return
	}
}

// onSessionUpdated materializes documents another device has open that are
// missing here - except the ones the user deliberately closed in this
// session, which must not silently reappear.
func (o *Orchestrator) onSessionUpdated(ev models.Event) {
	for _, id := range ev.OpenDocumentIDs {
		o.mu.Lock()
		_, closed := o.locallyClosed[id]
		o.mu.Unlock()
		if closed {
			continue
		}
		if _, ok := o.store.GetDocument(id); ok {
			continue
		}
		o.fetchDocument(id, 0)
	}
}

// ---- fetch with bounded retry ----

// fetchDocument fetches a full document by ID with bounded retry, deduping
// concurrent fetches for the same document. A fetch already in flight for
// the same or a newer version absorbs this request, which is what makes
// reapplying the same event idempotent.
func (o *Orchestrator) fetchDocument(id string, version int64) {
	o.mu.Lock()
	if v, ok := o.fetching[id]; ok && v >= version {
		o.mu.Unlock()
		return
	}
	o.fetching[id] = version
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.fetchWithRetry(id)
	}()
}

func (o *Orchestrator) fetchWithRetry(id string) {
	defer func() {
		o.mu.Lock()
		delete(o.fetching, id)
		o.mu.Unlock()
	}()

	ctx := o.runCtx()
	if ctx == nil {
		return
	}

	var lastErr error
	for attempt := 0; attempt < o.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(o.cfg.RetryDelay):
			case <-ctx.Done():
				return
			}
		}

		doc, err := o.api.FetchDocument(ctx, id)
		if err == nil {
			o.applyFetched(doc)
			o.clearSyncErr(id)
			return
		}
		lastErr = err

		var apiErr *syncapi.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.Kind {
			case syncapi.KindNotFound:
				// vanished server-side; treat as a deletion
				o.store.RemoveDocumentRemote(id)
				return
			case syncapi.KindUnauthorized, syncapi.KindForbidden:
				// retrying cannot help until re-auth
				o.setSyncErr(id, err)
				o.store.SetSyncStatus(id, models.StatusError)
				return
			}
		}
	}

	o.logger.Warn("document fetch failed after retries",
		"document_id", id, "attempts", o.cfg.RetryAttempts, "error", lastErr)
	o.setSyncErr(id, lastErr)
	o.store.SetSyncStatus(id, models.StatusError)
}

// applyFetched applies a fetch result unless a newer version landed while
// the fetch (or a retry of it) was in flight; a stale result applied late
// would silently roll the document back.
func (o *Orchestrator) applyFetched(doc *models.Document) {
	if local, ok := o.store.GetDocument(doc.ID); ok && local.SyncVersion >= doc.SyncVersion {
		return
	}
	o.store.ApplyRemoteDocument(doc)
}

// ---- initial connect ----

// initialSync runs on every transition to connected: folders and the
// session snapshot load concurrently, then the remote open set is
// reconciled the same way a session:updated event would be.
func (o *Orchestrator) initialSync() {
	ctx := o.runCtx()
	if ctx == nil {
		return
	}

	var session *models.SessionState
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		list, err := o.api.FetchFolders(gctx, nil)
		if err != nil {
			return err
		}
		for _, folder := range list.Folders {
			if folder.DeletedAt != nil {
				continue
			}
			o.store.ApplyRemoteFolder(folder)
		}
		return nil
	})

	g.Go(func() error {
		s, err := o.api.FetchSession(gctx)
		if err != nil {
			return err
		}
		session = s
		return nil
	})

	if err := g.Wait(); err != nil {
		o.logger.Warn("initial sync failed", "error", err)
		return
	}

	if session != nil {
		o.onSessionUpdated(models.Event{
			Type:             models.EventSessionUpdated,
			OpenDocumentIDs:  session.OpenDocumentIDs,
			ActiveDocumentID: session.ActiveDocumentID,
		})
	}
}

func (o *Orchestrator) runCtx() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.ctx == nil || o.ctx.Err() != nil {
		return nil
	}
	return o.ctx
}

func (o *Orchestrator) setSyncErr(id string, err error) {
	o.mu.Lock()
	o.syncErrs[id] = err
	o.mu.Unlock()
}

func (o *Orchestrator) clearSyncErr(id string) {
	o.mu.Lock()
	delete(o.syncErrs, id)
	o.mu.Unlock()
}
