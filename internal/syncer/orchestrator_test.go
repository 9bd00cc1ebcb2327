package syncer

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/qazuor/markview/internal/channel"
	"github.com/qazuor/markview/internal/domain/models"
	"github.com/qazuor/markview/internal/store"
	"github.com/qazuor/markview/internal/syncapi"
)

// fakeAPI is a mutex-guarded in-memory stand-in for the sync REST client.
type fakeAPI struct {
	mu sync.Mutex

	docs    map[string]*models.Document
	folders []*models.Folder
	session *models.SessionState

	fetchDocCalls map[string]int
	fetchDocErr   map[string]error
	putDocCalls   []*models.UpsertDocumentRequest
	putDocErr     error
	deleteCalls   []string
	sessionPushes []*models.SessionState
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		docs:          make(map[string]*models.Document),
		fetchDocCalls: make(map[string]int),
		fetchDocErr:   make(map[string]error),
	}
}

func (f *fakeAPI) FetchDocument(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchDocCalls[id]++
	if err, ok := f.fetchDocErr[id]; ok {
		return nil, err
	}
	doc, ok := f.docs[id]
	if !ok {
		return nil, &syncapi.APIError{Kind: syncapi.KindNotFound, Status: 404, Message: "not found"}
	}
	return doc.Clone(), nil
}

func (f *fakeAPI) PutDocument(ctx context.Context, req *models.UpsertDocumentRequest) (*models.Document, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putDocCalls = append(f.putDocCalls, req)
	if f.putDocErr != nil {
		return nil, false, f.putDocErr
	}
	doc := &models.Document{
		ID:          req.ID,
		Name:        req.Name,
		Content:     req.Content,
		FolderID:    req.FolderID,
		SyncVersion: req.SyncVersion + 1,
	}
	_, existed := f.docs[req.ID]
	f.docs[req.ID] = doc
	return doc.Clone(), !existed, nil
}

func (f *fakeAPI) DeleteDocument(ctx context.Context, id string) (*models.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, id)
	doc, ok := f.docs[id]
	if !ok {
		return nil, &syncapi.APIError{Kind: syncapi.KindNotFound, Status: 404, Message: "not found"}
	}
	delete(f.docs, id)
	return doc.Clone(), nil
}

func (f *fakeAPI) FetchFolders(ctx context.Context, since *time.Time) (*syncapi.FolderList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.Folder, 0, len(f.folders))
	for _, folder := range f.folders {
		out = append(out, folder.Clone())
	}
	return &syncapi.FolderList{Folders: out, SyncedAt: time.Now()}, nil
}

func (f *fakeAPI) FetchFolder(ctx context.Context, id string) (*models.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, folder := range f.folders {
		if folder.ID == id {
			return folder.Clone(), nil
		}
	}
	return nil, &syncapi.APIError{Kind: syncapi.KindNotFound, Status: 404, Message: "not found"}
}

func (f *fakeAPI) PutFolder(ctx context.Context, req *models.UpsertFolderRequest) (*models.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	folder := &models.Folder{ID: req.ID, Name: req.Name, ParentID: req.ParentID, SortOrder: req.SortOrder}
	f.folders = append(f.folders, folder)
	return folder.Clone(), nil
}

func (f *fakeAPI) DeleteFolder(ctx context.Context, id string) (*models.Folder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, folder := range f.folders {
		if folder.ID == id {
			f.folders = append(f.folders[:i], f.folders[i+1:]...)
			return folder.Clone(), nil
		}
	}
	return nil, &syncapi.APIError{Kind: syncapi.KindNotFound, Status: 404, Message: "not found"}
}

func (f *fakeAPI) FetchSession(ctx context.Context) (*models.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session == nil {
		return &models.SessionState{}, nil
	}
	return f.session.Clone(), nil
}

func (f *fakeAPI) UpdateSession(ctx context.Context, state *models.SessionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionPushes = append(f.sessionPushes, state.Clone())
	return nil
}

func (f *fakeAPI) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetchDocCalls[id]
}

func (f *fakeAPI) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.putDocCalls)
}

func (f *fakeAPI) sessionPushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessionPushes)
}

func (f *fakeAPI) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleteCalls)
}

// fakeChannel delivers events synchronously to registered handlers.
type fakeChannel struct {
	mu       sync.Mutex
	deviceID string
	handlers map[models.EventType][]func(models.Event)
	stateFns []func(channel.State)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deviceID: "device-local",
		handlers: make(map[models.EventType][]func(models.Event)),
	}
}

func (c *fakeChannel) DeviceID() string { return c.deviceID }

func (c *fakeChannel) OnEvent(t models.EventType, fn func(models.Event)) func() {
	c.mu.Lock()
	c.handlers[t] = append(c.handlers[t], fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) OnStateChange(fn func(channel.State)) func() {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
	return func() {}
}

func (c *fakeChannel) emit(ev models.Event) {
	c.mu.Lock()
	fns := append([](func(models.Event))(nil), c.handlers[ev.Type]...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *fakeChannel) setState(s channel.State) {
	c.mu.Lock()
	fns := append([](func(channel.State))(nil), c.stateFns...)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testConfig() *Config {
	return &Config{
		SessionDebounce:  10 * time.Millisecond,
		RetryAttempts:    3,
		RetryDelay:       5 * time.Millisecond,
		ProviderDebounce: 10 * time.Millisecond,
	}
}

func newTestOrchestrator(t *testing.T) (*store.Store, *fakeAPI, *fakeChannel, *Orchestrator) {
	t.Helper()
	st := store.New(testLogger())
	api := newFakeAPI()
	ch := newFakeChannel()
	orch := New(st, api, ch, testConfig(), testLogger())
	orch.Start(context.Background())
	t.Cleanup(orch.Close)
	return st, api, ch, orch
}

func TestEchoEventsAreIgnored(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})

	ch.emit(models.Event{
		Type:           models.EventDocumentUpdated,
		OriginDeviceID: ch.DeviceID(),
		DocumentID:     "d1",
		SyncVersion:    99,
	})

	time.Sleep(50 * time.Millisecond)
	if got := api.fetchCount("d1"); got != 0 {
		t.Errorf("own echo triggered %d fetches, want 0", got)
	}
}

func TestVersionGateSkipsStaleEvents(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 5})

	// Equal and older versions are echoes or reordered deliveries.
	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 5})
	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 3})

	time.Sleep(50 * time.Millisecond)
	if got := api.fetchCount("d1"); got != 0 {
		t.Errorf("stale events triggered %d fetches, want 0", got)
	}
}

func TestNewerVersionFetchesAndApplies(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "old", SyncVersion: 5})
	api.mu.Lock()
	api.docs["d1"] = &models.Document{ID: "d1", Content: "new", SyncVersion: 6}
	api.mu.Unlock()

	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 6})

	waitFor(t, "remote content applied", func() bool {
		doc, ok := st.GetDocument("d1")
		return ok && doc.Content == "new" && doc.SyncVersion == 6
	})
}

func TestReapplyingEventIsIdempotent(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "old", SyncVersion: 5})
	api.mu.Lock()
	api.docs["d1"] = &models.Document{ID: "d1", Content: "new", SyncVersion: 6}
	api.mu.Unlock()

	ev := models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 6}
	ch.emit(ev)
	waitFor(t, "first apply", func() bool {
		doc, _ := st.GetDocument("d1")
		return doc != nil && doc.SyncVersion == 6
	})

	ch.emit(ev) // redelivery of the same event

	time.Sleep(50 * time.Millisecond)
	if got := api.fetchCount("d1"); got != 1 {
		t.Errorf("redelivered event caused %d fetches, want 1", got)
	}
	doc, _ := st.GetDocument("d1")
	if doc.Content != "new" {
		t.Errorf("content after redelivery = %q, want %q", doc.Content, "new")
	}
}

func TestFetchRetriesThenRecordsError(t *testing.T) {
	st, api, ch, orch := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})
	api.mu.Lock()
	api.fetchDocErr["d1"] = &syncapi.APIError{Kind: syncapi.KindUnknown, Status: 500, Message: "boom"}
	api.mu.Unlock()

	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 2})

	waitFor(t, "all retry attempts", func() bool {
		return api.fetchCount("d1") == 3
	})
	waitFor(t, "error status", func() bool {
		doc, _ := st.GetDocument("d1")
		return doc != nil && doc.SyncStatus == models.StatusError
	})
	if orch.SyncError("d1") == nil {
		t.Error("terminal error not recorded")
	}

	// The local copy is retained; errors never discard data.
	if _, ok := st.GetDocument("d1"); !ok {
		t.Error("document dropped after fetch failure")
	}
}

func TestFetchNotFoundTreatedAsDeletion(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})
	api.mu.Lock()
	api.fetchDocErr["d1"] = &syncapi.APIError{Kind: syncapi.KindNotFound, Status: 404, Message: "gone"}
	api.mu.Unlock()

	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 2})

	waitFor(t, "document removed", func() bool {
		_, ok := st.GetDocument("d1")
		return !ok
	})
	if got := api.fetchCount("d1"); got != 1 {
		t.Errorf("not-found was retried: %d fetches, want 1", got)
	}
}

func TestRemoteDeletionRemovesDocument(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})

	ch.emit(models.Event{Type: models.EventDocumentDeleted, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 2})

	waitFor(t, "document removed", func() bool {
		_, ok := st.GetDocument("d1")
		return !ok
	})

	// The removal came from the server; it must not be pushed back.
	time.Sleep(50 * time.Millisecond)
	if got := api.deleteCount(); got != 0 {
		t.Errorf("remote deletion echoed back as %d delete calls", got)
	}
}

func TestLocalEditIsPushed(t *testing.T) {
	st, api, _, _ := newTestOrchestrator(t)
	doc := st.CreateDocument("Notes", "# Notes", nil)

	waitFor(t, "document pushed", func() bool {
		return api.putCount() >= 1
	})
	waitFor(t, "version adopted", func() bool {
		got, _ := st.GetDocument(doc.ID)
		return got != nil && got.SyncStatus == models.StatusSynced && got.SyncVersion == 2
	})
}

func TestConflictAdoptsServerCopy(t *testing.T) {
	st, api, _, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "mine", SyncVersion: 3})

	serverDoc := &models.Document{ID: "d1", Content: "theirs", SyncVersion: 5}
	api.mu.Lock()
	api.putDocErr = &syncapi.APIError{
		Kind:           syncapi.KindConflict,
		Status:         409,
		Message:        "Conflict",
		ServerVersion:  5,
		ServerDocument: serverDoc,
	}
	api.mu.Unlock()

	if err := st.UpdateContent("d1", "mine v2"); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}

	waitFor(t, "server copy adopted", func() bool {
		doc, _ := st.GetDocument("d1")
		return doc != nil && doc.Content == "theirs" && doc.SyncVersion == 5
	})
	doc, _ := st.GetDocument("d1")
	if doc.SyncStatus != models.StatusSynced {
		t.Errorf("status after conflict = %q, want %q", doc.SyncStatus, models.StatusSynced)
	}

	// The losing payload is never retried.
	time.Sleep(50 * time.Millisecond)
	if got := api.putCount(); got != 1 {
		t.Errorf("conflicting payload pushed %d times, want 1", got)
	}
}

func TestLocalDeletionPropagates(t *testing.T) {
	st, api, _, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})
	api.mu.Lock()
	api.docs["d1"] = &models.Document{ID: "d1", Content: "x", SyncVersion: 1}
	api.mu.Unlock()

	if _, err := st.DeleteDocument("d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	waitFor(t, "delete pushed", func() bool {
		return api.deleteCount() == 1
	})
}

func TestSessionPushDebouncesAndDeduplicates(t *testing.T) {
	st, api, _, _ := newTestOrchestrator(t)
	d1 := st.CreateDocument("", "one", nil)
	d2 := st.CreateDocument("", "two", nil)

	waitFor(t, "document pushes drained", func() bool {
		return api.putCount() >= 2
	})
	base := api.sessionPushCount()

	// A burst of session mutations collapses to a single push.
	_ = st.OpenDocument(d1.ID)
	_ = st.OpenDocument(d2.ID)
	st.SetActiveDocument(&d2.ID)

	waitFor(t, "session pushed", func() bool {
		return api.sessionPushCount() == base+1
	})
	time.Sleep(50 * time.Millisecond)
	if got := api.sessionPushCount(); got != base+1 {
		t.Errorf("burst produced %d pushes, want 1", got-base)
	}

	api.mu.Lock()
	last := api.sessionPushes[len(api.sessionPushes)-1]
	api.mu.Unlock()
	if len(last.OpenDocumentIDs) != 2 {
		t.Errorf("pushed open set = %v, want both documents", last.OpenDocumentIDs)
	}

	// Opening an already-open document changes nothing; no redundant push.
	_ = st.OpenDocument(d1.ID)
	time.Sleep(50 * time.Millisecond)
	if got := api.sessionPushCount(); got != base+1 {
		t.Errorf("unchanged session pushed again (%d pushes)", got-base)
	}
}

func TestSessionEventMaterializesMissingDocuments(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	api.mu.Lock()
	api.docs["remote-doc"] = &models.Document{ID: "remote-doc", Content: "from elsewhere", SyncVersion: 2}
	api.mu.Unlock()

	ch.emit(models.Event{
		Type:            models.EventSessionUpdated,
		OriginDeviceID:  "other",
		OpenDocumentIDs: []string{"remote-doc"},
	})

	waitFor(t, "missing document materialized", func() bool {
		doc, ok := st.GetDocument("remote-doc")
		return ok && doc.Content == "from elsewhere"
	})
}

func TestLocallyClosedDocumentsDoNotReappear(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})
	api.mu.Lock()
	api.docs["d1"] = &models.Document{ID: "d1", Content: "x", SyncVersion: 1}
	api.mu.Unlock()

	if err := st.OpenDocument("d1"); err != nil {
		t.Fatalf("OpenDocument: %v", err)
	}
	st.CloseDocument("d1")
	waitFor(t, "session pushes settle", func() bool {
		return api.sessionPushCount() >= 1
	})

	// Remove it locally so a session event would normally re-materialize it.
	if _, err := st.DeleteDocument("d1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	ch.emit(models.Event{
		Type:            models.EventSessionUpdated,
		OriginDeviceID:  "other",
		OpenDocumentIDs: []string{"d1"},
	})

	time.Sleep(50 * time.Millisecond)
	if got := api.fetchCount("d1"); got != 0 {
		t.Errorf("locally closed document refetched %d times", got)
	}
	if _, ok := st.GetDocument("d1"); ok {
		t.Error("locally closed document reappeared")
	}
}

func TestReopeningLiftsClosedExclusion(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})
	api.mu.Lock()
	api.docs["d1"] = &models.Document{ID: "d1", Content: "x", SyncVersion: 1}
	api.mu.Unlock()

	_ = st.OpenDocument("d1")
	st.CloseDocument("d1")
	_ = st.OpenDocument("d1") // deliberate re-open forgives the close

	// A remote removal arriving out of order leaves the document absent
	// while another device's session still lists it open.
	_, _ = st.RemoveDocumentRemote("d1")

	ch.emit(models.Event{
		Type:            models.EventSessionUpdated,
		OriginDeviceID:  "other",
		OpenDocumentIDs: []string{"d1"},
	})

	waitFor(t, "document re-materialized", func() bool {
		_, ok := st.GetDocument("d1")
		return ok
	})
}

func TestFolderEventsReconcile(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	api.mu.Lock()
	api.folders = []*models.Folder{{ID: "f1", Name: "Work"}}
	api.mu.Unlock()

	ch.emit(models.Event{Type: models.EventFolderUpdated, OriginDeviceID: "other", FolderID: "f1"})
	waitFor(t, "folder applied", func() bool {
		folder, ok := st.GetFolder("f1")
		return ok && folder.Name == "Work"
	})

	ch.emit(models.Event{Type: models.EventFolderDeleted, OriginDeviceID: "other", FolderID: "f1"})
	waitFor(t, "folder removed", func() bool {
		_, ok := st.GetFolder("f1")
		return !ok
	})
}

func TestConnectRunsInitialSync(t *testing.T) {
	st, api, ch, _ := newTestOrchestrator(t)
	api.mu.Lock()
	api.folders = []*models.Folder{{ID: "f1", Name: "Work"}}
	api.docs["open-doc"] = &models.Document{ID: "open-doc", Content: "x", SyncVersion: 1}
	api.session = &models.SessionState{OpenDocumentIDs: []string{"open-doc"}}
	api.mu.Unlock()

	ch.setState(channel.StateConnected)

	waitFor(t, "folders loaded", func() bool {
		_, ok := st.GetFolder("f1")
		return ok
	})
	waitFor(t, "remote open document materialized", func() bool {
		_, ok := st.GetDocument("open-doc")
		return ok
	})
}

func TestProviderDocumentsUseProviderPush(t *testing.T) {
	st := store.New(testLogger())
	api := newFakeAPI()
	ch := newFakeChannel()

	var pushed struct {
		mu  sync.Mutex
		ids []string
	}
	cfg := testConfig()
	cfg.ProviderPush = func(ctx context.Context, doc *models.Document) error {
		pushed.mu.Lock()
		pushed.ids = append(pushed.ids, doc.ID)
		pushed.mu.Unlock()
		return nil
	}
	orch := New(st, api, ch, cfg, testLogger())
	orch.Start(context.Background())
	t.Cleanup(orch.Close)

	st.ApplyRemoteDocument(&models.Document{
		ID: "gh1", Content: "x", SyncVersion: 1,
		Source:     models.SourceGitHub,
		GitHubInfo: &models.GitHubInfo{Owner: "octo", Repo: "docs", Path: "a.md"},
	})
	if err := st.UpdateContent("gh1", "edited"); err != nil {
		t.Fatalf("UpdateContent: %v", err)
	}

	waitFor(t, "provider push", func() bool {
		pushed.mu.Lock()
		defer pushed.mu.Unlock()
		return len(pushed.ids) == 1 && pushed.ids[0] == "gh1"
	})
	waitFor(t, "status settles", func() bool {
		doc, _ := st.GetDocument("gh1")
		return doc != nil && doc.SyncStatus == models.StatusSynced
	})

	// The REST sync endpoint is not used for provider-linked documents.
	time.Sleep(50 * time.Millisecond)
	if got := api.putCount(); got != 0 {
		t.Errorf("provider document hit the sync endpoint %d times", got)
	}
}

func TestCloseStopsReconciliation(t *testing.T) {
	st, api, ch, orch := newTestOrchestrator(t)
	st.ApplyRemoteDocument(&models.Document{ID: "d1", Content: "x", SyncVersion: 1})

	orch.Close()

	ch.emit(models.Event{Type: models.EventDocumentUpdated, OriginDeviceID: "other", DocumentID: "d1", SyncVersion: 9})
	st.CreateDocument("", "after close", nil)

	time.Sleep(50 * time.Millisecond)
	if got := api.fetchCount("d1"); got != 0 {
		t.Errorf("closed orchestrator fetched %d times", got)
	}
	if got := api.putCount(); got != 0 {
		t.Errorf("closed orchestrator pushed %d times", got)
	}
}
