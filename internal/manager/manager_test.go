package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seralt/comfyctl/internal/apperr"
	"github.com/seralt/comfyctl/internal/catalog"
	"github.com/seralt/comfyctl/internal/download"
	"github.com/seralt/comfyctl/internal/installdir"
	"github.com/seralt/comfyctl/internal/shortcut"
	"github.com/seralt/comfyctl/internal/supervisor"
	"github.com/seralt/comfyctl/internal/testutil"
)

// --- fakes -----------------------------------------------------------------

type fakeSource struct {
	releases []catalog.Release
}

func (f *fakeSource) FetchReleases(_ context.Context) ([]catalog.Release, error) {
	out := make([]catalog.Release, len(f.releases))
	copy(out, f.releases)
	return out, nil
}

// fakeArtifacts materializes a trivial tree and counts invocations.
type fakeArtifacts struct {
	mu    sync.Mutex
	calls int
	block chan struct{} // when set, Materialize waits for it
}

type fakeArtifact struct {
	parent *fakeArtifacts
}

func (f *fakeArtifacts) Artifact(_ catalog.Asset, _ download.Progress) installdir.Artifact {
	return &fakeArtifact{parent: f}
}

func (a *fakeArtifact) Materialize(ctx context.Context, dir string) error {
	a.parent.mu.Lock()
	a.parent.calls++
	block := a.parent.block
	a.parent.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644)
}

type fakeShortcutProvider struct {
	mu       sync.Mutex
	existing map[string]bool
	fail     map[shortcut.Kind]error
}

func (f *fakeShortcutProvider) key(kind shortcut.Kind, tag string) string {
	return string(kind) + "/" + tag
}

func (f *fakeShortcutProvider) Create(kind shortcut.Kind, tag, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[kind]; err != nil {
		return err
	}
	f.existing[f.key(kind, tag)] = true
	return nil
}

func (f *fakeShortcutProvider) Remove(kind shortcut.Kind, tag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.existing, f.key(kind, tag))
	return nil
}

func (f *fakeShortcutProvider) Exists(kind shortcut.Kind, tag string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[f.key(kind, tag)], nil
}

type fakeLauncher struct {
	mu           sync.Mutex
	nextPID      int
	alive        map[int]bool
	spawnGate    chan struct{} // when set, Spawn waits for it
	spawnEntered chan struct{} // signalled when Spawn reaches the gate
}

func (f *fakeLauncher) Spawn(_ context.Context, _ supervisor.Spec) (int, error) {
	f.mu.Lock()
	gate, entered := f.spawnGate, f.spawnEntered
	f.mu.Unlock()
	if gate != nil {
		if entered != nil {
			entered <- struct{}{}
		}
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	return f.nextPID, nil
}

func (f *fakeLauncher) Terminate(pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = false
	return nil
}

func (f *fakeLauncher) Kill(pid int) error { return f.Terminate(pid) }

func (f *fakeLauncher) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

type okProbe struct{}

func (okProbe) Ready(_ context.Context) error { return nil }

type fakeOpener struct{ revealed []string }

func (f *fakeOpener) Reveal(path string) error {
	f.revealed = append(f.revealed, path)
	return nil
}

type recordedEvents struct {
	mu    sync.Mutex
	types []string
}

func (e *recordedEvents) Publish(eventType string, _ any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, eventType)
}

// --- harness ---------------------------------------------------------------

type harness struct {
	mgr       *Manager
	artifacts *fakeArtifacts
	provider  *fakeShortcutProvider
	launcher  *fakeLauncher
	opener    *fakeOpener
	events    *recordedEvents
	shared    string
}

func newHarness(t *testing.T, releases ...catalog.Release) *harness {
	t.Helper()

	db := testutil.TestDB(t)

	launcher := &fakeLauncher{nextPID: 100, alive: make(map[int]bool)}
	super := supervisor.New(launcher, okProbe{}, db, supervisor.Config{
		Spec:          func(v installdir.Installed) supervisor.Spec { return supervisor.Spec{Dir: v.Path} },
		StartTimeout:  time.Second,
		StopGrace:     100 * time.Millisecond,
		ProbeInterval: 5 * time.Millisecond,
	}, nil)

	installs, err := installdir.NewManager(t.TempDir(), db, super.ActiveTag, nil)
	if err != nil {
		t.Fatal(err)
	}

	provider := &fakeShortcutProvider{existing: make(map[string]bool), fail: make(map[shortcut.Kind]error)}
	shared := testutil.TestModelLibrary(t, "checkpoints/base.safetensors")

	artifacts := &fakeArtifacts{}
	opener := &fakeOpener{}
	events := &recordedEvents{}
	mgr := New(Config{
		Catalog:      catalog.NewCache(&fakeSource{releases: releases}, time.Minute, nil),
		Installs:     installs,
		Artifacts:    artifacts,
		Shortcuts:    shortcut.NewTracker(provider, db, nil),
		Supervisor:   super,
		Opener:       opener,
		Events:       events,
		SharedModels: shared,
	})
	return &harness{mgr: mgr, artifacts: artifacts, provider: provider, launcher: launcher, opener: opener, events: events, shared: shared}
}

func release(tag string) catalog.Release {
	return catalog.Release{
		Tag:         tag,
		PublishedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Assets:      []catalog.Asset{{Name: tag + ".tar.gz", URL: "https://example.test/" + tag}},
	}
}

// --- tests -----------------------------------------------------------------

func TestInstallResolvesAndLinks(t *testing.T) {
	h := newHarness(t, release("v1.0"))

	res, err := h.mgr.Install(context.Background(), "v1.0")
	if err != nil {
		t.Fatalf("Install: %v", err)
	}
	if res.Version.Status != installdir.StatusReady {
		t.Errorf("status = %s", res.Version.Status)
	}
	if res.Links == nil || res.Links.Linked != 1 {
		t.Errorf("links = %+v, want 1 linked model", res.Links)
	}

	list, _ := h.mgr.ListInstalled()
	if len(list) != 1 || list[0].Tag != "v1.0" {
		t.Errorf("installed = %+v", list)
	}

	op, ok := h.mgr.OperationByTag("v1.0")
	if !ok || op.Phase != PhaseDone {
		t.Errorf("operation = %+v", op)
	}
}

func TestInstallUnknownTag(t *testing.T) {
	h := newHarness(t, release("v1.0"), release("v1.1-beta"))

	_, err := h.mgr.Install(context.Background(), "v2.0")
	if !errors.Is(err, apperr.ErrUnknownTag) {
		t.Errorf("err = %v, want unknown_tag", err)
	}
}

func TestInstallTwiceSkipsDownload(t *testing.T) {
	h := newHarness(t, release("v1.0"))

	if _, err := h.mgr.Install(context.Background(), "v1.0"); err != nil {
		t.Fatal(err)
	}
	if _, err := h.mgr.Install(context.Background(), "v1.0"); err != nil {
		t.Fatal(err)
	}
	if h.artifacts.calls != 1 {
		t.Errorf("materialize calls = %d, want 1", h.artifacts.calls)
	}
}

func TestInstallAsyncConcurrentSameTagRejected(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	h.artifacts.block = make(chan struct{})

	opID, err := h.mgr.InstallAsync("v1.0")
	if err != nil {
		t.Fatalf("InstallAsync: %v", err)
	}

	if _, err := h.mgr.InstallAsync("v1.0"); !errors.Is(err, apperr.ErrOperationInProgress) {
		t.Errorf("second install err = %v, want operation_in_progress", err)
	}

	close(h.artifacts.block)
	waitPhase(t, h.mgr, opID, PhaseDone)
}

func TestInstallAsyncCancelPurges(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	h.artifacts.block = make(chan struct{}) // never closed; cancellation unblocks

	opID, err := h.mgr.InstallAsync("v1.0")
	if err != nil {
		t.Fatal(err)
	}
	waitPhase(t, h.mgr, opID, PhaseDownloading)

	if !h.mgr.CancelOperation(opID) {
		t.Fatal("CancelOperation returned false")
	}
	waitPhase(t, h.mgr, opID, PhaseCancelled)

	list, _ := h.mgr.ListInstalled()
	if len(list) != 0 {
		t.Errorf("cancelled install must not be recorded: %+v", list)
	}
}

func TestSwitchToNotInstalled(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	err := h.mgr.SwitchTo(context.Background(), "v1.0")
	if !errors.Is(err, apperr.ErrNotInstalled) {
		t.Errorf("err = %v, want not_installed", err)
	}
}

func TestSwitchAndUninstallGuard(t *testing.T) {
	h := newHarness(t, release("v1.0"), release("v1.1"))
	for _, tag := range []string{"v1.0", "v1.1"} {
		if _, err := h.mgr.Install(context.Background(), tag); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := h.mgr.SetShortcuts("v1.0", true); err != nil {
		t.Fatal(err)
	}

	if err := h.mgr.SwitchTo(context.Background(), "v1.0"); err != nil {
		t.Fatalf("SwitchTo: %v", err)
	}
	if h.mgr.ActiveTag() != "v1.0" {
		t.Errorf("active = %s", h.mgr.ActiveTag())
	}

	// The active version cannot be uninstalled.
	if err := h.mgr.Uninstall("v1.0"); !errors.Is(err, apperr.ErrVersionActive) {
		t.Errorf("err = %v, want version_active", err)
	}

	// After switching away it can.
	if err := h.mgr.SwitchTo(context.Background(), "v1.1"); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Uninstall("v1.0"); err != nil {
		t.Fatalf("Uninstall after switch: %v", err)
	}
	if ok, _ := h.provider.Exists(shortcut.KindMenu, "v1.0"); ok {
		t.Error("uninstall must remove the version's shortcuts")
	}
	if _, err := h.mgr.SetShortcuts("v1.0", true); !errors.Is(err, apperr.ErrNotInstalled) {
		t.Errorf("shortcuts on uninstalled tag: %v", err)
	}
}

func TestSwitchToRejectedWhileSwitchInFlight(t *testing.T) {
	h := newHarness(t, release("v1.0"), release("v1.1"))
	for _, tag := range []string{"v1.0", "v1.1"} {
		if _, err := h.mgr.Install(context.Background(), tag); err != nil {
			t.Fatal(err)
		}
	}

	// Park the first switch inside the launcher so it holds the switch
	// gate while a second one arrives.
	h.launcher.spawnGate = make(chan struct{})
	h.launcher.spawnEntered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.mgr.SwitchTo(context.Background(), "v1.0") }()
	<-h.launcher.spawnEntered

	if err := h.mgr.SwitchTo(context.Background(), "v1.1"); !errors.Is(err, apperr.ErrOperationInProgress) {
		t.Errorf("concurrent switch err = %v, want operation_in_progress", err)
	}

	close(h.launcher.spawnGate)
	if err := <-done; err != nil {
		t.Fatalf("first switch: %v", err)
	}
	if h.mgr.ActiveTag() != "v1.0" {
		t.Errorf("active = %s, want v1.0", h.mgr.ActiveTag())
	}
}

func TestSetShortcutsPartialFailure(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	if _, err := h.mgr.Install(context.Background(), "v1.0"); err != nil {
		t.Fatal(err)
	}
	h.provider.fail[shortcut.KindDesktop] = errors.New("unwritable")

	st, err := h.mgr.SetShortcuts("v1.0", true)
	if err != nil {
		t.Fatalf("partial failure must not error: %v", err)
	}
	if !st.Menu || st.Desktop {
		t.Errorf("state = %+v, want {menu:true, desktop:false}", st)
	}
}

func TestOpenInstallPath(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	if err := h.mgr.OpenInstallPath("v1.0"); !errors.Is(err, apperr.ErrNotInstalled) {
		t.Errorf("err = %v, want not_installed", err)
	}

	res, err := h.mgr.Install(context.Background(), "v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.OpenInstallPath("v1.0"); err != nil {
		t.Fatalf("OpenInstallPath: %v", err)
	}
	if len(h.opener.revealed) != 1 || h.opener.revealed[0] != res.Version.Path {
		t.Errorf("revealed = %v", h.opener.revealed)
	}
}

func TestRelinkAllPicksUpNewModels(t *testing.T) {
	h := newHarness(t, release("v1.0"))
	if _, err := h.mgr.Install(context.Background(), "v1.0"); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(filepath.Join(h.shared, "checkpoints", "new.safetensors"), []byte("n"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.mgr.RelinkAll()

	list, _ := h.mgr.ListInstalled()
	link := filepath.Join(list[0].Path, "models", "checkpoints", "new.safetensors")
	if _, err := os.Lstat(link); err != nil {
		t.Errorf("new model not linked: %v", err)
	}
}

func waitPhase(t *testing.T, m *Manager, opID, phase string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if op, ok := m.Operation(opID); ok && op.Phase == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	op, _ := m.Operation(opID)
	t.Fatalf("operation never reached %s, last: %+v", phase, op)
}
