package shortcut

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/seralt/comfyctl/internal/store"
)

// fakeProvider keeps shortcuts in memory and can fail per kind.
type fakeProvider struct {
	existing map[string]bool // key: kind/tag
	fail     map[Kind]error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{existing: make(map[string]bool), fail: make(map[Kind]error)}
}

func (f *fakeProvider) key(kind Kind, tag string) string { return fmt.Sprintf("%s/%s", kind, tag) }

func (f *fakeProvider) Create(kind Kind, tag, _ string) error {
	if err := f.fail[kind]; err != nil {
		return err
	}
	f.existing[f.key(kind, tag)] = true
	return nil
}

func (f *fakeProvider) Remove(kind Kind, tag string) error {
	if err := f.fail[kind]; err != nil {
		return err
	}
	delete(f.existing, f.key(kind, tag))
	return nil
}

func (f *fakeProvider) Exists(kind Kind, tag string) (bool, error) {
	return f.existing[f.key(kind, tag)], nil
}

func testTracker(t *testing.T) (*Tracker, *fakeProvider, *store.DB) {
	t.Helper()
	f, err := os.CreateTemp("", "comfyctl-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })
	db, err := store.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	p := newFakeProvider()
	return NewTracker(p, db, nil), p, db
}

func TestSetStateEnableBoth(t *testing.T) {
	tr, _, _ := testTracker(t)

	st, err := tr.SetState("v1.0", "/opt/versions/v1.0", true)
	if err != nil {
		t.Fatalf("SetState: %v", err)
	}
	if !st.Menu || !st.Desktop {
		t.Errorf("state = %+v, want both true", st)
	}

	st, err = tr.SetState("v1.0", "/opt/versions/v1.0", false)
	if err != nil {
		t.Fatalf("SetState disable: %v", err)
	}
	if st.Menu || st.Desktop {
		t.Errorf("state = %+v, want both false", st)
	}
}

func TestSetStatePartialFailureIsMixedState(t *testing.T) {
	tr, p, _ := testTracker(t)
	p.fail[KindDesktop] = errors.New("desktop dir unwritable")

	st, err := tr.SetState("v1.0", "/opt/versions/v1.0", true)
	if err != nil {
		t.Fatalf("partial failure must not be an error, got %v", err)
	}
	if !st.Menu || st.Desktop {
		t.Errorf("state = %+v, want {menu:true, desktop:false}", st)
	}
}

func TestSetStateTotalFailureIsError(t *testing.T) {
	tr, p, _ := testTracker(t)
	p.fail[KindMenu] = errors.New("boom")
	p.fail[KindDesktop] = errors.New("boom")

	st, err := tr.SetState("v1.0", "/opt/versions/v1.0", true)
	if err == nil {
		t.Fatal("expected error when both kinds fail")
	}
	if st.Menu || st.Desktop {
		t.Errorf("state = %+v, want both false", st)
	}
}

func TestStateReDerivesAfterManualDelete(t *testing.T) {
	tr, p, _ := testTracker(t)
	if _, err := tr.SetState("v1.0", "/x", true); err != nil {
		t.Fatal(err)
	}

	// The user deletes the desktop shortcut outside the tool.
	delete(p.existing, p.key(KindDesktop, "v1.0"))

	st, err := tr.State("v1.0")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if !st.Menu || st.Desktop {
		t.Errorf("state = %+v, want re-derived {menu:true, desktop:false}", st)
	}
}

func TestAllStates(t *testing.T) {
	tr, _, _ := testTracker(t)
	_, _ = tr.SetState("v1.0", "/x", true)

	states, err := tr.AllStates([]string{"v1.0", "v1.1"})
	if err != nil {
		t.Fatalf("AllStates: %v", err)
	}
	if !states["v1.0"].Menu || states["v1.1"].Menu {
		t.Errorf("states = %+v", states)
	}
}

func TestForgetRemovesShortcutsAndRecord(t *testing.T) {
	tr, p, db := testTracker(t)
	if _, err := tr.SetState("v1.0", "/opt/versions/v1.0", true); err != nil {
		t.Fatal(err)
	}

	// One kind failing to remove must not keep the record alive.
	p.fail[KindDesktop] = errors.New("desktop dir unwritable")

	if err := tr.Forget("v1.0"); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if ok, _ := p.Exists(KindMenu, "v1.0"); ok {
		t.Error("menu shortcut should be removed")
	}
	row, err := db.GetShortcut("v1.0")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("shortcut record = %+v, want dropped", row)
	}
}

func TestDesktopEntryProviderRoundTrip(t *testing.T) {
	apps, desk := t.TempDir(), t.TempDir()
	p := NewDesktopEntryProvider(apps, desk, "comfyctl switch")

	if err := p.Create(KindMenu, "v1.0", "/opt/versions/v1.0"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ok, err := p.Exists(KindMenu, "v1.0")
	if err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}
	if ok, _ := p.Exists(KindDesktop, "v1.0"); ok {
		t.Error("desktop entry should not exist")
	}

	if err := p.Remove(KindMenu, "v1.0"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if ok, _ := p.Exists(KindMenu, "v1.0"); ok {
		t.Error("entry should be gone")
	}
	// Removing an already-absent entry is fine.
	if err := p.Remove(KindMenu, "v1.0"); err != nil {
		t.Errorf("Remove absent: %v", err)
	}
}
