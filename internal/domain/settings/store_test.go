package settings

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"qrstatus-client/internal/infra/storage"
)

const testBaseURL = "http://localhost:8000/api/v1"

// failingKV имитирует недоступное хранилище: чтение пустое, записи падают.
type failingKV struct{}

func (failingKV) Get(string) ([]byte, bool, error) { return nil, false, nil }
func (failingKV) Put(string, []byte) error         { return errors.New("disk full") }
func (failingKV) Delete(string) error              { return errors.New("disk full") }
func (failingKV) Clear() error                     { return errors.New("disk full") }

func TestNewUsesDefaultsWhenEmpty(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), Defaults(testBaseURL))
	got := s.GetAll()
	if !reflect.DeepEqual(got, Defaults(testBaseURL)) {
		t.Fatalf("unexpected initial settings: %v", got)
	}
}

func TestNewMergesPartialSnapshotOverDefaults(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	// Снимок знает только про тему и таймаут; остальное должно остаться дефолтным.
	snapshot := `{"theme":"dark","api":{"baseUrl":"` + testBaseURL + `","timeout":5000,"retryAttempts":3}}`
	if err := kv.Put(StorageKey, []byte(snapshot)); err != nil {
		t.Fatal(err)
	}

	s := New(kv, Defaults(testBaseURL))
	got := s.GetAll()

	if got.Theme != ThemeDark {
		t.Errorf("theme = %q, want %q", got.Theme, ThemeDark)
	}
	if got.API.TimeoutMS != 5000 {
		t.Errorf("api.timeout = %d, want 5000", got.API.TimeoutMS)
	}
	if got.Language != LanguageRU {
		t.Errorf("language = %q, want default %q", got.Language, LanguageRU)
	}
	if !got.Cache.Enabled || got.Cache.TTLMS != 300000 {
		t.Errorf("cache group lost defaults: %+v", got.Cache)
	}
}

func TestNewIgnoresUnknownKeysAndCorruptSnapshot(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		snapshot string
		want     ThemeMode
	}{
		{"unknown top-level keys", `{"theme":"dark","legacyField":{"a":1}}`, ThemeDark},
		{"corrupt json", `{"theme":`, ThemeLight},
		{"unknown enum healed", `{"theme":"sepia"}`, ThemeLight},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			kv := storage.NewMemory()
			if err := kv.Put(StorageKey, []byte(tt.snapshot)); err != nil {
				t.Fatal(err)
			}
			s := New(kv, Defaults(testBaseURL))
			if got := s.GetAll().Theme; got != tt.want {
				t.Errorf("theme = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestUpdateReplacesGroupWholesale(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	s := New(kv, Defaults(testBaseURL))

	s.Update(Patch{Cache: &CacheSettings{Enabled: false, TTLMS: 60000}})
	got := s.GetAll()
	if got.Cache.Enabled || got.Cache.TTLMS != 60000 {
		t.Fatalf("cache = %+v, want {false 60000}", got.Cache)
	}
	// Остальные группы не тронуты.
	if got.Theme != ThemeLight || got.API.TimeoutMS != 30000 {
		t.Fatalf("untouched groups changed: %+v", got)
	}

	// Персист write-through: в KV лежит то же состояние.
	raw, found, err := kv.Get(StorageKey)
	if err != nil || !found {
		t.Fatalf("snapshot missing: found=%v err=%v", found, err)
	}
	var persisted AppSettings
	if err = json.Unmarshal(raw, &persisted); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(persisted, got) {
		t.Fatalf("persisted %+v differs from current %+v", persisted, got)
	}
}

func TestResetRestoresDefaultsAndSurvivesReload(t *testing.T) {
	t.Parallel()

	kv := storage.NewMemory()
	s := New(kv, Defaults(testBaseURL))

	dark := ThemeDark
	s.Update(Patch{Theme: &dark})

	var calls []ThemeMode
	s.Subscribe(func(v AppSettings) { calls = append(calls, v.Theme) })

	s.Reset()

	if got := s.GetAll(); !reflect.DeepEqual(got, Defaults(testBaseURL)) {
		t.Fatalf("after reset: %+v", got)
	}
	// Ровно одно уведомление со значением после сброса.
	if !reflect.DeepEqual(calls, []ThemeMode{ThemeLight}) {
		t.Fatalf("reset notifications = %v", calls)
	}

	// Новый стор над тем же KV видит дефолты, а не тёмную тему.
	reloaded := New(kv, Defaults(testBaseURL))
	if got := reloaded.GetAll(); got.Theme != ThemeLight {
		t.Fatalf("reloaded theme = %q, want %q", got.Theme, ThemeLight)
	}
}

func TestSubscribersNotifiedInOrder(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), Defaults(testBaseURL))

	var calls []string
	unsubA := s.Subscribe(func(v AppSettings) { calls = append(calls, "A:"+string(v.Theme)) })
	s.Subscribe(func(v AppSettings) { calls = append(calls, "B:"+string(v.Theme)) })

	dark := ThemeDark
	s.Update(Patch{Theme: &dark})

	want := []string{"A:dark", "B:dark"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}

	// После отписки A уведомляется только B; повторная отписка — no-op.
	unsubA()
	unsubA()
	calls = nil
	light := ThemeLight
	s.Update(Patch{Theme: &light})
	if !reflect.DeepEqual(calls, []string{"B:light"}) {
		t.Fatalf("calls after unsubscribe = %v", calls)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()

	src := New(storage.NewMemory(), Defaults(testBaseURL))
	dark := ThemeDark
	en := LanguageEN
	src.Update(Patch{Theme: &dark, Language: &en})

	blob, err := src.Export()
	if err != nil {
		t.Fatal(err)
	}

	dst := New(storage.NewMemory(), Defaults(testBaseURL))
	if err = dst.Import(blob); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dst.GetAll(), src.GetAll()) {
		t.Fatalf("import(export()) mismatch:\nsrc=%+v\ndst=%+v", src.GetAll(), dst.GetAll())
	}
}

func TestImportRejectsMalformedJSONWithoutStateChange(t *testing.T) {
	t.Parallel()

	s := New(storage.NewMemory(), Defaults(testBaseURL))
	before := s.GetAll()

	var notified bool
	s.Subscribe(func(AppSettings) { notified = true })

	if err := s.Import(`{"theme": "dark"`); err == nil {
		t.Fatal("expected parse error")
	}
	if notified {
		t.Error("subscribers must not fire on rejected import")
	}
	if got := s.GetAll(); !reflect.DeepEqual(got, before) {
		t.Fatalf("state changed on rejected import: %+v", got)
	}
}

func TestUpdateSurvivesPersistFailure(t *testing.T) {
	t.Parallel()

	s := New(failingKV{}, Defaults(testBaseURL))

	var seen []ThemeMode
	s.Subscribe(func(v AppSettings) { seen = append(seen, v.Theme) })

	dark := ThemeDark
	got := s.Update(Patch{Theme: &dark})
	if got.Theme != ThemeDark {
		t.Fatalf("in-memory state not updated: %+v", got)
	}
	if !reflect.DeepEqual(seen, []ThemeMode{ThemeDark}) {
		t.Fatalf("subscribers not notified despite persist failure: %v", seen)
	}
}
