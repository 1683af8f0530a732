package schema

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"

	"github.com/joshp123/pecronhub/internal/pecron"
)

func sampleSchema() *Schema {
	return FromDescriptors("E1500", []pecron.PropertyDescriptor{
		{Code: "battery_percentage", AccessMode: pecron.AccessRead, DataType: "int"},
		{Code: "AC_SWITCH_HM", AccessMode: pecron.AccessReadWrite, DataType: "bool"},
		{Code: "dc_switch", AccessMode: pecron.AccessReadWrite, DataType: "bool"},
		{Code: "dc_switch_hm", AccessMode: pecron.AccessRead, DataType: "bool"},
		{Code: "firmware", AccessMode: "", DataType: "string"},
	})
}

func TestLookupAliases(t *testing.T) {
	s := sampleSchema()
	for _, name := range []string{"ac_switch", "AC_SWITCH", "ac_switch_hm", "Ac_Switch_Hm"} {
		entry, ok := s.Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%q) missed", name)
		}
		if entry.Code != "ac_switch" || entry.WireCode() != "AC_SWITCH_HM" {
			t.Fatalf("Lookup(%q) = %+v", name, entry)
		}
	}
	if _, ok := s.Lookup("ups_status"); ok {
		t.Fatal("unexpected match for ups_status")
	}

	entry, _ := s.Lookup("dc_switch_hm")
	if entry.WireCode() != "dc_switch" || !entry.Writable {
		t.Fatalf("bare form should win: %+v", entry)
	}
}

func TestExposedAndWritable(t *testing.T) {
	s := sampleSchema()
	cases := []struct {
		name     string
		exposed  bool
		writable bool
	}{
		{"battery_percentage", true, false},
		{"ac_switch", true, true},
		{"firmware", false, false},
		{"total_input_power", false, false},
		{CodeTimeToFull, true, false},
		{CodeTimeToEmpty, true, false},
	}
	for _, tc := range cases {
		if got := s.Exposed(tc.name); got != tc.exposed {
			t.Errorf("Exposed(%q) = %v, want %v", tc.name, got, tc.exposed)
		}
		if got := s.Writable(tc.name); got != tc.writable {
			t.Errorf("Writable(%q) = %v, want %v", tc.name, got, tc.writable)
		}
	}
}

func TestEmptySchemaExposesAll(t *testing.T) {
	s := New("E600", nil)
	if !s.Empty() || !s.Exposed("anything") || !s.Writable("ac_switch") {
		t.Fatal("empty schema should expose everything")
	}
	filtered := s.Filter(map[string]any{"AC_SWITCH_HM": true})
	if filtered["ac_switch"] != true {
		t.Fatalf("unexpected filter result: %v", filtered)
	}
}

type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *countingFetcher) GetSchema(_ context.Context, model string) ([]pecron.PropertyDescriptor, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return []pecron.PropertyDescriptor{{Code: "ac_switch", AccessMode: pecron.AccessReadWrite, DataType: "bool"}}, nil
}

func TestCacheCollapsesConcurrentFetches(t *testing.T) {
	fetcher := &countingFetcher{release: make(chan struct{})}
	cache, err := NewCache(fetcher, time.Hour, testr.New(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	var wg sync.WaitGroup
	results := make(chan *Schema, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := cache.Fetch(context.Background(), "E1500")
			if err != nil {
				t.Errorf("Fetch: %v", err)
				return
			}
			results <- s
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()
	close(results)

	for s := range results {
		if !s.Writable("ac_switch") {
			t.Fatalf("unexpected schema: %v", s.Codes())
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected one fetch, got %d", got)
	}

	if _, err := cache.Fetch(context.Background(), "E1500"); err != nil {
		t.Fatalf("cached Fetch: %v", err)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Fatalf("expected cached schema, got %d fetches", got)
	}
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("connection refused")}
	cache, err := NewCache(fetcher, 0, testr.New(t))
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	for i := 0; i < 2; i++ {
		if _, err := cache.Fetch(context.Background(), "E1500"); err == nil {
			t.Fatal("expected error")
		}
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Fatalf("failures must not be cached, got %d fetches", got)
	}

	fetcher.err = nil
	if _, err := cache.Fetch(context.Background(), "E1500"); err != nil {
		t.Fatalf("Fetch after recovery: %v", err)
	}
	cache.Invalidate("E1500")
	if _, ok := cache.Get("E1500"); ok {
		t.Fatal("expected invalidated entry to be gone")
	}
}

type modelFetcher struct {
	mu    sync.Mutex
	calls map[string]int
}

func (f *modelFetcher) GetSchema(_ context.Context, model string) ([]pecron.PropertyDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[model]++
	return []pecron.PropertyDescriptor{{Code: "battery_percentage", AccessMode: pecron.AccessRead, DataType: "int"}}, nil
}

func TestCacheKeepsEveryModel(t *testing.T) {
	for _, ttl := range []time.Duration{0, time.Hour} {
		fetcher := &modelFetcher{calls: make(map[string]int)}
		cache, err := NewCache(fetcher, ttl, testr.New(t))
		if err != nil {
			t.Fatalf("NewCache: %v", err)
		}

		models := []string{"E1500", "E3600", "E300"}
		for round := 0; round < 3; round++ {
			for _, model := range models {
				s, err := cache.Fetch(context.Background(), model)
				if err != nil {
					t.Fatalf("Fetch %s: %v", model, err)
				}
				if s.Model != model {
					t.Fatalf("Fetch %s returned schema for %s", model, s.Model)
				}
			}
		}
		for _, model := range models {
			if got := fetcher.calls[model]; got != 1 {
				t.Errorf("ttl %s: %s fetched %d times, want 1", ttl, model, got)
			}
		}
		cache.Close()
	}
}
