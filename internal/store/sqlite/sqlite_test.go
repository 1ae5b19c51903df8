package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/aquispe/newsbrief/internal/store"
)

func open(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(s.Close)
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

var t0 = time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC)

func TestSubscribeTwiceKeepsFirstSubscribedAt(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	res, err := s.Subscribe(ctx, 42, "en", t0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !res.New || !res.NeedsWelcome {
		t.Errorf("first subscribe = %+v", res)
	}

	res, err = s.Subscribe(ctx, 42, "en", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !res.AlreadyActive || res.New || res.Reactivated {
		t.Errorf("second subscribe = %+v", res)
	}

	sub, err := s.GetSubscriber(ctx, 42)
	if err != nil {
		t.Fatalf("GetSubscriber: %v", err)
	}
	if !sub.Active || !sub.FirstSubscribedAt.Equal(t0) || !sub.SubscribedAt.Equal(t0) {
		t.Errorf("subscriber = %+v", sub)
	}
}

func TestUnsubscribeThenResubscribe(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if _, err := s.Subscribe(ctx, 42, "en", t0); err != nil {
		t.Fatal(err)
	}
	changed, err := s.Unsubscribe(ctx, 42)
	if err != nil || !changed {
		t.Fatalf("Unsubscribe = %v, %v", changed, err)
	}
	changed, err = s.Unsubscribe(ctx, 42)
	if err != nil || changed {
		t.Fatalf("second Unsubscribe should be a no-op, got %v, %v", changed, err)
	}

	later := t0.Add(24 * time.Hour)
	res, err := s.Subscribe(ctx, 42, "en", later)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !res.Reactivated {
		t.Errorf("resubscribe = %+v", res)
	}

	sub, _ := s.GetSubscriber(ctx, 42)
	if !sub.Active || !sub.SubscribedAt.Equal(later) || !sub.FirstSubscribedAt.Equal(t0) {
		t.Errorf("resubscribe must advance subscribed_at only, got %+v", sub)
	}
}

func TestWelcomeFlag(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if _, err := s.Subscribe(ctx, 7, "en", t0); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkWelcomeSent(ctx, 7); err != nil {
		t.Fatalf("MarkWelcomeSent: %v", err)
	}
	s.Unsubscribe(ctx, 7)
	res, err := s.Subscribe(ctx, 7, "en", t0.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if res.NeedsWelcome {
		t.Error("welcomed subscriber should not need welcome again")
	}
}

func TestSetLanguage(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if err := s.SetLanguage(ctx, 99, "es"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	s.Subscribe(ctx, 99, "en", t0)
	if err := s.SetLanguage(ctx, 99, "es"); err != nil {
		t.Fatalf("SetLanguage: %v", err)
	}
	if err := s.SetLanguage(ctx, 99, "es"); err != nil {
		t.Fatalf("repeated SetLanguage must be a no-op: %v", err)
	}
	sub, _ := s.GetSubscriber(ctx, 99)
	if sub.Language != "es" {
		t.Errorf("language = %q", sub.Language)
	}
}

func TestDeactivateKeepsRow(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	s.Subscribe(ctx, 300, "en", t0)
	if err := s.Deactivate(ctx, 300); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
	sub, err := s.GetSubscriber(ctx, 300)
	if err != nil {
		t.Fatalf("deactivation must keep the row: %v", err)
	}
	if sub.Active {
		t.Error("subscriber still active")
	}
}

func TestSubscriberStats(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	s.Subscribe(ctx, 1, "en", t0)
	s.Subscribe(ctx, 2, "es", t0)
	s.Subscribe(ctx, 3, "es", t0)
	s.Unsubscribe(ctx, 3)

	stats, err := s.SubscriberStats(ctx)
	if err != nil {
		t.Fatalf("SubscriberStats: %v", err)
	}
	if stats.ActiveCount != 2 || stats.InactiveCount != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Languages["en"] != 1 || stats.Languages["es"] != 1 {
		t.Errorf("languages = %v", stats.Languages)
	}
}

func TestDigestLifecycle(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	if _, err := s.LatestDigest(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound on empty store, got %v", err)
	}

	d1, err := s.InsertDigest(ctx, "first", t0)
	if err != nil {
		t.Fatalf("InsertDigest: %v", err)
	}
	d2, err := s.InsertDigest(ctx, "second", t0.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("InsertDigest: %v", err)
	}
	if d2.ID <= d1.ID {
		t.Errorf("ids not monotonic: %d then %d", d1.ID, d2.ID)
	}

	latest, err := s.LatestDigest(ctx)
	if err != nil {
		t.Fatalf("LatestDigest: %v", err)
	}
	if latest.ID != d2.ID || latest.Content != "second" {
		t.Errorf("latest = %+v", latest)
	}
}

func TestTranslationUnique(t *testing.T) {
	s := open(t)
	ctx := context.Background()

	d, _ := s.InsertDigest(ctx, "digest", t0)
	if err := s.InsertTranslation(ctx, d.ID, "es", "resumen", t0); err != nil {
		t.Fatalf("InsertTranslation: %v", err)
	}
	err := s.InsertTranslation(ctx, d.ID, "es", "otro resumen", t0)
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("want ErrDuplicate, got %v", err)
	}

	tr, err := s.GetTranslation(ctx, d.ID, "es")
	if err != nil {
		t.Fatalf("GetTranslation: %v", err)
	}
	if tr.Content != "resumen" {
		t.Errorf("first write must win, got %q", tr.Content)
	}
	if _, err := s.GetTranslation(ctx, d.ID, "fr"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("want ErrNotFound for missing language, got %v", err)
	}
}

func TestLeaseExclusivityAndExpiry(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	const slot = "schedule:08:00:2026-08-25"

	got, err := s.AcquireLease(ctx, slot, "instance-a", t0, 20*time.Minute)
	if err != nil || !got {
		t.Fatalf("first acquire = %v, %v", got, err)
	}
	got, err = s.AcquireLease(ctx, slot, "instance-b", t0.Add(time.Minute), 20*time.Minute)
	if err != nil || got {
		t.Fatalf("second holder must be refused, got %v, %v", got, err)
	}

	// After expiry the slot is claimable again.
	got, err = s.AcquireLease(ctx, slot, "instance-b", t0.Add(21*time.Minute), 20*time.Minute)
	if err != nil || !got {
		t.Fatalf("expired lease should be claimable, got %v, %v", got, err)
	}
}

func TestLeaseRelease(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	const slot = "manual:trigger"

	s.AcquireLease(ctx, slot, "a", t0, time.Hour)
	if err := s.ReleaseLease(ctx, slot, "b"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	// Wrong holder must not release.
	got, _ := s.AcquireLease(ctx, slot, "b", t0.Add(time.Minute), time.Hour)
	if got {
		t.Fatal("lease should still be held by a")
	}
	if err := s.ReleaseLease(ctx, slot, "a"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	got, _ = s.AcquireLease(ctx, slot, "b", t0.Add(2*time.Minute), time.Hour)
	if !got {
		t.Fatal("released lease should be claimable")
	}
}

func TestRecordFailure(t *testing.T) {
	s := open(t)
	ctx := context.Background()
	if err := s.RecordFailure(ctx, 500, "can't parse entities at offset 7", t0); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
}
