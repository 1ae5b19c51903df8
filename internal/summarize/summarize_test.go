package summarize

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aquispe/newsbrief/internal/feed"
	"github.com/aquispe/newsbrief/internal/llm"
)

var discard = slog.New(slog.DiscardHandler)

type fakeChatter struct {
	calls   int
	system  string
	user    string
	results []func() (llm.Result, error)
}

func (f *fakeChatter) Chat(ctx context.Context, system, user string, opts ...llm.CallOption) (llm.Result, error) {
	f.system, f.user = system, user
	i := f.calls
	f.calls++
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	return f.results[i]()
}

func ok(content string) func() (llm.Result, error) {
	return func() (llm.Result, error) { return llm.Result{Content: content}, nil }
}

func fail(err error) func() (llm.Result, error) {
	return func() (llm.Result, error) { return llm.Result{}, err }
}

func somePosts() []feed.Post {
	return []feed.Post{
		{Author: "alice", Text: "first post", PublishedAt: time.Now()},
		{Author: "bob", Text: "second post", PublishedAt: time.Now()},
	}
}

func TestSummarizeBuildsPrompts(t *testing.T) {
	fc := &fakeChatter{results: []func() (llm.Result, error){ok("the digest")}}
	s := New(fc, "en", 500, discard)
	got, err := s.Summarize(context.Background(), somePosts())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "the digest" {
		t.Errorf("digest = %q", got)
	}
	if !strings.Contains(fc.system, "English") {
		t.Errorf("system prompt should name the base language: %q", fc.system)
	}
	if !strings.Contains(fc.system, "500 words") {
		t.Errorf("system prompt should carry the word limit: %q", fc.system)
	}
	if !strings.Contains(fc.user, "1. @alice: first post") ||
		!strings.Contains(fc.user, "2. @bob: second post") {
		t.Errorf("user prompt = %q", fc.user)
	}
}

func TestSummarizeEmptyBatch(t *testing.T) {
	s := New(&fakeChatter{results: []func() (llm.Result, error){ok("x")}}, "en", 500, discard)
	if _, err := s.Summarize(context.Background(), nil); err == nil {
		t.Fatal("empty batch must error")
	}
}

func TestSummarizeRetriesTransientOnce(t *testing.T) {
	fc := &fakeChatter{results: []func() (llm.Result, error){
		fail(&llm.ErrHTTP{Status: 503, Body: "overloaded"}),
		ok("second try"),
	}}
	s := New(fc, "en", 500, discard)
	got, err := s.Summarize(context.Background(), somePosts())
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "second try" || fc.calls != 2 {
		t.Errorf("got %q after %d calls", got, fc.calls)
	}
}

func TestSummarizeDoesNotRetryClientErrors(t *testing.T) {
	fc := &fakeChatter{results: []func() (llm.Result, error){
		fail(&llm.ErrHTTP{Status: 401, Body: "bad key"}),
		ok("should not happen"),
	}}
	s := New(fc, "en", 500, discard)
	_, err := s.Summarize(context.Background(), somePosts())
	var he *llm.ErrHTTP
	if !errors.As(err, &he) || he.Status != 401 {
		t.Fatalf("want 401 ErrHTTP, got %v", err)
	}
	if fc.calls != 1 {
		t.Errorf("client error should not retry, calls = %d", fc.calls)
	}
}

func TestSummarizeSpanishBase(t *testing.T) {
	fc := &fakeChatter{results: []func() (llm.Result, error){ok("resumen")}}
	s := New(fc, "es", 500, discard)
	if _, err := s.Summarize(context.Background(), somePosts()); err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if !strings.Contains(fc.system, "Spanish") {
		t.Errorf("system prompt = %q", fc.system)
	}
}
