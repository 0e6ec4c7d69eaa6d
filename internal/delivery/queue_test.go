package delivery

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"ccrelay/internal/storage"
	"ccrelay/internal/transport"
	"ccrelay/pkg/logx"
)

type sentMsg struct {
	target transport.ChatTarget
	text   string
	at     time.Time
}

type editMsg struct {
	ref  transport.MessageRef
	text string
}

type fakeSink struct {
	mu      sync.Mutex
	sends   []sentMsg
	edits   []editMsg
	deletes []transport.MessageRef
	nextID  int
}

func (f *fakeSink) SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sends = append(f.sends, sentMsg{target: to, text: text, at: time.Now()})
	return transport.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: f.nextID}, nil
}

func (f *fakeSink) EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editMsg{ref: ref, text: text})
	return nil
}

func (f *fakeSink) DeleteMessage(ctx context.Context, ref transport.MessageRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, ref)
	return nil
}

func (f *fakeSink) snapshot() (sends []sentMsg, edits []editMsg, deletes []transport.MessageRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sends...),
		append([]editMsg(nil), f.edits...),
		append([]transport.MessageRef(nil), f.deletes...)
}

func testQueue(sink *fakeSink) *Queue {
	return NewQueue(QueueConfig{
		MaxMessageSize:  4096,
		MergeMaxSize:    100,
		MinSendInterval: time.Millisecond,
	}, sink, storage.Nop(), logx.Nop())
}

var tgtA = transport.ChatTarget{ChatID: 10, ThreadID: 1}

// idleWorker builds a worker whose goroutine is not running, so items
// can be staged and batching inspected deterministically.
func idleWorker(q *Queue) *worker {
	return newWorker(q, tgtA)
}

func TestNextBatchMergesConsecutiveContent(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.items = []item{
		{kind: itemContent, sessionID: "s1", text: "one", target: tgtA},
		{kind: itemContent, sessionID: "s1", text: "two", target: tgtA},
		{kind: itemContent, sessionID: "s2", text: "other session", target: tgtA},
	}
	it, ok := w.nextBatch()
	if !ok {
		t.Fatal("no batch")
	}
	if it.text != "one\n\ntwo" {
		t.Fatalf("merged text = %q", it.text)
	}
	if len(w.items) != 1 || w.items[0].sessionID != "s2" {
		t.Fatalf("remaining items: %+v", w.items)
	}
}

func TestNextBatchRespectsMergeCap(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	long := strings.Repeat("a", 60)
	w.items = []item{
		{kind: itemContent, sessionID: "s1", text: long, target: tgtA},
		{kind: itemContent, sessionID: "s1", text: long, target: tgtA},
	}
	it, _ := w.nextBatch()
	if it.text != long {
		t.Fatalf("merge exceeded cap: %d bytes", len(it.text))
	}
	if len(w.items) != 1 {
		t.Fatalf("remaining items: %d", len(w.items))
	}
}

func TestNextBatchStopsAtNonContent(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.items = []item{
		{kind: itemContent, sessionID: "s1", text: "one", target: tgtA},
		{kind: itemCallStart, sessionID: "s1", callID: "c1", text: "**Read**(/f)", target: tgtA},
		{kind: itemContent, sessionID: "s1", text: "two", target: tgtA},
	}
	it, _ := w.nextBatch()
	if it.text != "one" {
		t.Fatalf("merged across call start: %q", it.text)
	}
}

func TestCallResultEditsAnnouncement(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.process(item{kind: itemCallStart, sessionID: "s1", callID: "c1", text: "**Read**(/f)", target: tgtA})
	w.process(item{kind: itemCallResult, sessionID: "s1", callID: "c1", matched: true, text: "Read 3 lines", target: tgtA})

	sends, edits, _ := sink.snapshot()
	if len(sends) != 1 {
		t.Fatalf("sends = %+v", sends)
	}
	if len(edits) != 1 {
		t.Fatalf("edits = %+v", edits)
	}
	if edits[0].text != "**Read**(/f)\nRead 3 lines" {
		t.Fatalf("edited text = %q", edits[0].text)
	}
}

func TestUnmatchedResultIsStandalone(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.process(item{kind: itemCallResult, sessionID: "s1", callID: "ghost", text: "Done", target: tgtA})

	sends, edits, _ := sink.snapshot()
	if len(sends) != 1 || sends[0].text != "Done" {
		t.Fatalf("sends = %+v", sends)
	}
	if len(edits) != 0 {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestStatusDedupAndEdit(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.process(item{kind: itemStatus, sessionID: "s1", text: "working 1s", target: tgtA})
	w.process(item{kind: itemStatus, sessionID: "s1", text: "working 1s", target: tgtA})
	w.process(item{kind: itemStatus, sessionID: "s1", text: "working 2s", target: tgtA})

	sends, edits, _ := sink.snapshot()
	if len(sends) != 1 {
		t.Fatalf("sends = %+v", sends)
	}
	if len(edits) != 1 || edits[0].text != "working 2s" {
		t.Fatalf("edits = %+v", edits)
	}
}

func TestContentClearsStatusMessage(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.process(item{kind: itemStatus, sessionID: "s1", text: "working", target: tgtA})
	w.process(item{kind: itemContent, sessionID: "s1", text: "answer", target: tgtA})
	w.process(item{kind: itemStatus, sessionID: "s1", text: "working", target: tgtA})

	sends, _, deletes := sink.snapshot()
	if len(deletes) != 1 {
		t.Fatalf("deletes = %+v", deletes)
	}
	// The post-content status is a fresh message, not a dedup hit.
	if len(sends) != 3 {
		t.Fatalf("sends = %+v", sends)
	}
}

func TestClearStatusDeletesStandingMessage(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	defer q.Close()
	w := idleWorker(q)

	w.process(item{kind: itemStatus, sessionID: "s1", text: "working", target: tgtA})
	w.process(item{kind: itemStatusClear, target: tgtA})

	sends, _, deletes := sink.snapshot()
	if len(sends) != 1 || len(deletes) != 1 {
		t.Fatalf("sends = %+v, deletes = %+v", sends, deletes)
	}
	// A later status opens a fresh message instead of a dedup no-op.
	w.process(item{kind: itemStatus, sessionID: "s1", text: "working", target: tgtA})
	sends, _, _ = sink.snapshot()
	if len(sends) != 2 {
		t.Fatalf("post-clear status: sends = %+v", sends)
	}
}

func TestClearStatusSkipsUnknownTarget(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)
	q.ClearStatus(transport.ChatTarget{ChatID: 99, ThreadID: 9})
	q.Close()

	sends, _, deletes := sink.snapshot()
	if len(sends) != 0 || len(deletes) != 0 {
		t.Fatalf("unexpected traffic: sends = %+v, deletes = %+v", sends, deletes)
	}
}

func TestBacklogIsNeverShed(t *testing.T) {
	sink := &fakeSink{}
	q := NewQueue(QueueConfig{
		MaxMessageSize:  4096,
		MergeMaxSize:    100,
		MinSendInterval: 5 * time.Millisecond,
	}, sink, storage.Nop(), logx.Nop())

	// Distinct sessions so nothing merges: each item must become its own
	// send even though pacing holds the whole burst in the buffer.
	const n = 6
	for i := 0; i < n; i++ {
		q.Content(tgtA, string(rune('a'+i)), "msg")
	}
	q.Close()

	sends, _, _ := sink.snapshot()
	if len(sends) != n {
		t.Fatalf("delivered %d of %d queued items", len(sends), n)
	}
}

func TestSendsRespectMinInterval(t *testing.T) {
	const interval = 20 * time.Millisecond
	sink := &fakeSink{}
	q := NewQueue(QueueConfig{
		MaxMessageSize:  4096,
		MergeMaxSize:    100,
		MinSendInterval: interval,
	}, sink, storage.Nop(), logx.Nop())

	// Distinct sessions so the batcher cannot merge them into one send.
	q.Content(tgtA, "s1", "one")
	q.Content(tgtA, "s2", "two")
	q.Content(tgtA, "s3", "three")
	q.Close()

	sends, _, _ := sink.snapshot()
	if len(sends) != 3 {
		t.Fatalf("sends = %+v", sends)
	}
	for i := 1; i < len(sends); i++ {
		if gap := sends[i].at.Sub(sends[i-1].at); gap < interval {
			t.Fatalf("gap between send %d and %d = %v, want >= %v", i-1, i, gap, interval)
		}
	}
}

func TestQueueEndToEnd(t *testing.T) {
	sink := &fakeSink{}
	q := testQueue(sink)

	q.Content(tgtA, "s1", "hello")
	q.CallStart(tgtA, "s1", "c1", "**Bash**(ls)")
	q.CallResult(tgtA, "s1", "c1", true, "Done")
	q.Close()

	sends, edits, _ := sink.snapshot()
	total := len(sends) + len(edits)
	if total < 2 {
		t.Fatalf("expected at least content and call start, got sends=%v edits=%v", sends, edits)
	}
	if sends[0].text != "hello" {
		t.Fatalf("first send = %q", sends[0].text)
	}
}
