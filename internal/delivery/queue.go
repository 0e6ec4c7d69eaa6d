package delivery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ccrelay/internal/storage"
	"ccrelay/internal/transport"
	"ccrelay/pkg/logx"
)

// Sink is the transport surface the queue writes to.
type Sink interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
	DeleteMessage(ctx context.Context, ref transport.MessageRef) error
}

// QueueConfig tunes batching and pacing.
type QueueConfig struct {
	MaxMessageSize  int
	MergeMaxSize    int
	MinSendInterval time.Duration
}

// maxCallRefs bounds how many sent call announcements are remembered per
// target for in-place result editing.
const maxCallRefs = 256

// Queue delivers items to chat targets. Each target gets its own worker
// goroutine so a slow chat never stalls the others; sends to the same
// chat share a rate limiter so topics of one forum do not gang up on the
// per-chat limit.
type Queue struct {
	cfg  QueueConfig
	sink Sink
	jrnl storage.Journal
	log  logx.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	workers  map[transport.ChatTarget]*worker
	limiters map[int64]*rate.Limiter
	closed   bool
}

func NewQueue(cfg QueueConfig, sink Sink, jrnl storage.Journal, log logx.Logger) *Queue {
	if jrnl == nil {
		jrnl = storage.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		cfg:      cfg,
		sink:     sink,
		jrnl:     jrnl,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		workers:  make(map[transport.ChatTarget]*worker),
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Content queues displayable text. Consecutive content of the same
// session merges into one message up to the merge cap.
func (q *Queue) Content(target transport.ChatTarget, sessionID, text string) {
	q.enqueue(item{kind: itemContent, sessionID: sessionID, text: text, target: target})
}

// CallStart queues a tool call announcement.
func (q *Queue) CallStart(target transport.ChatTarget, sessionID, callID, text string) {
	q.enqueue(item{kind: itemCallStart, sessionID: sessionID, callID: callID, text: text, target: target})
}

// CallResult queues a tool result. A matched result edits the
// announcement message when it is still known; everything else is sent
// standalone.
func (q *Queue) CallResult(target transport.ChatTarget, sessionID, callID string, matched bool, text string) {
	q.enqueue(item{kind: itemCallResult, sessionID: sessionID, callID: callID, matched: matched, text: text, target: target})
}

// Status queues a status line update. Identical consecutive status text
// is dropped; otherwise the previous status message is edited in place.
func (q *Queue) Status(target transport.ChatTarget, sessionID, text string) {
	q.enqueue(item{kind: itemStatus, sessionID: sessionID, text: text, target: target})
}

// ClearStatus removes the standing status message for a target, e.g.
// when the window it reported on is gone. A target that never received
// anything has no status to clear, so no worker is started for it.
func (q *Queue) ClearStatus(target transport.ChatTarget) {
	q.mu.Lock()
	w := q.workers[target]
	q.mu.Unlock()
	if w == nil {
		return
	}
	w.push(item{kind: itemStatusClear, target: target})
}

func (q *Queue) enqueue(it item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	w := q.workers[it.target]
	if w == nil {
		w = newWorker(q, it.target)
		q.workers[it.target] = w
		q.wg.Add(1)
		go w.run()
	}
	q.mu.Unlock()
	w.push(it)
}

// limiter returns the per-chat pacer shared by all topics of a chat.
func (q *Queue) limiter(chatID int64) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	lim := q.limiters[chatID]
	if lim == nil {
		every := q.cfg.MinSendInterval
		if every <= 0 {
			every = time.Second
		}
		lim = rate.NewLimiter(rate.Every(every), 1)
		q.limiters[chatID] = lim
	}
	return lim
}

// Close stops accepting items, lets workers drain what they hold, and
// waits for them to exit.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	workers := make([]*worker, 0, len(q.workers))
	for _, w := range q.workers {
		workers = append(workers, w)
	}
	q.mu.Unlock()

	for _, w := range workers {
		w.close()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		q.cancel()
		<-done
	}
	q.cancel()
}

// worker owns delivery to one chat target.
type worker struct {
	q      *Queue
	target transport.ChatTarget
	log    logx.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []item
	closed bool

	// send-side state, touched only by the worker goroutine
	callRefs   map[string]callRef
	callOrder  []string
	statusRef  transport.MessageRef
	lastStatus string
}

type callRef struct {
	ref  transport.MessageRef
	text string
}

func newWorker(q *Queue, target transport.ChatTarget) *worker {
	w := &worker{
		q:        q,
		target:   target,
		log:      q.log.With(logx.Int64("chat_id", target.ChatID), logx.Int("thread_id", target.ThreadID)),
		callRefs: make(map[string]callRef),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *worker) push(it item) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	// The buffer is unbounded on purpose: pacing delays dequeue, it never
	// sheds backlog. A truncation replay can stage hundreds of items in
	// one tick and every one of them must go out.
	w.items = append(w.items, it)
	w.cond.Signal()
}

func (w *worker) close() {
	w.mu.Lock()
	w.closed = true
	w.cond.Signal()
	w.mu.Unlock()
}

func (w *worker) run() {
	defer w.q.wg.Done()
	for {
		batch, ok := w.nextBatch()
		if !ok {
			return
		}
		w.process(batch)
	}
}

// nextBatch pops the next item, absorbing consecutive content of the
// same session into one merged item while the merge cap allows.
func (w *worker) nextBatch() (item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.items) == 0 {
		if w.closed {
			return item{}, false
		}
		w.cond.Wait()
	}
	it := w.items[0]
	w.items = w.items[1:]
	if it.kind != itemContent {
		return it, true
	}
	limit := w.q.cfg.MergeMaxSize
	for len(w.items) > 0 {
		next := w.items[0]
		if next.kind != itemContent || next.sessionID != it.sessionID {
			break
		}
		if limit > 0 && len(it.text)+2+len(next.text) > limit {
			break
		}
		it.text += "\n\n" + next.text
		w.items = w.items[1:]
	}
	return it, true
}

func (w *worker) process(it item) {
	ctx := w.q.ctx
	switch it.kind {
	case itemContent:
		w.clearStatus(ctx)
		w.sendPieces(ctx, it, "content")
	case itemCallStart:
		w.clearStatus(ctx)
		ref, ok := w.send(ctx, it.text, it.sessionID, "call_start")
		if ok && it.callID != "" {
			w.rememberCall(it.callID, ref, it.text)
		}
	case itemCallResult:
		w.deliverResult(ctx, it)
	case itemStatus:
		w.deliverStatus(ctx, it)
	case itemStatusClear:
		w.clearStatus(ctx)
	}
}

func (w *worker) sendPieces(ctx context.Context, it item, kind string) {
	for _, piece := range splitMessage(it.text, w.q.cfg.MaxMessageSize) {
		if piece == "" {
			continue
		}
		w.send(ctx, piece, it.sessionID, kind)
	}
}

func (w *worker) send(ctx context.Context, text, sessionID, kind string) (transport.MessageRef, bool) {
	if err := w.q.limiter(w.target.ChatID).Wait(ctx); err != nil {
		return transport.MessageRef{}, false
	}
	// No parse mode: transcript text is arbitrary and unbalanced markup
	// would make the transport reject the whole message.
	ref, err := w.q.sink.SendText(ctx, w.target, text, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		w.log.Error("send message", logx.String("kind", kind), logx.Err(err))
		return transport.MessageRef{}, false
	}
	w.q.jrnl.Record(storage.Entry{
		At: time.Now(), ChatID: w.target.ChatID, ThreadID: w.target.ThreadID,
		SessionID: sessionID, Kind: kind, Bytes: len(text),
	})
	return ref, true
}

func (w *worker) edit(ctx context.Context, ref transport.MessageRef, text, sessionID, kind string) bool {
	if err := w.q.limiter(w.target.ChatID).Wait(ctx); err != nil {
		return false
	}
	err := w.q.sink.EditText(ctx, ref, text, &transport.SendOptions{DisablePreview: true})
	if err != nil {
		w.log.Debug("edit message", logx.String("kind", kind), logx.Err(err))
		return false
	}
	w.q.jrnl.Record(storage.Entry{
		At: time.Now(), ChatID: w.target.ChatID, ThreadID: w.target.ThreadID,
		SessionID: sessionID, Kind: kind, Bytes: len(text), Edited: true,
	})
	return true
}

// deliverResult folds a result into its announcement message when that
// is still known and the combined text fits; otherwise it goes out as a
// message of its own.
func (w *worker) deliverResult(ctx context.Context, it item) {
	if it.matched && it.callID != "" {
		if cr, ok := w.callRefs[it.callID]; ok {
			w.forgetCall(it.callID)
			combined := cr.text + "\n" + it.text
			max := w.q.cfg.MaxMessageSize
			if (max <= 0 || len(combined) <= max) && w.edit(ctx, cr.ref, combined, it.sessionID, "call_result") {
				return
			}
		}
	}
	w.clearStatus(ctx)
	w.sendPieces(ctx, it, "call_result")
}

// deliverStatus edits the standing status message in place so the status
// line occupies one message at the bottom of the chat.
func (w *worker) deliverStatus(ctx context.Context, it item) {
	if it.text == w.lastStatus {
		return
	}
	if !w.statusRef.IsZero() {
		if w.edit(ctx, w.statusRef, it.text, it.sessionID, "status") {
			w.lastStatus = it.text
			return
		}
		w.statusRef = transport.MessageRef{}
	}
	ref, ok := w.send(ctx, it.text, it.sessionID, "status")
	if ok {
		w.statusRef = ref
		w.lastStatus = it.text
	}
}

// clearStatus removes the standing status message before real content is
// sent, so the next status update lands below the content again.
func (w *worker) clearStatus(ctx context.Context) {
	if w.statusRef.IsZero() {
		return
	}
	if err := w.q.sink.DeleteMessage(ctx, w.statusRef); err != nil {
		w.log.Debug("delete status message", logx.Err(err))
	}
	w.statusRef = transport.MessageRef{}
	w.lastStatus = ""
}

func (w *worker) rememberCall(id string, ref transport.MessageRef, text string) {
	if _, ok := w.callRefs[id]; !ok {
		w.callOrder = append(w.callOrder, id)
	}
	w.callRefs[id] = callRef{ref: ref, text: text}
	for len(w.callOrder) > maxCallRefs {
		old := w.callOrder[0]
		w.callOrder = w.callOrder[1:]
		delete(w.callRefs, old)
	}
}

func (w *worker) forgetCall(id string) {
	delete(w.callRefs, id)
	for i, v := range w.callOrder {
		if v == id {
			w.callOrder = append(w.callOrder[:i], w.callOrder[i+1:]...)
			break
		}
	}
}
