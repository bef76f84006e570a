package persist

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/tanglechat/tangle/pkg/conversation"
)

// Recorder drives the persistence lifecycle of a streaming assistant
// message: a placeholder row at start, cache snapshots plus periodic
// durable writes while deltas arrive, and a final reconciliation at the
// end. A crash mid-stream leaves at worst one durable-write interval of
// content behind the cache.
type Recorder struct {
	store MessageStore
	cache *StreamCache

	// durableEvery is the store-write frequency in snapshots; the cache is
	// written on every snapshot regardless.
	durableEvery int

	mu            sync.Mutex
	progressCount map[conversation.MessageID]int
}

type RecorderOption func(*Recorder)

func WithDurableEvery(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.durableEvery = n
		}
	}
}

func NewRecorder(store MessageStore, cache *StreamCache, options ...RecorderOption) *Recorder {
	r := &Recorder{
		store:         store,
		cache:         cache,
		durableEvery:  10,
		progressCount: make(map[conversation.MessageID]int),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// OnStart persists the streaming placeholder. A client-preallocated id on
// msg is honored; otherwise the caller minted one already via NewMessage.
func (r *Recorder) OnStart(ctx context.Context, msg *conversation.Message) error {
	msg.Status = conversation.StatusStreaming
	if err := r.store.PutMessage(ctx, msg); err != nil {
		return errors.Wrap(err, "persist streaming placeholder")
	}
	r.cache.Set(msg.ID, Snapshot{})
	return nil
}

// OnProgress records an accumulated snapshot. The cache is written every
// time; the durable store only every Nth call. Store failures here are
// logged and swallowed so a flaky disk cannot kill a healthy stream.
func (r *Recorder) OnProgress(ctx context.Context, id conversation.MessageID, snapshot Snapshot) {
	r.cache.Set(id, snapshot)

	r.mu.Lock()
	r.progressCount[id]++
	count := r.progressCount[id]
	r.mu.Unlock()
	if count%r.durableEvery != 0 {
		return
	}
	if err := r.writeSnapshot(ctx, id, snapshot, conversation.StatusStreaming); err != nil {
		log.Warn().Err(err).Str("message_id", id.String()).
			Msg("progress durable write failed")
	}
}

// OnComplete reconciles the final state. The cache snapshot wins over the
// one passed in when it is fresher, covering the case where the stream
// consumer finished before its last durable write. Empty results are
// deleted rather than kept as blank rows.
func (r *Recorder) OnComplete(ctx context.Context, id conversation.MessageID, snapshot Snapshot) error {
	defer r.forget(id)

	incoming := snapshot
	if cached, ok := r.cache.Get(id); ok && len(cached.Content) >= len(snapshot.Content) {
		snapshot = cached
	}
	// Usage arrives with the final snapshot, after the last cached one;
	// a fresher cached body must not discard it.
	if snapshot.Usage.IsZero() && !incoming.Usage.IsZero() {
		snapshot.Usage = incoming.Usage
		snapshot.Cost = incoming.Cost
	}

	if snapshot.Content == "" && snapshot.Reasoning == "" && snapshot.SearchResults == "" && len(snapshot.Parts) == 0 {
		if err := r.store.DeleteMessage(ctx, id); err != nil && errors.Cause(err) != ErrMessageNotFound {
			return errors.Wrap(err, "delete empty result")
		}
		log.Debug().Str("message_id", id.String()).Msg("deleted empty streaming result")
		return nil
	}

	if err := r.writeSnapshot(ctx, id, snapshot, conversation.StatusCompleted); err != nil {
		return errors.Wrap(err, "persist completed message")
	}
	return nil
}

// OnAbort persists whatever partial content the cache holds without
// completing the message, so an interrupted turn stays distinguishable
// from a finished one.
func (r *Recorder) OnAbort(ctx context.Context, id conversation.MessageID) error {
	defer r.forget(id)

	snapshot, ok := r.cache.Get(id)
	if !ok {
		return nil
	}
	if err := r.writeSnapshot(ctx, id, snapshot, conversation.StatusStreaming); err != nil {
		return errors.Wrap(err, "persist aborted message")
	}
	return nil
}

// OnError marks the message failed while keeping whatever partial content
// made it into the cache.
func (r *Recorder) OnError(ctx context.Context, id conversation.MessageID, cause error) error {
	defer r.forget(id)

	snapshot, _ := r.cache.Get(id)
	if err := r.writeSnapshot(ctx, id, snapshot, conversation.StatusError); err != nil {
		return errors.Wrap(err, "persist errored message")
	}
	log.Debug().Err(cause).Str("message_id", id.String()).
		Msg("recorded errored stream with partial content")
	return nil
}

func (r *Recorder) writeSnapshot(ctx context.Context, id conversation.MessageID, snapshot Snapshot, status conversation.Status) error {
	msg, err := r.store.GetMessage(ctx, id)
	if err != nil {
		return err
	}
	msg.Content = snapshot.Content
	msg.ReasoningContent = snapshot.Reasoning
	msg.Parts = append([]conversation.Part(nil), snapshot.Parts...)
	if snapshot.SearchResults != "" {
		msg.Parts = append(msg.Parts, conversation.NewSearchPart(snapshot.SearchResults))
	}
	msg.Usage = snapshot.Usage
	msg.Cost = snapshot.Cost
	msg.Status = status
	msg.UpdatedAt = time.Now()
	return r.store.PutMessage(ctx, msg)
}

func (r *Recorder) forget(id conversation.MessageID) {
	r.cache.Delete(id)
	r.mu.Lock()
	delete(r.progressCount, id)
	r.mu.Unlock()
}
