// Package archive moves finished conversation turns into the persistent
// memory store: noise check, embedding, tagging, insert and an optional model
// rating of how worth keeping the text is.
package archive

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hupe1980/contextmesh/core"
	"github.com/hupe1980/contextmesh/embedding"
	"github.com/hupe1980/contextmesh/logging"
	"github.com/hupe1980/contextmesh/store/sqlite"
)

// DefaultRank is stored when no rating is available. It equals the minimum
// rank the retrieval path accepts, so unrated memories stay recallable.
const DefaultRank = 3

// Store is the part of the persistent store the archiver writes to.
type Store interface {
	SaveMemory(ctx context.Context, m sqlite.Memory) (string, error)
	UpdateRank(ctx context.Context, id string, rank int) error
}

// Rater scores text on the 1..5 rank scale.
type Rater interface {
	Rate(ctx context.Context, text string) (int, error)
}

// Options configures an Archiver.
type Options struct {
	DefaultRank int
	// Rater refines the stored rank after insert. Optional.
	Rater  Rater
	Logger logging.Logger
}

// Archiver persists conversation messages as recallable memories.
type Archiver struct {
	store    Store
	embedder core.Embedder
	tagger   core.Tagger
	opts     Options
}

// New creates an Archiver.
func New(store Store, embedder core.Embedder, tagger core.Tagger, optFns ...func(o *Options)) *Archiver {
	opts := Options{
		DefaultRank: DefaultRank,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.Logger = logging.OrNoOp(opts.Logger)
	return &Archiver{store: store, embedder: embedder, tagger: tagger, opts: opts}
}

// Record stores both sides of a turn.
func (a *Archiver) Record(ctx context.Context, sessionID, userText, assistantText string) error {
	var errs []error
	if _, err := a.Archive(ctx, sessionID, core.RoleUser, userText); err != nil {
		errs = append(errs, err)
	}
	if _, err := a.Archive(ctx, sessionID, core.RoleAssistant, assistantText); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Archive stores a single message and returns its id. Noise is skipped and
// reported with an empty id. Embedding and rating failures degrade the record
// but do not fail it.
func (a *Archiver) Archive(ctx context.Context, sessionID, speaker, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" || a.tagger.IsNoise(text) {
		a.opts.Logger.Debug("archive.skipped", "session_id", sessionID, "speaker", speaker)
		return "", nil
	}

	var vec []byte
	if v, err := a.embedder.Embed(ctx, text); err != nil {
		a.opts.Logger.Warn("archive.embed.failed", "session_id", sessionID, "error", err.Error())
	} else {
		vec = embedding.Quantize(v)
	}

	id, err := a.store.SaveMemory(ctx, sqlite.Memory{
		Text:      text,
		SessionID: sessionID,
		Speaker:   speaker,
		Rank:      a.opts.DefaultRank,
		Embedding: vec,
		Tags:      a.tagger.Tag(text),
	})
	if err != nil {
		return "", fmt.Errorf("save memory: %w", err)
	}

	if a.opts.Rater != nil {
		a.rate(ctx, id, text)
	}
	a.opts.Logger.Debug("archive.stored", "id", id, "session_id", sessionID, "speaker", speaker)
	return id, nil
}

func (a *Archiver) rate(ctx context.Context, id, text string) {
	rank, err := a.opts.Rater.Rate(ctx, text)
	if err != nil {
		a.opts.Logger.Warn("archive.rate.failed", "id", id, "error", err.Error())
		return
	}
	if rank == a.opts.DefaultRank {
		return
	}
	if err := a.store.UpdateRank(ctx, id, rank); err != nil {
		a.opts.Logger.Warn("archive.rank.update_failed", "id", id, "error", err.Error())
	}
}
