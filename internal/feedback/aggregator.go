package feedback

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/session"
)

// DefaultRetrainThreshold is the unconsumed-example count above which the
// retrain hint fires.
const DefaultRetrainThreshold = 50

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

// SessionLookup resolves short ids to the search sessions that produced
// the results users react to.
type SessionLookup interface {
	Get(shortID string) (*session.Session, bool)
	Delete(shortID string)
}

// CatalogReader checks that an item a user names actually exists.
type CatalogReader interface {
	Get(ctx context.Context, itemID string) (*catalog.Product, error)
}

// ItemResolver maps free text ("дрель Makita") to a catalog item id.
type ItemResolver interface {
	ResolveItem(ctx context.Context, query string) (string, error)
}

// ResultFeedback is a verdict on one served result.
type ResultFeedback struct {
	ShortID     string
	ResultIndex int
	ItemID      string
	UserID      string
	Username    string
	Comment     string
}

// NewItemFeedback reports a photo of something the catalog does not carry.
type NewItemFeedback struct {
	ShortID     string
	Name        string
	Category    string
	Description string
	UserID      string
	Username    string
}

// CorrectionFeedback names the item that should have been returned. Either
// ItemID (exact) or Query (free text) must be set.
type CorrectionFeedback struct {
	ShortID  string
	ItemID   string
	Query    string
	UserID   string
	Username string
	Comment  string
}

// Aggregator turns transport-level feedback signals into persisted
// training examples. Signals are resolved against the originating search
// session when it is still alive; an expired session demotes the signal
// to orphaned, which keeps the verdict but loses the similarity score and
// stores the short id in place of the full photo fingerprint.
type Aggregator struct {
	store     *Store
	sessions  SessionLookup
	items     CatalogReader
	resolver  ItemResolver
	threshold int
	logger    *slog.Logger
}

// AggregatorOption configures an Aggregator.
type AggregatorOption func(*Aggregator)

// WithItemResolver wires a free-text resolver for corrections.
func WithItemResolver(r ItemResolver) AggregatorOption {
	return func(a *Aggregator) { a.resolver = r }
}

// WithRetrainThreshold overrides the unconsumed-example threshold.
func WithRetrainThreshold(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.threshold = n
		}
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(logger *slog.Logger) AggregatorOption {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator wires the feedback path. The catalog reader is used to
// validate explicit item ids; the resolver is optional.
func NewAggregator(store *Store, sessions SessionLookup, items CatalogReader, opts ...AggregatorOption) (*Aggregator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: feedback store is required", ErrNilDependency)
	}
	if sessions == nil {
		return nil, fmt.Errorf("%w: session lookup is required", ErrNilDependency)
	}
	if items == nil {
		return nil, fmt.Errorf("%w: catalog reader is required", ErrNilDependency)
	}

	a := &Aggregator{
		store:     store,
		sessions:  sessions,
		items:     items,
		threshold: DefaultRetrainThreshold,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// MarkCorrect records that the result at ResultIndex matched the photo.
// The session is consumed: confirming a result ends the exchange. The
// verdict is queued for the store's writer; callers get an ack, not an id.
func (a *Aggregator) MarkCorrect(ctx context.Context, fb ResultFeedback) error {
	return a.markVerdict(ctx, fb, KindCorrect, true)
}

// MarkIncorrect records that the result at ResultIndex did not match. The
// session stays alive so a follow-up correction can still resolve against
// it.
func (a *Aggregator) MarkIncorrect(ctx context.Context, fb ResultFeedback) error {
	return a.markVerdict(ctx, fb, KindIncorrect, false)
}

func (a *Aggregator) markVerdict(ctx context.Context, fb ResultFeedback, kind FeedbackKind, terminal bool) error {
	ex := Example{
		UserID:      fb.UserID,
		Username:    fb.Username,
		Kind:        kind,
		UserComment: fb.Comment,
	}

	sess, alive := a.sessions.Get(fb.ShortID)
	itemID := fb.ItemID
	if alive {
		ex.PhotoFingerprint = sess.PhotoFingerprint
		ex.ImagePath = sess.ImagePath
		if ref, ok := sess.Result(fb.ResultIndex); ok {
			switch {
			case itemID == "":
				itemID = ref.ItemID
				sim := ref.Similarity
				ex.SimilarityScore = &sim
			case itemID == ref.ItemID:
				sim := ref.Similarity
				ex.SimilarityScore = &sim
			default:
				// The session was overwritten by a colliding short id;
				// the explicit item id wins, the stale score is dropped.
				a.logger.Warn("feedback_item_mismatch",
					"short_id", fb.ShortID,
					"result_index", fb.ResultIndex,
					"claimed", itemID,
					"stored", ref.ItemID)
			}
		}
	} else {
		ex.PhotoFingerprint = fb.ShortID
		a.logger.Info("feedback_orphaned",
			"short_id", fb.ShortID,
			"kind", string(kind))
	}

	if itemID == "" {
		return errors.New(errors.ErrCodeInvalidArgument,
			"feedback names no item and the session is gone", nil)
	}
	ex.TargetItemID = itemID

	if err := a.store.EnqueueExample(&ex); err != nil {
		return err
	}
	if alive && terminal {
		a.sessions.Delete(fb.ShortID)
	}
	a.logger.Info("feedback_recorded",
		"kind", string(kind),
		"item_id", itemID,
		"orphaned", !alive)
	return nil
}

// ProposeNewItem records a new-item report plus its annotation and returns
// the annotation id. The session is consumed.
func (a *Aggregator) ProposeNewItem(ctx context.Context, fb NewItemFeedback) (int64, error) {
	if fb.Name == "" {
		return 0, errors.New(errors.ErrCodeInvalidArgument, "new item needs a name", nil)
	}

	fingerprint := fb.ShortID
	imagePath := ""
	sess, alive := a.sessions.Get(fb.ShortID)
	if alive {
		fingerprint = sess.PhotoFingerprint
		imagePath = sess.ImagePath
	} else {
		a.logger.Info("feedback_orphaned", "short_id", fb.ShortID, "kind", string(KindNewItem))
	}

	if err := a.store.EnqueueExample(&Example{
		PhotoFingerprint: fingerprint,
		ImagePath:        imagePath,
		UserID:           fb.UserID,
		Username:         fb.Username,
		Kind:             KindNewItem,
		UserComment:      fb.Description,
	}); err != nil {
		return 0, err
	}

	annotationID, err := a.store.AddNewProduct(ctx, &Annotation{
		PhotoFingerprint: fingerprint,
		ImagePath:        imagePath,
		UserID:           fb.UserID,
		Username:         fb.Username,
		Name:             fb.Name,
		Category:         fb.Category,
		Description:      fb.Description,
	})
	if err != nil {
		return 0, err
	}

	if alive {
		a.sessions.Delete(fb.ShortID)
	}
	a.logger.Info("new_item_proposed",
		"annotation_id", annotationID,
		"name", fb.Name)
	return annotationID, nil
}

// SpecifyCorrect records the item that should have been returned,
// resolving free text through the item resolver when no exact id is
// given. The named item must exist. The session is consumed.
func (a *Aggregator) SpecifyCorrect(ctx context.Context, fb CorrectionFeedback) error {
	itemID := fb.ItemID
	if itemID == "" && fb.Query != "" {
		if a.resolver == nil {
			// Without a resolver the free text might still be an exact id.
			itemID = fb.Query
		} else {
			resolved, err := a.resolver.ResolveItem(ctx, fb.Query)
			if err != nil {
				return err
			}
			itemID = resolved
		}
	}
	if itemID == "" {
		return errors.New(errors.ErrCodeInvalidArgument,
			"correction names no item", nil)
	}

	if _, err := a.items.Get(ctx, itemID); err != nil {
		return err
	}

	ex := Example{
		UserID:       fb.UserID,
		Username:     fb.Username,
		Kind:         KindCorrect,
		TargetItemID: itemID,
		UserComment:  fb.Comment,
	}

	sess, alive := a.sessions.Get(fb.ShortID)
	if alive {
		ex.PhotoFingerprint = sess.PhotoFingerprint
		ex.ImagePath = sess.ImagePath
		// The corrected item may have been served further down the list.
		for _, ref := range sess.Results {
			if ref.ItemID == itemID {
				sim := ref.Similarity
				ex.SimilarityScore = &sim
				break
			}
		}
	} else {
		ex.PhotoFingerprint = fb.ShortID
		a.logger.Info("feedback_orphaned", "short_id", fb.ShortID, "kind", string(KindCorrect))
	}

	if err := a.store.EnqueueExample(&ex); err != nil {
		return err
	}
	if alive {
		a.sessions.Delete(fb.ShortID)
	}
	a.logger.Info("feedback_recorded",
		"kind", string(KindCorrect),
		"item_id", itemID,
		"orphaned", !alive)
	return nil
}

// ShouldRetrainHint reports whether enough fresh signal has accumulated
// to make a training run worthwhile: more unconsumed examples than the
// threshold, with both verdict classes represented.
func (a *Aggregator) ShouldRetrainHint(ctx context.Context) (bool, error) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		return false, err
	}
	return st.Unconsumed > a.threshold &&
		st.UnconsumedCorrect > 0 &&
		st.UnconsumedIncorrect > 0, nil
}
