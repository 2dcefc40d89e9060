package training

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"fotopoisk/internal/catalog"
	"fotopoisk/internal/config"
	"fotopoisk/internal/embed"
	"fotopoisk/internal/errors"
	"fotopoisk/internal/feedback"
	"fotopoisk/internal/registry"
)

// ErrNilDependency is returned when a required dependency is nil.
var ErrNilDependency = stderrors.New("nil dependency")

// Hyperparams controls one fine-tuning run. Zero fields fall back to the
// defaults the loss was tuned with.
type Hyperparams struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
	WeightDecay  float64 `json:"weight_decay"`
	MinExamples  int     `json:"min_examples"`
}

func (hp Hyperparams) withDefaults() Hyperparams {
	if hp.Epochs <= 0 {
		hp.Epochs = 3
	}
	if hp.BatchSize <= 0 {
		hp.BatchSize = 8
	}
	if hp.LearningRate <= 0 {
		hp.LearningRate = 1e-5
	}
	if hp.WeightDecay <= 0 {
		hp.WeightDecay = 0.01
	}
	if hp.MinExamples <= 0 {
		hp.MinExamples = 10
	}
	return hp
}

// HyperparamsFromConfig lifts the training section of the configuration
// into run parameters, using the manual minimum.
func HyperparamsFromConfig(cfg config.TrainingConfig) Hyperparams {
	return Hyperparams{
		Epochs:       cfg.Epochs,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		WeightDecay:  cfg.WeightDecay,
		MinExamples:  cfg.MinExamplesManual,
	}.withDefaults()
}

// Result reports one completed fine-tuning run.
type Result struct {
	Success        bool
	Version        string
	SessionID      int64
	AccuracyBefore float64
	AccuracyAfter  float64
	Duration       time.Duration
	Examples       int
	Positives      int
	Negatives      int
	Reembedded     int
}

// Reindexer rebuilds the vector index after the catalog moved to a new
// embedding space.
type Reindexer interface {
	Rebuild(ctx context.Context, store *catalog.Store) (int, error)
}

// Stage names reported through Progress, in run order.
const (
	StageLoading   = "loading"
	StageTraining  = "training"
	StageEmbedding = "embedding"
	StageIndexing  = "indexing"
	StagePromoting = "promoting"
)

// Progress receives stage transitions and per-item counts during a run.
// Counted stages report done out of total; marker stages report 0, 0.
type Progress func(stage string, done, total int)

// Trainer runs the fine-tuning lifecycle: backup, optimize, register,
// re-embed, promote, record, consume, swap. One run at a time.
type Trainer struct {
	feedback  *feedback.Store
	catalog   *catalog.Store
	registry  *registry.Registry
	embedder  *embed.Embedder
	reindexer Reindexer
	progress  Progress
	logger    *slog.Logger
	busy      atomic.Bool
}

// TrainerOption configures a Trainer.
type TrainerOption func(*Trainer)

// WithReindexer wires the vector index rebuild that follows a re-embed.
func WithReindexer(r Reindexer) TrainerOption {
	return func(t *Trainer) { t.reindexer = r }
}

// WithProgress installs a progress sink. Calls happen on the training
// goroutine, so the sink must be cheap and must never block.
func WithProgress(p Progress) TrainerOption {
	return func(t *Trainer) { t.progress = p }
}

// WithTrainerLogger sets the logger.
func WithTrainerLogger(logger *slog.Logger) TrainerOption {
	return func(t *Trainer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTrainer wires the training loop to its stores.
func NewTrainer(fb *feedback.Store, cat *catalog.Store, reg *registry.Registry, emb *embed.Embedder, opts ...TrainerOption) (*Trainer, error) {
	if fb == nil {
		return nil, fmt.Errorf("%w: feedback store is required", ErrNilDependency)
	}
	if cat == nil {
		return nil, fmt.Errorf("%w: catalog store is required", ErrNilDependency)
	}
	if reg == nil {
		return nil, fmt.Errorf("%w: registry is required", ErrNilDependency)
	}
	if emb == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrNilDependency)
	}

	t := &Trainer{
		feedback: fb,
		catalog:  cat,
		registry: reg,
		embedder: emb,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *Trainer) report(stage string, done, total int) {
	if t.progress != nil {
		t.progress(stage, done, total)
	}
}

// adapterView exposes a candidate adapter as a catalog embedder without
// touching the serving one. Re-embedding runs through it so queries keep
// using the old space until the whole catalog has moved.
type adapterView struct {
	embedder *embed.Embedder
	adapter  *embed.Adapter
}

func (v *adapterView) EmbedProduct(ctx context.Context, src embed.ImageSource, name string) (adapted, base []float32, err error) {
	base, err = v.embedder.ProductBase(ctx, src, name)
	if err != nil {
		return nil, nil, err
	}
	return v.adapter.Apply(base), base, nil
}

func (v *adapterView) Apply(base []float32) []float32 { return v.adapter.Apply(base) }
func (v *adapterView) ModelVersion() string           { return v.adapter.Version }
func (v *adapterView) BackboneName() string           { return v.embedder.BackboneName() }
func (v *adapterView) Dimensions() int                { return v.embedder.Dimensions() }

var _ catalog.ItemEmbedder = (*adapterView)(nil)

// FineTune runs one training pass over the unconsumed feedback and, on
// success, leaves the new model active with the catalog re-embedded.
func (t *Trainer) FineTune(ctx context.Context, hp Hyperparams) (*Result, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return nil, errors.New(errors.ErrCodeTrainingBusy,
			"a training or restore run is already in progress", nil).
			WithSuggestion("Wait for the current run to finish")
	}
	defer t.busy.Store(false)

	hp = hp.withDefaults()
	startedAt := time.Now()
	version := registry.NewVersion(startedAt)

	// Queued verdicts must be on disk before the snapshot is taken.
	t.feedback.Flush()
	raw, err := t.feedback.ListExamples(ctx, feedback.ExampleFilter{Unconsumed: true})
	if err != nil {
		return nil, err
	}
	var verdicts []*feedback.Example
	for _, ex := range raw {
		if ex.Kind == feedback.KindCorrect || ex.Kind == feedback.KindIncorrect {
			verdicts = append(verdicts, ex)
		}
	}
	if len(verdicts) < hp.MinExamples {
		return nil, errors.New(errors.ErrCodeInsufficientData,
			fmt.Sprintf("have %d unconsumed examples, need %d", len(verdicts), hp.MinExamples), nil).
			WithSuggestion("Collect more feedback before retraining")
	}

	t.report(StageLoading, 0, len(verdicts))
	loaded, consumedIDs, err := t.loadExamples(ctx, verdicts)
	if err != nil {
		return nil, err
	}

	trainEx, valEx := splitExamples(loaded)
	trainPairs := buildPairs(trainEx)
	valPairs := buildPairs(valEx)
	if len(trainPairs) == 0 {
		return nil, errors.New(errors.ErrCodeInsufficientData,
			"feedback yields no contrastive pairs", nil).
			WithSuggestion("Pairs need either two confirmations of the same item or a mix of correct and incorrect verdicts")
	}

	nPositive, nNegative := countExampleClasses(loaded)
	pairPos, pairNeg := countLabels(trainPairs)
	t.logger.Info("training_started",
		"version", version,
		"examples", len(loaded),
		"train_pairs", len(trainPairs),
		"positive_pairs", pairPos,
		"negative_pairs", pairNeg,
		"val_pairs", len(valPairs))

	current := t.embedder.ActiveAdapter().Clone()
	m := newModel(current)
	accuracyBefore := m.evaluate(valPairs)

	if _, err := t.snapshotActive(ctx, version, "before training "+version); err != nil {
		return nil, err
	}

	if err := t.optimize(ctx, m, trainPairs, valPairs, hp); err != nil {
		return nil, err
	}
	accuracyAfter := m.evaluate(valPairs)

	trained := m.adapter(version)
	if _, err := t.registerAdapter(trained, registry.OriginFineTuned, version,
		fmt.Sprintf("fine-tuned on %d pairs", len(trainPairs))); err != nil {
		return nil, err
	}

	result := &Result{
		Version:        version,
		AccuracyBefore: accuracyBefore,
		AccuracyAfter:  accuracyAfter,
		Examples:       len(loaded),
		Positives:      nPositive,
		Negatives:      nNegative,
	}

	// From here on the artifact exists; failures compensate instead of
	// promoting a half-finished switch.
	view := &adapterView{embedder: t.embedder, adapter: trained}
	reembedded, err := t.catalog.ReembedAll(ctx, view, t.reembedProgress())
	if err != nil {
		return nil, t.compensate(version, startedAt, hp, result, "re_embed", err)
	}
	result.Reembedded = reembedded

	t.report(StagePromoting, 0, 0)
	if _, err := t.registry.Promote(version); err != nil {
		return nil, t.compensate(version, startedAt, hp, result, "promote", err)
	}

	hpJSON, _ := json.Marshal(hp)
	sessionID, err := t.feedback.LogTrainingSession(ctx, &feedback.TrainingSession{
		ModelVersion:    version,
		StartedAt:       startedAt,
		Duration:        time.Since(startedAt),
		NExamples:       len(loaded),
		NPositive:       nPositive,
		NNegative:       nNegative,
		AccuracyBefore:  accuracyBefore,
		AccuracyAfter:   accuracyAfter,
		Hyperparameters: string(hpJSON),
		IsActive:        true,
	})
	if err != nil {
		return nil, t.compensate(version, startedAt, hp, result, "log_session", err)
	}
	result.SessionID = sessionID

	if err := t.feedback.MarkConsumed(ctx, consumedIDs, sessionID); err != nil {
		return nil, t.compensate(version, startedAt, hp, result, "mark_consumed", err)
	}

	t.embedder.SwapAdapter(trained)
	t.rebuildIndex(ctx)

	result.Success = true
	result.Duration = time.Since(startedAt)
	t.logger.Info("training_complete",
		"version", version,
		"session_id", sessionID,
		"accuracy_before", accuracyBefore,
		"accuracy_after", accuracyAfter,
		"reembedded", reembedded,
		"duration", result.Duration.String())
	return result, nil
}

// loadExamples embeds each verdict's photo through the frozen backbone.
// Unreadable photos are skipped; the surviving ids are what training will
// consume.
func (t *Trainer) loadExamples(ctx context.Context, verdicts []*feedback.Example) ([]loadedExample, []int64, error) {
	loaded := make([]loadedExample, 0, len(verdicts))
	ids := make([]int64, 0, len(verdicts))
	for i, ex := range verdicts {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.New(errors.ErrCodeTrainingFailed, "training canceled", err)
		}
		t.report(StageLoading, i+1, len(verdicts))
		if ex.ImagePath == "" {
			continue
		}
		if _, err := os.Stat(ex.ImagePath); err != nil {
			t.logger.Debug("training_photo_missing", "example_id", ex.ID, "path", ex.ImagePath)
			continue
		}
		vec, err := t.embedder.BaseImage(ctx, embed.FromPath(ex.ImagePath))
		if err != nil {
			t.logger.Warn("training_photo_unreadable",
				"example_id", ex.ID,
				"path", ex.ImagePath,
				"error", err.Error())
			continue
		}
		loaded = append(loaded, loadedExample{ID: ex.ID, Kind: ex.Kind, ItemID: ex.TargetItemID, Vec: vec})
		ids = append(ids, ex.ID)
	}
	return loaded, ids, nil
}

func countExampleClasses(loaded []loadedExample) (positive, negative int) {
	for _, ex := range loaded {
		if ex.Kind == feedback.KindCorrect {
			positive++
		} else {
			negative++
		}
	}
	return positive, negative
}

// optimize runs the AdamW epochs in place on m.
func (t *Trainer) optimize(ctx context.Context, m *model, trainPairs, valPairs []pair, hp Hyperparams) error {
	opt := newAdamW(hp.LearningRate, hp.WeightDecay, len(m.params), m.dim*m.dim)
	grads := make([]float64, len(m.params))

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		var epochLoss float64
		var batches int
		for start := 0; start < len(trainPairs); start += hp.BatchSize {
			if err := ctx.Err(); err != nil {
				return errors.New(errors.ErrCodeTrainingFailed, "training canceled", err)
			}
			end := start + hp.BatchSize
			if end > len(trainPairs) {
				end = len(trainPairs)
			}

			for i := range grads {
				grads[i] = 0
			}
			var batchLoss float64
			used := 0
			for _, pr := range trainPairs[start:end] {
				loss, ok := m.accumulate(pr, grads)
				if !ok {
					continue
				}
				batchLoss += loss
				used++
			}
			if used == 0 {
				continue
			}
			inv := 1 / float64(used)
			for i := range grads {
				grads[i] *= inv
			}
			opt.step(m.params, grads)
			epochLoss += batchLoss * inv
			batches++
		}

		valAcc := m.evaluate(valPairs)
		meanLoss := 0.0
		if batches > 0 {
			meanLoss = epochLoss / float64(batches)
		}
		t.report(StageTraining, epoch, hp.Epochs)
		t.logger.Info("training_epoch",
			"epoch", epoch,
			"loss", meanLoss,
			"val_accuracy", valAcc)
	}
	return nil
}

// snapshotActive serializes the serving adapter into the backups
// directory and records it, so every run is reversible even when the
// active model is the pristine base.
func (t *Trainer) snapshotActive(ctx context.Context, runVersion, note string) (*registry.Artifact, error) {
	backupVersion := runVersion + "-pre"
	artifact, err := t.registerAdapter(t.embedder.ActiveAdapter(), registry.OriginBackup, backupVersion, note)
	if err != nil {
		return nil, err
	}
	_, err = t.feedback.LogModelBackup(ctx, &feedback.BackupRecord{
		Version:   artifact.Version,
		Path:      artifact.Path,
		SizeBytes: artifact.SizeBytes,
		Checksum:  artifact.Checksum,
		Origin:    artifact.Origin,
		Note:      note,
	})
	if err != nil {
		return nil, err
	}
	t.logger.Info("model_backed_up", "version", artifact.Version)
	return artifact, nil
}

// registerAdapter writes adapter bytes through a temp file into the
// registry.
func (t *Trainer) registerAdapter(a *embed.Adapter, origin, version, note string) (*registry.Artifact, error) {
	tmp, err := os.CreateTemp("", "fotopoisk-adapter-*.bin")
	if err != nil {
		return nil, errors.StoreError("cannot stage adapter artifact", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(a.Marshal()); err != nil {
		_ = tmp.Close()
		return nil, errors.StoreError("cannot write adapter artifact", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, errors.StoreError("cannot finish adapter artifact", err)
	}

	return t.registry.Register(tmpPath, origin, version, note)
}

// compensate records a partial run. The artifact stays on disk for manual
// promotion; the history row is written outside the request context so a
// cancellation cannot swallow the trace.
func (t *Trainer) compensate(version string, startedAt time.Time, hp Hyperparams, r *Result, step string, cause error) error {
	note, _ := json.Marshal(map[string]any{
		"partial":     true,
		"failed_step": step,
		"error":       cause.Error(),
		"hyperparams": hp,
	})
	_, logErr := t.feedback.LogTrainingSession(context.Background(), &feedback.TrainingSession{
		ModelVersion:    version,
		StartedAt:       startedAt,
		Duration:        time.Since(startedAt),
		NExamples:       r.Examples,
		NPositive:       r.Positives,
		NNegative:       r.Negatives,
		AccuracyBefore:  r.AccuracyBefore,
		AccuracyAfter:   r.AccuracyAfter,
		Hyperparameters: string(note),
		IsActive:        false,
	})
	if logErr != nil {
		t.logger.Error("training_compensation_failed", "version", version, "error", logErr.Error())
	}
	t.logger.Error("training_partial",
		"version", version,
		"failed_step", step,
		"error", cause.Error())
	return errors.New(errors.ErrCodePartialPromotion,
		fmt.Sprintf("model %s was saved but step %s failed", version, step), cause).
		WithSuggestion(fmt.Sprintf("Fix the cause and promote %s manually, or restore a backup", version))
}

// reembedProgress forwards catalog re-embed counts to the progress sink.
func (t *Trainer) reembedProgress() func(done, total int) {
	if t.progress == nil {
		return nil
	}
	return func(done, total int) { t.report(StageEmbedding, done, total) }
}

func (t *Trainer) rebuildIndex(ctx context.Context) {
	if t.reindexer == nil {
		return
	}
	t.report(StageIndexing, 0, 0)
	n, err := t.reindexer.Rebuild(ctx, t.catalog)
	if err != nil {
		t.logger.Error("index_rebuild_failed", "error", err.Error())
		return
	}
	t.logger.Info("index_rebuilt", "items", n)
}

// ListBackups returns the registry's backup artifacts, newest first.
func (t *Trainer) ListBackups() ([]*registry.Artifact, error) {
	return t.registry.List(registry.OriginBackup)
}

// RestoreBackup reverts serving to an earlier artifact: snapshot the
// current model first, promote the target, swap the serving adapter, then
// move the catalog back into the restored space.
func (t *Trainer) RestoreBackup(ctx context.Context, version string) error {
	if !t.busy.CompareAndSwap(false, true) {
		return errors.New(errors.ErrCodeTrainingBusy,
			"a training or restore run is already in progress", nil).
			WithSuggestion("Wait for the current run to finish")
	}
	defer t.busy.Store(false)

	restored, err := t.loadAdapter(version)
	if err != nil {
		return err
	}

	// The -restore suffix keeps this snapshot from colliding with a
	// training backup taken in the same second.
	snapshotVersion := registry.NewVersion(time.Now()) + "-restore"
	if _, err := t.snapshotActive(ctx, snapshotVersion, "before restore to "+version); err != nil {
		return err
	}

	if _, err := t.registry.Promote(version); err != nil {
		return err
	}
	t.embedder.SwapAdapter(restored)

	view := &adapterView{embedder: t.embedder, adapter: restored}
	reembedded, err := t.catalog.ReembedAll(ctx, view, t.reembedProgress())
	if err != nil {
		return errors.New(errors.ErrCodePartialPromotion,
			fmt.Sprintf("model %s is active but re-embedding failed", version), err).
			WithSuggestion("Re-run the catalog re-embed")
	}
	t.rebuildIndex(ctx)

	t.logger.Info("model_restored", "version", version, "reembedded", reembedded)
	return nil
}

// Reembed moves the whole catalog into the serving model's space without
// touching the registry, then rebuilds the index. Operators run it when a
// partial promotion left vectors behind the active model.
func (t *Trainer) Reembed(ctx context.Context) (int, error) {
	if !t.busy.CompareAndSwap(false, true) {
		return 0, errors.New(errors.ErrCodeTrainingBusy,
			"a training or restore run is already in progress", nil).
			WithSuggestion("Wait for the current run to finish")
	}
	defer t.busy.Store(false)

	reembedded, err := t.catalog.ReembedAll(ctx, t.embedder, t.reembedProgress())
	if err != nil {
		return reembedded, err
	}
	t.rebuildIndex(ctx)

	t.logger.Info("catalog_reembedded",
		"items", reembedded,
		"model_version", t.embedder.ModelVersion())
	return reembedded, nil
}

// loadAdapter materializes an adapter from a registry version. The base
// version is the identity adapter over the backbone.
func (t *Trainer) loadAdapter(version string) (*embed.Adapter, error) {
	if version == registry.BaseVersion {
		a := embed.IdentityAdapter(t.embedder.Dimensions())
		a.Version = registry.BaseVersion
		return a, nil
	}

	artifact, err := t.registry.Get(version)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		return nil, errors.StoreError(fmt.Sprintf("cannot read artifact %s", version), err)
	}
	a, err := embed.UnmarshalAdapter(data)
	if err != nil {
		return nil, err
	}
	a.Version = version
	if a.Dim != t.embedder.Dimensions() {
		return nil, errors.New(errors.ErrCodeInvalidArgument,
			fmt.Sprintf("artifact %s has dimension %d, backbone expects %d", version, a.Dim, t.embedder.Dimensions()), nil)
	}
	return a, nil
}

// CleanupBackups deletes all but the newest keep backups.
func (t *Trainer) CleanupBackups(keep int) ([]string, error) {
	return t.registry.CleanupBackups(keep)
}
