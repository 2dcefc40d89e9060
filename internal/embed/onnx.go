package embed

import (
	"context"
	"fmt"
	"image"
	"os"
	"runtime"
	"sync"

	"github.com/daulet/tokenizers"
	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/vec"
)

// clipContextLength is the CLIP text tower's position count: the token
// budget plus begin/end markers.
const clipContextLength = maxTextTokens + 2

// ONNXConfig configures the in-process backend. The vision and text towers
// are separate ONNX graphs, exported with projection heads so both emit
// vectors in the shared space.
type ONNXConfig struct {
	// LibraryPath points at the onnxruntime shared library. Empty uses
	// the loader's default search path.
	LibraryPath string

	VisionModelPath string
	TextModelPath   string
	TokenizerPath   string

	Dimensions int
	InputSize  int

	// IntraOpThreads bounds parallelism inside a single operator.
	// 0 picks min(NumCPU, 4); more rarely helps and contends badly.
	IntraOpThreads int
}

// ONNXBackend runs the CLIP towers in-process through ONNX Runtime.
// No sidecar to babysit, at the cost of shipping model files and a native
// library.
type ONNXBackend struct {
	vision *ort.DynamicAdvancedSession
	text   *ort.DynamicAdvancedSession
	prep   *Preprocessor

	tokMu     sync.Mutex
	tokenizer *tokenizers.Tokenizer

	dim  int
	side int

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*ONNXBackend)(nil)

// NewONNXBackend loads both towers and the tokenizer.
func NewONNXBackend(cfg ONNXConfig) (*ONNXBackend, error) {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = DefaultClipDimensions
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultClipInputSize
	}

	for _, path := range []string{cfg.VisionModelPath, cfg.TextModelPath, cfg.TokenizerPath} {
		if path == "" {
			return nil, errors.New(errors.ErrCodeInvalidArgument,
				"onnx provider needs vision_model, text_model and tokenizer paths", nil).
				WithSuggestion("Set embedding.onnx.* in the config file")
		}
		if _, err := os.Stat(path); err != nil {
			return nil, errors.New(errors.ErrCodeBackendUnavailable,
				fmt.Sprintf("model file not found at %s", path), err).
				WithSuggestion("Download the CLIP ONNX export and point embedding.onnx.* at it")
		}
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	// No-op if a previous backend already initialized the runtime.
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "onnxruntime initialization failed", err).
			WithSuggestion("Check embedding.onnx.library_path or run `fotopoisk doctor`")
	}

	threads := cfg.IntraOpThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
		if threads > 4 {
			threads = 4
		}
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer func() { _ = opts.Destroy() }()
	if err := opts.SetIntraOpNumThreads(threads); err != nil {
		return nil, fmt.Errorf("set intra threads: %w", err)
	}
	if err := opts.SetInterOpNumThreads(1); err != nil {
		return nil, fmt.Errorf("set inter threads: %w", err)
	}

	visionSession, err := ort.NewDynamicAdvancedSession(cfg.VisionModelPath,
		[]string{"pixel_values"}, []string{"image_embeds"}, opts)
	if err != nil {
		return nil, fmt.Errorf("vision session: %w", err)
	}

	textSession, err := ort.NewDynamicAdvancedSession(cfg.TextModelPath,
		[]string{"input_ids", "attention_mask"}, []string{"text_embeds"}, opts)
	if err != nil {
		_ = visionSession.Destroy()
		return nil, fmt.Errorf("text session: %w", err)
	}

	tk, err := tokenizers.FromFile(cfg.TokenizerPath)
	if err != nil {
		_ = visionSession.Destroy()
		_ = textSession.Destroy()
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}

	return &ONNXBackend{
		vision:    visionSession,
		text:      textSession,
		tokenizer: tk,
		prep:      NewPreprocessor(cfg.InputSize),
		dim:       cfg.Dimensions,
		side:      cfg.InputSize,
	}, nil
}

// EmbedImage runs the vision tower on one prepared image.
func (e *ONNXBackend) EmbedImage(ctx context.Context, img image.Image) ([]float32, error) {
	if err := e.checkSessionOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	nrgba, ok := img.(*image.NRGBA)
	if !ok {
		nrgba = imaging.Clone(img)
	}
	data := e.prep.Tensor(nrgba)

	shape := ort.NewShape(1, 3, int64(e.side), int64(e.side))
	pixels, err := ort.NewTensor(shape, data)
	if err != nil {
		return nil, fmt.Errorf("pixel_values tensor: %w", err)
	}
	defer func() { _ = pixels.Destroy() }()

	outputs := []ort.Value{nil}
	if err := e.vision.Run([]ort.Value{pixels}, outputs); err != nil {
		return nil, errors.InferenceError("vision tower inference failed", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	return e.readEmbedding(outputs[0])
}

// EmbedText tokenizes, clamps to the context length and runs the text
// tower. Empty input returns a zero vector without inference.
func (e *ONNXBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	if err := e.checkSessionOpen(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if text == "" {
		return make([]float32, e.dim), nil
	}

	ids64, mask64 := e.tokenize(text)
	if len(ids64) == 0 {
		return make([]float32, e.dim), nil
	}

	shape := ort.NewShape(1, int64(len(ids64)))
	idsT, err := ort.NewTensor(shape, ids64)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer func() { _ = idsT.Destroy() }()

	maskT, err := ort.NewTensor(shape, mask64)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer func() { _ = maskT.Destroy() }()

	outputs := []ort.Value{nil}
	if err := e.text.Run([]ort.Value{idsT, maskT}, outputs); err != nil {
		return nil, errors.InferenceError("text tower inference failed", err)
	}
	defer func() {
		if outputs[0] != nil {
			_ = outputs[0].Destroy()
		}
	}()

	return e.readEmbedding(outputs[0])
}

func (e *ONNXBackend) tokenize(text string) (ids, mask []int64) {
	e.tokMu.Lock()
	enc := e.tokenizer.EncodeWithOptions(text, true, tokenizers.WithReturnAttentionMask())
	e.tokMu.Unlock()

	n := len(enc.IDs)
	if n > clipContextLength {
		n = clipContextLength
	}
	ids = make([]int64, n)
	mask = make([]int64, n)
	for i := 0; i < n; i++ {
		ids[i] = int64(enc.IDs[i])
		mask[i] = 1
	}
	if len(enc.AttentionMask) >= n {
		for i := 0; i < n; i++ {
			mask[i] = int64(enc.AttentionMask[i])
		}
	}
	return ids, mask
}

func (e *ONNXBackend) readEmbedding(out ort.Value) ([]float32, error) {
	tensor, ok := out.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.InferenceError("unexpected output tensor type", nil)
	}
	data := tensor.GetData()
	if len(data) < e.dim {
		return nil, errors.InferenceError(
			fmt.Sprintf("model returned %d components, expected %d", len(data), e.dim), nil)
	}
	result := make([]float32, e.dim)
	copy(result, data[:e.dim])
	return vec.Normalize(result), nil
}

// Dimensions returns the vector width.
func (e *ONNXBackend) Dimensions() int { return e.dim }

// InputSize returns the square input side.
func (e *ONNXBackend) InputSize() int { return e.side }

// ModelName returns the backbone identifier.
func (e *ONNXBackend) ModelName() string { return "clip-vit-b-32-onnx" }

// Available reports whether sessions are loaded.
func (e *ONNXBackend) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed && e.vision != nil && e.text != nil
}

// Close destroys both sessions and the tokenizer.
func (e *ONNXBackend) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.vision != nil {
		_ = e.vision.Destroy()
	}
	if e.text != nil {
		_ = e.text.Destroy()
	}
	if e.tokenizer != nil {
		_ = e.tokenizer.Close()
	}
	return nil
}

func (e *ONNXBackend) checkSessionOpen() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return errors.InferenceError("onnx backend is closed", nil)
	}
	return nil
}
