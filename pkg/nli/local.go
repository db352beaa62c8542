//go:build onnx

package nli

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

const maxSequenceLen = 256

// LocalConfig holds configuration for the in-process ONNX NLI classifier.
type LocalConfig struct {
	// ModelPath is the path to the quantised NLI model file.
	ModelPath string

	// TokenizerPath is the path to the tokenizer.json vocabulary file.
	TokenizerPath string

	// SharedLibraryPath overrides the onnxruntime shared library location.
	SharedLibraryPath string
}

// LocalClassifier runs a quantised multilingual NLI model in-process. The
// model loads exactly once; a failed load flips a permanent flag and every
// subsequent Classify short-circuits to nil.
type LocalClassifier struct {
	config LocalConfig
	logger *zap.Logger

	loadOnce sync.Once
	failed   bool
	session  *ort.DynamicAdvancedSession
	vocab    *wordpieceVocab
}

// NewLocalClassifier creates the in-process classifier. Loading is deferred
// to the first Classify call.
func NewLocalClassifier(cfg LocalConfig, logger *zap.Logger) *LocalClassifier {
	return &LocalClassifier{config: cfg, logger: logger}
}

func (c *LocalClassifier) load() {
	if c.config.SharedLibraryPath != "" {
		ort.SetSharedLibraryPath(c.config.SharedLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		c.logger.Warn("onnx runtime init failed, nli disabled", zap.Error(err))
		c.failed = true
		return
	}

	vocab, err := loadWordpieceVocab(c.config.TokenizerPath)
	if err != nil {
		c.logger.Warn("nli tokenizer load failed, nli disabled", zap.Error(err))
		c.failed = true
		return
	}

	session, err := ort.NewDynamicAdvancedSession(c.config.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		c.logger.Warn("nli model load failed, nli disabled", zap.Error(err))
		c.failed = true
		return
	}

	c.session = session
	c.vocab = vocab
}

// Classify scores the pair with the local model. Returns (nil, nil) once
// the model has failed to load.
func (c *LocalClassifier) Classify(_ context.Context, premise, hypothesis string) (*Result, error) {
	c.loadOnce.Do(c.load)
	if c.failed {
		return nil, nil
	}

	inputIDs, attentionMask, tokenTypeIDs := c.vocab.encodePair(premise, hypothesis, maxSequenceLen)

	shape := ort.NewShape(1, maxSequenceLen)
	idsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, nil
	}
	defer idsTensor.Destroy()

	maskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, nil
	}
	defer maskTensor.Destroy()

	typeTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, nil
	}
	defer typeTensor.Destroy()

	outTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3))
	if err != nil {
		return nil, nil
	}
	defer outTensor.Destroy()

	err = c.session.Run(
		[]ort.Value{idsTensor, maskTensor, typeTensor},
		[]ort.Value{outTensor},
	)
	if err != nil {
		c.logger.Debug("nli inference failed", zap.Error(err))
		return nil, nil
	}

	logits := outTensor.GetData()
	if len(logits) < 3 {
		return nil, nil
	}

	// Label order follows the standard XNLI head: entailment, neutral,
	// contradiction.
	probs := softmax3(float64(logits[0]), float64(logits[1]), float64(logits[2]))
	scores := Scores{Entailment: probs[0], Neutral: probs[1], Contradiction: probs[2]}

	label := LabelEntailment
	if probs[1] >= probs[0] && probs[1] >= probs[2] {
		label = LabelNeutral
	}
	if probs[2] >= probs[0] && probs[2] >= probs[1] {
		label = LabelContradiction
	}

	return &Result{Label: label, Scores: scores}, nil
}

// Close destroys the ONNX session.
func (c *LocalClassifier) Close() error {
	if c.session != nil {
		c.session.Destroy()
		c.session = nil
	}
	return nil
}

func softmax3(a, b, c float64) [3]float64 {
	m := math.Max(a, math.Max(b, c))
	ea, eb, ec := math.Exp(a-m), math.Exp(b-m), math.Exp(c-m)
	sum := ea + eb + ec
	return [3]float64{ea / sum, eb / sum, ec / sum}
}

// wordpieceVocab is a minimal WordPiece tokenizer over a tokenizer.json
// vocabulary, sufficient for the NLI pair-encoding the model expects.
type wordpieceVocab struct {
	tokens map[string]int64
	cls    int64
	sep    int64
	unk    int64
	pad    int64
}

func loadWordpieceVocab(path string) (*wordpieceVocab, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer: %w", err)
	}

	var parsed struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parsing tokenizer: %w", err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer vocab is empty")
	}

	v := &wordpieceVocab{tokens: parsed.Model.Vocab}

	lookup := func(candidates ...string) int64 {
		for _, c := range candidates {
			if id, ok := v.tokens[c]; ok {
				return id
			}
		}
		return 0
	}
	v.cls = lookup("[CLS]", "<s>")
	v.sep = lookup("[SEP]", "</s>")
	v.unk = lookup("[UNK]", "<unk>")
	v.pad = lookup("[PAD]", "<pad>")

	return v, nil
}

// encodePair produces [CLS] premise [SEP] hypothesis [SEP] with padding.
func (v *wordpieceVocab) encodePair(premise, hypothesis string, maxLen int) ([]int64, []int64, []int64) {
	inputIDs := make([]int64, maxLen)
	attentionMask := make([]int64, maxLen)
	tokenTypeIDs := make([]int64, maxLen)

	for i := range inputIDs {
		inputIDs[i] = v.pad
	}

	pos := 0
	push := func(id int64, segment int64) {
		if pos >= maxLen {
			return
		}
		inputIDs[pos] = id
		attentionMask[pos] = 1
		tokenTypeIDs[pos] = segment
		pos++
	}

	push(v.cls, 0)
	for _, id := range v.tokenize(premise) {
		push(id, 0)
	}
	push(v.sep, 0)
	for _, id := range v.tokenize(hypothesis) {
		push(id, 1)
	}
	push(v.sep, 1)

	return inputIDs, attentionMask, tokenTypeIDs
}

// tokenize applies greedy longest-match WordPiece to whitespace-split words.
func (v *wordpieceVocab) tokenize(text string) []int64 {
	var ids []int64
	for _, word := range strings.Fields(strings.ToLower(text)) {
		runes := []rune(word)
		start := 0
		for start < len(runes) {
			end := len(runes)
			var match int64 = -1
			for end > start {
				piece := string(runes[start:end])
				if start > 0 {
					piece = "##" + piece
				}
				if id, ok := v.tokens[piece]; ok {
					match = id
					break
				}
				end--
			}
			if match < 0 {
				ids = append(ids, v.unk)
				break
			}
			ids = append(ids, match)
			start = end
		}
	}
	return ids
}
