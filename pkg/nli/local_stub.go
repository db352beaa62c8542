//go:build !onnx

package nli

import (
	"context"

	"go.uber.org/zap"
)

// LocalConfig holds configuration for the in-process ONNX NLI classifier.
// Without the "onnx" build tag the local classifier never loads.
type LocalConfig struct {
	ModelPath         string
	TokenizerPath     string
	SharedLibraryPath string
}

// LocalClassifier is a stub when the binary is built without the "onnx"
// tag. Classify always reports no opinion.
type LocalClassifier struct{}

// NewLocalClassifier creates the stub classifier and logs that local NLI
// is unavailable in this build.
func NewLocalClassifier(_ LocalConfig, logger *zap.Logger) *LocalClassifier {
	logger.Warn("binary built without onnx tag, local nli disabled")
	return &LocalClassifier{}
}

func (c *LocalClassifier) Classify(_ context.Context, _, _ string) (*Result, error) {
	return nil, nil
}

func (c *LocalClassifier) Close() error { return nil }

var _ Classifier = (*LocalClassifier)(nil)
