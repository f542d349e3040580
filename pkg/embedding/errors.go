package embedding

import "errors"

var (
	ErrInvalidVocab        = errors.New("invalid vocabulary")
	ErrRuntimeUnavailable  = errors.New("onnx runtime not compiled in (build with -tags onnx)")
	ErrEngineDisabled      = errors.New("embedding engine disabled")
	ErrQuotaExceeded       = errors.New("embedding quota exceeded")
	ErrEmptyEmbedding      = errors.New("empty embedding response")
	ErrRemoteNotConfigured = errors.New("remote embedding client not configured")
	ErrQueueClosed         = errors.New("vector queue closed")
)
