//go:build onnx

package embedding

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(sharedLibraryPath string) error {
	ortInitOnce.Do(func() {
		if sharedLibraryPath != "" {
			ort.SetSharedLibraryPath(sharedLibraryPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

type onnxSession struct {
	session    *ort.DynamicAdvancedSession
	tokenTypes bool
}

func newONNXSession(modelPath, sharedLibraryPath string) (Session, error) {
	if err := initRuntime(sharedLibraryPath); err != nil {
		return nil, fmt.Errorf("initialize onnx runtime: %w", err)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect model: %w", err)
	}
	inputNames := []string{"input_ids", "attention_mask"}
	for _, in := range inputs {
		if in.Name == "token_type_ids" {
			inputNames = append(inputNames, "token_type_ids")
			break
		}
	}
	outputName := "last_hidden_state"
	if len(outputs) > 0 {
		outputName = outputs[0].Name
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, []string{outputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	logger.InfoCF("embedding", "ONNX session ready", map[string]interface{}{
		"model":  modelPath,
		"inputs": inputNames,
		"output": outputName,
	})
	return &onnxSession{session: session, tokenTypes: len(inputNames) > 2}, nil
}

func (s *onnxSession) Run(batch Batch) ([]float32, int, error) {
	shape := ort.NewShape(int64(batch.Size), int64(batch.SeqLen))

	ids, err := ort.NewTensor(shape, batch.InputIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer ids.Destroy()

	mask, err := ort.NewTensor(shape, batch.AttentionMask)
	if err != nil {
		return nil, 0, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer mask.Destroy()

	inputs := []ort.Value{ids, mask}
	if s.tokenTypes {
		types, err := ort.NewTensor(shape, batch.TokenTypeIDs)
		if err != nil {
			return nil, 0, fmt.Errorf("token_type_ids tensor: %w", err)
		}
		defer types.Destroy()
		inputs = append(inputs, types)
	}

	outputs := []ort.Value{nil}
	if err := s.session.Run(inputs, outputs); err != nil {
		return nil, 0, fmt.Errorf("onnx inference: %w", err)
	}
	defer func() {
		for _, out := range outputs {
			if out != nil {
				out.Destroy()
			}
		}
	}()

	tensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, 0, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	shapeOut := tensor.GetShape()
	if len(shapeOut) != 3 {
		return nil, 0, fmt.Errorf("unexpected output shape %v", shapeOut)
	}

	data := tensor.GetData()
	hidden := make([]float32, len(data))
	copy(hidden, data)
	return hidden, int(shapeOut[2]), nil
}

func (s *onnxSession) Close() error {
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return err
}
