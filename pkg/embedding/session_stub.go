//go:build !onnx

package embedding

func newONNXSession(modelPath, sharedLibraryPath string) (Session, error) {
	return nil, ErrRuntimeUnavailable
}
