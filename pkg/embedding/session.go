package embedding

// Session runs one batched forward pass of an encoder model and returns its
// last hidden state laid out [batch][seqLen][hiddenSize].
type Session interface {
	Run(batch Batch) (hidden []float32, hiddenSize int, err error)
	Close() error
}

// SessionFactory opens a Session for a model file.
type SessionFactory func(modelPath, sharedLibraryPath string) (Session, error)
