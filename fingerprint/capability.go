package fingerprint

// Normalizer canonicalizes structurally equivalent byte forms. It is an
// external capability: the hierarchy calls it once per Structural fingerprint
// and treats any error as an unparseable artifact.
type Normalizer interface {
	Normalize(data []byte) ([]byte, error)
}

// Classifier maps an artifact to a canonical intent representation. It is an
// external capability called once per Intent fingerprint.
type Classifier interface {
	Classify(data []byte, hints Hints) ([]byte, error)
}

// Hints is caller-supplied context passed through to a Classifier.
type Hints map[string]string

// NormalizerFunc adapts a function to Normalizer.
type NormalizerFunc func(data []byte) ([]byte, error)

func (f NormalizerFunc) Normalize(data []byte) ([]byte, error) { return f(data) }

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(data []byte, hints Hints) ([]byte, error)

func (f ClassifierFunc) Classify(data []byte, hints Hints) ([]byte, error) { return f(data, hints) }
