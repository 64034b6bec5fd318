package service

import (
	"fmt"
	"math"

	"plant-diagnosis-service/data"
	"plant-diagnosis-service/model"
)

// Classifier turns a preprocessed input tensor into class probabilities.
type Classifier interface {
	Predict(input []float32) ([]float32, error)
}

// Diagnosis is the outcome for one uploaded image. Confidence is a
// percentage in [0, 100].
type Diagnosis struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Advice     string  `json:"advice"`
}

// Rounded returns a copy with Confidence rounded to two decimals.
func (d Diagnosis) Rounded() Diagnosis {
	d.Confidence = math.Round(d.Confidence*100) / 100
	return d
}

type InferenceService struct {
	classifier Classifier
	layout     model.Layout
	size       int
}

// NewInferenceService wraps classifier. A nil classifier yields a service
// that reports itself as not ready.
func NewInferenceService(classifier Classifier, layout model.Layout) *InferenceService {
	return &InferenceService{
		classifier: classifier,
		layout:     layout,
		size:       model.ImageSize,
	}
}

// Ready reports whether a model is loaded.
func (s *InferenceService) Ready() bool {
	return s.classifier != nil
}

// Infer runs the classifier on an already preprocessed input.
func (s *InferenceService) Infer(input []float32) ([]float32, error) {
	if !s.Ready() {
		return nil, ErrModelNotReady
	}
	return s.classifier.Predict(input)
}

// Diagnose classifies the image stored at path.
func (s *InferenceService) Diagnose(path string) (*Diagnosis, error) {
	if !s.Ready() {
		return nil, ErrModelNotReady
	}

	img, err := model.LoadImage(path)
	if err != nil {
		return nil, Processing("Gagal membaca gambar", err)
	}

	input, err := model.Preprocess(img, s.size, s.layout)
	if err != nil {
		return nil, Processing("Gagal memproses gambar", err)
	}

	probabilities, err := s.Infer(input)
	if err != nil {
		return nil, Processing("Gagal menjalankan model", err)
	}
	if len(probabilities) != data.NumClasses {
		return nil, Processing("Gagal menjalankan model",
			fmt.Errorf("expected %d probabilities, got %d", data.NumClasses, len(probabilities)))
	}

	idx, prob := model.Argmax(probabilities)
	label, err := data.LabelOf(idx)
	if err != nil {
		return nil, &Error{Kind: KindInternal, Msg: "Label tidak dikenal", Err: err}
	}

	confidence := float64(prob) * 100
	// float32 softmax outputs can overshoot 1 by an ulp or two
	if confidence > 100 && confidence < 100+1e-3 {
		confidence = 100
	}
	if math.IsNaN(confidence) || confidence < 0 || confidence > 100 {
		return nil, Processing("Gagal menjalankan model",
			fmt.Errorf("probability %v outside [0, 1]", prob))
	}

	return &Diagnosis{
		Label:      label,
		Confidence: confidence,
		Advice:     data.AdviceOf(label, confidence),
	}, nil
}
