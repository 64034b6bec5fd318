package data

import (
	"fmt"
	"strings"
)

// NumClasses is the length of the classifier's probability vector.
const NumClasses = 10

// HealthyMarker appears in every label of a healthy plant.
const HealthyMarker = "sehat"

// Confidence bands, in percent. Lower bounds are inclusive.
const (
	MildThreshold   = 60.0
	StrongThreshold = 85.0
)

const (
	AdviceLowConfidence = "Tingkat keyakinan rendah. Ulangi diagnosis atau konsultasi ke ahli."
	AdviceMildHealthy   = "Tanaman tampak sehat."
	AdviceMildDiseased  = "Tanaman kemungkinan sakit, cek ulang."
	AdviceHealthy       = "Tanaman sehat."
	AdviceDiseased      = "Tanaman sakit. Lakukan tindakan segera."
)

// Labels maps a class index to "{species}_{sakit|sehat}".
var Labels = [NumClasses]string{
	"bayam_sakit",
	"bayam_sehat",
	"kangkung_sakit",
	"kangkung_sehat",
	"pakcoy_sakit",
	"pakcoy_sehat",
	"sawi_sakit",
	"sawi_sehat",
	"selada_sakit",
	"selada_sehat",
}

// LabelOf returns the label for a class index.
func LabelOf(index int) (string, error) {
	if index < 0 || index >= NumClasses {
		return "", fmt.Errorf("class index %d out of range [0, %d)", index, NumClasses)
	}
	return Labels[index], nil
}

// IsHealthy reports whether label names a healthy plant.
func IsHealthy(label string) bool {
	return strings.Contains(label, HealthyMarker)
}

// AdviceOf picks the advisory text for a label and a confidence in percent.
func AdviceOf(label string, confidence float64) string {
	switch {
	case confidence < MildThreshold:
		return AdviceLowConfidence
	case confidence < StrongThreshold:
		if IsHealthy(label) {
			return AdviceMildHealthy
		}
		return AdviceMildDiseased
	default:
		if IsHealthy(label) {
			return AdviceHealthy
		}
		return AdviceDiseased
	}
}
