package emergency

import (
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/code-100-precent/carevoice/pkg/language"
)

// Vital sign kinds.
const (
	VitalBloodPressure = "blood_pressure"
	VitalPulse         = "pulse"
	VitalTemperature   = "temperature"
	VitalOxygen        = "oxygen"
	VitalGlucose       = "glucose"
)

// vitalFindings is the outcome of scanning an utterance for vital signs.
type vitalFindings struct {
	Indicators []string
	Abnormal   []string
}

// scanVitals reports which vital kinds are mentioned and which carry an
// explicitly abnormal value.
func scanVitals(t *language.Text, normalized string, table *Table) vitalFindings {
	var f vitalFindings
	kinds := make([]string, 0, len(table.Vitals))
	for kind := range table.Vitals {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)

	for _, kind := range kinds {
		mentioned := t.CountAny(table.Vitals[kind]) > 0
		re := table.vitalValues[kind]
		if re != nil && kind == VitalBloodPressure {
			for _, m := range re.FindAllStringSubmatch(normalized, -1) {
				mentioned = true
				sys, _ := strconv.Atoi(m[1])
				dia, _ := strconv.Atoi(m[2])
				if abnormalBloodPressure(sys, dia) {
					f.Abnormal = append(f.Abnormal, kind)
					break
				}
			}
		} else if re != nil {
			for _, m := range re.FindAllStringSubmatch(normalized, -1) {
				v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
				if err != nil {
					continue
				}
				if abnormalValue(kind, v) {
					f.Abnormal = append(f.Abnormal, kind)
					break
				}
			}
		}
		if mentioned {
			f.Indicators = append(f.Indicators, kind)
		}
	}
	return f
}

// abnormalBloodPressure judges only plausible readings.
func abnormalBloodPressure(sys, dia int) bool {
	if sys < 50 || sys > 300 || dia < 30 || dia > 200 || sys <= dia {
		return false
	}
	return sys >= 180 || sys < 90 || dia >= 120
}

func abnormalValue(kind string, v float64) bool {
	switch kind {
	case VitalPulse:
		return v >= 130 || v <= 40
	case VitalTemperature:
		if v <= 45 {
			return v >= 39.5
		}
		return v >= 103
	case VitalOxygen:
		return v <= 90
	case VitalGlucose:
		return v >= 300 || v <= 54
	}
	return false
}

// capsRuns counts maximal runs of consecutive upper-case words of two or
// more letters in the original text.
func capsRuns(raw string) int {
	runs := 0
	inRun := false
	for _, word := range strings.FieldsFunc(raw, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) {
		if isShouted(word) {
			if !inRun {
				runs++
				inRun = true
			}
			continue
		}
		inRun = false
	}
	return runs
}

func isShouted(word string) bool {
	letters := 0
	for _, r := range word {
		if !unicode.IsLetter(r) {
			continue
		}
		if !unicode.IsUpper(r) {
			return false
		}
		letters++
	}
	return letters >= 2
}
