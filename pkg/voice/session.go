package voice

import "time"

// Session state of the open conversation. The zero value means no session.
type Session struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversationId"`
	Turns             int       `json:"turns"`
	Language          string    `json:"language"`
	Languages         []string  `json:"languages"`
	Switches          int       `json:"switches"`
	EmergencyDetected bool      `json:"emergencyDetected"`
	EmergencyCount    int       `json:"emergencyCount"`
	LastTranscript    string    `json:"lastTranscript"`
	StartedAt         time.Time `json:"startedAt"`
}

func (s Session) Active() bool {
	return s.ID != ""
}

func (s Session) clone() Session {
	s.Languages = append([]string(nil), s.Languages...)
	return s
}

func (s *Session) useLanguage(lang string) {
	s.Language = lang
	for _, l := range s.Languages {
		if l == lang {
			return
		}
	}
	s.Languages = append(s.Languages, lang)
}

// Metrics lifetime counters across every session of a Manager.
type Metrics struct {
	TotalSessions       int            `json:"totalSessions"`
	EmergencyDetections int            `json:"emergencyDetections"`
	AverageDuration     time.Duration  `json:"averageDuration"`
	Languages           map[string]int `json:"languages"`
	LanguageSwitches    int            `json:"languageSwitches"`

	FramesCaptured uint64 `json:"framesCaptured"`
	FramesDropped  uint64 `json:"framesDropped"`
	FramesSilent   uint64 `json:"framesSilent"`
	ChunksDecoded  uint64 `json:"chunksDecoded"`
	ChunksDropped  uint64 `json:"chunksDropped"`
	DecodeErrors   uint64 `json:"decodeErrors"`
}

func (m Metrics) clone() Metrics {
	langs := make(map[string]int, len(m.Languages))
	for k, v := range m.Languages {
		langs[k] = v
	}
	m.Languages = langs
	return m
}

// fold adds a finished session; the average is a running mean.
func (m *Metrics) fold(s Session, d time.Duration) {
	m.TotalSessions++
	m.AverageDuration += (d - m.AverageDuration) / time.Duration(m.TotalSessions)
	if m.Languages == nil {
		m.Languages = make(map[string]int)
	}
	for _, l := range s.Languages {
		m.Languages[l]++
	}
}
