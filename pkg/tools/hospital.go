package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/code-100-precent/carevoice/pkg/cache"
	"github.com/code-100-precent/carevoice/pkg/notification"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
)

const (
	BookAppointment = "book_appointment"
	EmergencyAlert  = "emergency_alert"
	GetHospitalInfo = "get_hospital_info"
)

// Appointment request as collected by the assistant.
type Appointment struct {
	PatientName   string `json:"patient_name"`
	Department    string `json:"department,omitempty"`
	PreferredDate string `json:"preferred_date"`
	PreferredTime string `json:"preferred_time,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Phone         string `json:"phone,omitempty"`
}

type Booking struct {
	ID          string      `json:"booking_id"`
	Status      string      `json:"status"`
	Appointment Appointment `json:"appointment"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Booker files appointment requests with the scheduling system.
type Booker interface {
	Book(ctx context.Context, a Appointment) (*Booking, error)
}

// Alert raised by the assistant on the caller's behalf.
type Alert struct {
	SessionID string   `json:"session_id"`
	Language  string   `json:"language"`
	Severity  string   `json:"severity"`
	Symptoms  []string `json:"symptoms"`
	Location  string   `json:"location,omitempty"`
	Details   string   `json:"details,omitempty"`
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type HospitalInfo struct {
	Name            string   `json:"name"`
	Address         string   `json:"address,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	EmergencyNumber string   `json:"emergency_number"`
	Hours           string   `json:"hours"`
	Departments     []string `json:"departments,omitempty"`
}

// Directory answers facility questions.
type Directory interface {
	Info(ctx context.Context) (*HospitalInfo, error)
}

// BuiltinOption collaborators for the hospital function set. Cache is
// optional; when set, get_hospital_info answers are cached for InfoTTL.
type BuiltinOption struct {
	Booker    Booker
	Alerter   Alerter
	Directory Directory
	Cache     cache.Cache
	InfoTTL   time.Duration
}

// RegisterBuiltins registers book_appointment, emergency_alert and
// get_hospital_info.
func RegisterBuiltins(r *Registry, opt *BuiltinOption) error {
	if opt == nil || opt.Booker == nil || opt.Alerter == nil || opt.Directory == nil {
		return errors.New("booker, alerter and directory are required")
	}
	if err := r.Register(bookAppointmentDef, bookAppointment(opt.Booker)); err != nil {
		return err
	}
	if err := r.Register(emergencyAlertDef, emergencyAlert(opt.Alerter)); err != nil {
		return err
	}
	return r.Register(hospitalInfoDef, hospitalInfo(opt.Directory, opt.Cache, opt.InfoTTL))
}

var bookAppointmentDef = openai.FunctionDefinition{
	Name:        BookAppointment,
	Description: "Request a hospital appointment for the caller once name and preferred date are known.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"patient_name":   {Type: jsonschema.String, Description: "Full name of the patient"},
			"department":     {Type: jsonschema.String, Description: "Department or specialty, e.g. cardiology"},
			"preferred_date": {Type: jsonschema.String, Description: "Preferred date, YYYY-MM-DD or as spoken"},
			"preferred_time": {Type: jsonschema.String, Description: "Preferred time of day"},
			"reason":         {Type: jsonschema.String, Description: "Reason for the visit"},
			"phone":          {Type: jsonschema.String, Description: "Callback phone number"},
		},
		Required: []string{"patient_name", "preferred_date"},
	},
}

var emergencyAlertDef = openai.FunctionDefinition{
	Name:        EmergencyAlert,
	Description: "Alert hospital emergency staff when the caller describes a medical emergency.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"symptoms": {
				Type:        jsonschema.Array,
				Description: "Symptoms reported by the caller",
				Items:       &jsonschema.Definition{Type: jsonschema.String},
			},
			"severity": {
				Type: jsonschema.String,
				Enum: []string{"critical", "high", "medium"},
			},
			"location": {Type: jsonschema.String, Description: "Where the caller is, if known"},
			"details":  {Type: jsonschema.String, Description: "Anything else staff should know"},
		},
		Required: []string{"symptoms"},
	},
}

var hospitalInfoDef = openai.FunctionDefinition{
	Name:        GetHospitalInfo,
	Description: "Look up hospital address, phone numbers, opening hours and departments.",
	Parameters: jsonschema.Definition{
		Type: jsonschema.Object,
		Properties: map[string]jsonschema.Definition{
			"topic": {
				Type: jsonschema.String,
				Enum: []string{"general", "hours", "location", "contact", "emergency", "departments"},
			},
		},
	},
}

func decodeArgs(args json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

func bookAppointment(b Booker) Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var a Appointment
		if err := decodeArgs(args, &a); err != nil {
			return nil, err
		}
		a.PatientName = strings.TrimSpace(a.PatientName)
		if a.PatientName == "" || strings.TrimSpace(a.PreferredDate) == "" {
			return nil, fmt.Errorf("%w: patient_name and preferred_date are required", ErrInvalidArguments)
		}
		booking, err := b.Book(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("book appointment: %w", err)
		}
		return map[string]interface{}{
			"success": true,
			"booking": booking,
			"message": fmt.Sprintf("Appointment request %s recorded for %s on %s.", booking.ID, a.PatientName, a.PreferredDate),
		}, nil
	}
}

func emergencyAlert(al Alerter) Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Symptoms []string `json:"symptoms"`
			Severity string   `json:"severity"`
			Location string   `json:"location"`
			Details  string   `json:"details"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		if in.Severity == "" {
			in.Severity = "high"
		}
		session := SessionFromContext(ctx)
		alert := Alert{
			SessionID: session.ID,
			Language:  session.Language,
			Severity:  in.Severity,
			Symptoms:  in.Symptoms,
			Location:  in.Location,
			Details:   in.Details,
		}
		err := al.Alert(ctx, alert)
		switch {
		case errors.Is(err, notification.ErrRateLimited):
			return map[string]interface{}{
				"success": true,
				"status":  "already_notified",
				"message": "Emergency staff were already alerted for this call.",
			}, nil
		case err != nil:
			return nil, fmt.Errorf("raise emergency alert: %w", err)
		}
		return map[string]interface{}{
			"success": true,
			"status":  "alerted",
			"message": "Emergency staff have been alerted.",
		}, nil
	}
}

func hospitalInfo(d Directory, c cache.Cache, ttl time.Duration) Handler {
	return func(ctx context.Context, args json.RawMessage) (interface{}, error) {
		var in struct {
			Topic string `json:"topic"`
		}
		if err := decodeArgs(args, &in); err != nil {
			return nil, err
		}
		var (
			info *HospitalInfo
			err  error
		)
		if c != nil {
			var v interface{}
			v, err = cache.Remember(ctx, c, "hospital_info", ttl, func(ctx context.Context) (interface{}, error) {
				return d.Info(ctx)
			})
			if err == nil {
				info, err = asHospitalInfo(v)
			}
		} else {
			info, err = d.Info(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("hospital info: %w", err)
		}
		return infoForTopic(info, in.Topic), nil
	}
}

// asHospitalInfo accepts the stored value, or its JSON decoding when the
// cache is shared over the network.
func asHospitalInfo(v interface{}) (*HospitalInfo, error) {
	if info, ok := v.(*HospitalInfo); ok {
		return info, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var info HospitalInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func infoForTopic(info *HospitalInfo, topic string) map[string]interface{} {
	out := map[string]interface{}{"success": true, "name": info.Name}
	switch topic {
	case "hours":
		out["hours"] = info.Hours
	case "location":
		out["address"] = info.Address
	case "contact":
		out["phone"] = info.Phone
		out["emergency_number"] = info.EmergencyNumber
	case "emergency":
		out["emergency_number"] = info.EmergencyNumber
		out["hours"] = info.Hours
	case "departments":
		out["departments"] = info.Departments
	default:
		out["address"] = info.Address
		out["phone"] = info.Phone
		out["emergency_number"] = info.EmergencyNumber
		out["hours"] = info.Hours
		out["departments"] = info.Departments
	}
	return out
}

// StaticDirectory serves fixed facility data, usually from configuration.
type StaticDirectory HospitalInfo

func (s *StaticDirectory) Info(context.Context) (*HospitalInfo, error) {
	info := HospitalInfo(*s)
	info.Departments = append([]string(nil), s.Departments...)
	return &info, nil
}

// MemoryBooker keeps requests in memory with status "pending"; staff
// confirm them out of band.
type MemoryBooker struct {
	mu       sync.Mutex
	bookings []Booking
	now      func() time.Time
}

func NewMemoryBooker() *MemoryBooker {
	return &MemoryBooker{now: time.Now}
}

func (m *MemoryBooker) Book(_ context.Context, a Appointment) (*Booking, error) {
	b := Booking{
		ID:          uuid.NewString(),
		Status:      "pending",
		Appointment: a,
		CreatedAt:   m.now(),
	}
	m.mu.Lock()
	m.bookings = append(m.bookings, b)
	m.mu.Unlock()
	return &b, nil
}

func (m *MemoryBooker) Bookings() []Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Booking(nil), m.bookings...)
}

// Enqueuer is satisfied by *notification.Dispatcher.
type Enqueuer interface {
	Enqueue(p notification.Payload) error
}

// NotifierAlerter turns function-call alerts into hospital notifications.
type NotifierAlerter struct {
	Queue Enqueuer
	Now   func() time.Time
}

func (n *NotifierAlerter) Alert(_ context.Context, a Alert) error {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}
	action := "Dispatch emergency staff to assess the caller"
	if a.Location != "" {
		action += " at " + a.Location
	}
	return n.Queue.Enqueue(notification.Payload{
		Timestamp:         now(),
		Severity:          a.Severity,
		Confidence:        1,
		Symptoms:          a.Symptoms,
		Language:          a.Language,
		SessionID:         a.SessionID,
		RecommendedAction: action,
	})
}
