package record

import "time"

// Appointment is the typed view of an appointments record.
type Appointment struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	AppointmentDate time.Time `json:"appointment_date"`
	AppointmentType string    `json:"appointment_type"`
	DoctorName      string    `json:"doctor_name"`
	Department      string    `json:"department,omitempty"`
	Notes           string    `json:"notes,omitempty"`
	Status          string    `json:"status,omitempty"`
}

// Fields renders the appointment as a create/update patch.
func (a Appointment) Fields() Fields {
	f := Fields{
		"appointment_type": a.AppointmentType,
		"doctor_name":      a.DoctorName,
		"department":       a.Department,
		"notes":            a.Notes,
	}
	if !a.AppointmentDate.IsZero() {
		f["appointment_date"] = a.AppointmentDate.UTC().Format(time.RFC3339)
	}
	if a.Status != "" {
		f["status"] = a.Status
	}
	return f
}

// AppointmentFromRecord decodes an appointments record.
func AppointmentFromRecord(r Record) Appointment {
	a := Appointment{
		ID:              r.ID,
		UserID:          r.Fields.String(FieldUserID),
		AppointmentType: r.Fields.String("appointment_type"),
		DoctorName:      r.Fields.String("doctor_name"),
		Department:      r.Fields.String("department"),
		Notes:           r.Fields.String("notes"),
		Status:          r.Fields.String("status"),
	}
	if ts, err := ParseAppointmentDate(r.Fields.String("appointment_date")); err == nil {
		a.AppointmentDate = ts
	}
	return a
}

// Profile is the typed view of a profiles record. Its id is the user id.
type Profile struct {
	ID               string `json:"id"`
	FullName         string `json:"full_name"`
	Phone            string `json:"phone,omitempty"`
	DateOfBirth      string `json:"date_of_birth,omitempty"`
	Gender           string `json:"gender,omitempty"`
	Address          string `json:"address,omitempty"`
	MedicalHistory   string `json:"medical_history,omitempty"`
	Allergies        string `json:"allergies,omitempty"`
	EmergencyContact string `json:"emergency_contact,omitempty"`
}

func (p Profile) Fields() Fields {
	return Fields{
		"full_name":         p.FullName,
		"phone":             p.Phone,
		"date_of_birth":     p.DateOfBirth,
		"gender":            p.Gender,
		"address":           p.Address,
		"medical_history":   p.MedicalHistory,
		"allergies":         p.Allergies,
		"emergency_contact": p.EmergencyContact,
	}
}

func ProfileFromRecord(r Record) Profile {
	return Profile{
		ID:               r.ID,
		FullName:         r.Fields.String("full_name"),
		Phone:            r.Fields.String("phone"),
		DateOfBirth:      r.Fields.String("date_of_birth"),
		Gender:           r.Fields.String("gender"),
		Address:          r.Fields.String("address"),
		MedicalHistory:   r.Fields.String("medical_history"),
		Allergies:        r.Fields.String("allergies"),
		EmergencyContact: r.Fields.String("emergency_contact"),
	}
}

// Chat senders.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

// ChatMessage is the typed view of a chat_messages record.
type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Message   string    `json:"message"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

func (m ChatMessage) Fields() Fields {
	return Fields{
		"message": m.Message,
		"sender":  m.Sender,
	}
}

func ChatMessageFromRecord(r Record) ChatMessage {
	return ChatMessage{
		ID:        r.ID,
		UserID:    r.Fields.String(FieldUserID),
		Message:   r.Fields.String("message"),
		Sender:    r.Fields.String("sender"),
		CreatedAt: r.UpdatedAt,
	}
}

// FileUpload is the typed view of a file_uploads record.
type FileUpload struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	FileName string `json:"file_name"`
	FileType string `json:"file_type"`
	FileSize int64  `json:"file_size"`
	FileURL  string `json:"file_url"`
	Category string `json:"category"`
}

func (f FileUpload) Fields() Fields {
	out := Fields{
		"file_name": f.FileName,
		"file_type": f.FileType,
		"file_size": f.FileSize,
		"category":  f.Category,
	}
	if f.FileURL != "" {
		out["file_url"] = f.FileURL
	}
	return out
}

func FileUploadFromRecord(r Record) FileUpload {
	size, _ := r.Fields.Int("file_size")
	return FileUpload{
		ID:       r.ID,
		UserID:   r.Fields.String(FieldUserID),
		FileName: r.Fields.String("file_name"),
		FileType: r.Fields.String("file_type"),
		FileSize: size,
		FileURL:  r.Fields.String("file_url"),
		Category: r.Fields.String("category"),
	}
}
