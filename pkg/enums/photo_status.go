package enums

// PhotoStatus describes where a photo record sits in the processing lifecycle.
type PhotoStatus string

const (
	PhotoStatusPending   PhotoStatus = "PENDING"
	PhotoStatusUploaded  PhotoStatus = "UPLOADED"
	PhotoStatusProcessed PhotoStatus = "PROCESSED"
	PhotoStatusError     PhotoStatus = "ERROR"
)

var validPhotoStatuses = []PhotoStatus{
	PhotoStatusPending,
	PhotoStatusUploaded,
	PhotoStatusProcessed,
	PhotoStatusError,
}

// String returns the literal string for the status.
func (s PhotoStatus) String() string {
	return string(s)
}

// IsValid reports whether the status is known.
func (s PhotoStatus) IsValid() bool {
	for _, candidate := range validPhotoStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the processing pipeline is done with the record.
func (s PhotoStatus) IsTerminal() bool {
	return s == PhotoStatusProcessed || s == PhotoStatusError
}
