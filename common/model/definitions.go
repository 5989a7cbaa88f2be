package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JSONUnmarshal decodes data into out with a uniform error message.
func JSONUnmarshal(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

// ----------------------------------------------------------------------
// Issues
// ----------------------------------------------------------------------

// Category is the kind of infrastructure problem an issue reports.
type Category string

const (
	CategoryRoad        Category = "road"
	CategoryGarbage     Category = "garbage"
	CategoryWater       Category = "water"
	CategoryElectricity Category = "electricity"
	CategorySewage      Category = "sewage"
	CategoryLighting    Category = "lighting"
	CategoryPollution   Category = "pollution"
	CategoryTraffic     Category = "traffic"
	CategoryOther       Category = "other"
)

// Categories lists every category the backend accepts.
var Categories = []Category{
	CategoryRoad, CategoryGarbage, CategoryWater, CategoryElectricity,
	CategorySewage, CategoryLighting, CategoryPollution, CategoryTraffic, CategoryOther,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Status is where an issue is in its lifecycle.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnderReview Status = "under_review"
	StatusAssigned    Status = "assigned"
	StatusInProgress  Status = "in_progress"
	StatusResolved    Status = "resolved"
	StatusRejected    Status = "rejected"
)

// Priority of an issue. The backend defaults to medium.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Coordinate is a latitude or longitude. The backend serializes decimals as
// strings, so both "12.5" and 12.5 are accepted.
type Coordinate float64

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("invalid coordinate %q: %w", data, err)
	}
	*c = Coordinate(f)
	return nil
}

// Format renders the coordinate the way the backend stores it (6 decimals).
func (c Coordinate) Format() string {
	return strconv.FormatFloat(float64(c), 'f', 6, 64)
}

// IssuePhoto is an additional photo attached to an issue.
type IssuePhoto struct {
	ID         int64     `json:"id"`
	Image      string    `json:"image"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Issue is a reported problem as returned by the backend.
type Issue struct {
	ID             int64        `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Category       Category     `json:"category"`
	Location       string       `json:"location,omitempty"`
	Latitude       *Coordinate  `json:"latitude,omitempty"`
	Longitude      *Coordinate  `json:"longitude,omitempty"`
	Photo          string       `json:"photo,omitempty"`
	Priority       Priority     `json:"priority,omitempty"`
	Status         Status       `json:"status,omitempty"`
	AssignedTo     *int64       `json:"assigned_to,omitempty"`
	AssignedToName string       `json:"assigned_to_name,omitempty"`
	ReportedBy     *int64       `json:"reported_by,omitempty"`
	ReporterName   string       `json:"reporter_name,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
	IsAnonymous    bool         `json:"is_anonymous"`
	Feedback       string       `json:"feedback,omitempty"`
	IsFlagged      bool         `json:"is_flagged"`
	FlagReason     string       `json:"flag_reason,omitempty"`
	LikesCount     int          `json:"likes_count"`
	Photos         []IssuePhoto `json:"photos,omitempty"`
	DistanceKm     *float64     `json:"distance_km,omitempty"`
}

// IssueInput is what a consumer submits when reporting an issue.
type IssueInput struct {
	Title       string
	Description string
	Category    Category
	Location    string
	Latitude    *Coordinate
	Longitude   *Coordinate
	Priority    Priority
	IsAnonymous bool
}

// Fields renders the input as multipart form fields.
func (in IssueInput) Fields() map[string]string {
	fields := map[string]string{
		"title":       in.Title,
		"description": in.Description,
		"category":    string(in.Category),
	}
	if in.Location != "" {
		fields["location"] = in.Location
	}
	if in.Latitude != nil {
		fields["latitude"] = in.Latitude.Format()
	}
	if in.Longitude != nil {
		fields["longitude"] = in.Longitude.Format()
	}
	if in.Priority != "" {
		fields["priority"] = string(in.Priority)
	}
	if in.IsAnonymous {
		fields["is_anonymous"] = "true"
	}
	return fields
}

// Validate checks the fields the backend requires.
func (in IssueInput) Validate() error {
	if in.Title == "" {
		return fmt.Errorf("title is required")
	}
	if in.Description == "" {
		return fmt.Errorf("description is required")
	}
	if !in.Category.Valid() {
		return fmt.Errorf("unknown category %q", in.Category)
	}
	return nil
}

// IssueUpdate is a partial update (PATCH). Nil fields are left untouched.
type IssueUpdate struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Category    *Category `json:"category,omitempty"`
	Location    *string   `json:"location,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Feedback    *string   `json:"feedback,omitempty"`
}

// FlagReason is why an issue was flagged for moderation.
type FlagReason string

const (
	FlagInappropriate FlagReason = "inappropriate"
	FlagSpam          FlagReason = "spam"
	FlagDuplicate     FlagReason = "duplicate"
	FlagOther         FlagReason = "other"
)

// FlagRequest is the body sent when flagging an issue.
type FlagRequest struct {
	Issue   int64      `json:"issue"`
	Reason  FlagReason `json:"reason"`
	Comment string     `json:"comment,omitempty"`
}

// Flag is a moderation report on an issue.
type Flag struct {
	ID         int64      `json:"id"`
	Reason     FlagReason `json:"reason"`
	Comment    string     `json:"comment,omitempty"`
	ReportedBy string     `json:"reported_by,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	Reviewed   bool       `json:"reviewed"`
}

// Prediction is the category suggested for an issue description.
type Prediction struct {
	PredictedCategory Category `json:"predicted_category"`
	Confidence        float64  `json:"confidence,omitempty"`
}

// ----------------------------------------------------------------------
// Accounts
// ----------------------------------------------------------------------

// Role distinguishes issue reporters from issue resolvers.
type Role string

const (
	RoleConsumer Role = "consumer"
	RoleProvider Role = "provider"
)

// LoginRequest is the body of a login call.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse carries the token pair issued at login.
type LoginResponse struct {
	Access   string `json:"access"`
	Refresh  string `json:"refresh"`
	Username string `json:"username,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// SignupInput registers a new account.
type SignupInput struct {
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password"`
	Role     Role   `json:"role,omitempty"`
}

// User is an account as returned after signup.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// Profile is the logged-in user's profile.
type Profile struct {
	ID         int64  `json:"id,omitempty"`
	Username   string `json:"username"`
	Email      string `json:"email,omitempty"`
	Role       Role   `json:"role,omitempty"`
	Profession string `json:"profession,omitempty"`
	Contact    string `json:"contact,omitempty"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// ProfileUpdate is sent as a multipart PATCH. Empty fields are omitted.
type ProfileUpdate struct {
	Username string
	Email    string
	Contact  string
}

// Fields renders the update as multipart form fields.
func (u ProfileUpdate) Fields() map[string]string {
	fields := map[string]string{}
	if u.Username != "" {
		fields["username"] = u.Username
	}
	if u.Email != "" {
		fields["email"] = u.Email
	}
	if u.Contact != "" {
		fields["contact"] = u.Contact
	}
	return fields
}

// TokenRefreshRequest is the body sent to the refresh endpoint.
type TokenRefreshRequest struct {
	Refresh string `json:"refresh"`
}

// TokenRefreshResponse is the refresh endpoint's reply. Refresh is present
// only when the backend rotates refresh tokens.
type TokenRefreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}
