// Package models defines the core data structures for LinePulse.
//
// It includes types for friends, response rules, outbound messages and side-effect
// actions, which are shared across modules. Message and action payloads are tagged
// unions validated at the boundary so the engine never inspects untyped JSON.
package models

import (
	"errors"
	"regexp"
	"time"
)

// MessageType defines the kind of outbound platform message.
type MessageType string

const (
	// MessageTypeText is a plain text message.
	MessageTypeText MessageType = "text"
	// MessageTypeSticker is a platform sticker message.
	MessageTypeSticker MessageType = "sticker"
	// MessageTypeImage is an image message referenced by URL.
	MessageTypeImage MessageType = "image"
)

// Validation constants for input validation
const (
	// MaxMessageTextLength defines the maximum allowed length for text message content
	MaxMessageTextLength = 5000
	// MaxMessagesPerPush defines the platform limit on messages per send call
	MaxMessagesPerPush = 5
)

// Error variables for better error handling and testability
var (
	ErrInvalidMessageType   = errors.New("invalid message type")
	ErrEmptyMessageText     = errors.New("text is required for text messages")
	ErrMessageTextTooLong   = errors.New("message text exceeds maximum length")
	ErrMissingStickerIDs    = errors.New("package and sticker IDs are required for sticker messages")
	ErrMissingImageURL      = errors.New("content URL is required for image messages")
	ErrInvalidActionType    = errors.New("invalid action type")
	ErrMissingActionTags    = errors.New("tag IDs are required for tag actions")
	ErrMissingActionSegment = errors.New("segment ID is required for segment actions")
	ErrMissingActionStep    = errors.New("campaign ID is required for step actions")
	ErrMissingActionNotify  = errors.New("notification text is required for notify actions")
	ErrMissingActionField   = errors.New("field name is required for update_field actions")
	ErrInvalidRuleType      = errors.New("invalid rule type")
	ErrMissingRuleKeywords  = errors.New("keywords are required for keyword rules")
	ErrMissingRulePattern   = errors.New("pattern is required for regex rules")
	ErrInvalidRulePattern   = errors.New("regex rule pattern does not compile")
	ErrMissingRuleScenario  = errors.New("scenario ID is required for scenario rules")
	ErrMissingRuleResponse  = errors.New("response message is required")
)

// Message represents one outbound platform message. Exactly the fields for the
// declared Type are populated; Validate enforces this at the store boundary.
type Message struct {
	Type               MessageType `json:"type"`
	Text               string      `json:"text,omitempty"`
	PackageID          string      `json:"package_id,omitempty"`
	StickerID          string      `json:"sticker_id,omitempty"`
	OriginalContentURL string      `json:"original_content_url,omitempty"`
	PreviewImageURL    string      `json:"preview_image_url,omitempty"`
}

// TextMessage builds a plain text Message.
func TextMessage(text string) Message {
	return Message{Type: MessageTypeText, Text: text}
}

// Validate checks that the message carries the payload its type requires.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageTypeText:
		if m.Text == "" {
			return ErrEmptyMessageText
		}
		if len(m.Text) > MaxMessageTextLength {
			return ErrMessageTextTooLong
		}
	case MessageTypeSticker:
		if m.PackageID == "" || m.StickerID == "" {
			return ErrMissingStickerIDs
		}
	case MessageTypeImage:
		if m.OriginalContentURL == "" {
			return ErrMissingImageURL
		}
	default:
		return ErrInvalidMessageType
	}
	return nil
}

// ActionType defines the kind of side effect attached to a rule or step.
type ActionType string

const (
	// ActionTypeTag adds tags to the friend's tag set (idempotent).
	ActionTypeTag ActionType = "tag"
	// ActionTypeSegment moves/adds the friend to a segment.
	ActionTypeSegment ActionType = "segment"
	// ActionTypeStep enrolls the friend in a drip campaign.
	ActionTypeStep ActionType = "step"
	// ActionTypeNotify delivers an operator-facing notification.
	ActionTypeNotify ActionType = "notify"
	// ActionTypeUpdateField sets a custom metadata field on the friend.
	ActionTypeUpdateField ActionType = "update_field"
)

// Action represents one side effect. Like Message it is a tagged union.
type Action struct {
	Type             ActionType `json:"type"`
	TagIDs           []string   `json:"tag_ids,omitempty"`
	SegmentID        string     `json:"segment_id,omitempty"`
	CampaignID       string     `json:"campaign_id,omitempty"`
	NotificationText string     `json:"notification_text,omitempty"`
	FieldName        string     `json:"field_name,omitempty"`
	FieldValue       string     `json:"field_value,omitempty"`
}

// Validate checks that the action carries the payload its type requires.
func (a *Action) Validate() error {
	switch a.Type {
	case ActionTypeTag:
		if len(a.TagIDs) == 0 {
			return ErrMissingActionTags
		}
	case ActionTypeSegment:
		if a.SegmentID == "" {
			return ErrMissingActionSegment
		}
	case ActionTypeStep:
		if a.CampaignID == "" {
			return ErrMissingActionStep
		}
	case ActionTypeNotify:
		if a.NotificationText == "" {
			return ErrMissingActionNotify
		}
	case ActionTypeUpdateField:
		if a.FieldName == "" {
			return ErrMissingActionField
		}
	default:
		return ErrInvalidActionType
	}
	return nil
}

// Friend represents a chat-platform contact. Friends are never deleted, only
// marked blocked when they unfollow the account.
type Friend struct {
	ID                string            `json:"id"`
	AccountID         string            `json:"account_id"`
	PlatformUserID    string            `json:"platform_user_id"`
	DisplayName       string            `json:"display_name,omitempty"`
	Blocked           bool              `json:"blocked"`
	Tags              []string          `json:"tags,omitempty"`
	Segments          []string          `json:"segments,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	LastInteractionAt time.Time         `json:"last_interaction_at"`
	CreatedAt         time.Time         `json:"created_at"`
}

// HasTag reports whether the friend carries the given tag.
func (f *Friend) HasTag(tagID string) bool {
	for _, t := range f.Tags {
		if t == tagID {
			return true
		}
	}
	return false
}

// InSegment reports whether the friend belongs to the given segment.
func (f *Friend) InSegment(segmentID string) bool {
	for _, s := range f.Segments {
		if s == segmentID {
			return true
		}
	}
	return false
}

// RuleType defines how a response rule is triggered.
type RuleType string

const (
	// RuleTypeKeyword matches when any trigger keyword is a case-insensitive substring.
	RuleTypeKeyword RuleType = "keyword"
	// RuleTypeRegex matches on the configured pattern.
	RuleTypeRegex RuleType = "regex"
	// RuleTypeAI defers the match verdict to an external classifier.
	RuleTypeAI RuleType = "ai"
	// RuleTypeScenario starts a multi-step conversation on exact keyword match.
	RuleTypeScenario RuleType = "scenario"
)

// IsValidRuleType checks if the given rule type is supported.
func IsValidRuleType(rt RuleType) bool {
	switch rt {
	case RuleTypeKeyword, RuleTypeRegex, RuleTypeAI, RuleTypeScenario:
		return true
	default:
		return false
	}
}

// TimeCondition restricts a rule to a day-of-week set and a [StartTime, EndTime)
// window. An empty Days set means all days.
type TimeCondition struct {
	Days      []time.Weekday `json:"days,omitempty"`
	StartTime string         `json:"start_time"` // "HH:MM"
	EndTime   string         `json:"end_time"`   // "HH:MM", exclusive
}

// FriendCondition restricts a rule by tag/segment membership. IDs within a
// field are ORed; the two fields are ANDed.
type FriendCondition struct {
	TagIDs     []string `json:"tag_ids,omitempty"`
	SegmentIDs []string `json:"segment_ids,omitempty"`
}

// LimitPeriod defines the window a LimitCondition is evaluated over.
type LimitPeriod string

const (
	LimitPeriodDay   LimitPeriod = "day"
	LimitPeriodWeek  LimitPeriod = "week"
	LimitPeriodMonth LimitPeriod = "month"
)

// LimitCondition bounds how often a rule may fire, per user and/or in total,
// within the period. Zero values disable the respective bound.
type LimitCondition struct {
	PerUser int         `json:"per_user,omitempty"`
	Total   int         `json:"total,omitempty"`
	Period  LimitPeriod `json:"period,omitempty"`
}

// Window returns the start of the limit period relative to now.
func (l *LimitCondition) Window(now time.Time) time.Time {
	switch l.Period {
	case LimitPeriodWeek:
		return now.AddDate(0, 0, -7)
	case LimitPeriodMonth:
		return now.AddDate(0, -1, 0)
	default:
		return now.AddDate(0, 0, -1)
	}
}

// Rule represents a response trigger definition. Rules are created via the
// dashboard and are read-only to the engine.
type Rule struct {
	ID              string           `json:"id"`
	AccountID       string           `json:"account_id"`
	Name            string           `json:"name"`
	Type            RuleType         `json:"type"`
	Priority        int              `json:"priority"`
	Keywords        []string         `json:"keywords,omitempty"`        // keyword triggers / scenario start keyword
	Pattern         string           `json:"pattern,omitempty"`         // regex rules
	AIInstructions  string           `json:"ai_instructions,omitempty"` // ai rules
	ScenarioID      string           `json:"scenario_id,omitempty"`     // scenario rules
	Response        *Message         `json:"response,omitempty"`
	TimeConditions  []TimeCondition  `json:"time_conditions,omitempty"`
	FriendCondition *FriendCondition `json:"friend_condition,omitempty"`
	LimitCondition  *LimitCondition  `json:"limit_condition,omitempty"`
	Actions         []Action         `json:"actions,omitempty"`
	Active          bool             `json:"active"`
	TotalTriggers   int              `json:"total_triggers"`
	LastTriggeredAt *time.Time       `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Validate performs comprehensive validation on a Rule structure.
func (r *Rule) Validate() error {
	if !IsValidRuleType(r.Type) {
		return ErrInvalidRuleType
	}
	switch r.Type {
	case RuleTypeKeyword:
		if len(r.Keywords) == 0 {
			return ErrMissingRuleKeywords
		}
	case RuleTypeRegex:
		if r.Pattern == "" {
			return ErrMissingRulePattern
		}
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return ErrInvalidRulePattern
		}
	case RuleTypeScenario:
		if r.ScenarioID == "" {
			return ErrMissingRuleScenario
		}
		if len(r.Keywords) == 0 {
			return ErrMissingRuleKeywords
		}
	}
	if r.Type != RuleTypeScenario {
		if r.Response == nil {
			return ErrMissingRuleResponse
		}
		if err := r.Response.Validate(); err != nil {
			return err
		}
	}
	for i := range r.Actions {
		if err := r.Actions[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates a request was accepted for asynchronous processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Accepted creates an accepted API response for asynchronously processed requests.
func Accepted(message string) APIResponse {
	return APIResponse{Status: string(APIStatusAccepted), Message: message}
}

// AutoResponseRequest is the payload of the internal auto-response trigger.
type AutoResponseRequest struct {
	FriendID       string `json:"friend_id"`
	MessageText    string `json:"message_text"`
	MessageType    string `json:"message_type"`
	PlatformUserID string `json:"line_user_id"`
}

// Validate checks the trigger payload for required fields.
func (r *AutoResponseRequest) Validate() error {
	if r.FriendID == "" || r.PlatformUserID == "" {
		return errors.New("missing required fields: friend_id, line_user_id")
	}
	if r.MessageType == "" {
		r.MessageType = "text"
	}
	return nil
}
