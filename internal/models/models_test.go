package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestMessageValidate(t *testing.T) {
	cases := []struct {
		name    string
		msg     Message
		wantErr error
	}{
		{"text ok", TextMessage("こんにちは"), nil},
		{"text empty", Message{Type: MessageTypeText}, ErrEmptyMessageText},
		{"text too long", Message{Type: MessageTypeText, Text: strings.Repeat("a", MaxMessageTextLength+1)}, ErrMessageTextTooLong},
		{"text at limit", Message{Type: MessageTypeText, Text: strings.Repeat("a", MaxMessageTextLength)}, nil},
		{"sticker ok", Message{Type: MessageTypeSticker, PackageID: "1", StickerID: "2"}, nil},
		{"sticker missing ids", Message{Type: MessageTypeSticker, PackageID: "1"}, ErrMissingStickerIDs},
		{"image ok", Message{Type: MessageTypeImage, OriginalContentURL: "https://example.com/a.jpg"}, nil},
		{"image missing url", Message{Type: MessageTypeImage}, ErrMissingImageURL},
		{"unknown type", Message{Type: "video"}, ErrInvalidMessageType},
		{"empty type", Message{}, ErrInvalidMessageType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.msg.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestActionValidate(t *testing.T) {
	cases := []struct {
		name    string
		action  Action
		wantErr error
	}{
		{"tag ok", Action{Type: ActionTypeTag, TagIDs: []string{"vip"}}, nil},
		{"tag empty", Action{Type: ActionTypeTag}, ErrMissingActionTags},
		{"segment ok", Action{Type: ActionTypeSegment, SegmentID: "tokyo"}, nil},
		{"segment empty", Action{Type: ActionTypeSegment}, ErrMissingActionSegment},
		{"step ok", Action{Type: ActionTypeStep, CampaignID: "onboarding"}, nil},
		{"step empty", Action{Type: ActionTypeStep}, ErrMissingActionStep},
		{"notify ok", Action{Type: ActionTypeNotify, NotificationText: "要対応"}, nil},
		{"notify empty", Action{Type: ActionTypeNotify}, ErrMissingActionNotify},
		{"update field ok", Action{Type: ActionTypeUpdateField, FieldName: "plan", FieldValue: "gold"}, nil},
		{"update field missing name", Action{Type: ActionTypeUpdateField, FieldValue: "gold"}, ErrMissingActionField},
		{"unknown type", Action{Type: "launch"}, ErrInvalidActionType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.action.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRuleValidate(t *testing.T) {
	resp := TextMessage("reply")
	cases := []struct {
		name    string
		rule    Rule
		wantErr error
	}{
		{
			"keyword ok",
			Rule{Type: RuleTypeKeyword, Keywords: []string{"営業時間"}, Response: &resp},
			nil,
		},
		{
			"keyword missing keywords",
			Rule{Type: RuleTypeKeyword, Response: &resp},
			ErrMissingRuleKeywords,
		},
		{
			"keyword missing response",
			Rule{Type: RuleTypeKeyword, Keywords: []string{"hi"}},
			ErrMissingRuleResponse,
		},
		{
			"regex ok",
			Rule{Type: RuleTypeRegex, Pattern: `(?i)refund|返金`, Response: &resp},
			nil,
		},
		{
			"regex missing pattern",
			Rule{Type: RuleTypeRegex, Response: &resp},
			ErrMissingRulePattern,
		},
		{
			"regex broken pattern",
			Rule{Type: RuleTypeRegex, Pattern: `([`, Response: &resp},
			ErrInvalidRulePattern,
		},
		{
			"ai ok",
			Rule{Type: RuleTypeAI, AIInstructions: "match complaints", Response: &resp},
			nil,
		},
		{
			"scenario ok without response",
			Rule{Type: RuleTypeScenario, ScenarioID: "survey", Keywords: []string{"アンケート"}},
			nil,
		},
		{
			"scenario missing scenario id",
			Rule{Type: RuleTypeScenario, Keywords: []string{"アンケート"}},
			ErrMissingRuleScenario,
		},
		{
			"scenario missing keyword",
			Rule{Type: RuleTypeScenario, ScenarioID: "survey"},
			ErrMissingRuleKeywords,
		},
		{
			"invalid response message",
			Rule{Type: RuleTypeKeyword, Keywords: []string{"hi"}, Response: &Message{Type: MessageTypeText}},
			ErrEmptyMessageText,
		},
		{
			"invalid action",
			Rule{Type: RuleTypeKeyword, Keywords: []string{"hi"}, Response: &resp, Actions: []Action{{Type: ActionTypeTag}}},
			ErrMissingActionTags,
		},
		{
			"unknown type",
			Rule{Type: "webhook"},
			ErrInvalidRuleType,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.rule.Validate(); !errors.Is(err, tc.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestLimitConditionWindow(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		period LimitPeriod
		want   time.Time
	}{
		{LimitPeriodDay, now.AddDate(0, 0, -1)},
		{LimitPeriodWeek, now.AddDate(0, 0, -7)},
		{LimitPeriodMonth, now.AddDate(0, -1, 0)},
		{"", now.AddDate(0, 0, -1)}, // unset defaults to a day
	}
	for _, tc := range cases {
		l := LimitCondition{PerUser: 1, Period: tc.period}
		if got := l.Window(now); !got.Equal(tc.want) {
			t.Errorf("Window(%q) = %v, want %v", tc.period, got, tc.want)
		}
	}
}

func TestFriendMembershipHelpers(t *testing.T) {
	f := Friend{Tags: []string{"vip"}, Segments: []string{"tokyo"}}
	if !f.HasTag("vip") || f.HasTag("newsletter") {
		t.Errorf("HasTag misbehaves: %v", f.Tags)
	}
	if !f.InSegment("tokyo") || f.InSegment("osaka") {
		t.Errorf("InSegment misbehaves: %v", f.Segments)
	}
}

func TestAutoResponseRequestValidate(t *testing.T) {
	ok := AutoResponseRequest{FriendID: "f1", PlatformUserID: "U123", MessageText: "hi"}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
	if ok.MessageType != "text" {
		t.Errorf("message type not defaulted: %q", ok.MessageType)
	}
	missing := AutoResponseRequest{PlatformUserID: "U123", MessageText: "hi"}
	if err := missing.Validate(); err == nil {
		t.Error("request without friend accepted")
	}
	noUser := AutoResponseRequest{FriendID: "f1", MessageText: "hi"}
	if err := noUser.Validate(); err == nil {
		t.Error("request without platform user accepted")
	}
}
