package webhooks

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platinummonkey/rolegraph/pkg/audit"
)

// SlackMessage represents a Slack webhook message
type SlackMessage struct {
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color  string       `json:"color,omitempty"`
	Title  string       `json:"title,omitempty"`
	Text   string       `json:"text,omitempty"`
	Fields []SlackField `json:"fields,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// TeamsMessage represents a Microsoft Teams webhook message
type TeamsMessage struct {
	Type       string         `json:"@type"`
	Context    string         `json:"@context"`
	Summary    string         `json:"summary,omitempty"`
	Title      string         `json:"title,omitempty"`
	ThemeColor string         `json:"themeColor,omitempty"`
	Sections   []TeamsSection `json:"sections,omitempty"`
}

// TeamsSection represents a section in a Teams message
type TeamsSection struct {
	ActivityTitle string      `json:"activityTitle,omitempty"`
	Facts         []TeamsFact `json:"facts,omitempty"`
	Text          string      `json:"text,omitempty"`
}

// TeamsFact represents a fact in a Teams section
type TeamsFact struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

const timestampLayout = "2006-01-02 15:04:05 MST"

// FormatSlackMessage formats an event as a Slack message
func FormatSlackMessage(event *audit.Event) SlackMessage {
	fields := []SlackField{
		{Title: "Event Type", Value: string(event.EventType), Short: true},
		{Title: "Generation", Value: fmt.Sprint(event.Generation), Short: true},
		{Title: "Resource", Value: resourceLabel(event), Short: true},
		{Title: "Timestamp", Value: event.Timestamp.UTC().Format(timestampLayout), Short: true},
	}
	if len(event.CallerRoles) > 0 {
		fields = append(fields, SlackField{Title: "Caller Roles", Value: strings.Join(event.CallerRoles, ", "), Short: false})
	}
	if details := detailsText(event.Details); details != "" {
		fields = append(fields, SlackField{Title: "Details", Value: details, Short: false})
	}

	return SlackMessage{
		Text: getEventTitle(event.EventType),
		Attachments: []SlackAttachment{
			{
				Color:  getEventColor(event.EventType),
				Title:  getEventTitle(event.EventType),
				Fields: fields,
			},
		},
	}
}

// FormatTeamsMessage formats an event as a Microsoft Teams message card
func FormatTeamsMessage(event *audit.Event) TeamsMessage {
	title := getEventTitle(event.EventType)

	facts := []TeamsFact{
		{Name: "Event Type", Value: string(event.EventType)},
		{Name: "Generation", Value: fmt.Sprint(event.Generation)},
		{Name: "Resource", Value: resourceLabel(event)},
		{Name: "Timestamp", Value: event.Timestamp.UTC().Format(timestampLayout)},
	}
	if len(event.CallerRoles) > 0 {
		facts = append(facts, TeamsFact{Name: "Caller Roles", Value: strings.Join(event.CallerRoles, ", ")})
	}

	return TeamsMessage{
		Type:       "MessageCard",
		Context:    "http://schema.org/extensions",
		Summary:    title,
		Title:      title,
		ThemeColor: getEventThemeColor(event.EventType),
		Sections: []TeamsSection{
			{
				ActivityTitle: event.ID,
				Facts:         facts,
				Text:          detailsText(event.Details),
			},
		},
	}
}

func resourceLabel(event *audit.Event) string {
	if event.ResourceID == "" {
		return string(event.ResourceType)
	}
	return string(event.ResourceType) + " " + event.ResourceID
}

// detailsText renders details as sorted key=value pairs
func detailsText(details map[string]any) string {
	keys := make([]string, 0, len(details))
	for k := range details {
		if k != "op" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}

type severity int

const (
	severityInfo severity = iota
	severityGood
	severityWarning
	severityDanger
)

func eventSeverity(eventType audit.EventType) severity {
	switch eventType {
	case audit.EventTypeRoleCreated, audit.EventTypePermissionRegistered,
		audit.EventTypeRuleAssigned, audit.EventTypeBulkAssigned, audit.EventTypeRoleActivated:
		return severityGood
	case audit.EventTypeRoleDeleted, audit.EventTypeRoleTreeDeleted,
		audit.EventTypePermissionRemoved, audit.EventTypeRuleRevoked:
		return severityDanger
	case audit.EventTypeRoleDeactivated, audit.EventTypeRoleProtection, audit.EventTypeGraphReloaded:
		return severityWarning
	default:
		return severityInfo
	}
}

// getEventColor returns the Slack color for an event type
func getEventColor(eventType audit.EventType) string {
	switch eventSeverity(eventType) {
	case severityGood:
		return "good"
	case severityDanger:
		return "danger"
	case severityWarning:
		return "warning"
	default:
		return "#439FE0"
	}
}

// getEventThemeColor returns the Teams theme color for an event type
func getEventThemeColor(eventType audit.EventType) string {
	switch eventSeverity(eventType) {
	case severityGood:
		return "2EB886"
	case severityDanger:
		return "A30200"
	case severityWarning:
		return "DAA038"
	default:
		return "439FE0"
	}
}

var eventTitles = map[audit.EventType]string{
	audit.EventTypeRoleCreated:          "Role Created",
	audit.EventTypeRoleUpdated:          "Role Updated",
	audit.EventTypeRoleReparented:       "Role Moved",
	audit.EventTypeRoleActivated:        "Role Activated",
	audit.EventTypeRoleDeactivated:      "Role Deactivated",
	audit.EventTypeRoleProtection:       "Role Protection Changed",
	audit.EventTypeRoleDeleted:          "Role Deleted",
	audit.EventTypeRoleTreeDeleted:      "Role Subtree Deleted",
	audit.EventTypePermissionRegistered: "Permission Registered",
	audit.EventTypePermissionRemoved:    "Permission Unregistered",
	audit.EventTypeRuleAssigned:         "Permission Rule Assigned",
	audit.EventTypeRuleRevoked:          "Permission Rule Revoked",
	audit.EventTypeBulkAssigned:         "Permission Rules Bulk Assigned",
	audit.EventTypeGraphReloaded:        "Permission Graph Reloaded",
}

// getEventTitle returns a human-readable title for an event type
func getEventTitle(eventType audit.EventType) string {
	if title, ok := eventTitles[eventType]; ok {
		return title
	}
	return string(eventType)
}
