package models

import (
	"fmt"
	"strings"
)

// IntegrationType identifies the channel a session or delivery belongs to.
type IntegrationType string

const (
	IntegrationSlack   IntegrationType = "SLACK"
	IntegrationWeb     IntegrationType = "WEB"
	IntegrationCLI     IntegrationType = "CLI"
	IntegrationTool    IntegrationType = "TOOL"
	IntegrationEmail   IntegrationType = "EMAIL"
	IntegrationSMS     IntegrationType = "SMS"
	IntegrationWebhook IntegrationType = "WEBHOOK"
	IntegrationTeams   IntegrationType = "TEAMS"
	IntegrationDiscord IntegrationType = "DISCORD"
	IntegrationTest    IntegrationType = "TEST"
)

// IntegrationTypes lists every valid IntegrationType.
var IntegrationTypes = []IntegrationType{
	IntegrationSlack, IntegrationWeb, IntegrationCLI, IntegrationTool, IntegrationEmail,
	IntegrationSMS, IntegrationWebhook, IntegrationTeams, IntegrationDiscord, IntegrationTest,
}

// Valid reports whether t is a member of the closed set.
func (t IntegrationType) Valid() bool {
	for _, v := range IntegrationTypes {
		if t == v {
			return true
		}
	}
	return false
}

// ParseIntegrationType accepts any casing and returns the canonical value.
func ParseIntegrationType(s string) (IntegrationType, error) {
	t := IntegrationType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("models: unknown integration type %q", s)
	}
	return t, nil
}

// SessionStatus is the lifecycle state of a RequestSession.
type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionInactive SessionStatus = "INACTIVE"
	SessionExpired  SessionStatus = "EXPIRED"
	SessionArchived SessionStatus = "ARCHIVED"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionInactive, SessionExpired, SessionArchived:
		return true
	}
	return false
}

// Terminal reports whether no further conversation mutation is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionExpired || s == SessionArchived
}

// ParseSessionStatus accepts any casing and returns the canonical value.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("models: unknown session status %q", s)
	}
	return st, nil
}

// DeliveryStatus is the state of a DeliveryLog retry chain.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
	DeliveryFailed    DeliveryStatus = "FAILED"
	DeliveryRetrying  DeliveryStatus = "RETRYING"
	DeliveryExpired   DeliveryStatus = "EXPIRED"
)

// Valid reports whether s is a known delivery status.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliveryDelivered, DeliveryFailed, DeliveryRetrying, DeliveryExpired:
		return true
	}
	return false
}

// Terminal reports whether the chain is finished. DELIVERED, FAILED and
// EXPIRED accept no further attempts.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliveryExpired
}
