package models

import "time"

// Funnel is an ordered sales pipeline.
type Funnel struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}

// Stage is one step of a funnel.
type Stage struct {
	ID       string `json:"id"`
	FunnelID string `json:"funnel_id"`
	Name     string `json:"name"`
	Position int    `json:"position"`
}

// Contact is a customer reachable over WhatsApp.
type Contact struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
	Phone          string `json:"phone"`
	Email          string `json:"email,omitempty"`
}

// Deal is a pipeline opportunity occupying one stage of one funnel.
type Deal struct {
	ID             string     `json:"id"`
	OrganizationID string     `json:"organization_id"`
	FunnelID       string     `json:"funnel_id"`
	StageID        string     `json:"stage_id"`
	ContactID      string     `json:"contact_id,omitempty"`
	Title          string     `json:"title"`
	Value          float64    `json:"value"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// DealHistory records one stage movement of a deal.
type DealHistory struct {
	ID          string    `json:"id"`
	DealID      string    `json:"deal_id"`
	FromStageID string    `json:"from_stage_id,omitempty"`
	ToStageID   string    `json:"to_stage_id"`
	Action      string    `json:"action"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// DealHistoryActionAutomationMove marks a move done by the stage transition engine.
const DealHistoryActionAutomationMove = "automation_timeout_move"
