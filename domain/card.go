package domain

import "time"

// BackgroundType selects how a card background is rendered.
type BackgroundType string

const (
	BackgroundDefault BackgroundType = "default"
	BackgroundColor   BackgroundType = "color"
	BackgroundImage   BackgroundType = "image"
)

// Label is a coloured tag attached to a card.
type Label struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// Style carries the background settings of a card. Companion fields are
// required or forbidden depending on BackgroundType.
type Style struct {
	BackgroundType     BackgroundType `json:"backgroundType"`
	BackgroundColor    *string        `json:"backgroundColor"`
	BackgroundImageURL *string        `json:"backgroundImageUrl,omitempty"`
}

// Card is a single board item. Order is the rank key inside its
// {WorkspaceID, ListID} partition and Version is bumped by exactly one on
// every accepted mutation.
type Card struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspaceId"`
	ListID      string     `json:"listId"`
	Title       string     `json:"title"`
	Task        string     `json:"task"`
	Order       string     `json:"order"`
	Version     int64      `json:"version"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Labels      []Label    `json:"labels"`
	Style       Style      `json:"style"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share label slices or pointers
// with a store.
func (c Card) Clone() Card {
	out := c
	if c.DueDate != nil {
		d := *c.DueDate
		out.DueDate = &d
	}
	out.Labels = append([]Label{}, c.Labels...)
	if c.Style.BackgroundColor != nil {
		v := *c.Style.BackgroundColor
		out.Style.BackgroundColor = &v
	}
	if c.Style.BackgroundImageURL != nil {
		v := *c.Style.BackgroundImageURL
		out.Style.BackgroundImageURL = &v
	}
	return out
}

// Snapshot returns the fields a client needs to reconcile after a conflict.
func (c Card) Snapshot() *CardSnapshot {
	return &CardSnapshot{
		ID:      c.ID,
		Title:   c.Title,
		Task:    c.Task,
		ListID:  c.ListID,
		Order:   c.Order,
		Version: c.Version,
	}
}

// CardSnapshot is the live state attached to conflict errors.
type CardSnapshot struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	Task    string `json:"task,omitempty"`
	ListID  string `json:"listId"`
	Order   string `json:"order"`
	Version int64  `json:"version"`
}

// CardPatch is a partial update. Nil fields are left untouched.
type CardPatch struct {
	Title        *string
	Task         *string
	DueDate      *time.Time
	ClearDueDate bool
	Labels       *[]Label
	Style        *Style
	ListID       *string
	Order        *string
	UpdatedAt    time.Time
}

// Empty reports whether the patch changes no card field.
func (p CardPatch) Empty() bool {
	return p.Title == nil && p.Task == nil && p.DueDate == nil && !p.ClearDueDate &&
		p.Labels == nil && p.Style == nil && p.ListID == nil && p.Order == nil
}

// Apply writes the patch into c and advances its version.
func (p CardPatch) Apply(c *Card) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Task != nil {
		c.Task = *p.Task
	}
	if p.ClearDueDate {
		c.DueDate = nil
	} else if p.DueDate != nil {
		d := *p.DueDate
		c.DueDate = &d
	}
	if p.Labels != nil {
		c.Labels = append([]Label{}, (*p.Labels)...)
	}
	if p.Style != nil {
		c.Style = *p.Style
	}
	if p.ListID != nil {
		c.ListID = *p.ListID
	}
	if p.Order != nil {
		c.Order = *p.Order
	}
	c.Version++
	if !p.UpdatedAt.IsZero() {
		c.UpdatedAt = p.UpdatedAt
	}
}

// MoveResult is the outcome of an accepted realtime move.
type MoveResult struct {
	CardID    string    `json:"cardId"`
	ListID    string    `json:"listId"`
	Order     string    `json:"order"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}
