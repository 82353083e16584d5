package api

import (
	"github.com/bytedance/sonic"

	"board-api/cards"
	"board-api/domain"
)

const maxBodySize = 64 * 1024 // 64 KiB

const headerWorkspaceID = "X-Workspace-Id"

// POST /api/cards request body
type createCardRequest struct {
	ListID string `json:"listId"`
	Title  string `json:"title"`
	Task   string `json:"task"`
}

// PUT /api/cards/move request body
type moveCardRequest struct {
	CardID    string `json:"cardId"`
	ListID    string `json:"listId"`
	PrevOrder string `json:"prevOrder,omitempty"`
	NextOrder string `json:"nextOrder,omitempty"`
}

// PUT /api/cards/:id request body
type updateCardRequest struct {
	ExpectedVersion *int64            `json:"expectedVersion"`
	Title           *string           `json:"title"`
	Task            *string           `json:"task"`
	DueDate         nullableString    `json:"dueDate"`
	Labels          *[]domain.Label   `json:"labels"`
	Style           *cards.StyleInput `json:"style"`
}

func (r updateCardRequest) input() cards.UpdateInput {
	in := cards.UpdateInput{
		ExpectedVersion: r.ExpectedVersion,
		Title:           r.Title,
		Task:            r.Task,
		Labels:          r.Labels,
		Style:           r.Style,
	}
	switch {
	case r.DueDate.Null:
		in.ClearDueDate = true
	case r.DueDate.Set:
		due := r.DueDate.Value
		in.DueDate = &due
	}
	return in
}

// nullableString tells an absent field from an explicit null.
type nullableString struct {
	Set   bool
	Null  bool
	Value string
}

func (n *nullableString) UnmarshalJSON(b []byte) error {
	n.Set = true
	if string(b) == "null" {
		n.Null = true
		return nil
	}
	return sonic.Unmarshal(b, &n.Value)
}

// POST /api/cards/:id/background-upload response body
type uploadResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type deleteResponse struct {
	ID string `json:"id"`
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Message     string               `json:"message"`
	Reason      domain.ErrorCode     `json:"reason,omitempty"`
	CurrentCard *domain.CardSnapshot `json:"currentCard,omitempty"`
}
