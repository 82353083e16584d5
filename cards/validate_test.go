package cards

import (
	"testing"

	"board-api/domain"
)

func strPtr(s string) *string { return &s }

func TestUpdateInputValidation(t *testing.T) {
	zero := int64(0)
	neg := int64(-1)
	badLabels := []domain.Label{{ID: "l1", Name: "x", Color: "red"}}
	blankLabel := []domain.Label{{ID: "l1", Name: "   ", Color: "#ffffff"}}
	noIDLabel := []domain.Label{{Name: "x", Color: "#ffffff"}}

	tests := []struct {
		name string
		in   UpdateInput
	}{
		{"missing version", UpdateInput{Title: strPtr("x")}},
		{"negative version", UpdateInput{ExpectedVersion: &neg, Title: strPtr("x")}},
		{"no fields", UpdateInput{ExpectedVersion: &zero}},
		{"blank title", UpdateInput{ExpectedVersion: &zero, Title: strPtr(" ")}},
		{"blank task", UpdateInput{ExpectedVersion: &zero, Task: strPtr("")}},
		{"bad due date", UpdateInput{ExpectedVersion: &zero, DueDate: strPtr("next tuesday")}},
		{"bad label color", UpdateInput{ExpectedVersion: &zero, Labels: &badLabels}},
		{"blank label name", UpdateInput{ExpectedVersion: &zero, Labels: &blankLabel}},
		{"label without id", UpdateInput{ExpectedVersion: &zero, Labels: &noIDLabel}},
		{"color without hex", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "color"}}},
		{"color with bad hex", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "color", BackgroundColor: strPtr("#12345")}}},
		{"default with color", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "default", BackgroundColor: strPtr("#123456")}}},
		{"color without type", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundColor: strPtr("#123456")}}},
		{"only an empty style", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{}}},
		{"unknown type", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "gradient"}}},
		{"image without url", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "image"}}},
		{"image with relative url", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "image", BackgroundImageURL: strPtr("/a.png")}}},
		{"image with color", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "image", BackgroundColor: strPtr("#123456"), BackgroundImageURL: strPtr("https://cdn.example.com/a.png")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.in.toPatch()
			if domain.CodeOf(err) != domain.CodeValidation {
				t.Fatalf("err = %v, want validation", err)
			}
		})
	}
}

func TestUpdateInputAccepts(t *testing.T) {
	zero := int64(0)
	tests := []struct {
		name  string
		in    UpdateInput
		check func(t *testing.T, p domain.CardPatch)
	}{
		{"rfc3339 due date", UpdateInput{ExpectedVersion: &zero, DueDate: strPtr("2024-06-01T10:00:00+02:00")}, func(t *testing.T, p domain.CardPatch) {
			if p.DueDate == nil || p.DueDate.Hour() != 8 {
				t.Fatalf("due date not normalised to UTC: %v", p.DueDate)
			}
		}},
		{"null due date", UpdateInput{ExpectedVersion: &zero, ClearDueDate: true}, func(t *testing.T, p domain.CardPatch) {
			if !p.ClearDueDate {
				t.Fatalf("clear flag lost")
			}
		}},
		{"default style", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "default"}}, func(t *testing.T, p domain.CardPatch) {
			if p.Style.BackgroundType != domain.BackgroundDefault || p.Style.BackgroundColor != nil {
				t.Fatalf("unexpected style %+v", p.Style)
			}
		}},
		{"image style", UpdateInput{ExpectedVersion: &zero, Style: &StyleInput{BackgroundType: "image", BackgroundImageURL: strPtr("https://cdn.example.com/a.png")}}, func(t *testing.T, p domain.CardPatch) {
			if p.Style.BackgroundImageURL == nil {
				t.Fatalf("image url lost")
			}
		}},
		{"empty style with title", UpdateInput{ExpectedVersion: &zero, Title: strPtr("t"), Style: &StyleInput{}}, func(t *testing.T, p domain.CardPatch) {
			if p.Style != nil || p.Title == nil {
				t.Fatalf("empty style should leave style untouched: %+v", p)
			}
		}},
		{"trimmed title", UpdateInput{ExpectedVersion: &zero, Title: strPtr("  hi  ")}, func(t *testing.T, p domain.CardPatch) {
			if *p.Title != "hi" {
				t.Fatalf("title = %q", *p.Title)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.in.toPatch()
			if err != nil {
				t.Fatalf("toPatch: %v", err)
			}
			tt.check(t, p)
		})
	}
}
