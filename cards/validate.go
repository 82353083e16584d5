package cards

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"board-api/domain"
)

var hexColor = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)

// StyleInput is the raw style object of an update request. An empty
// BackgroundType means the field was not sent.
type StyleInput struct {
	BackgroundType     string  `json:"backgroundType"`
	BackgroundColor    *string `json:"backgroundColor"`
	BackgroundImageURL *string `json:"backgroundImageUrl"`
}

// UpdateInput is a partial card update guarded by ExpectedVersion.
type UpdateInput struct {
	ExpectedVersion *int64
	Title           *string
	Task            *string
	// DueDate is the raw date text. ClearDueDate is set when the caller sent null.
	DueDate      *string
	ClearDueDate bool
	Labels       *[]domain.Label
	Style        *StyleInput
}

func (in UpdateInput) empty() bool {
	return in.Title == nil && in.Task == nil && in.DueDate == nil && !in.ClearDueDate &&
		in.Labels == nil && (in.Style == nil || in.Style.blank())
}

// blank reports an empty style object, which leaves the stored style as is.
func (in StyleInput) blank() bool {
	return in.BackgroundType == "" && in.BackgroundColor == nil && in.BackgroundImageURL == nil
}

// toPatch validates in and converts it into a storage patch.
func (in UpdateInput) toPatch() (domain.CardPatch, error) {
	var patch domain.CardPatch
	if in.ExpectedVersion == nil {
		return patch, domain.Validation("expectedVersion is required")
	}
	if *in.ExpectedVersion < 0 {
		return patch, domain.Validation("expectedVersion must be a non-negative integer")
	}
	if in.empty() {
		return patch, domain.Validation("update must change at least one field")
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return patch, domain.Validation("title must not be empty")
		}
		patch.Title = &title
	}
	if in.Task != nil {
		task := strings.TrimSpace(*in.Task)
		if task == "" {
			return patch, domain.Validation("task must not be empty")
		}
		patch.Task = &task
	}
	if in.ClearDueDate {
		patch.ClearDueDate = true
	} else if in.DueDate != nil {
		due, err := parseDueDate(*in.DueDate)
		if err != nil {
			return patch, err
		}
		patch.DueDate = &due
	}
	if in.Labels != nil {
		labels, err := normalizeLabels(*in.Labels)
		if err != nil {
			return patch, err
		}
		patch.Labels = &labels
	}
	if in.Style != nil && !in.Style.blank() {
		style, err := validateStyle(*in.Style)
		if err != nil {
			return patch, err
		}
		patch.Style = &style
	}
	return patch, nil
}

func parseDueDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, domain.Validation("dueDate is not a valid date")
}

func normalizeLabels(labels []domain.Label) ([]domain.Label, error) {
	out := make([]domain.Label, 0, len(labels))
	for i, l := range labels {
		if strings.TrimSpace(l.ID) == "" {
			return nil, domain.Validation("label %d requires an id", i)
		}
		name := strings.TrimSpace(l.Name)
		if name == "" {
			return nil, domain.Validation("label %d requires a name", i)
		}
		if !hexColor.MatchString(l.Color) {
			return nil, domain.Validation("label %d requires a #RRGGBB color", i)
		}
		out = append(out, domain.Label{ID: l.ID, Name: name, Color: l.Color})
	}
	return out, nil
}

func validateStyle(in StyleInput) (domain.Style, error) {
	switch domain.BackgroundType(in.BackgroundType) {
	case "":
		if in.BackgroundColor != nil || in.BackgroundImageURL != nil {
			return domain.Style{}, domain.Validation("backgroundType is required with backgroundColor or backgroundImageUrl")
		}
		return domain.Style{}, nil
	case domain.BackgroundDefault:
		if in.BackgroundColor != nil || in.BackgroundImageURL != nil {
			return domain.Style{}, domain.Validation("backgroundColor and backgroundImageUrl must be null when backgroundType is default")
		}
		return domain.Style{BackgroundType: domain.BackgroundDefault}, nil
	case domain.BackgroundColor:
		if in.BackgroundColor == nil || !hexColor.MatchString(*in.BackgroundColor) {
			return domain.Style{}, domain.Validation("backgroundColor must be #RRGGBB when backgroundType is color")
		}
		if in.BackgroundImageURL != nil {
			return domain.Style{}, domain.Validation("backgroundImageUrl must be null when backgroundType is color")
		}
		color := *in.BackgroundColor
		return domain.Style{BackgroundType: domain.BackgroundColor, BackgroundColor: &color}, nil
	case domain.BackgroundImage:
		if in.BackgroundColor != nil {
			return domain.Style{}, domain.Validation("backgroundColor must be null when backgroundType is image")
		}
		if in.BackgroundImageURL == nil || !isHTTPURL(*in.BackgroundImageURL) {
			return domain.Style{}, domain.Validation("backgroundImageUrl must be an absolute http(s) URL when backgroundType is image")
		}
		u := *in.BackgroundImageURL
		return domain.Style{BackgroundType: domain.BackgroundImage, BackgroundImageURL: &u}, nil
	default:
		return domain.Style{}, domain.Validation("unknown backgroundType %q", in.BackgroundType)
	}
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
