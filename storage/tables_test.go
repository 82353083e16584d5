package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	"board-api/domain"
)

func TestCardEntityRoundTrip(t *testing.T) {
	due := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	color := "#112233"
	in := domain.Card{
		ID: "c1", WorkspaceID: "w", ListID: "todo", Title: "A", Task: "x", Order: "i", Version: 7,
		DueDate:   &due,
		Labels:    []domain.Label{{ID: "l1", Name: "bug", Color: "#ff0000"}},
		Style:     domain.Style{BackgroundType: domain.BackgroundColor, BackgroundColor: &color},
		CreatedAt: due, UpdatedAt: due.Add(time.Hour),
	}
	ent, err := toCardEntity(in)
	if err != nil {
		t.Fatalf("to entity: %v", err)
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	_ = json.Unmarshal(payload, &raw)
	if raw["Version"] != "7" || raw["Version@odata.type"] != edmInt64 {
		t.Fatalf("version not stored as Edm.Int64: %v / %v", raw["Version"], raw["Version@odata.type"])
	}

	var back cardEntity
	if err := json.Unmarshal(payload, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	out, err := back.card()
	if err != nil {
		t.Fatalf("from entity: %v", err)
	}
	if out.ID != in.ID || out.WorkspaceID != "w" || out.Version != 7 || out.Order != "i" {
		t.Fatalf("keys lost: %+v", out)
	}
	if out.DueDate == nil || !out.DueDate.Equal(due) || !out.UpdatedAt.Equal(in.UpdatedAt) {
		t.Fatalf("times lost: %+v", out)
	}
	if len(out.Labels) != 1 || *out.Style.BackgroundColor != color {
		t.Fatalf("labels or style lost: %+v", out)
	}
}

func TestCardEntityDefaultsForLegacyRows(t *testing.T) {
	out, err := cardEntity{tableKeys: tableKeys{PartitionKey: "w", RowKey: "c1"}}.card()
	if err != nil {
		t.Fatalf("card: %v", err)
	}
	if out.Version != 0 || out.Style.BackgroundType != domain.BackgroundDefault || out.Labels == nil {
		t.Fatalf("unexpected defaults %+v", out)
	}
}

func TestAuditRowKeySortsNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var keys []string
	for i := 0; i < 5; i++ {
		keys = append(keys, auditRowKey(domain.AuditRecord{ID: fmt.Sprint(i), Timestamp: base.Add(time.Duration(i) * time.Second)}))
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for i := range sorted {
		if sorted[i] != keys[len(keys)-1-i] {
			t.Fatalf("row keys not in reverse time order: %v", sorted)
		}
	}
}

func TestODataStringEscapesQuotes(t *testing.T) {
	if got := odataString("o'brien"); got != "'o''brien'" {
		t.Fatalf("odataString = %s", got)
	}
}

func TestHasStatus(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &azcore.ResponseError{StatusCode: http.StatusPreconditionFailed})
	if !hasStatus(err, http.StatusPreconditionFailed) {
		t.Fatalf("expected 412 match")
	}
	if hasStatus(errors.New("plain"), http.StatusNotFound) {
		t.Fatalf("plain error matched")
	}
}
