package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"board-api/domain"
)

const (
	edmInt64 = "Edm.Int64"

	// unconditional writes re-read and retry on ETag races at most this often.
	maxETagRetries = 5
)

// TableNames selects the tables used by Tables. Empty audit, users or
// members names disable that part.
type TableNames struct {
	Cards   string
	Audit   string
	Users   string
	Members string
}

// Tables stores cards in Azure Table Storage. Cards are partitioned by
// workspace and keyed by id; the entity ETag gates every write so version
// checks are atomic.
type Tables struct {
	cards   *aztables.Client
	audit   *aztables.Client
	users   *aztables.Client
	members *aztables.Client
}

// NewTables creates a Tables instance from the given connection string.
func NewTables(connStr string, names TableNames) (*Tables, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	t := &Tables{cards: svc.NewClient(names.Cards)}
	if names.Audit != "" {
		t.audit = svc.NewClient(names.Audit)
	}
	if names.Users != "" {
		t.users = svc.NewClient(names.Users)
	}
	if names.Members != "" {
		t.members = svc.NewClient(names.Members)
	}
	return t, nil
}

// HasAudit reports whether an audit table is configured.
func (t *Tables) HasAudit() bool { return t.audit != nil }

// HasMembers reports whether a members table is configured.
func (t *Tables) HasMembers() bool { return t.members != nil }

type tableKeys struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

type cardEntity struct {
	tableKeys
	ListID      string `json:"ListID"`
	Title       string `json:"Title"`
	Task        string `json:"Task"`
	Order       string `json:"Order"`
	Version     int64  `json:"Version,string"`
	VersionType string `json:"Version@odata.type"`
	DueDate     string `json:"DueDate,omitempty"`
	Labels      string `json:"Labels"`
	Style       string `json:"Style"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

func toCardEntity(c domain.Card) (cardEntity, error) {
	labels := c.Labels
	if labels == nil {
		labels = []domain.Label{}
	}
	lb, err := json.Marshal(labels)
	if err != nil {
		return cardEntity{}, err
	}
	sb, err := json.Marshal(c.Style)
	if err != nil {
		return cardEntity{}, err
	}
	ent := cardEntity{
		tableKeys:   tableKeys{PartitionKey: c.WorkspaceID, RowKey: c.ID},
		ListID:      c.ListID,
		Title:       c.Title,
		Task:        c.Task,
		Order:       c.Order,
		Version:     c.Version,
		VersionType: edmInt64,
		Labels:      string(lb),
		Style:       string(sb),
		CreatedAt:   c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:   c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if c.DueDate != nil {
		ent.DueDate = c.DueDate.UTC().Format(time.RFC3339Nano)
	}
	return ent, nil
}

func (e cardEntity) card() (domain.Card, error) {
	c := domain.Card{
		ID:          e.RowKey,
		WorkspaceID: e.PartitionKey,
		ListID:      e.ListID,
		Title:       e.Title,
		Task:        e.Task,
		Order:       e.Order,
		Version:     e.Version,
		Labels:      []domain.Label{},
		Style:       domain.Style{BackgroundType: domain.BackgroundDefault},
	}
	if e.Labels != "" {
		if err := json.Unmarshal([]byte(e.Labels), &c.Labels); err != nil {
			return c, fmt.Errorf("decode labels of %s: %w", e.RowKey, err)
		}
	}
	if e.Style != "" {
		if err := json.Unmarshal([]byte(e.Style), &c.Style); err != nil {
			return c, fmt.Errorf("decode style of %s: %w", e.RowKey, err)
		}
	}
	if e.DueDate != "" {
		d, err := time.Parse(time.RFC3339Nano, e.DueDate)
		if err != nil {
			return c, fmt.Errorf("decode due date of %s: %w", e.RowKey, err)
		}
		c.DueDate = &d
	}
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, e.CreatedAt)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, e.UpdatedAt)
	return c, nil
}

func (t *Tables) read(ctx context.Context, workspaceID, id string) (domain.Card, azcore.ETag, error) {
	resp, err := t.cards.GetEntity(ctx, workspaceID, id, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return domain.Card{}, "", fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return domain.Card{}, "", err
	}
	var ent cardEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Card{}, "", err
	}
	c, err := ent.card()
	return c, resp.ETag, err
}

func (t *Tables) GetCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	c, _, err := t.read(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *Tables) ListCards(ctx context.Context, workspaceID, listID string) ([]domain.Card, error) {
	filter := fmt.Sprintf("PartitionKey eq %s and ListID eq %s", odataString(workspaceID), odataString(listID))
	pager := t.cards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.Card{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			var ent cardEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			c, err := ent.card()
			if err != nil {
				return nil, err
			}
			out = append(out, c)
		}
	}
	sortCards(out)
	return out, nil
}

func (t *Tables) LastCard(ctx context.Context, workspaceID, listID string) (*domain.Card, error) {
	list, err := t.ListCards(ctx, workspaceID, listID)
	if err != nil || len(list) == 0 {
		return nil, err
	}
	return &list[len(list)-1], nil
}

func (t *Tables) HasOtherCards(ctx context.Context, workspaceID, listID, excludeID string) (bool, error) {
	filter := fmt.Sprintf("PartitionKey eq %s and ListID eq %s and RowKey ne %s",
		odataString(workspaceID), odataString(listID), odataString(excludeID))
	top := int32(1)
	pager := t.cards.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top, Select: to("RowKey")})
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return false, err
		}
		if len(resp.Entities) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (t *Tables) InsertCard(ctx context.Context, card domain.Card) error {
	ent, err := toCardEntity(card)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = t.cards.AddEntity(ctx, payload, nil)
	}
	return err
}

// UpdateCardIfVersion writes patch only when the stored version is expected.
// The replace is gated on the ETag of the entity that was checked, so a
// concurrent writer in between surfaces as domain.ErrVersionMismatch.
func (t *Tables) UpdateCardIfVersion(ctx context.Context, workspaceID, id string, expected int64, patch domain.CardPatch) (*domain.Card, error) {
	c, etag, err := t.read(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if c.Version != expected {
		return nil, fmt.Errorf("card %s at version %d: %w", id, c.Version, domain.ErrVersionMismatch)
	}
	return t.replace(ctx, c, etag, patch)
}

// UpdateCard applies patch regardless of version, re-reading on ETag races.
func (t *Tables) UpdateCard(ctx context.Context, workspaceID, id string, patch domain.CardPatch) (*domain.Card, error) {
	for attempt := 0; ; attempt++ {
		c, etag, err := t.read(ctx, workspaceID, id)
		if err != nil {
			return nil, err
		}
		out, err := t.replace(ctx, c, etag, patch)
		if err == nil || !errors.Is(err, domain.ErrVersionMismatch) || attempt >= maxETagRetries {
			return out, err
		}
	}
}

func (t *Tables) replace(ctx context.Context, c domain.Card, etag azcore.ETag, patch domain.CardPatch) (*domain.Card, error) {
	if patch.UpdatedAt.IsZero() {
		patch.UpdatedAt = time.Now().UTC()
	}
	patch.Apply(&c)
	ent, err := toCardEntity(c)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return nil, err
	}
	_, err = t.cards.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &etag, UpdateMode: aztables.UpdateModeReplace})
	if err != nil {
		switch {
		case hasStatus(err, http.StatusPreconditionFailed):
			return nil, fmt.Errorf("card %s: %w", c.ID, domain.ErrVersionMismatch)
		case hasStatus(err, http.StatusNotFound):
			return nil, fmt.Errorf("card %s: %w", c.ID, domain.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

func (t *Tables) DeleteCard(ctx context.Context, workspaceID, id string) (*domain.Card, error) {
	c, etag, err := t.read(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if _, err := t.cards.DeleteEntity(ctx, workspaceID, id, &aztables.DeleteEntityOptions{IfMatch: &etag}); err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return nil, fmt.Errorf("card %s: %w", id, domain.ErrNotFound)
		}
		return nil, err
	}
	return &c, nil
}

type auditEntity struct {
	tableKeys
	ID          string `json:"ID"`
	Action      string `json:"Action"`
	Details     string `json:"Details"`
	PerformedBy string `json:"PerformedBy,omitempty"`
	Timestamp   string `json:"RecordedAt"`
}

// auditRowKey sorts newest records first inside a partition.
func auditRowKey(rec domain.AuditRecord) string {
	return fmt.Sprintf("%019d-%s", math.MaxInt64-rec.Timestamp.UnixNano(), rec.ID)
}

// auditPartition keeps records without a workspace in their own partition.
func auditPartition(workspaceID string) string {
	if workspaceID == "" {
		return "_global"
	}
	return workspaceID
}

// AppendAudit stores rec in the audit table.
func (t *Tables) AppendAudit(ctx context.Context, rec domain.AuditRecord) error {
	if t.audit == nil {
		return errors.New("audit table not configured")
	}
	ent := auditEntity{
		tableKeys:   tableKeys{PartitionKey: auditPartition(rec.WorkspaceID), RowKey: auditRowKey(rec)},
		ID:          rec.ID,
		Action:      string(rec.Action),
		Details:     rec.Details,
		PerformedBy: rec.PerformedBy,
		Timestamp:   rec.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = t.audit.AddEntity(ctx, payload, nil)
	}
	return err
}

// ListAudit pages through a workspace partition, newest first.
func (t *Tables) ListAudit(ctx context.Context, workspaceID string, limit, offset int) ([]domain.AuditRecord, error) {
	if t.audit == nil {
		return nil, errors.New("audit table not configured")
	}
	filter := "PartitionKey eq " + odataString(auditPartition(workspaceID))
	pager := t.audit.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	out := []domain.AuditRecord{}
	skipped := 0
	for pager.More() && len(out) < limit {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, raw := range resp.Entities {
			if skipped < offset {
				skipped++
				continue
			}
			var ent auditEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, err
			}
			ts, _ := time.Parse(time.RFC3339Nano, ent.Timestamp)
			out = append(out, domain.AuditRecord{
				ID:          ent.ID,
				Action:      domain.AuditAction(ent.Action),
				Details:     ent.Details,
				PerformedBy: ent.PerformedBy,
				WorkspaceID: workspaceID,
				Timestamp:   ts,
			})
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type userStatusEntity struct {
	tableKeys
	Status          string `json:"Status"`
	StatusChangedAt string `json:"StatusChangedAt"`
}

// SetUserStatus merges the presence status into the user's profile row.
func (t *Tables) SetUserStatus(ctx context.Context, userID string, status domain.UserStatus) error {
	if t.users == nil {
		return nil
	}
	ent := userStatusEntity{
		tableKeys:       tableKeys{PartitionKey: userID, RowKey: userID},
		Status:          string(status),
		StatusChangedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	payload, err := json.Marshal(ent)
	if err == nil {
		_, err = t.users.UpsertEntity(ctx, payload, &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeMerge})
	}
	return err
}

type memberEntity struct {
	tableKeys
	Role string `json:"Role"`
}

// SetMember grants role to a user in a workspace.
func (t *Tables) SetMember(ctx context.Context, workspaceID, userID string, role domain.Role) error {
	if t.members == nil {
		return errors.New("members table not configured")
	}
	payload, err := json.Marshal(memberEntity{tableKeys: tableKeys{PartitionKey: workspaceID, RowKey: userID}, Role: string(role)})
	if err == nil {
		_, err = t.members.UpsertEntity(ctx, payload, nil)
	}
	return err
}

// MemberRole returns the role of a user in a workspace.
func (t *Tables) MemberRole(ctx context.Context, workspaceID, userID string) (domain.Role, error) {
	if t.members == nil {
		return "", errors.New("members table not configured")
	}
	resp, err := t.members.GetEntity(ctx, workspaceID, userID, nil)
	if err != nil {
		if hasStatus(err, http.StatusNotFound) {
			return "", fmt.Errorf("member %s of %s: %w", userID, workspaceID, domain.ErrNotFound)
		}
		return "", err
	}
	var ent memberEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return "", err
	}
	return domain.Role(ent.Role), nil
}

func hasStatus(err error, status int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == status
}

// odataString quotes s as an OData string literal.
func odataString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func to[T any](v T) *T { return &v }
