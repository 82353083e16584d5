package realtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/bytedance/sonic"

	"board-api/domain"
)

const (
	cardA = "6f1b6c52-3f7e-4c7a-9a0e-0f5c1d2e3a01"
	cardB = "6f1b6c52-3f7e-4c7a-9a0e-0f5c1d2e3a02"
)

func TestDecodeInboundKinds(t *testing.T) {
	cases := []struct {
		frame string
		want  string
	}{
		{`{"event":"workspace:join","data":{"workspaceId":"w","username":"alice"}}`, EventJoin},
		{`{"event":"workspace:leave","data":{"workspaceId":"w"}}`, EventLeave},
		{`{"event":"card:move:request","data":{"operationId":"op","cardId":"` + cardA + `","targetListId":"todo","expectedVersion":0,"workspaceId":"w"}}`, EventMoveRequest},
		{`{"event":"card:editing:start","data":{"cardId":"` + cardA + `","username":"alice","workspaceId":"w"}}`, EventEditingStart},
		{`{"event":"card:editing:stop","data":{"cardId":"` + cardA + `","username":"alice","workspaceId":"w"}}`, EventEditingStop},
	}
	for _, tc := range cases {
		msg, err := DecodeInbound([]byte(tc.frame))
		if err != nil {
			t.Fatalf("%s: %v", tc.want, err)
		}
		if msg.event() != tc.want {
			t.Fatalf("decoded %s as %s", tc.want, msg.event())
		}
	}
}

func TestDecodeInboundFailures(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"event":`,
		"unknown event": `{"event":"card:delete","data":{}}`,
		"missing data":  `{"event":"workspace:join"}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeInbound([]byte(frame))
			var derr *DecodeError
			if !errors.As(err, &derr) {
				t.Fatalf("expected DecodeError, got %v", err)
			}
		})
	}
}

func TestDecodeMoveRecoversOperationID(t *testing.T) {
	frame := `{"event":"card:move:request","data":{"operationId":"op-9","cardId":"` + cardA + `","expectedVersion":"two"}}`
	_, err := DecodeInbound([]byte(frame))
	var derr *DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if derr.Event != EventMoveRequest || derr.OperationID != "op-9" {
		t.Fatalf("got %+v", derr)
	}
}

func TestMoveRequestValidate(t *testing.T) {
	zero, negative := int64(0), int64(-1)
	bad, empty, good := "not-a-uuid", "", cardB
	valid := func() MoveRequest {
		return MoveRequest{OperationID: "op", CardID: cardA, TargetListID: "todo", ExpectedVersion: &zero, WorkspaceID: "w"}
	}
	cases := []struct {
		name   string
		mutate func(*MoveRequest)
		msg    string
	}{
		{"missing operation", func(m *MoveRequest) { m.OperationID = " " }, "operationId"},
		{"missing workspace", func(m *MoveRequest) { m.WorkspaceID = "" }, "workspaceId"},
		{"card not uuid", func(m *MoveRequest) { m.CardID = bad }, "cardId"},
		{"missing list", func(m *MoveRequest) { m.TargetListID = "" }, "targetListId"},
		{"before not uuid", func(m *MoveRequest) { m.BeforeCardID = &bad }, "beforeCardId"},
		{"after not uuid", func(m *MoveRequest) { m.AfterCardID = &bad }, "afterCardId"},
		{"missing version", func(m *MoveRequest) { m.ExpectedVersion = nil }, "expectedVersion"},
		{"negative version", func(m *MoveRequest) { m.ExpectedVersion = &negative }, "expectedVersion"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := valid()
			tc.mutate(&m)
			err := m.validate()
			if domain.CodeOf(err) != domain.CodeValidation || !strings.Contains(err.Error(), tc.msg) {
				t.Fatalf("got %v", err)
			}
		})
	}

	m := valid()
	m.BeforeCardID, m.AfterCardID = &empty, &good
	if err := m.validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
}

func TestEncodeWrapsEnvelope(t *testing.T) {
	frame, err := Encode(EventUsers, WorkspaceUsers{WorkspaceID: "w", Users: []domain.Presence{{ConnectionID: "c1", Username: "alice"}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got struct {
		Event string `json:"event"`
		Data  struct {
			WorkspaceID string           `json:"workspaceId"`
			Users       []map[string]any `json:"users"`
		} `json:"data"`
	}
	if err := sonic.Unmarshal(frame, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Event != EventUsers || got.Data.WorkspaceID != "w" || len(got.Data.Users) != 1 {
		t.Fatalf("frame = %s", frame)
	}
	user := got.Data.Users[0]
	if _, ok := user["userId"]; !ok || user["userId"] != nil {
		t.Fatalf("userId must be present and null: %s", frame)
	}
	if _, ok := user["connectionId"]; ok {
		t.Fatalf("connection id leaked: %s", frame)
	}
}
